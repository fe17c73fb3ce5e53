/*
Package swarmdl downloads content-addressed, chunked streams from swarms of
untrusted peers.

Peers are discovered asynchronously (see the dhtfeed package for a DHT-backed
source), accumulated into a per-session connection pool, and raced against each
other for every chunk the stream assembler asks for. Chunks are verified by a
chunk store before they're accepted, so no peer needs to be trusted, and a peer
that stalls or disappears only costs the time of its request timeout.

Simple example:

	d := swarmdl.New(nil, store, source, assembler)
	d.Start(func() { log.Print("stream downloaded") })
	defer d.Stop()
	<-d.Finished()
*/
package swarmdl
