// Command swarmdl downloads and seeds content-addressed streams.
//
// Seed a file and print its stream hash:
//
//	$ swarmdl serve --addr :17219 ./ubuntu.iso
//
// Download it elsewhere, racing any peers that show up:
//
//	$ swarmdl download --peer seedhost:17219 <stream hash>
package main

import (
	"context"
	"fmt"
	stdLog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/anacrolix/swarmdl"
	"github.com/anacrolix/swarmdl/assemble"
	"github.com/anacrolix/swarmdl/chunkstore"
	"github.com/anacrolix/swarmdl/dhtfeed"
	"github.com/anacrolix/swarmdl/fanin"
	"github.com/anacrolix/swarmdl/peerproto"
)

var flags struct {
	DataDir string `help:"chunk store location" default:"swarmdl-data"`

	*DownloadCmd `arg:"subcommand:download"`
	*ServeCmd    `arg:"subcommand:serve"`
}

type DownloadCmd struct {
	Peer           []string      `help:"addresses of known peers"`
	Dht            bool          `help:"also discover peers via the DHT"`
	OutputDir      string        `help:"where to write the assembled file" default:"."`
	Output         string        `help:"output filename, default from the stream descriptor"`
	DownloadRate   int64         `help:"max chunk bytes per second from peers"`
	RequestTimeout time.Duration `help:"per-peer chunk request budget"`
	ConnectTimeout time.Duration `help:"per-peer connect budget"`
	Stream         string        `arg:"positional,required" help:"stream hash to download"`
}

type ServeCmd struct {
	Addr string   `help:"listen address" default:":17219"`
	File []string `arg:"positional" help:"files to chunk into the store and seed"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		stdLog.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	switch {
	case flags.DownloadCmd != nil:
		return downloadErr()
	case flags.ServeCmd != nil:
		return serveErr()
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func downloadErr() error {
	cmd := flags.DownloadCmd
	store, err := chunkstore.OpenDir(flags.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var limiter *rate.Limiter
	if cmd.DownloadRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cmd.DownloadRate), 1<<16)
	}
	newPeer := func(addr string) swarmdl.Peer {
		c := peerproto.NewClient(addr, store)
		if limiter != nil {
			c.SetRateLimiter(limiter)
		}
		return c
	}

	source := new(fanin.Merger[swarmdl.Peer])
	if len(cmd.Peer) > 0 {
		addrs := cmd.Peer
		source.Add(func(yield func(swarmdl.Peer, error) bool) {
			for _, addr := range addrs {
				if !yield(newPeer(addr), nil) {
					return
				}
			}
		})
	}
	if cmd.Dht {
		target, err := dhtfeed.Target(cmd.Stream)
		if err != nil {
			return err
		}
		ds, err := dht.NewServer(nil)
		if err != nil {
			return fmt.Errorf("starting dht server: %w", err)
		}
		defer ds.Close()
		finder, err := dhtfeed.Find(dhtfeed.WrapServer(ds), target, newPeer, log.Default)
		if err != nil {
			return err
		}
		defer finder.Stop()
		source.Add(sourceSeq(finder))
	}
	if len(cmd.Peer) == 0 && !cmd.Dht {
		return fmt.Errorf("no peer sources: provide --peer or --dht")
	}

	cfg := swarmdl.NewDefaultConfig()
	cfg.OutputDir = cmd.OutputDir
	cfg.OutputFileName = cmd.Output
	if cmd.RequestTimeout != 0 {
		cfg.RequestTimeout = cmd.RequestTimeout
	}
	if cmd.ConnectTimeout != 0 {
		cfg.ConnectTimeout = cmd.ConnectTimeout
	}
	d := swarmdl.New(cfg, store, source, &assemble.Assembler{
		StreamHash: cmd.Stream,
		Store:      store,
	})
	d.Start(nil)
	defer d.Stop()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-interrupted:
		stdLog.Printf("close signal received: %v", sig)
		d.Stop()
		<-d.Finished()
		return nil
	case <-d.Finished():
		return d.Err()
	}
}

// Adapts a PeerSource to a fanin source so it can be merged with others.
func sourceSeq(f swarmdl.PeerSource) func(yield func(swarmdl.Peer, error) bool) {
	return func(yield func(swarmdl.Peer, error) bool) {
		for {
			p, ok := f.Next(context.Background())
			if !ok {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func serveErr() error {
	cmd := flags.ServeCmd
	store, err := chunkstore.OpenDir(flags.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	for _, path := range cmd.File {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		streamHash, err := assemble.CreateStream(store, f, fi.Name(), assemble.DefaultChunkSize)
		f.Close()
		if err != nil {
			return fmt.Errorf("importing %v: %w", path, err)
		}
		fmt.Printf("%v\t%v\t%v\n", streamHash, humanize.Bytes(uint64(fi.Size())), fi.Name())
	}
	server := peerproto.NewServer(store)
	addr, err := server.ListenAndServe(cmd.Addr)
	if err != nil {
		return err
	}
	defer server.Close()
	stdLog.Printf("seeding on %v", addr)
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	stdLog.Printf("close signal received: %v", <-interrupted)
	return nil
}
