package swarmdl

import (
	"context"
	"errors"
	"net"
	"os"
)

// Whether a chunk request failed by exceeding its timeout budget, as opposed
// to a protocol or I/O error. Connection deadlines surface as
// os.ErrDeadlineExceeded, context budgets as context.DeadlineExceeded, and
// some transports only implement net.Error.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
