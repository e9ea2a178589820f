// Package source fetches block batches for the dispatcher.
package source

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Source kinds accepted in configuration.
const (
	KindGRPC = "grpc"
	KindHTTP = "http"
)

// Source is a stream of finalized blocks.
type Source interface {
	// NextBlocks returns up to limit blocks with heights strictly above after,
	// in ascending order. An empty slice means nothing newer is available yet.
	NextBlocks(ctx context.Context, after uint64, limit uint32) ([]domain.Block, error)

	// Close releases the connection.
	Close() error
}

// RetryError carries a delay the source asked clients to wait before the
// next attempt.
type RetryError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Delay)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryDelay returns the server supplied delay.
func (e *RetryError) RetryDelay() time.Duration { return e.Delay }

// Classify maps a source failure to an error kind. Unavailability, timeouts
// and throttling are transient; every other status is fatal.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != nil {
		return err
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			if delay, ok := retryDelay(st); ok {
				err = &RetryError{Err: err, Delay: delay}
			}
			return domain.Wrap(domain.ErrTransport, op, err)
		case codes.Canceled:
			return domain.Wrap(domain.ErrTransport, op, err)
		default:
			return domain.Wrap(domain.ErrExecution, op, err)
		}
	}

	// Network failures and anything unrecognised are retried.
	return domain.Wrap(domain.ErrTransport, op, err)
}

func retryDelay(st *status.Status) (time.Duration, bool) {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}

// Validate checks that blocks start at after+1 and carry contiguous heights.
func Validate(after uint64, blocks []domain.Block) error {
	prev := after
	for i, b := range blocks {
		if b.Height != prev+1 {
			return domain.Errorf(domain.ErrTransport, "validate",
				"block %d has height %d, want %d", i, b.Height, prev+1)
		}
		prev = b.Height
	}
	return nil
}
