// Package batch provides fixed-size chunking and inter-batch pacing for
// write loops that must stay gentle on a remote database.
package batch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Chunk splits items into consecutive slices of at most size elements,
// preserving order. size <= 0 yields a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// Pacer spaces out batches: the first Wait returns immediately, every later
// Wait blocks until at least the configured pause has elapsed since the
// previous one.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer returns a Pacer with the given pause. pause <= 0 disables pacing.
func NewPacer(pause time.Duration) *Pacer {
	if pause <= 0 {
		return &Pacer{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{lim: rate.NewLimiter(rate.Every(pause), 1)}
}

// Wait blocks for the next slot or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.lim == nil {
		return ctx.Err()
	}
	return p.lim.Wait(ctx)
}
