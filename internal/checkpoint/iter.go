package checkpoint

import (
	"context"
	"iter"
	"sync/atomic"
)

// DefaultPageSize is how many rows a paged List fetches per round trip.
const DefaultPageSize = 50

// PageFunc fetches up to size checkpoints with Seq strictly below cursor, newest
// first. A zero cursor starts at the newest checkpoint.
type PageFunc func(ctx context.Context, cursor int64, size int) ([]*Checkpoint, error)

// Paged turns a PageFunc into a lazy, single-use sequence. Pages are only fetched as
// the consumer advances. limit <= 0 means unbounded.
func Paged(ctx context.Context, fetch PageFunc, limit, pageSize int) iter.Seq2[*Checkpoint, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return Once(func(yield func(*Checkpoint, error) bool) {
		var cursor int64
		emitted := 0
		for {
			size := pageSize
			if limit > 0 && limit-emitted < size {
				size = limit - emitted
			}
			if size <= 0 {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := fetch(ctx, cursor, size)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, cp := range page {
				if !yield(cp, nil) {
					return
				}
				emitted++
				cursor = cp.Seq
			}
			if len(page) < size {
				return
			}
		}
	})
}

// Once guards seq so that it can be ranged over a single time. Later iterations
// yield ErrSequenceConsumed.
func Once(seq iter.Seq2[*Checkpoint, error]) iter.Seq2[*Checkpoint, error] {
	var used atomic.Bool
	return func(yield func(*Checkpoint, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrSequenceConsumed)
			return
		}
		seq(yield)
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Checkpoint, error]) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for cp, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, cp)
	}
	return out, nil
}
