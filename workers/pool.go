// Package workers runs data-parallel analysis stages on a fixed number of goroutines.
package workers

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/lock-contention-analyzer/types"
)

// Pool bounds the number of tasks that run at once. A Pool holds no goroutines between
// calls, so it is safe to share and needs no shutdown.
type Pool struct {
	size int
}

// NewPool returns a pool running at most size tasks concurrently.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		return nil, &types.InvalidInputError{Field: "pool size", Reason: fmt.Sprintf("must be positive, got %d", size)}
	}
	return &Pool{size: size}, nil
}

// DefaultPool sizes the pool to the number of logical CPUs.
func DefaultPool() *Pool {
	return &Pool{size: runtime.NumCPU()}
}

// Size is the number of concurrent workers.
func (p *Pool) Size() int {
	return p.size
}

// Run calls fn(ctx, i) for every i in [0, tasks) and waits for all of them. The first
// error cancels the context handed to the remaining tasks and is returned.
func (p *Pool) Run(ctx context.Context, tasks int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i := 0; i < tasks; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Chunk is the half-open index range [Lo, Hi).
type Chunk struct {
	Lo, Hi int
}

func (c Chunk) Len() int { return c.Hi - c.Lo }

// Partition splits [0, total) into parts chunks of total/parts elements followed by a
// residue chunk holding the remainder, if any. Empty chunks are omitted.
func Partition(total, parts int) []Chunk {
	if total <= 0 {
		return nil
	}
	if parts <= 0 {
		parts = 1
	}
	size := total / parts
	var chunks []Chunk
	if size > 0 {
		for i := 0; i < parts; i++ {
			chunks = append(chunks, Chunk{Lo: i * size, Hi: (i + 1) * size})
		}
	}
	if rest := size * parts; rest < total {
		chunks = append(chunks, Chunk{Lo: rest, Hi: total})
	}
	return chunks
}

// Map partitions [0, total) over the pool and collects one result per chunk, in chunk
// order.
func Map[R any](ctx context.Context, p *Pool, total int, fn func(ctx context.Context, c Chunk) (R, error)) ([]R, error) {
	chunks := Partition(total, p.size)
	results := make([]R, len(chunks))
	err := p.Run(ctx, len(chunks), func(ctx context.Context, i int) error {
		r, err := fn(ctx, chunks[i])
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
