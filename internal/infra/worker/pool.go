package worker

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of per-key work, e.g. one tenant's share of a tick.
type Task func(ctx context.Context, key string) error

// Result is how one task settled.
type Result struct {
	Key      string
	Err      error
	Duration time.Duration
}

// Pool runs tasks with a concurrency cap and waits for every one of them to
// settle. A failing or panicking task never cancels its siblings.
type Pool struct {
	limit int
}

func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Pool{limit: limit}
}

func (p *Pool) Limit() int { return p.limit }

// Settle runs task once per key and returns results in key order. Keys not
// started before ctx ends settle with ctx.Err().
func (p *Pool) Settle(ctx context.Context, keys []string, task Task) []Result {
	results := make([]Result, len(keys))
	var g errgroup.Group
	g.SetLimit(p.limit)

	var mu sync.Mutex
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			results[i] = Result{Key: key, Err: err}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			start := time.Now()
			err := run(ctx, key, task)
			mu.Lock()
			results[i] = Result{Key: key, Err: err, Duration: time.Since(start)}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func run(ctx context.Context, key string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", key, r, debug.Stack())
		}
	}()
	return task(ctx, key)
}

// Failed counts results carrying an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
