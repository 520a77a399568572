// Package groutine starts named goroutines. Names show up as pprof labels,
// which makes goroutine dumps of the dispatch and delivery loops readable.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name and an optional parent context.
//
//	groutine.Go(ctx, "central-dispatch", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoWG is Go with WaitGroup accounting: Add(1) before start, Done on exit.
func GoWG(parentCtx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer wg.Done()
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
