package odb

import (
	"context"
	"runtime"

	"github.com/alitto/pond/v2"
)

// Bulk operations take an input channel owned and closed by the caller
// and return a result channel owned and closed by the driver. Results
// are unordered relative to the input; each carries the digest (or, for
// stores, the input position) it answers for. The result channel is
// buffered to the worker count so a slow consumer bounds how far the
// backend runs ahead.
//
// Cancelling the context abandons the operation: the driver stops
// reading input, releases content streams opened for results the
// consumer never received, and closes the result channel.

// HasResult answers one bulk membership probe.
type HasResult struct {
	Digest Digest
	Found  bool
	Err    error
}

// InfoResult carries one bulk metadata lookup.
type InfoResult struct {
	Digest Digest
	Info   Info
	Err    error
}

// StreamResult carries one bulk object retrieval. Object is nil when Err
// is set; otherwise the consumer owns it and must close it.
type StreamResult struct {
	Digest Digest
	Object *Object
	Err    error
}

// StoreResult reports one bulk store. Seq is the zero-based position of
// the input stream, since inputs may not carry a digest until stored.
type StoreResult struct {
	Seq    int
	Digest Digest
	Err    error
}

// BulkReader lets a backend take over the bulk read drivers, typically to
// batch or reorder lookups the way its physical layout favors.
type BulkReader interface {
	HasAll(ctx context.Context, in <-chan Digest) <-chan HasResult
	InfoAll(ctx context.Context, in <-chan Digest) <-chan InfoResult
	StreamAll(ctx context.Context, in <-chan Digest) <-chan StreamResult
}

// BulkWriter lets a backend take over the bulk store driver. A BulkWriter
// may document atomic batch semantics: aborting after the first failure
// and emitting fewer results than inputs. Callers therefore count results
// rather than assuming one per input.
type BulkWriter interface {
	StoreAll(ctx context.Context, in <-chan *PutStream) <-chan StoreResult
}

// BulkOption adjusts a bulk driver.
type BulkOption func(*bulkConfig)

type bulkConfig struct {
	workers int
}

// WithWorkers caps the driver's concurrency. The default is
// runtime.GOMAXPROCS(0).
func WithWorkers(n int) BulkOption {
	return func(c *bulkConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

func newBulkConfig(opts []BulkOption) bulkConfig {
	cfg := bulkConfig{workers: runtime.GOMAXPROCS(0)}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// HasAll probes membership for every digest arriving on in.
func HasAll(ctx context.Context, r Reader, in <-chan Digest, opts ...BulkOption) <-chan HasResult {
	if br, ok := r.(BulkReader); ok {
		return br.HasAll(ctx, in)
	}
	cfg := newBulkConfig(opts)
	return bulkApply(ctx, cfg.workers, in, func(d Digest) HasResult {
		found, err := r.Has(ctx, d)
		return HasResult{Digest: d, Found: found, Err: err}
	}, nil)
}

// InfoAll looks up metadata for every digest arriving on in.
func InfoAll(ctx context.Context, r Reader, in <-chan Digest, opts ...BulkOption) <-chan InfoResult {
	if br, ok := r.(BulkReader); ok {
		return br.InfoAll(ctx, in)
	}
	cfg := newBulkConfig(opts)
	return bulkApply(ctx, cfg.workers, in, func(d Digest) InfoResult {
		info, err := r.Info(ctx, d)
		return InfoResult{Digest: d, Info: info, Err: err}
	}, nil)
}

// StreamAll opens every digest arriving on in. The consumer must close
// each delivered Object; the driver closes the ones the consumer
// abandoned by cancelling.
func StreamAll(ctx context.Context, r Reader, in <-chan Digest, opts ...BulkOption) <-chan StreamResult {
	if br, ok := r.(BulkReader); ok {
		return br.StreamAll(ctx, in)
	}
	cfg := newBulkConfig(opts)
	return bulkApply(ctx, cfg.workers, in, func(d Digest) StreamResult {
		obj, err := r.Stream(ctx, d)
		return StreamResult{Digest: d, Object: obj, Err: err}
	}, func(res StreamResult) {
		if res.Object != nil {
			res.Object.Close()
		}
	})
}

// StoreAll persists every stream arriving on in, one result per input.
// Failures are captured per item; unrelated items proceed. Backends
// implementing BulkWriter replace this path and may apply atomic batch
// semantics instead.
func StoreAll(ctx context.Context, w Writer, in <-chan *PutStream, opts ...BulkOption) <-chan StoreResult {
	if bw, ok := w.(BulkWriter); ok {
		return bw.StoreAll(ctx, in)
	}
	cfg := newBulkConfig(opts)
	out := make(chan StoreResult, cfg.workers)
	pool := pond.NewPool(cfg.workers, pond.WithContext(ctx))
	go func() {
		defer close(out)
		seq := 0
	recv:
		for {
			select {
			case <-ctx.Done():
				break recv
			case ps, ok := <-in:
				if !ok {
					break recv
				}
				n := seq
				seq++
				pool.Submit(func() {
					d, err := w.Store(ctx, ps)
					select {
					case out <- StoreResult{Seq: n, Digest: d, Err: err}:
					case <-ctx.Done():
					}
				})
			}
		}
		pool.StopAndWait()
	}()
	return out
}

// bulkApply fans apply over a worker pool. release, when non-nil, frees
// resources held by results that were produced but never delivered.
func bulkApply[In, Out any](ctx context.Context, workers int, in <-chan In, apply func(In) Out, release func(Out)) <-chan Out {
	out := make(chan Out, workers)
	pool := pond.NewPool(workers, pond.WithContext(ctx))
	go func() {
		defer close(out)
	recv:
		for {
			select {
			case <-ctx.Done():
				break recv
			case item, ok := <-in:
				if !ok {
					break recv
				}
				pool.Submit(func() {
					res := apply(item)
					select {
					case out <- res:
					case <-ctx.Done():
						if release != nil {
							release(res)
						}
					}
				})
			}
		}
		pool.StopAndWait()
		if ctx.Err() != nil && release != nil {
			// Buffered results the consumer walked away from.
			for {
				select {
				case res := <-out:
					release(res)
				default:
					return
				}
			}
		}
	}()
	return out
}
