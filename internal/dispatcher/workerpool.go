package dispatcher

import (
	"context"

	"github.com/jordanhubbard/mlcore/internal/providers"
)

// workerPool runs blocking provider calls on a fixed set of goroutines so
// the dispatching goroutine keeps honouring context cancellation while the
// underlying HTTP round trip blocks.
type workerPool struct {
	jobs chan func()
}

func newWorkerPool(workers, queueDepth int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = workers * 2
	}
	p := &workerPool{jobs: make(chan func(), queueDepth)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// close stops accepting work; queued jobs still run.
func (p *workerPool) close() {
	close(p.jobs)
}

type callResult struct {
	usage providers.Usage
	err   error
}

// run executes fn on the pool and waits for its result or ctx cancellation.
// A cancelled caller abandons the result; the worker finishes the call and
// the buffered channel lets it exit without blocking.
func (p *workerPool) run(ctx context.Context, fn func() (providers.Usage, error)) (providers.Usage, error) {
	resCh := make(chan callResult, 1)
	job := func() {
		usage, err := fn()
		resCh <- callResult{usage: usage, err: err}
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return providers.Usage{}, ctx.Err()
	}

	select {
	case res := <-resCh:
		return res.usage, res.err
	case <-ctx.Done():
		return providers.Usage{}, ctx.Err()
	}
}
