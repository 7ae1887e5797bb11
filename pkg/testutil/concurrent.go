package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	"courier/pkg/platform/sentinel"
)

// Outcome tallies what a burst of concurrent calls returned.
type Outcome struct {
	Successes int32
	Conflicts int32
	Errors    int32

	mu   sync.Mutex
	errs []error
}

// Errs returns the errors that were neither nil nor a conflict.
func (o *Outcome) Errs() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

// RunConcurrent starts n goroutines, releases them together, and waits for
// all of them. fn receives the goroutine index.
func RunConcurrent(n int, fn func(i int) error) *Outcome {
	var (
		out                  Outcome
		ok, conflict, failed atomic.Int32
		start                = make(chan struct{})
		wg                   sync.WaitGroup
	)
	for i := range n {
		wg.Go(func() {
			<-start
			err := fn(i)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflict.Add(1)
			default:
				failed.Add(1)
				out.mu.Lock()
				out.errs = append(out.errs, err)
				out.mu.Unlock()
			}
		})
	}
	close(start)
	wg.Wait()

	out.Successes = ok.Load()
	out.Conflicts = conflict.Load()
	out.Errors = failed.Load()
	return &out
}
