package eventstream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RunAll runs each stream on its own goroutine with a shared poll interval.
// The first stream to fail cancels the others. It returns once every stream
// has stopped, with the failures joined.
//
// Decoders of different streams run concurrently; a shared sink must be
// safe for that, such as output.Funnel.
func RunAll(ctx context.Context, pollInterval time.Duration, streams ...*Stream) error {
	if len(streams) == 1 {
		return streams[0].Run(ctx, pollInterval)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx, pollInterval); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel(err)
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
