package helpers

import (
	"time"
)

// WithLatestFrom fires once both ch and ch2 have fired. It gives up when done
// is closed.
func WithLatestFrom(done <-chan struct{}, ch, ch2 chan struct{}) (resCh chan struct{}) {
	resCh = make(chan struct{}, 1)
	results := make([]int, 2)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				results[0] = 1
				ch = nil
			case <-ch2:
				results[1] = 1
				ch2 = nil
			}

			if results[0] == 1 && results[1] == 1 {
				resCh <- struct{}{}
				return
			}
		}
	}()

	return resCh
}

func TimeToEmptyChan(in <-chan time.Time) chan struct{} {
	out := make(chan struct{}, 1)

	go func() {
		if _, ok := <-in; ok {
			out <- struct{}{}
		}
	}()

	return out
}
