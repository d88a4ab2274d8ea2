package transaction

import (
	"sync"
	"time"
)

// recurring calls fire every d until Stop is called or cancel is closed.
// Stop is idempotent and safe on a nil or already stopped timer.
type recurring struct {
	once sync.Once
	quit chan struct{}
}

func every(d time.Duration, cancel <-chan struct{}, fire func()) *recurring {
	r := &recurring{quit: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fire()
			case <-r.quit:
				return
			case <-cancel:
				return
			}
		}
	}()
	return r
}

func (r *recurring) Stop() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.quit) })
}
