package audioio

import "context"

// capture drives a blocking device read loop on its own goroutine.
type capture struct {
	stop chan struct{}
	done chan struct{}
}

// startCapture calls read until it fails, ctx ends or halt is called. onExit
// runs on the loop goroutine as it returns; cancelled reports whether ctx
// ended it.
func startCapture(ctx context.Context, read func() error, onExit func(cancelled bool)) *capture {
	c := &capture{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		cancelled := false
		defer func() { onExit(cancelled) }()

		for {
			select {
			case <-ctx.Done():
				cancelled = true
				return
			case <-c.stop:
				return
			default:
			}
			if err := read(); err != nil {
				return
			}
		}
	}()
	return c
}

// halt stops the loop, waits for the read in flight, then calls release.
// Device stop and close must not overlap a blocking read.
func (c *capture) halt(release func() error) error {
	close(c.stop)
	<-c.done
	return release()
}
