package audioio

import (
	"context"
	"sync/atomic"
)

// chunk is a queued run of device samples tagged with the clear epoch it
// was written in.
type chunk struct {
	samples []int16
	epoch   uint64
}

// writePump feeds queued chunks to a blocking device one buffer at a time.
// clear drops everything queued and cuts the chunk being written at the
// next buffer boundary.
type writePump struct {
	queue chan chunk
	epoch atomic.Uint64
}

func newWritePump(depth int) *writePump {
	return &writePump{queue: make(chan chunk, depth)}
}

// enqueue blocks until the chunk is queued or ctx ends.
func (p *writePump) enqueue(ctx context.Context, samples []int16) error {
	c := chunk{samples: samples, epoch: p.epoch.Load()}
	select {
	case p.queue <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clear invalidates every chunk written so far.
func (p *writePump) clear() {
	p.epoch.Add(1)
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// run copies chunks into out and calls write once per device buffer until
// stop is closed. The last buffer of a chunk is padded with silence. A
// write error abandons the rest of the chunk.
func (p *writePump) run(stop <-chan struct{}, out []int16, write func() error) {
	for {
		select {
		case <-stop:
			return
		case c := <-p.queue:
			samples := c.samples
			for len(samples) > 0 && p.epoch.Load() == c.epoch {
				n := copy(out, samples)
				clear(out[n:])
				samples = samples[n:]
				if err := write(); err != nil {
					break
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}
}
