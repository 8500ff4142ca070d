package slave

import (
	"context"
	"sync"
)

// Pending is the eventual outcome of a submitted Command. It resolves exactly
// once: with nil when the command completed, whatever the command's own
// status, or with an error wrapping ErrConnectionLost or ErrDispatchFault.
type Pending struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func resolved(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

// resolve settles the outcome. Later calls are ignored.
func (p *Pending) resolve(err error) bool {
	first := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		first = true
	})
	return first
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome, or nil while unresolved.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx is done. Giving up on the
// wait does not cancel the command.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
