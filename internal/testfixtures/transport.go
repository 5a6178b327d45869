package testfixtures

import (
	"context"
	"sync"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/transport"
)

// ChannelTransport is an in-process transport.Transport: Publish delivers
// straight onto every currently-subscribed channel and acks immediately.
// Useful for wiring a server producer directly to a client applier in a
// single process, as the test suite and local demos do.
type ChannelTransport struct {
	mu   sync.Mutex
	subs []chan transport.Frame
}

func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{}
}

func (t *ChannelTransport) Publish(ctx context.Context, frame transport.Frame) error {
	t.mu.Lock()
	subs := append([]chan transport.Frame(nil), t.subs...)
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *ChannelTransport) Subscribe(ctx context.Context) (<-chan transport.Frame, <-chan error) {
	ch := make(chan transport.Frame, 64)
	errCh := make(chan error)

	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, c := range t.subs {
			if c == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		close(ch)
		close(errCh)
	}()

	return ch, errCh
}
