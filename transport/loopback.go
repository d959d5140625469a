package transport

import (
	"context"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dbuswire"
)

// Loopback returns an in-memory Transport whose Recv yields the
// messages previously given to Send, in order. Sent messages are
// deep-duplicated, so the receiving side gets its own file
// descriptors, exactly as it would across a real socket. Once the
// duplicate is made, Send closes the sender's descriptors, as every
// Transport's Send consumes them.
//
// The mailbox holds a single message: a second Send blocks until the
// first message is received. The capability set is {CapUnixFD}, so
// fd-passing code paths can be exercised without a socket.
func Loopback() Transport {
	lb := &loopback{
		box:  make(chan *dbuswire.Message, 1),
		done: make(chan struct{}),
	}
	lb.caps.Add(CapUnixFD)
	return lb
}

type loopback struct {
	caps mapset.Set[Capability]
	box  chan *dbuswire.Message
	done chan struct{}
	once sync.Once
}

func (l *loopback) Capabilities() mapset.Set[Capability] { return l.caps }

func (l *loopback) Send(ctx context.Context, m *dbuswire.Message) error {
	if err := m.Valid(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return net.ErrClosed
	default:
	}
	dup, err := m.Dup()
	if err != nil {
		return err
	}
	// Send consumes fd ownership.
	defer closeMessageFiles(m)
	select {
	case l.box <- dup:
		return nil
	case <-l.done:
		closeMessageFiles(dup)
		return net.ErrClosed
	case <-ctx.Done():
		closeMessageFiles(dup)
		return ctx.Err()
	}
}

func (l *loopback) Recv(ctx context.Context) (*dbuswire.Message, error) {
	select {
	case m := <-l.box:
		return m, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopback) Shutdown() {
	l.once.Do(func() {
		close(l.done)
		select {
		case m := <-l.box:
			closeMessageFiles(m)
		default:
		}
	})
}

// closeMessageFiles closes the file descriptors owned by a message
// that will never be delivered.
func closeMessageFiles(m *dbuswire.Message) {
	for _, v := range m.Body {
		dbuswire.CloseFiles(v)
	}
}
