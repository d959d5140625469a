// Package transport opens, authenticates and frames client
// connections to a DBus bus.
//
// [Dial] resolves a candidate address list to an authenticated
// [Transport] that sends and receives [dbuswire.Message] values.
// Signal dispatch, reply correlation and object proxies are the
// business of a higher layer; note that such a layer must resolve
// well-known service names to unique names before matching senders.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/fragments"
	"golang.org/x/sys/unix"
)

// A Capability is an optional protocol feature negotiated during
// authentication.
type Capability string

// CapUnixFD is the ability to pass unix file descriptors alongside
// messages. It is only available on unix domain sockets.
const CapUnixFD Capability = "unix-fd"

// A Transport is an authenticated DBus connection that exchanges
// whole messages.
//
// A Transport does not lock internally: the caller must ensure that
// at most one Recv and at most one Send are in flight at any time.
type Transport interface {
	// Recv returns the next message from the peer. Ownership of any
	// file descriptors in the message body passes to the caller.
	Recv(ctx context.Context) (*dbuswire.Message, error)
	// Send writes m to the peer, consuming ownership of any file
	// descriptors in the message body. If Send returns an error the
	// peer's view of the stream may be desynchronized, and the only
	// safe action is Shutdown.
	Send(ctx context.Context, m *dbuswire.Message) error
	// Capabilities returns the negotiated capability set. Callers
	// must not mutate it.
	Capabilities() mapset.Set[Capability]
	// Shutdown tears down the transport. It is idempotent, and every
	// other operation fails after it returns.
	Shutdown()
}

// A Socket is a Transport over a connected stream socket.
type Socket struct {
	// Order is the byte order used for outgoing messages.
	Order fragments.ByteOrder

	conn net.Conn
	// uconn is non-nil when the transport passes file descriptors.
	uconn *net.UnixConn
	caps  mapset.Set[Capability]

	buf *bufio.Reader
	oob [512]byte
	fds *queue.Queue[*os.File]

	// in and out are per-transport scratch buffers for message
	// framing, grown as needed.
	in  []byte
	out []byte

	closeOnce sync.Once
}

// NewSocket wraps a connected socket in a Transport with the given
// negotiated capability set. File descriptor passing is used when
// caps contains [CapUnixFD] and conn is a unix domain socket;
// otherwise CapUnixFD is dropped from the set.
func NewSocket(conn net.Conn, caps mapset.Set[Capability]) *Socket {
	ret := &Socket{
		Order: fragments.NativeEndian,
		conn:  conn,
		caps:  caps,
		fds:   queue.New[*os.File](),
	}
	if uc, ok := conn.(*net.UnixConn); ok && caps.Has(CapUnixFD) {
		ret.uconn = uc
		ret.buf = bufio.NewReader(funcReader(ret.readToBuf))
	} else {
		caps.Remove(CapUnixFD)
		ret.buf = bufio.NewReader(conn)
	}
	return ret
}

// Capabilities returns the negotiated capability set.
func (t *Socket) Capabilities() mapset.Set[Capability] { return t.caps }

// Recv reads one complete message.
//
// A decode error does not shut down the transport, and the caller
// decides whether to continue or call Shutdown. When the fixed header
// frames a message, the whole message is read before decoding, so the
// stream cursor is left at the next message boundary; when the fixed
// header itself is rejected (unknown byte order flag, oversized
// length), only its 16 bytes are consumed and the rest of that message
// stays unread. I/O errors and cancellation leave the transport
// unusable.
func (t *Socket) Recv(ctx context.Context) (*dbuswire.Message, error) {
	stop := watchConn(ctx, t.conn)
	defer stop()

	if cap(t.in) < dbuswire.FixedHeaderLen {
		t.in = make([]byte, 4096)
	}
	hdr := t.in[:dbuswire.FixedHeaderLen]
	if _, err := io.ReadFull(t.buf, hdr); err != nil {
		return nil, t.ioErr(ctx, err)
	}

	total, err := dbuswire.MessageLength(hdr)
	if err != nil {
		return nil, err
	}
	if cap(t.in) < total {
		grown := make([]byte, total)
		copy(grown, hdr)
		t.in = grown
	}
	bs := t.in[:total]
	if _, err := io.ReadFull(t.buf, bs[dbuswire.FixedHeaderLen:]); err != nil {
		return nil, t.ioErr(ctx, err)
	}

	var popped []*os.File
	msg, err := dbuswire.DecodeMessageFiles(bs, func(n int) ([]*os.File, error) {
		fs, err := t.getFiles(n)
		popped = fs
		return fs, err
	})
	if err != nil {
		for _, f := range popped {
			f.Close()
		}
		return nil, err
	}
	return msg, nil
}

// Send writes one complete message, in t.Order.
func (t *Socket) Send(ctx context.Context, m *dbuswire.Message) error {
	stop := watchConn(ctx, t.conn)
	defer stop()

	var (
		files []*os.File
		sink  *[]*os.File
	)
	if t.uconn != nil {
		sink = &files
	}
	out, err := dbuswire.AppendMessage(t.out[:0], m, t.Order, sink)
	if err != nil {
		// Nothing reached the wire, the transport is still usable.
		return err
	}
	t.out = out
	defer func() {
		// Send consumes fd ownership.
		for _, f := range files {
			f.Close()
		}
	}()

	if t.uconn != nil && len(files) > 0 {
		fds := make([]int, 0, len(files))
		for _, f := range files {
			fds = append(fds, int(f.Fd()))
		}
		scm := unix.UnixRights(fds...)
		n, oobn, err := t.uconn.WriteMsgUnix(out, scm, nil)
		if err != nil {
			t.Shutdown()
			return t.ioErr(ctx, err)
		}
		if oobn != len(scm) {
			t.Shutdown()
			return io.ErrShortWrite
		}
		if n < len(out) {
			if _, err := t.conn.Write(out[n:]); err != nil {
				t.Shutdown()
				return t.ioErr(ctx, err)
			}
		}
		return nil
	}

	if _, err := t.conn.Write(out); err != nil {
		t.Shutdown()
		return t.ioErr(ctx, err)
	}
	return nil
}

// Shutdown tears down the transport: queued file descriptors are
// closed, the socket is shut down in both directions and closed.
// Errors are logged, not returned.
func (t *Socket) Shutdown() {
	t.closeOnce.Do(func() {
		t.fds.Each(func(f *os.File) bool {
			f.Close()
			return true
		})
		t.fds.Clear()
		t.buf.Discard(t.buf.Buffered())
		type closeHalves interface {
			CloseRead() error
			CloseWrite() error
		}
		if c, ok := t.conn.(closeHalves); ok {
			c.CloseRead()
			c.CloseWrite()
		}
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("closing bus socket: %v", err)
		}
	})
}

// getFiles returns n received files that were attached to previously
// read bytes as ancillary data.
func (t *Socket) getFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := t.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// readToBuf is the underlying reader for fd-passing mode: it receives
// both stream bytes and ancillary data, queueing any file descriptors
// for getFiles.
func (t *Socket) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := t.uconn.ReadMsgUnix(bs, t.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		t.Shutdown()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := t.parseFDs(t.oob[:oobn]); oobErr != nil {
			t.Shutdown()
			return 0, oobErr
		}
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Socket) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing on errors. We want to
	// extract all provided file descriptors from the message, so that
	// we can correctly close all of them on error. If we bailed on
	// first error, we'd leave dangling fds in the process, and allow
	// for a DoS.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on bus socket", fd))
			} else {
				t.fds.Add(f)
			}
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ioErr maps deadline errors produced by watchConn's wakeup back to
// the context's error.
func (t *Socket) ioErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

// watchConn arranges for pending I/O on conn to be interrupted when
// ctx is done, by moving the connection deadline into the past. The
// returned stop function clears the watch and the deadline.
func watchConn(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	stopc := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-stopc:
		}
	}()
	return func() {
		close(stopc)
		conn.SetDeadline(time.Time{})
	}
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}
