// Package dbustest provides an in-process mock bus server for tests.
//
// The server speaks the server side of the DBus authentication
// handshake and then exchanges messages with the client, answering
// each method call through a configurable handler. It exists so that
// transport and codec tests can run hermetically, without a real
// dbus-daemon on the machine.
package dbustest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/fragments"
	"github.com/danderson/dbuswire/transport"
)

// Options configure a test bus server.
type Options struct {
	// GUID is the server guid reported in the OK line. Empty means a
	// random one.
	GUID string
	// Order is the byte order the server encodes messages in. Nil
	// means the host order.
	Order fragments.ByteOrder
	// Mechanisms are the authentication mechanisms the server
	// accepts. Nil means EXTERNAL and ANONYMOUS.
	Mechanisms []string
	// AllowUnixFD agrees to NEGOTIATE_UNIX_FD requests. It only has
	// an effect on unix listeners.
	AllowUnixFD bool
	// TCP listens on a local TCP port instead of a unix socket.
	TCP bool
	// Handler produces the reply to each received message, or nil
	// for no reply. A nil Handler echoes method calls back as method
	// returns carrying the same body.
	Handler func(*dbuswire.Message) *dbuswire.Message
}

// A Server is a mock bus listening on a local socket.
type Server struct {
	t    *testing.T
	opts Options
	lis  net.Listener
	g    *taskgroup.Group

	mu     sync.Mutex
	conns  map[net.Conn]bool
	closed bool
}

// New starts a mock bus dedicated to the calling test. The server
// and its connections are torn down when the test finishes.
func New(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.GUID == "" {
		var bs [16]byte
		if _, err := rand.Read(bs[:]); err != nil {
			t.Fatalf("generating server guid: %v", err)
		}
		opts.GUID = hex.EncodeToString(bs[:])
	}
	if opts.Order == nil {
		opts.Order = fragments.NativeEndian
	}
	if opts.Mechanisms == nil {
		opts.Mechanisms = []string{"EXTERNAL", "ANONYMOUS"}
	}

	var (
		lis net.Listener
		err error
	)
	if opts.TCP {
		lis, err = net.Listen("tcp", "127.0.0.1:0")
	} else {
		lis, err = net.Listen("unix", filepath.Join(t.TempDir(), "bus.sock"))
	}
	if err != nil {
		t.Fatalf("listening for test bus: %v", err)
	}

	ret := &Server{
		t:     t,
		opts:  opts,
		lis:   lis,
		g:     taskgroup.New(nil),
		conns: map[net.Conn]bool{},
	}
	ret.g.Go(ret.acceptLoop)
	t.Cleanup(ret.close)
	return ret
}

// GUID returns the server's guid, as reported to authenticating
// clients.
func (s *Server) GUID() string { return s.opts.GUID }

// Address returns the server's bus address.
func (s *Server) Address() dbuswire.Address {
	if s.opts.TCP {
		host, port, _ := net.SplitHostPort(s.lis.Addr().String())
		return dbuswire.Address{Name: "tcp", Params: map[string]string{"host": host, "port": port}}
	}
	return dbuswire.Address{Name: "unix", Params: map[string]string{"path": s.lis.Addr().String()}}
}

func (s *Server) close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.lis.Close()
	for _, c := range conns {
		c.Close()
	}
	s.g.Wait()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return nil
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = true
		s.mu.Unlock()
		s.g.Go(func() error {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serve(conn)
			return nil
		})
	}
}

// serve runs one client connection: the auth handshake, then the
// message exchange.
func (s *Server) serve(conn net.Conn) {
	fdAgreed, err := s.serveAuth(conn)
	if err != nil {
		return
	}

	caps := mapset.New[transport.Capability]()
	if fdAgreed {
		caps.Add(transport.CapUnixFD)
	}
	tr := transport.NewSocket(conn, caps)
	tr.Order = s.opts.Order
	defer tr.Shutdown()

	handler := s.opts.Handler
	if handler == nil {
		handler = echo
	}

	ctx := context.Background()
	var serial uint32
	for {
		msg, err := tr.Recv(ctx)
		if err != nil {
			return
		}
		reply := handler(msg)
		if reply == nil {
			continue
		}
		serial++
		reply.Serial = serial
		if err := tr.Send(ctx, reply); err != nil {
			return
		}
	}
}

// serveAuth runs the server side of the handshake, up to and
// including the client's BEGIN. Reads are unbuffered so that no
// message bytes are consumed along with the final line.
func (s *Server) serveAuth(conn net.Conn) (fdAgreed bool, err error) {
	var nul [1]byte
	if _, err := io.ReadFull(conn, nul[:]); err != nil || nul[0] != 0 {
		return false, fmt.Errorf("bad auth preamble")
	}

	authed := false
	for {
		line, err := readLine(conn)
		if err != nil {
			return false, err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			fmt.Fprintf(conn, "ERROR empty command\r\n")
			continue
		}
		switch fields[0] {
		case "AUTH":
			if len(fields) >= 2 && slices.Contains(s.opts.Mechanisms, fields[1]) {
				authed = true
				fmt.Fprintf(conn, "OK %s\r\n", s.opts.GUID)
			} else {
				fmt.Fprintf(conn, "REJECTED %s\r\n", strings.Join(s.opts.Mechanisms, " "))
			}
		case "CANCEL":
			authed = false
			fmt.Fprintf(conn, "REJECTED %s\r\n", strings.Join(s.opts.Mechanisms, " "))
		case "NEGOTIATE_UNIX_FD":
			if authed && s.opts.AllowUnixFD && !s.opts.TCP {
				fdAgreed = true
				fmt.Fprintf(conn, "AGREE_UNIX_FD\r\n")
			} else {
				fmt.Fprintf(conn, "ERROR fd passing not supported\r\n")
			}
		case "BEGIN":
			if !authed {
				return false, fmt.Errorf("BEGIN before successful auth")
			}
			return fdAgreed, nil
		default:
			fmt.Fprintf(conn, "ERROR unknown command\r\n")
		}
	}
}

// echo is the default handler: method calls come back as method
// returns with the same body.
func echo(msg *dbuswire.Message) *dbuswire.Message {
	if msg.Type != dbuswire.TypeMethodCall || !msg.WantReply() {
		return nil
	}
	return dbuswire.NewMethodReturn(msg, msg.Body...)
}

// readLine reads one \r\n-terminated line a byte at a time, so that
// nothing past the line is buffered away from the message decoder.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		sb.WriteByte(b[0])
		if sb.Len() > 16*1024 {
			return "", fmt.Errorf("auth line too long")
		}
	}
}
