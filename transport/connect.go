package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dbuswire"
)

// ErrUnknownTransport reports a bus address whose transport name this
// package does not support.
var ErrUnknownTransport = errors.New("unknown transport name")

// A ConnectError reports an OS-level failure to reach a bus endpoint.
type ConnectError struct {
	// Addr is the address that could not be reached.
	Addr dbuswire.Address
	// Err is the underlying error.
	Err error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

func (e ConnectError) Unwrap() error { return e.Err }

// A LaunchError reports a failure to autolaunch a bus.
type LaunchError struct {
	Err error
}

func (e LaunchError) Error() string {
	return fmt.Sprintf("launching bus: %v", e.Err)
}

func (e LaunchError) Unwrap() error { return e.Err }

// DialOptions customize Dial.
type DialOptions struct {
	// Capabilities are the optional protocol features to request
	// during authentication. Nil requests CapUnixFD, which is
	// silently dropped for endpoints that cannot carry it; use an
	// empty non-nil slice to request nothing.
	Capabilities []Capability
	// Mechanisms are the authentication mechanisms to attempt, in
	// order. Nil means [DefaultMechanisms].
	Mechanisms []Mechanism
}

// Dial connects and authenticates to the first reachable address in
// addrs, returning the server's guid and the authenticated transport.
//
// Candidates are tried left to right. An autolaunch address appends
// the launched bus's addresses to the end of the candidate list. If
// every candidate fails, Dial returns the first candidate's error;
// later failures are only logged, since fallback candidates are often
// expected to be absent.
func Dial(ctx context.Context, addrs []dbuswire.Address, opts *DialOptions) (guid string, _ Transport, err error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = []Capability{CapUnixFD}
	}
	mechs := opts.Mechanisms
	if mechs == nil {
		mechs = DefaultMechanisms()
	}

	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		} else {
			log.Printf("bus connect fallback failed: %v", err)
		}
	}

	// The queue grows as autolaunch addresses resolve, rather than
	// recursing into their output: a misbehaving launcher can only
	// extend the list, not the stack.
	queue := append([]dbuswire.Address(nil), addrs...)
	for i := 0; i < len(queue); i++ {
		addr := queue[i]
		if addr.Name == "autolaunch" {
			more, err := autolaunch(ctx)
			if err != nil {
				fail(err)
				continue
			}
			queue = append(queue, more...)
			continue
		}

		conn, isUnix, err := dialEndpoint(ctx, addr)
		if err != nil {
			fail(err)
			continue
		}

		guid, t, err := handshake(ctx, conn, isUnix, caps, mechs)
		if err != nil {
			conn.Close()
			fail(err)
			continue
		}
		return guid, t, nil
	}

	if firstErr == nil {
		firstErr = dbuswire.AddressError{Addr: "", Reason: "no addresses to try"}
	}
	return "", nil, firstErr
}

// handshake authenticates over a freshly connected socket and wraps
// it in a Socket transport. CapUnixFD is only offered to the server
// when the socket can actually carry file descriptors.
func handshake(ctx context.Context, conn net.Conn, isUnix bool, caps []Capability, mechs []Mechanism) (string, Transport, error) {
	stop := watchConn(ctx, conn)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	wantFD := false
	for _, c := range caps {
		if c == CapUnixFD && isUnix {
			wantFD = true
		}
	}
	guid, fdOK, err := authenticate(conn, mechs, wantFD)
	if err != nil {
		return "", nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return "", nil, err
	}

	negotiated := mapset.New[Capability]()
	if fdOK {
		negotiated.Add(CapUnixFD)
	}
	return guid, NewSocket(conn, negotiated), nil
}

// dialEndpoint opens a stream to a single bus address. isUnix reports
// whether the stream is a unix domain socket, and therefore able to
// carry file descriptors.
func dialEndpoint(ctx context.Context, addr dbuswire.Address) (conn net.Conn, isUnix bool, err error) {
	var d net.Dialer
	switch addr.Name {
	case "unix":
		path, hasPath := addr.Params["path"]
		abstract, hasAbstract := addr.Params["abstract"]
		_, hasTmpdir := addr.Params["tmpdir"]
		if hasTmpdir {
			return nil, false, dbuswire.AddressError{Addr: addr.String(), Reason: "tmpdir is only valid for listen addresses"}
		}
		var name string
		switch {
		case hasPath && !hasAbstract:
			name = path
		case hasAbstract && !hasPath:
			name = "@" + abstract
		default:
			return nil, false, dbuswire.AddressError{Addr: addr.String(), Reason: "unix address needs exactly one of path or abstract"}
		}
		c, err := d.DialContext(ctx, "unix", name)
		if err != nil {
			return nil, false, ConnectError{addr, err}
		}
		return c, true, nil
	case "tcp":
		host, port := addr.Params["host"], addr.Params["port"]
		if host == "" || port == "" {
			return nil, false, dbuswire.AddressError{Addr: addr.String(), Reason: "tcp address needs host and port"}
		}
		network := "tcp"
		switch addr.Params["family"] {
		case "":
		case "ipv4":
			network = "tcp4"
		case "ipv6":
			network = "tcp6"
		default:
			return nil, false, dbuswire.AddressError{Addr: addr.String(), Reason: fmt.Sprintf("unknown tcp family %q", addr.Params["family"])}
		}
		c, err := d.DialContext(ctx, network, net.JoinHostPort(host, port))
		if err != nil {
			return nil, false, ConnectError{addr, err}
		}
		return c, false, nil
	}
	return nil, false, fmt.Errorf("%w %q", ErrUnknownTransport, addr.Name)
}

// autolaunch asks the platform launcher for a bus, starting one if
// needed, and returns the bus's candidate addresses.
//
// dbus-launch emits a NUL-terminated address list with
// --binary-syntax; older versions emit a newline-terminated line.
// Both forms are accepted, and anything past the first terminator is
// ignored.
func autolaunch(ctx context.Context) ([]dbuswire.Address, error) {
	id, err := machineID()
	if err != nil {
		return nil, LaunchError{err}
	}
	out, err := exec.CommandContext(ctx, "dbus-launch", "--autolaunch", id, "--binary-syntax").Output()
	if err != nil {
		return nil, LaunchError{err}
	}
	if i := bytes.IndexByte(out, 0); i >= 0 {
		out = out[:i]
	}
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	addrs, err := dbuswire.ParseAddresses(string(out))
	if err != nil {
		return nil, LaunchError{err}
	}
	return addrs, nil
}

// machineID returns the local machine's uuid.
func machineID() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
}

// SessionBusAddresses returns the candidate addresses for the current
// user's session bus: $DBUS_SESSION_BUS_ADDRESS if set, then the
// conventional socket under $XDG_RUNTIME_DIR, then autolaunch.
func SessionBusAddresses() ([]dbuswire.Address, error) {
	if s := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); s != "" {
		return dbuswire.ParseAddresses(s)
	}
	if rd := os.Getenv("XDG_RUNTIME_DIR"); rd != "" {
		return []dbuswire.Address{
			{Name: "unix", Params: map[string]string{"path": filepath.Join(rd, "bus")}},
			{Name: "autolaunch", Params: map[string]string{}},
		}, nil
	}
	return []dbuswire.Address{{Name: "autolaunch", Params: map[string]string{}}}, nil
}

// StarterBusAddresses returns the candidate addresses of the bus
// that activated this process, per $DBUS_STARTER_ADDRESS, or nil if
// the process was not bus-activated.
func StarterBusAddresses() ([]dbuswire.Address, error) {
	s := os.Getenv("DBUS_STARTER_ADDRESS")
	if s == "" {
		return nil, nil
	}
	return dbuswire.ParseAddresses(s)
}

// SystemBusAddresses returns the candidate addresses for the system
// bus: $DBUS_SYSTEM_BUS_ADDRESS if set, otherwise the well-known
// system socket.
func SystemBusAddresses() ([]dbuswire.Address, error) {
	if s := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); s != "" {
		return dbuswire.ParseAddresses(s)
	}
	return []dbuswire.Address{
		{Name: "unix", Params: map[string]string{"path": "/run/dbus/system_bus_socket"}},
	}, nil
}
