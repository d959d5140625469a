package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/dbustest"
	"github.com/danderson/dbuswire/transport"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDial(t *testing.T) {
	srv := dbustest.New(t, dbustest.Options{})

	guid, tr, err := transport.Dial(testContext(t), []dbuswire.Address{srv.Address()}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Shutdown()

	if guid != srv.GUID() {
		t.Errorf("got guid %q, want %q", guid, srv.GUID())
	}
	if tr.Capabilities().Has(transport.CapUnixFD) {
		t.Error("got CapUnixFD, server does not allow fd passing")
	}
}

func TestDialFallback(t *testing.T) {
	srv := dbustest.New(t, dbustest.Options{})

	addrs := []dbuswire.Address{
		{Name: "unix", Params: map[string]string{"path": "/nonexistent/bus.sock"}},
		srv.Address(),
	}
	guid, tr, err := transport.Dial(testContext(t), addrs, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Shutdown()
	if guid != srv.GUID() {
		t.Errorf("got guid %q, want %q", guid, srv.GUID())
	}
}

func TestDialAllFailReturnsFirstError(t *testing.T) {
	addrs := []dbuswire.Address{
		{Name: "unix", Params: map[string]string{"path": "/nonexistent/first.sock"}},
		{Name: "unix", Params: map[string]string{"path": "/nonexistent/second.sock"}},
	}
	_, _, err := transport.Dial(testContext(t), addrs, nil)
	var ce transport.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v (%T), want ConnectError", err, err)
	}
	if got := ce.Addr.Params["path"]; got != "/nonexistent/first.sock" {
		t.Errorf("got error for %q, want the first candidate", got)
	}
}

func TestDialUnknownTransport(t *testing.T) {
	addrs := []dbuswire.Address{{Name: "launchd", Params: map[string]string{"env": "X"}}}
	_, _, err := transport.Dial(testContext(t), addrs, nil)
	if !errors.Is(err, transport.ErrUnknownTransport) {
		t.Fatalf("got %v, want ErrUnknownTransport", err)
	}
}

func TestDialTmpdirAddress(t *testing.T) {
	addrs := []dbuswire.Address{{Name: "unix", Params: map[string]string{"tmpdir": "/tmp"}}}
	_, _, err := transport.Dial(testContext(t), addrs, nil)
	var ae dbuswire.AddressError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v (%T), want AddressError", err, err)
	}
}

func TestDialTCP(t *testing.T) {
	srv := dbustest.New(t, dbustest.Options{TCP: true})

	guid, tr, err := transport.Dial(testContext(t), []dbuswire.Address{srv.Address()}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Shutdown()
	if guid != srv.GUID() {
		t.Errorf("got guid %q, want %q", guid, srv.GUID())
	}
	// CapUnixFD must be silently dropped for TCP endpoints.
	if tr.Capabilities().Has(transport.CapUnixFD) {
		t.Error("got CapUnixFD on a TCP transport")
	}
}

func TestRecvCancellation(t *testing.T) {
	srv := dbustest.New(t, dbustest.Options{})

	_, tr, err := transport.Dial(testContext(t), []dbuswire.Address{srv.Address()}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	// Nothing is coming: Recv must return once the context is
	// cancelled.
	if _, err := tr.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv = %v, want context.Canceled", err)
	}
}
