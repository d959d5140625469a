package dbuswire

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/danderson/dbuswire/fragments"
	"github.com/google/go-cmp/cmp"
)

func roundTripBody() []Value {
	return []Value{
		Byte(0xfe),
		Bool(true),
		Int16(-2),
		Uint16(2),
		Int32(-42),
		Uint32(42),
		Int64(-1 << 40),
		Uint64(1 << 40),
		Double(3.14),
		String("hello, bus"),
		ObjectPath("/org/example/Obj"),
		Signature("a{sv}"),
		ByteArray{1, 2, 3},
		Array{Elem: "(iu)", Elems: []Value{
			Struct{Fields: []Value{Int32(1), Uint32(2)}},
			Struct{Fields: []Value{Int32(3), Uint32(4)}},
		}},
		Array{Elem: "s"},
		Dict{Key: "s", Val: "v", Entries: []DictEntry{
			{String("answer"), Variant{Int32(42)}},
			{String("name"), Variant{String("bus")}},
		}},
		Struct{Fields: []Value{String("nested"), Struct{Fields: []Value{Double(0.5), ByteArray{9}}}}},
		Variant{Array{Elem: "x", Elems: []Value{Int64(-1), Int64(1)}}},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	orders := map[string]fragments.ByteOrder{
		"little endian": fragments.LittleEndian,
		"big endian":    fragments.BigEndian,
	}
	msgs := []*Message{
		{
			Type:        TypeMethodCall,
			Serial:      1,
			Path:        "/org/example/Obj",
			Interface:   "org.example.Iface",
			Member:      "Frob",
			Destination: "org.example.Svc",
			Body:        roundTripBody(),
		},
		{
			Type:        TypeMethodReturn,
			Serial:      2,
			ReplySerial: 1,
			Sender:      ":1.42",
			Body:        []Value{Int32(42), String("hi")},
		},
		{
			Type:        TypeError,
			Serial:      3,
			ReplySerial: 1,
			ErrName:     "org.example.Error.Failed",
			Body:        []Value{String("it broke")},
		},
		{
			Type:      TypeSignal,
			Serial:    4,
			Path:      "/org/example/Obj",
			Interface: "org.example.Iface",
			Member:    "Changed",
			Flags:     FlagNoAutoStart,
		},
	}

	for name, ord := range orders {
		t.Run(name, func(t *testing.T) {
			for _, msg := range msgs {
				bs, err := AppendMessage(nil, msg, ord, nil)
				if err != nil {
					t.Fatalf("encoding %s: %v", msg.Type, err)
				}
				got, err := DecodeMessage(bs, nil)
				if err != nil {
					t.Fatalf("decoding %s: %v", msg.Type, err)
				}
				if diff := cmp.Diff(got, msg); diff != "" {
					t.Errorf("%s did not round-trip (-got+want):\n%s", msg.Type, diff)
				}
			}
		})
	}
}

func TestEncodeGolden(t *testing.T) {
	msg := &Message{
		Type:   TypeMethodCall,
		Serial: 1,
		Path:   "/",
		Member: "M",
	}
	got, err := AppendMessage(nil, msg, fragments.LittleEndian, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		'l', 0x01, 0x00, 0x01, // order, type, flags, version
		0x00, 0x00, 0x00, 0x00, // body length
		0x01, 0x00, 0x00, 0x00, // serial
		0x1a, 0x00, 0x00, 0x00, // fields length
		0x01, 0x01, 'o', 0x00, // PATH, sig o
		0x01, 0x00, 0x00, 0x00, '/', 0x00, // "/"
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
		0x03, 0x01, 's', 0x00, // MEMBER, sig s
		0x01, 0x00, 0x00, 0x00, 'M', 0x00, // "M"
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // header padding
	}
	if !bytes.Equal(got, want) {
		t.Errorf("wrong encoding:\n  got: % x\n want: % x", got, want)
	}
}

func TestDecodeSkipsUnknownHeaderFields(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	e.ByteOrderFlag()
	e.Uint8(uint8(TypeSignal))
	e.Uint8(0)
	e.Uint8(1)
	e.Uint32(0) // body length
	e.Uint32(7) // serial
	e.Array(8, func() error {
		field := func(code uint8, sig string, write func()) {
			e.Struct(func() error {
				e.Uint8(code)
				e.Signature(sig)
				write()
				return nil
			})
		}
		field(1, "o", func() { e.String("/obj") })
		field(2, "s", func() { e.String("org.example.Iface") })
		field(3, "s", func() { e.String("Changed") })
		// An unknown field code with a struct payload, which must be
		// skipped without complaint.
		field(200, "(is)", func() {
			e.Struct(func() error {
				e.Int32(9)
				e.String("mystery")
				return nil
			})
		})
		return nil
	})
	e.Pad(8)

	got, err := DecodeMessage(e.Out, nil)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	want := &Message{
		Type:      TypeSignal,
		Serial:    7,
		Path:      "/obj",
		Interface: "org.example.Iface",
		Member:    "Changed",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong message (-got+want):\n%s", diff)
	}
}

func TestDecodeBadProtocolVersion(t *testing.T) {
	msg := &Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M"}
	bs, err := AppendMessage(nil, msg, fragments.LittleEndian, nil)
	if err != nil {
		t.Fatal(err)
	}
	bs[3] = 2

	_, err = DecodeMessage(bs, nil)
	var de DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("got %v (%T), want DecodeError", err, err)
	}
	if de.Reason != "invalid protocol version: 2" || de.Offset != 3 {
		t.Errorf("got DecodeError(%q, %d), want (%q, 3)", de.Reason, de.Offset, "invalid protocol version: 2")
	}
}

func TestDecodeOversizedMessage(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	e.ByteOrderFlag()
	e.Uint8(uint8(TypeMethodCall))
	e.Uint8(0)
	e.Uint8(1)
	e.Uint32(1 << 27) // body length over the limit
	e.Uint32(1)       // serial
	e.Uint32(0)       // fields length

	if _, err := MessageLength(e.Out); err == nil {
		t.Error("MessageLength accepted an oversized message")
	}

	_, err := DecodeMessage(e.Out, nil)
	var de DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("got %v (%T), want DecodeError", err, err)
	}
	if !strings.Contains(de.Reason, "exceeds limit") {
		t.Errorf("got DecodeError %q, want size limit error", de.Reason)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	msg := &Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M"}
	bs, err := AppendMessage(nil, msg, fragments.LittleEndian, nil)
	if err != nil {
		t.Fatal(err)
	}
	bs = append(bs, 0xff)

	if _, err := DecodeMessage(bs, nil); err == nil {
		t.Error("DecodeMessage accepted trailing bytes")
	}
}

func TestDecodeBodyLengthMismatch(t *testing.T) {
	msg := &Message{
		Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M",
		Body: []Value{Uint32(5)},
	}
	bs, err := AppendMessage(nil, msg, fragments.LittleEndian, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Shrink the declared body length: the message total no longer
	// matches the buffer.
	fragments.LittleEndian.PutUint32(bs[4:], 0)

	if _, err := DecodeMessage(bs, nil); err == nil {
		t.Error("DecodeMessage accepted a body length mismatch")
	}
}

func TestEncodeFileWithoutNegotiation(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fd")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	msg := &Message{
		Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M",
		Body: []Value{File{f}},
	}
	_, err = AppendMessage(nil, msg, fragments.LittleEndian, nil)
	var ee EncodeError
	if !errors.As(err, &ee) {
		t.Fatalf("got %v (%T), want EncodeError", err, err)
	}
}

func TestFileIndexRoundTrip(t *testing.T) {
	f1, err := os.CreateTemp(t.TempDir(), "fd1")
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()
	f2, err := os.CreateTemp(t.TempDir(), "fd2")
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	msg := &Message{
		Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M",
		Body: []Value{File{f1}, Struct{Fields: []Value{Int32(1), File{f2}}}},
	}
	bs, files, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(files) != 2 || files[0] != f1 || files[1] != f2 {
		t.Fatalf("EncodeMessage returned wrong files %v", files)
	}

	got, err := DecodeMessage(bs, files)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if g := got.Body[0].(File); g.File != f1 {
		t.Error("decoded first file does not resolve to the first fd")
	}
	if g := got.Body[1].(Struct).Fields[1].(File); g.File != f2 {
		t.Error("decoded second file does not resolve to the second fd")
	}
}

func TestDecodeFileCountMismatch(t *testing.T) {
	msg := &Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M"}
	bs, err := AppendMessage(nil, msg, fragments.LittleEndian, nil)
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.CreateTemp(t.TempDir(), "fd")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeMessage(bs, []*os.File{f}); err == nil {
		t.Error("DecodeMessage accepted an undeclared file descriptor")
	}
	// DecodeMessage owns the files on failure.
	if _, err := f.Stat(); err == nil {
		t.Error("file still open after failed decode")
	}
}
