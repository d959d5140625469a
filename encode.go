package dbuswire

import (
	"os"
	"unicode/utf8"

	"github.com/danderson/dbuswire/fragments"
)

// MaxMessageBytes is the maximum total length of a single message,
// including header, header padding and body, as set by the DBus
// specification.
const MaxMessageBytes = 1 << 27

const protocolVersion = 1

// Header field codes, as assigned by the DBus specification.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// EncodeMessage encodes m in the host byte order and returns the wire
// bytes along with the files referenced by the body, in index order.
// The caller takes ownership of the returned files.
func EncodeMessage(m *Message) ([]byte, []*os.File, error) {
	var files []*os.File
	bs, err := AppendMessage(nil, m, fragments.NativeEndian, &files)
	if err != nil {
		return nil, nil, err
	}
	return bs, files, nil
}

// AppendMessage appends m's encoding in the given byte order to buf
// and returns the extended buffer. buf must have length zero, since
// wire alignment is relative to the start of the message; its
// capacity is reused. files collects the message's file descriptors
// in index order; a nil files means file descriptor passing has not
// been negotiated, and encoding a [File] is an error. It is the
// transport-grade form of [EncodeMessage].
func AppendMessage(buf []byte, m *Message, ord fragments.ByteOrder, files *[]*os.File) ([]byte, error) {
	if len(buf) != 0 {
		return nil, encodeErr("message buffer must be empty, has %d bytes", len(buf))
	}
	if err := m.Valid(); err != nil {
		return nil, encodeErr("%v", err)
	}
	sig := m.BodySignature()
	if !sig.Valid() {
		return nil, encodeErr("invalid body signature %q", sig)
	}

	e := fragments.Encoder{Order: ord, Out: buf}
	start := len(e.Out)
	e.ByteOrderFlag()
	e.Uint8(uint8(m.Type))
	e.Uint8(uint8(m.Flags))
	e.Uint8(protocolVersion)
	bodyLenOff := len(e.Out)
	e.Uint32(0) // body length, patched below
	e.Uint32(m.Serial)

	err := e.Array(8, func() error {
		str := func(code uint8, s string) error {
			if s == "" {
				return nil
			}
			return e.Struct(func() error {
				e.Uint8(code)
				if err := e.Signature("s"); err != nil {
					return err
				}
				e.String(s)
				return nil
			})
		}
		if m.Path != "" {
			err := e.Struct(func() error {
				e.Uint8(fieldPath)
				if err := e.Signature("o"); err != nil {
					return err
				}
				e.String(string(m.Path))
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := str(fieldInterface, m.Interface); err != nil {
			return err
		}
		if err := str(fieldMember, m.Member); err != nil {
			return err
		}
		if err := str(fieldErrName, m.ErrName); err != nil {
			return err
		}
		if m.ReplySerial != 0 {
			err := e.Struct(func() error {
				e.Uint8(fieldReplySerial)
				if err := e.Signature("u"); err != nil {
					return err
				}
				e.Uint32(m.ReplySerial)
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := str(fieldDestination, m.Destination); err != nil {
			return err
		}
		if err := str(fieldSender, m.Sender); err != nil {
			return err
		}
		if sig != "" {
			err := e.Struct(func() error {
				e.Uint8(fieldSignature)
				if err := e.Signature("g"); err != nil {
					return err
				}
				return e.Signature(string(sig))
			})
			if err != nil {
				return err
			}
		}
		if files != nil && canContainFiles(sig) {
			// The fd count is known only after the body is encoded,
			// but the body cannot precede the header on the wire.
			// Count the files by walking the body instead.
			var fs []*os.File
			for _, v := range m.Body {
				collectFiles(v, &fs)
			}
			if len(fs) == 0 {
				return nil
			}
			return e.Struct(func() error {
				e.Uint8(fieldUnixFDs)
				if err := e.Signature("u"); err != nil {
					return err
				}
				e.Uint32(uint32(len(fs)))
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapEncodeErr(err)
	}

	e.Pad(8)
	bodyStart := len(e.Out)
	for _, v := range m.Body {
		if err := writeValue(&e, v, files); err != nil {
			return nil, err
		}
	}
	ord.PutUint32(e.Out[bodyLenOff:], uint32(len(e.Out)-bodyStart))

	if len(e.Out)-start > MaxMessageBytes {
		return nil, encodeErr("message of %d bytes exceeds maximum message size", len(e.Out)-start)
	}
	return e.Out, nil
}

// writeValue appends the wire encoding of v. files collects file
// descriptors referenced by the value; nil means fd passing is not
// available.
func writeValue(e *fragments.Encoder, v Value, files *[]*os.File) error {
	switch v := v.(type) {
	case Byte:
		e.Uint8(uint8(v))
	case Bool:
		e.Bool(bool(v))
	case Int16:
		e.Int16(int16(v))
	case Uint16:
		e.Uint16(uint16(v))
	case Int32:
		e.Int32(int32(v))
	case Uint32:
		e.Uint32(uint32(v))
	case Int64:
		e.Int64(int64(v))
	case Uint64:
		e.Uint64(uint64(v))
	case Double:
		e.Double(float64(v))
	case String:
		if !utf8.ValidString(string(v)) {
			return encodeErr("string %q is not valid UTF-8", string(v))
		}
		e.String(string(v))
	case ObjectPath:
		if err := v.Valid(); err != nil {
			return encodeErr("%v", err)
		}
		e.String(string(v))
	case Signature:
		if !v.Valid() {
			return encodeErr("invalid signature %q", string(v))
		}
		if err := e.Signature(string(v)); err != nil {
			return encodeErr("%v", err)
		}
	case File:
		if files == nil {
			return encodeErr("cannot send file descriptor, fd passing not negotiated")
		}
		if v.File == nil {
			return encodeErr("cannot encode File with nil *os.File")
		}
		*files = append(*files, v.File)
		e.Uint32(uint32(len(*files) - 1))
	case ByteArray:
		if err := e.Bytes([]byte(v)); err != nil {
			return encodeErr("%v", err)
		}
	case Array:
		if !Signature("a" + v.Elem).Valid() {
			return encodeErr("invalid array element type %q", v.Elem)
		}
		err := e.Array(v.Elem.Alignment(), func() error {
			for _, el := range v.Elems {
				if got := el.SignatureDBus(); got != v.Elem {
					return encodeErr("array element of type %q in array of %q", got, v.Elem)
				}
				if err := writeValue(e, el, files); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return wrapEncodeErr(err)
		}
	case Dict:
		if len(v.Key) != 1 || !isBasicCode(v.Key[0]) {
			return encodeErr("invalid dict key type %q, must be a dbus basic type", v.Key)
		}
		if !v.Val.Single() {
			return encodeErr("invalid dict value type %q", v.Val)
		}
		err := e.Array(8, func() error {
			for _, ent := range v.Entries {
				if got := ent.Key.SignatureDBus(); got != v.Key {
					return encodeErr("dict key of type %q in dict keyed by %q", got, v.Key)
				}
				if got := ent.Val.SignatureDBus(); got != v.Val {
					return encodeErr("dict value of type %q in dict of %q", got, v.Val)
				}
				err := e.Struct(func() error {
					if err := writeValue(e, ent.Key, files); err != nil {
						return err
					}
					return writeValue(e, ent.Val, files)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return wrapEncodeErr(err)
		}
	case Struct:
		if len(v.Fields) == 0 {
			return encodeErr("cannot encode empty struct")
		}
		return e.Struct(func() error {
			for _, f := range v.Fields {
				if err := writeValue(e, f, files); err != nil {
					return err
				}
			}
			return nil
		})
	case Variant:
		if v.Value == nil {
			return encodeErr("cannot encode Variant with nil value")
		}
		sig := v.Value.SignatureDBus()
		if !sig.Single() {
			return encodeErr("variant value has non-singular type %q", sig)
		}
		if err := e.Signature(string(sig)); err != nil {
			return encodeErr("%v", err)
		}
		return writeValue(e, v.Value, files)
	default:
		return encodeErr("unknown value type %T", v)
	}
	return nil
}

// wrapEncodeErr coerces fragment-level size errors into EncodeError,
// passing EncodeErrors through untouched.
func wrapEncodeErr(err error) error {
	if _, ok := err.(EncodeError); ok {
		return err
	}
	return encodeErr("%v", err)
}
