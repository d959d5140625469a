package dbuswire

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/danderson/dbuswire/fragments"
)

// FixedHeaderLen is the length of the fixed part of a message header.
const FixedHeaderLen = 16

// MessageLength parses the fixed header at the front of hdr and
// returns the total length of the message it frames: fixed header,
// header fields with their padding, and body. It rejects messages
// whose total length exceeds [MaxMessageBytes], so transports can
// refuse an oversized message without reading its body.
func MessageLength(hdr []byte) (int, error) {
	if len(hdr) < FixedHeaderLen {
		return 0, DecodeError{Reason: fmt.Sprintf("fixed header is %d bytes, need %d", len(hdr), FixedHeaderLen), Offset: 0}
	}
	var ord fragments.ByteOrder
	switch hdr[0] {
	case 'l':
		ord = fragments.LittleEndian
	case 'B':
		ord = fragments.BigEndian
	default:
		return 0, DecodeError{Reason: fmt.Sprintf("unknown byte order flag %q", hdr[0]), Offset: 0}
	}
	bodyLen := ord.Uint32(hdr[4:8])
	fieldsLen := ord.Uint32(hdr[12:16])
	total := uint64(FixedHeaderLen) + pad8(uint64(fieldsLen)) + uint64(bodyLen)
	if total > MaxMessageBytes {
		return 0, DecodeError{Reason: "message size exceeds limit", Offset: 12}
	}
	return int(total), nil
}

// A FileGetter hands out n received file descriptors, in the order
// they arrived. Transports implement it over their ancillary-data
// queue; [DecodeMessage] implements it over a static slice.
type FileGetter func(n int) ([]*os.File, error)

// DecodeMessage decodes one complete message from bs. files must
// hold exactly the file descriptors that accompanied the message; a
// mismatch with the message's declared fd count is a decode error.
//
// Ownership of the files passes to the decoded message's body. If
// decoding fails, the files are closed.
func DecodeMessage(bs []byte, files []*os.File) (*Message, error) {
	m, err := DecodeMessageFiles(bs, func(n int) ([]*os.File, error) {
		if n != len(files) {
			return nil, fmt.Errorf("message declares %d file descriptors, got %d", n, len(files))
		}
		return files, nil
	})
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, err
	}
	return m, nil
}

// DecodeMessageFiles is like [DecodeMessage], but obtains the
// message's file descriptors from getFiles once their count is known.
// It is intended for transports that queue received descriptors.
// Files handed out by getFiles are not closed on decode failure; that
// remains the caller's responsibility.
func DecodeMessageFiles(bs []byte, getFiles FileGetter) (*Message, error) {
	d := &fragments.Decoder{In: bs}

	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	typ, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	flags, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	verOff := d.Offset()
	ver, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	if ver != protocolVersion {
		return nil, DecodeError{Reason: fmt.Sprintf("invalid protocol version: %d", ver), Offset: verOff}
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	serial, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	fieldsOff := d.Offset()
	fieldsLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}

	total := uint64(FixedHeaderLen) + pad8(uint64(fieldsLen)) + uint64(bodyLen)
	if total > MaxMessageBytes {
		return nil, DecodeError{Reason: "message size exceeds limit", Offset: fieldsOff}
	}
	if uint64(len(bs)) != total {
		return nil, DecodeError{Reason: fmt.Sprintf("message is %d bytes, header declares %d", len(bs), total), Offset: fieldsOff}
	}

	m := &Message{
		Type:   Type(typ),
		Flags:  Flags(flags),
		Serial: serial,
	}

	var (
		bodySig Signature
		numFDs  uint32
	)
	fieldsEnd := d.Offset() + int(fieldsLen)
	for d.Offset() < fieldsEnd {
		if err := readHeaderField(d, m, &bodySig, &numFDs); err != nil {
			return nil, err
		}
	}
	if d.Offset() != fieldsEnd {
		return nil, DecodeError{Reason: "header field overran fields array", Offset: d.Offset()}
	}
	if err := d.Pad(8); err != nil {
		return nil, err
	}

	var files []*os.File
	if getFiles != nil {
		if files, err = getFiles(int(numFDs)); err != nil {
			return nil, DecodeError{Reason: err.Error(), Offset: d.Offset()}
		}
	} else if numFDs > 0 {
		return nil, DecodeError{Reason: fmt.Sprintf("message declares %d file descriptors, got 0", numFDs), Offset: d.Offset()}
	}

	bodyStart := d.Offset()
	if bodyLen > 0 && bodySig == "" {
		return nil, DecodeError{Reason: "message has a body but no signature header field", Offset: bodyStart}
	}
	types, err := bodySig.Types()
	if err != nil {
		return nil, DecodeError{Reason: err.Error(), Offset: bodyStart}
	}
	for _, t := range types {
		v, err := readValue(d, t, files)
		if err != nil {
			return nil, err
		}
		m.Body = append(m.Body, v)
	}
	if got := d.Offset() - bodyStart; got != int(bodyLen) {
		return nil, DecodeError{Reason: fmt.Sprintf("message body is %d bytes, header declares %d", got, bodyLen), Offset: d.Offset()}
	}

	if err := m.Valid(); err != nil {
		return nil, DecodeError{Reason: err.Error(), Offset: 0}
	}
	return m, nil
}

func pad8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// fieldTypes maps each known header field code to the variant type
// the spec assigns it.
var fieldTypes = map[uint8]Signature{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrName:     "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldUnixFDs:     "u",
}

// readHeaderField decodes one (code, variant) element of the header
// fields array. Unknown codes are skipped; known codes must carry the
// variant type the spec assigns them.
func readHeaderField(d *fragments.Decoder, m *Message, bodySig *Signature, numFDs *uint32) error {
	return d.Struct(func() error {
		code, err := d.Uint8()
		if err != nil {
			return err
		}
		sigOff := d.Offset()
		sigStr, err := d.Signature()
		if err != nil {
			return err
		}
		sig := Signature(sigStr)
		if !sig.Single() {
			return DecodeError{Reason: fmt.Sprintf("header field %d has invalid type %q", code, sigStr), Offset: sigOff}
		}

		if w, known := fieldTypes[code]; known && sig != w {
			return DecodeError{Reason: fmt.Sprintf("header field %d has type %q, want %q", code, sig, w), Offset: sigOff}
		}

		v, err := readValue(d, sig, nil)
		if err != nil {
			return err
		}
		switch code {
		case fieldPath:
			m.Path = v.(ObjectPath)
		case fieldInterface:
			m.Interface = string(v.(String))
		case fieldMember:
			m.Member = string(v.(String))
		case fieldErrName:
			m.ErrName = string(v.(String))
		case fieldReplySerial:
			m.ReplySerial = uint32(v.(Uint32))
		case fieldDestination:
			m.Destination = string(v.(String))
		case fieldSender:
			m.Sender = string(v.(String))
		case fieldSignature:
			*bodySig = v.(Signature)
		case fieldUnixFDs:
			*numFDs = uint32(v.(Uint32))
		default:
			// Unknown field, discard.
		}
		return nil
	})
}

// readValue decodes one value of type sig. files resolves unix fd
// indices; decoding an 'h' with no files available is an error.
func readValue(d *fragments.Decoder, sig Signature, files []*os.File) (Value, error) {
	switch sig[0] {
	case 'y':
		v, err := d.Uint8()
		return Byte(v), err
	case 'b':
		v, err := d.Bool()
		return Bool(v), err
	case 'n':
		v, err := d.Int16()
		return Int16(v), err
	case 'q':
		v, err := d.Uint16()
		return Uint16(v), err
	case 'i':
		v, err := d.Int32()
		return Int32(v), err
	case 'u':
		v, err := d.Uint32()
		return Uint32(v), err
	case 'x':
		v, err := d.Int64()
		return Int64(v), err
	case 't':
		v, err := d.Uint64()
		return Uint64(v), err
	case 'd':
		v, err := d.Double()
		return Double(v), err
	case 's':
		off := d.Offset()
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(v) {
			return nil, DecodeError{Reason: "string is not valid UTF-8", Offset: off}
		}
		return String(v), nil
	case 'o':
		off := d.Offset()
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(v)
		if err := p.Valid(); err != nil {
			return nil, DecodeError{Reason: err.Error(), Offset: off}
		}
		return p, nil
	case 'g':
		off := d.Offset()
		v, err := d.Signature()
		if err != nil {
			return nil, err
		}
		ret, err := ParseSignature(v)
		if err != nil {
			return nil, DecodeError{Reason: err.Error(), Offset: off}
		}
		return ret, nil
	case 'h':
		off := d.Offset()
		idx, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(files) {
			return nil, DecodeError{Reason: fmt.Sprintf("file descriptor index %d out of range, message carries %d", idx, len(files)), Offset: off}
		}
		return File{files[idx]}, nil
	case 'a':
		elem := sig.arrayElem()
		if elem == "y" {
			bs, err := d.Bytes()
			if err != nil {
				return nil, err
			}
			ret := make(ByteArray, len(bs))
			copy(ret, bs)
			return ret, nil
		}
		if elem[0] == '{' {
			return readDict(d, elem, files)
		}
		ret := Array{Elem: elem}
		_, err := d.Array(elem.Alignment(), func(int) error {
			v, err := readValue(d, elem, files)
			if err != nil {
				return err
			}
			ret.Elems = append(ret.Elems, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case '(':
		members, err := Signature(sig[1 : len(sig)-1]).Types()
		if err != nil {
			return nil, DecodeError{Reason: err.Error(), Offset: d.Offset()}
		}
		ret := Struct{}
		err = d.Struct(func() error {
			for _, t := range members {
				v, err := readValue(d, t, files)
				if err != nil {
					return err
				}
				ret.Fields = append(ret.Fields, v)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case 'v':
		off := d.Offset()
		sigStr, err := d.Signature()
		if err != nil {
			return nil, err
		}
		inner, err := ParseSignature(sigStr)
		if err != nil {
			return nil, DecodeError{Reason: err.Error(), Offset: off}
		}
		if !inner.Single() {
			return nil, DecodeError{Reason: fmt.Sprintf("variant signature %q is not a single complete type", sigStr), Offset: off}
		}
		v, err := readValue(d, inner, files)
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	}
	return nil, DecodeError{Reason: fmt.Sprintf("unknown type specifier %q", sig[0]), Offset: d.Offset()}
}

func readDict(d *fragments.Decoder, entry Signature, files []*os.File) (Value, error) {
	key, val := entry.dictEntryTypes()
	if key == "" {
		return nil, DecodeError{Reason: fmt.Sprintf("invalid dict entry type %q", entry), Offset: d.Offset()}
	}
	ret := Dict{Key: key, Val: val}
	_, err := d.Array(8, func(int) error {
		return d.Struct(func() error {
			k, err := readValue(d, key, files)
			if err != nil {
				return err
			}
			v, err := readValue(d, val, files)
			if err != nil {
				return err
			}
			ret.Entries = append(ret.Entries, DictEntry{k, v})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
