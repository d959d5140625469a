package fragments

import (
	"fmt"
	"math"
)

// A DecodeError reports DBus wire data that violates the
// specification. Offset is the byte position in the input at which
// the offending data begins.
type DecodeError struct {
	Reason string
	Offset int
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
}

// A Decoder reads DBus wire format data from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. The decoder never reads past the end of
// its input, and reports the exact input offset of malformed data.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte

	// pos is the read cursor. Alignment depends on the absolute
	// offset within the message, and cannot be derived from local
	// context partway through decoding.
	pos int
	// limit bounds reads while decoding an array's element region, so
	// that a malformed element cannot consume bytes that belong to
	// the enclosing value. Zero means no array is being decoded.
	limit int
}

// Offset returns the number of input bytes consumed so far.
func (d *Decoder) Offset() int { return d.pos }

// Remaining returns the number of input bytes not yet consumed.
func (d *Decoder) Remaining() int { return d.max() - d.pos }

func (d *Decoder) max() int {
	if d.limit > 0 {
		return d.limit
	}
	return len(d.In)
}

func (d *Decoder) errf(off int, format string, args ...any) error {
	return DecodeError{fmt.Sprintf(format, args...), off}
}

func (d *Decoder) short(off, n int) error {
	return d.errf(off, "input truncated, need %d more bytes", n-(d.max()-off))
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.pos+skip > d.max() {
		return d.short(d.pos, skip)
	}
	d.pos += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if d.pos+n > d.max() {
		return nil, d.short(d.pos, n)
	}
	ret := d.In[d.pos : d.pos+n]
	d.pos += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	off := d.pos
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ln > MaxArrayBytes {
		return nil, d.errf(off, "byte array of %d bytes exceeds maximum array size", ln)
	}
	return d.Read(int(ln))
}

// String reads a DBus string: uint32 length, raw bytes, NUL.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	off := d.pos
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", d.errf(off+int(ln), "string is missing NUL terminator")
	}
	return string(ret[:len(ret)-1]), nil
}

// Signature reads a DBus signature string: uint8 length, raw bytes,
// NUL.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	off := d.pos
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", d.errf(off+int(ln), "signature is missing NUL terminator")
	}
	return string(ret[:len(ret)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Int16 reads an int16.
func (d *Decoder) Int16() (int16, error) {
	u, err := d.Uint16()
	return int16(u), err
}

// Int32 reads an int32.
func (d *Decoder) Int32() (int32, error) {
	u, err := d.Uint32()
	return int32(u), err
}

// Int64 reads an int64.
func (d *Decoder) Int64() (int64, error) {
	u, err := d.Uint64()
	return int64(u), err
}

// Double reads a float64.
func (d *Decoder) Double() (float64, error) {
	u, err := d.Uint64()
	return math.Float64frombits(u), err
}

// Bool reads a bool, encoded as a uint32. Values other than 0 and 1
// are a decode error.
func (d *Decoder) Bool() (bool, error) {
	if err := d.Pad(4); err != nil {
		return false, err
	}
	off := d.pos
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	if u > 1 {
		return false, d.errf(off, "invalid boolean value: %d", u)
	}
	return u == 1, nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. Element reads are bounded to the array's data region;
// an element that runs past the end of the array is a decode error.
//
// Array returns the total number of array elements that were
// processed.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes array header padding appropriately even if
// the array contains no elements.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	off := d.pos
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayBytes {
		return 0, d.errf(off, "array of %d bytes exceeds maximum array size", ln)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	end := d.pos + int(ln)
	if end > d.max() {
		return 0, d.short(d.pos, int(ln))
	}
	outer := d.limit
	d.limit = end
	defer func() { d.limit = outer }()

	idx := 0
	for d.pos < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	if d.pos != end {
		return idx, d.errf(d.pos, "array element overran array bounds")
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	off := d.pos
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	switch v {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return d.errf(off, "unknown byte order flag %q", v)
	}
	return nil
}
