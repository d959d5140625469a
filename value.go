package dbuswire

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// A Value is a typed DBus value. The concrete types in this package
// mirror the DBus type system: one type per basic type, plus [Array],
// [ByteArray], [Dict], [Struct] and [Variant] containers and [File]
// for unix file descriptors.
type Value interface {
	// SignatureDBus returns the single complete type of the value.
	SignatureDBus() Signature
}

type (
	Byte   uint8
	Bool   bool
	Int16  int16
	Uint16 uint16
	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64
	Double float64
	String string
)

func (Byte) SignatureDBus() Signature   { return "y" }
func (Bool) SignatureDBus() Signature   { return "b" }
func (Int16) SignatureDBus() Signature  { return "n" }
func (Uint16) SignatureDBus() Signature { return "q" }
func (Int32) SignatureDBus() Signature  { return "i" }
func (Uint32) SignatureDBus() Signature { return "u" }
func (Int64) SignatureDBus() Signature  { return "x" }
func (Uint64) SignatureDBus() Signature { return "t" }
func (Double) SignatureDBus() Signature { return "d" }
func (String) SignatureDBus() Signature { return "s" }

// An ObjectPath is a slash-delimited hierarchical identifier for an
// object, like /org/freedesktop/DBus.
type ObjectPath string

func (ObjectPath) SignatureDBus() Signature { return "o" }

// Valid reports whether p conforms to the object path grammar.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return nameErr("object path", s, "path is empty")
	}
	if s[0] != '/' {
		return nameErr("object path", s, "path must begin with /")
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return nameErr("object path", s, "path must not end with /")
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return nameErr("object path", s, "empty path element")
		}
		for i := 0; i < len(elem); i++ {
			if !isNameChar(elem[i]) {
				return nameErr("object path", s, fmt.Sprintf("invalid character %q", elem[i]))
			}
		}
	}
	return nil
}

// A File is a file to be sent or received over the bus. The File owns
// its descriptor: transports consume it on send, and hand ownership
// to the caller on receive.
type File struct {
	*os.File
}

func (File) SignatureDBus() Signature { return "h" }

// dup duplicates the file's kernel handle.
func (f File) dup() (File, error) {
	if f.File == nil {
		return File{}, fmt.Errorf("cannot dup File: File.File is nil")
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return File{}, fmt.Errorf("dup file descriptor: %w", err)
	}
	unix.CloseOnExec(fd)
	return File{os.NewFile(uintptr(fd), f.Name())}, nil
}

// An Array is a homogeneous sequence of values of type Elem.
type Array struct {
	// Elem is the element type. It must be set even when Elems is
	// empty, because the element type is part of the wire encoding.
	Elem  Signature
	Elems []Value
}

func (a Array) SignatureDBus() Signature { return "a" + a.Elem }

// A ByteArray is the "ay" specialization of Array.
type ByteArray []byte

func (ByteArray) SignatureDBus() Signature { return "ay" }

// A Dict is an association from basic-typed keys to values.
type Dict struct {
	// Key is the key type, which must be a basic type.
	Key Signature
	// Val is the value type.
	Val Signature
	// Entries are the dict entries, in wire order.
	Entries []DictEntry
}

// A DictEntry is a single key/value pair of a Dict.
type DictEntry struct {
	Key Value
	Val Value
}

func (d Dict) SignatureDBus() Signature { return "a{" + d.Key + d.Val + "}" }

// A Struct is a fixed sequence of values of possibly differing types.
type Struct struct {
	Fields []Value
}

func (s Struct) SignatureDBus() Signature {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, f := range s.Fields {
		sb.WriteString(string(f.SignatureDBus()))
	}
	sb.WriteByte(')')
	return Signature(sb.String())
}

// A Variant is a value paired with its type on the wire.
type Variant struct {
	Value Value
}

func (Variant) SignatureDBus() Signature { return "v" }

// SignatureOf returns the concatenated signature of a value sequence,
// as used for a message body.
func SignatureOf(vs ...Value) Signature {
	var sb strings.Builder
	for _, v := range vs {
		sb.WriteString(string(v.SignatureDBus()))
	}
	return Signature(sb.String())
}

// canContainFiles reports whether a value of type s could hold a file
// descriptor. Unlike [Signature.ContainsFiles] it is pessimistic
// about variants, whose payload type is not visible in the signature.
func canContainFiles(s Signature) bool {
	return strings.ContainsAny(string(s), "hv")
}

// DeepDup returns a copy of v in which every file descriptor has been
// duplicated into a new kernel handle. Subtrees whose type cannot
// contain file descriptors are reused as-is, not copied.
func DeepDup(v Value) (Value, error) {
	if !canContainFiles(v.SignatureDBus()) {
		return v, nil
	}
	switch v := v.(type) {
	case File:
		return v.dup()
	case Array:
		elems := make([]Value, len(v.Elems))
		for i, e := range v.Elems {
			d, err := DeepDup(e)
			if err != nil {
				closeDups(elems[:i])
				return nil, err
			}
			elems[i] = d
		}
		return Array{v.Elem, elems}, nil
	case Dict:
		ents := make([]DictEntry, len(v.Entries))
		fail := func(i int) {
			for _, d := range ents[:i] {
				closeDups([]Value{d.Key, d.Val})
			}
		}
		for i, e := range v.Entries {
			key, err := DeepDup(e.Key)
			if err != nil {
				fail(i)
				return nil, err
			}
			val, err := DeepDup(e.Val)
			if err != nil {
				closeDups([]Value{key})
				fail(i)
				return nil, err
			}
			ents[i] = DictEntry{key, val}
		}
		return Dict{v.Key, v.Val, ents}, nil
	case Struct:
		fields := make([]Value, len(v.Fields))
		for i, f := range v.Fields {
			d, err := DeepDup(f)
			if err != nil {
				closeDups(fields[:i])
				return nil, err
			}
			fields[i] = d
		}
		return Struct{fields}, nil
	case Variant:
		if v.Value == nil {
			return v, nil
		}
		inner, err := DeepDup(v.Value)
		if err != nil {
			return nil, err
		}
		return Variant{inner}, nil
	}
	return v, nil
}

// CloseFiles closes every file descriptor contained in v, releasing
// ownership of a value that will never reach a peer.
func CloseFiles(v Value) {
	switch v := v.(type) {
	case File:
		if v.File != nil {
			v.Close()
		}
	case Array:
		closeDups(v.Elems)
	case Dict:
		for _, e := range v.Entries {
			CloseFiles(e.Key)
			CloseFiles(e.Val)
		}
	case Struct:
		closeDups(v.Fields)
	case Variant:
		if v.Value != nil {
			CloseFiles(v.Value)
		}
	}
}

// closeDups closes the files duplicated so far by a failed DeepDup,
// so that a partial duplication does not leak descriptors.
func closeDups(vs []Value) {
	for _, v := range vs {
		if v != nil {
			CloseFiles(v)
		}
	}
}

// collectFiles appends the files contained in v, in encoding order.
func collectFiles(v Value, out *[]*os.File) {
	switch v := v.(type) {
	case File:
		if v.File != nil {
			*out = append(*out, v.File)
		}
	case Array:
		for _, e := range v.Elems {
			collectFiles(e, out)
		}
	case Dict:
		for _, e := range v.Entries {
			collectFiles(e.Key, out)
			collectFiles(e.Val, out)
		}
	case Struct:
		for _, f := range v.Fields {
			collectFiles(f, out)
		}
	case Variant:
		collectFiles(v.Value, out)
	}
}
