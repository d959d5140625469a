package dbuswire

import (
	"fmt"
	"strings"
)

// A Signature describes the type of a DBus value, as a string of
// DBus type codes.
type Signature string

const (
	maxSignatureLen = 255
	maxNestingDepth = 32
)

// alignments maps each type code to the natural alignment of its
// encoding. Container opens align to their header: arrays to the
// uint32 length word, structs and dict entries to 8.
var alignments = map[byte]int{
	'y': 1, 'b': 4, 'n': 2, 'q': 2, 'i': 4, 'u': 4,
	'x': 8, 't': 8, 'd': 8, 's': 4, 'o': 4, 'g': 1,
	'h': 4, 'a': 4, '(': 8, '{': 8, 'v': 1,
}

func isBasicCode(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// ParseSignature validates sig as a sequence of complete DBus types.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return "", fmt.Errorf("signature %q exceeds %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		if _, rest, err = nextType(rest, 0, 0); err != nil {
			return "", fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return Signature(sig), nil
}

// nextType consumes the first complete type from the front of sig and
// returns it along with the remainder. arrayDepth and structDepth
// track container nesting, which the spec bounds at 32 each.
func nextType(sig string, arrayDepth, structDepth int) (one, rest string, err error) {
	if sig == "" {
		return "", "", fmt.Errorf("missing type")
	}
	c := sig[0]
	if isBasicCode(c) || c == 'v' {
		return sig[:1], sig[1:], nil
	}
	switch c {
	case 'a':
		if arrayDepth+1 > maxNestingDepth {
			return "", "", fmt.Errorf("array nesting exceeds %d levels", maxNestingDepth)
		}
		var elem string
		if len(sig) > 1 && sig[1] == '{' {
			elem, rest, err = nextDictEntry(sig[1:], arrayDepth+1, structDepth)
		} else {
			elem, rest, err = nextType(sig[1:], arrayDepth+1, structDepth)
		}
		if err != nil {
			return "", "", err
		}
		return sig[:1+len(elem)], rest, nil
	case '(':
		if structDepth+1 > maxNestingDepth {
			return "", "", fmt.Errorf("struct nesting exceeds %d levels", maxNestingDepth)
		}
		rest = sig[1:]
		n := 0
		for rest != "" && rest[0] != ')' {
			if _, rest, err = nextType(rest, arrayDepth, structDepth+1); err != nil {
				return "", "", err
			}
			n++
		}
		if rest == "" {
			return "", "", fmt.Errorf("missing closing ) in struct definition")
		}
		if n == 0 {
			return "", "", fmt.Errorf("empty struct definition")
		}
		one = sig[:len(sig)-len(rest)+1]
		return one, rest[1:], nil
	case '{':
		return "", "", fmt.Errorf("dict entry type found outside array")
	}
	return "", "", fmt.Errorf("unknown type specifier %q", c)
}

func nextDictEntry(sig string, arrayDepth, structDepth int) (one, rest string, err error) {
	if structDepth+1 > maxNestingDepth {
		return "", "", fmt.Errorf("struct nesting exceeds %d levels", maxNestingDepth)
	}
	key, rest, err := nextType(sig[1:], arrayDepth, structDepth+1)
	if err != nil {
		return "", "", err
	}
	if len(key) != 1 || !isBasicCode(key[0]) {
		return "", "", fmt.Errorf("invalid dict entry key type %q, must be a dbus basic type", key)
	}
	if _, rest, err = nextType(rest, arrayDepth, structDepth+1); err != nil {
		return "", "", err
	}
	if rest == "" || rest[0] != '}' {
		return "", "", fmt.Errorf("missing closing } in dict entry definition")
	}
	one = sig[:len(sig)-len(rest)+1]
	return one, rest[1:], nil
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string { return string(s) }

// Valid reports whether s is a well-formed signature.
func (s Signature) Valid() bool {
	_, err := ParseSignature(string(s))
	return err == nil
}

// Single reports whether s consists of exactly one complete type.
func (s Signature) Single() bool {
	one, rest, err := nextType(string(s), 0, 0)
	return err == nil && rest == "" && one == string(s)
}

// Types splits s into its sequence of single complete types.
func (s Signature) Types() ([]Signature, error) {
	var ret []Signature
	rest := string(s)
	for rest != "" {
		one, r, err := nextType(rest, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("invalid type signature %q: %w", s, err)
		}
		ret = append(ret, Signature(one))
		rest = r
	}
	return ret, nil
}

// Alignment returns the natural alignment of s's encoding. s must be
// a single complete type.
func (s Signature) Alignment() int {
	if s == "" {
		return 1
	}
	if a, ok := alignments[s[0]]; ok {
		return a
	}
	return 1
}

// ContainsFiles reports whether a value of type s transitively
// contains a unix file descriptor.
func (s Signature) ContainsFiles() bool {
	return strings.ContainsRune(string(s), 'h')
}

// arrayElem returns the element type of an array signature, which may
// be a dict entry type.
func (s Signature) arrayElem() Signature {
	return s[1:]
}

// dictEntryTypes splits a dict entry signature "{KV}" into its key
// and value types.
func (s Signature) dictEntryTypes() (key, val Signature) {
	inner := string(s[1 : len(s)-1])
	k, rest, err := nextType(inner, 0, 1)
	if err != nil {
		return "", ""
	}
	return Signature(k), Signature(rest)
}

// SignatureDBus returns "g": a Signature is itself a DBus value.
func (s Signature) SignatureDBus() Signature { return "g" }
