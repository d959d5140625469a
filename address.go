package dbuswire

import (
	"fmt"
	"strings"
)

// An AddressError reports a bus address that is syntactically unsound
// or semantically unusable.
type AddressError struct {
	// Addr is the offending address text.
	Addr string
	// Reason is an explanation of what is wrong with it.
	Reason string
}

func (e AddressError) Error() string {
	return fmt.Sprintf("invalid bus address %q: %s", e.Addr, e.Reason)
}

// An Address is a single candidate bus endpoint: a transport name
// plus its parameters.
type Address struct {
	// Name is the transport name, like "unix" or "tcp".
	Name string
	// Params maps parameter keys to their percent-decoded values.
	Params map[string]string
}

func (a Address) String() string {
	var sb strings.Builder
	sb.WriteString(a.Name)
	sb.WriteByte(':')
	first := true
	for k, v := range a.Params {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(escapeAddressValue(v))
	}
	return sb.String()
}

// ParseAddresses parses a semicolon-separated bus address list into
// its candidate addresses, in fallback order.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, one := range strings.Split(s, ";") {
		if one == "" {
			continue
		}
		addr, err := parseAddress(one)
		if err != nil {
			return nil, err
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, AddressError{s, "empty address list"}
	}
	return ret, nil
}

func parseAddress(s string) (Address, error) {
	name, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, AddressError{s, "missing transport name"}
	}
	if name == "" {
		return Address{}, AddressError{s, "empty transport name"}
	}
	ret := Address{Name: name, Params: map[string]string{}}
	if rest == "" {
		return ret, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return Address{}, AddressError{s, fmt.Sprintf("malformed parameter %q", kv)}
		}
		dec, err := unescapeAddressValue(v)
		if err != nil {
			return Address{}, AddressError{s, err.Error()}
		}
		if _, dup := ret.Params[k]; dup {
			return Address{}, AddressError{s, fmt.Sprintf("duplicate parameter %q", k)}
		}
		ret.Params[k] = dec
	}
	return ret, nil
}

// unescapeAddressValue applies the %HH percent decoding the address
// grammar uses for parameter values.
func unescapeAddressValue(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			sb.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated %%-escape %q", s[i:])
		}
		hi, lo := unhexDigit(s[i+1]), unhexDigit(s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("malformed %%-escape %q", s[i:i+3])
		}
		sb.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return sb.String(), nil
}

// escapeAddressValue percent-encodes the bytes the address grammar
// does not allow verbatim.
func escapeAddressValue(s string) string {
	isPlain := func(c byte) bool {
		return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '/' || c == '\\' || c == '.' || c == '*'
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if isPlain(s[i]) {
			sb.WriteByte(s[i])
		} else {
			fmt.Fprintf(&sb, "%%%02x", s[i])
		}
	}
	return sb.String()
}

func unhexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
