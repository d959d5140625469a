package dbuswire

import "fmt"

// A NameError reports a bus, interface, member, error or object path
// name that fails DBus validation.
type NameError struct {
	// Kind is the kind of name that failed validation: "bus name",
	// "interface name", "member name", "error name", "object path".
	Kind string
	// Name is the offending name.
	Name string
	// Reason is an explanation of what is wrong with it.
	Reason string
}

func (e NameError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Name, e.Reason)
}

const maxNameLen = 255

func nameErr(kind, name, reason string) error {
	return NameError{kind, name, reason}
}

func isNameStartChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_'
}

func isNameChar(c byte) bool {
	return isNameStartChar(c) || c >= '0' && c <= '9'
}

// checkDottedName validates the element.element grammar shared by
// interface names and bus names. allowDigitStart permits elements to
// begin with a digit, which only unique bus names allow. allowHyphen
// permits '-', which bus names allow and interface names do not.
func checkDottedName(kind, name string, allowDigitStart, allowHyphen bool) error {
	if name == "" {
		return nameErr(kind, name, "name is empty")
	}
	if len(name) > maxNameLen {
		return nameErr(kind, name, "name exceeds 255 bytes")
	}
	elems := 0
	start := 0
	for i := 0; i <= len(name); i++ {
		if i < len(name) && name[i] != '.' {
			continue
		}
		elem := name[start:i]
		if elem == "" {
			return nameErr(kind, name, "empty name element")
		}
		for j := 0; j < len(elem); j++ {
			c := elem[j]
			ok := isNameChar(c) || allowHyphen && c == '-'
			if j == 0 && !allowDigitStart && c >= '0' && c <= '9' {
				ok = false
			}
			if !ok {
				return nameErr(kind, name, fmt.Sprintf("invalid character %q", c))
			}
		}
		elems++
		start = i + 1
	}
	if elems < 2 {
		return nameErr(kind, name, "name needs at least two dot-separated elements")
	}
	return nil
}

// ValidBusName validates a well-known or unique bus name.
func ValidBusName(name string) error {
	if len(name) > 1 && name[0] == ':' {
		return checkDottedName("bus name", name[1:], true, true)
	}
	return checkDottedName("bus name", name, false, true)
}

// ValidInterfaceName validates an interface name.
func ValidInterfaceName(name string) error {
	return checkDottedName("interface name", name, false, false)
}

// ValidErrorName validates an error name. Error names share the
// interface name grammar.
func ValidErrorName(name string) error {
	return checkDottedName("error name", name, false, false)
}

// ValidMemberName validates a method or signal name.
func ValidMemberName(name string) error {
	if name == "" {
		return nameErr("member name", name, "name is empty")
	}
	if len(name) > maxNameLen {
		return nameErr("member name", name, "name exceeds 255 bytes")
	}
	if !isNameStartChar(name[0]) {
		return nameErr("member name", name, fmt.Sprintf("invalid leading character %q", name[0]))
	}
	for i := 1; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return nameErr("member name", name, fmt.Sprintf("invalid character %q", name[i]))
		}
	}
	return nil
}
