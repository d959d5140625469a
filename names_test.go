package dbuswire

import "testing"

func TestValidBusName(t *testing.T) {
	valid := []string{
		"org.freedesktop.DBus",
		"com.example.backup-manager",
		":1.42",
		":1.0.whatever",
	}
	for _, name := range valid {
		if err := ValidBusName(name); err != nil {
			t.Errorf("ValidBusName(%q) got err: %v", name, err)
		}
	}
	invalid := []string{
		"",
		"nodots",
		".starts.with.dot",
		"ends.with.dot.",
		"double..dot",
		"org.7zip.Archiver",
		"has.a space",
		":",
		":nodots",
	}
	for _, name := range invalid {
		if err := ValidBusName(name); err == nil {
			t.Errorf("ValidBusName(%q) succeeded, want error", name)
		}
	}
}

func TestValidInterfaceName(t *testing.T) {
	valid := []string{
		"org.freedesktop.DBus",
		"org.freedesktop.DBus.Properties",
		"a.b",
	}
	for _, name := range valid {
		if err := ValidInterfaceName(name); err != nil {
			t.Errorf("ValidInterfaceName(%q) got err: %v", name, err)
		}
	}
	invalid := []string{
		"",
		"nodots",
		"has-hyphen.example",
		"org.7zip.Archiver",
		"a..b",
	}
	for _, name := range invalid {
		if err := ValidInterfaceName(name); err == nil {
			t.Errorf("ValidInterfaceName(%q) succeeded, want error", name)
		}
	}
}

func TestValidMemberName(t *testing.T) {
	valid := []string{"Ping", "GetMachineId", "_internal", "Name2"}
	for _, name := range valid {
		if err := ValidMemberName(name); err != nil {
			t.Errorf("ValidMemberName(%q) got err: %v", name, err)
		}
	}
	invalid := []string{"", "2Fast", "has.dot", "has-hyphen", "has space"}
	for _, name := range invalid {
		if err := ValidMemberName(name); err == nil {
			t.Errorf("ValidMemberName(%q) succeeded, want error", name)
		}
	}
}

func TestObjectPathValid(t *testing.T) {
	valid := []ObjectPath{"/", "/org", "/org/freedesktop/DBus", "/a_b/c2"}
	for _, p := range valid {
		if err := p.Valid(); err != nil {
			t.Errorf("ObjectPath(%q).Valid() got err: %v", p, err)
		}
	}
	invalid := []ObjectPath{"", "org/freedesktop", "/org/", "//", "/a//b", "/a-b", "/a b"}
	for _, p := range invalid {
		if err := p.Valid(); err == nil {
			t.Errorf("ObjectPath(%q).Valid() succeeded, want error", p)
		}
	}
}
