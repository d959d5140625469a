package dbuswire

import (
	"os"
	"testing"
)

func TestSignatureOfValues(t *testing.T) {
	tests := []struct {
		v    Value
		want Signature
	}{
		{Byte(1), "y"},
		{Bool(true), "b"},
		{Int16(-1), "n"},
		{Uint16(1), "q"},
		{Int32(-1), "i"},
		{Uint32(1), "u"},
		{Int64(-1), "x"},
		{Uint64(1), "t"},
		{Double(0.5), "d"},
		{String("hi"), "s"},
		{ObjectPath("/"), "o"},
		{Signature("i"), "g"},
		{File{}, "h"},
		{ByteArray{1, 2}, "ay"},
		{Array{Elem: "s"}, "as"},
		{Dict{Key: "s", Val: "v"}, "a{sv}"},
		{Struct{Fields: []Value{Int32(1), String("x")}}, "(is)"},
		{Variant{String("x")}, "v"},
	}
	for _, tc := range tests {
		if got := tc.v.SignatureDBus(); got != tc.want {
			t.Errorf("SignatureDBus(%#v) = %q, want %q", tc.v, got, tc.want)
		}
	}

	got := SignatureOf(Int32(1), String("x"), Array{Elem: "y"})
	if want := Signature("isay"); got != want {
		t.Errorf("SignatureOf = %q, want %q", got, want)
	}
}

func TestDeepDupSharesFileFreeValues(t *testing.T) {
	ba := ByteArray{1, 2, 3}
	arr := Array{Elem: "ay", Elems: []Value{ba}}

	dup, err := DeepDup(arr)
	if err != nil {
		t.Fatalf("DeepDup: %v", err)
	}
	got := dup.(Array).Elems[0].(ByteArray)
	if &got[0] != &ba[0] {
		t.Error("DeepDup copied a file-free subtree, want structural reuse")
	}
}

func TestDeepDupDuplicatesFiles(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "dup")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	v := Struct{Fields: []Value{Int32(42), Variant{File{f}}}}
	dup, err := DeepDup(v)
	if err != nil {
		t.Fatalf("DeepDup: %v", err)
	}
	defer CloseFiles(dup)

	got := dup.(Struct).Fields[1].(Variant).Value.(File)
	if got.File == f {
		t.Fatal("DeepDup returned the same *os.File, want a new handle")
	}
	if got.Fd() == f.Fd() {
		t.Fatal("DeepDup returned the same fd number, want a new handle")
	}

	origInfo, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	dupInfo, err := got.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(origInfo, dupInfo) {
		t.Error("duplicated fd does not refer to the same file")
	}
}

func TestCloseFiles(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "close")
	if err != nil {
		t.Fatal(err)
	}

	CloseFiles(Array{Elem: "h", Elems: []Value{File{f}}})
	if _, err := f.Stat(); err == nil {
		t.Error("file still open after CloseFiles")
	}
}
