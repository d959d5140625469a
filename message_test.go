package dbuswire

import (
	"strings"
	"testing"
)

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{
			"valid call",
			Message{Type: TypeMethodCall, Serial: 1, Path: "/obj", Member: "Frob"},
			"",
		},
		{
			"valid call without interface",
			Message{Type: TypeMethodCall, Serial: 1, Path: "/obj", Member: "Frob", Destination: "org.example.Svc"},
			"",
		},
		{
			"zero serial",
			Message{Type: TypeMethodCall, Path: "/obj", Member: "Frob"},
			"zero Serial",
		},
		{
			"call missing path",
			Message{Type: TypeMethodCall, Serial: 1, Member: "Frob"},
			"required field Path",
		},
		{
			"call missing member",
			Message{Type: TypeMethodCall, Serial: 1, Path: "/obj"},
			"required field Member",
		},
		{
			"valid return",
			Message{Type: TypeMethodReturn, Serial: 2, ReplySerial: 1},
			"",
		},
		{
			"return missing reply serial",
			Message{Type: TypeMethodReturn, Serial: 2},
			"required field ReplySerial",
		},
		{
			"valid error",
			Message{Type: TypeError, Serial: 2, ReplySerial: 1, ErrName: "org.example.Error.Failed"},
			"",
		},
		{
			"error missing name",
			Message{Type: TypeError, Serial: 2, ReplySerial: 1},
			"required field ErrName",
		},
		{
			"valid signal",
			Message{Type: TypeSignal, Serial: 3, Path: "/obj", Interface: "org.example.Iface", Member: "Changed"},
			"",
		},
		{
			"signal missing interface",
			Message{Type: TypeSignal, Serial: 3, Path: "/obj", Member: "Changed"},
			"required field Interface",
		},
		{
			"unknown type",
			Message{Type: 9, Serial: 1},
			"invalid message type",
		},
		{
			"bad path",
			Message{Type: TypeMethodCall, Serial: 1, Path: "obj", Member: "Frob"},
			"object path",
		},
		{
			"bad member",
			Message{Type: TypeMethodCall, Serial: 1, Path: "/obj", Member: "Fro-b"},
			"member name",
		},
		{
			"bad destination",
			Message{Type: TypeMethodCall, Serial: 1, Path: "/obj", Member: "Frob", Destination: "nodots"},
			"bus name",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Valid()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Valid() got err: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Valid() succeeded, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Valid() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestWantReply(t *testing.T) {
	m := Message{Type: TypeMethodCall, Serial: 1}
	if !m.WantReply() {
		t.Error("method call without flags should want a reply")
	}
	m.Flags = FlagNoReplyExpected
	if m.WantReply() {
		t.Error("NO_REPLY_EXPECTED call should not want a reply")
	}
	s := Message{Type: TypeSignal, Serial: 1}
	if s.WantReply() {
		t.Error("signal should not want a reply")
	}
}
