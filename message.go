package dbuswire

import "fmt"

// A Type is the type of a DBus message.
type Type byte

const (
	TypeMethodCall Type = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

var typeStrings = map[Type]string{
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t Type) String() string {
	if s, ok := typeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Flags is the flag bitset of a DBus message.
type Flags byte

const (
	// FlagNoReplyExpected indicates the sender does not want a reply
	// to a method call.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name.
	FlagNoAutoStart
)

// A Message is a single DBus message: a method call, method return,
// error, or signal.
//
// Which of the optional fields must be set depends on the message
// type; see [Message.Valid].
type Message struct {
	// Type is the message's type.
	Type Type
	// Flags is the message's flag bitset.
	Flags Flags
	// Serial is the sender-assigned serial for this message. It must
	// be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object for
	// a signal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal.
	Member string
	// ErrName is the name of the error that occurred, for error
	// messages.
	ErrName string
	// ReplySerial is the serial of the message to which this message
	// is replying.
	ReplySerial uint32
	// Destination is the bus name the message is addressed to, if
	// any.
	Destination string
	// Sender is the bus name of the message sender. The message bus
	// populates this value itself.
	Sender string

	// Body is the message payload.
	Body []Value
}

// NewMethodCall returns a method call message. The serial is left for
// the transport's caller to assign.
func NewMethodCall(destination string, path ObjectPath, iface, member string, body ...Value) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        body,
	}
}

// NewMethodReturn returns a method return replying to call.
func NewMethodReturn(call *Message, body ...Value) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Body:        body,
	}
}

// NewError returns an error message replying to call.
func NewError(call *Message, name, detail string) *Message {
	ret := &Message{
		Type:        TypeError,
		ErrName:     name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if detail != "" {
		ret.Body = []Value{String(detail)}
	}
	return ret
}

// NewSignal returns a signal message.
func NewSignal(path ObjectPath, iface, member string, body ...Value) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}

// BodySignature returns the concatenated signature of the message
// body.
func (m *Message) BodySignature() Signature {
	return SignatureOf(m.Body...)
}

// Valid checks that the message carries the fields its type requires,
// and that every name it carries is well-formed.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	need := func(field, val string) error {
		if val == "" {
			return fmt.Errorf("%s message missing required field %s", m.Type, field)
		}
		return nil
	}
	switch m.Type {
	case TypeMethodCall:
		if err := need("Path", string(m.Path)); err != nil {
			return err
		}
		if err := need("Member", m.Member); err != nil {
			return err
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("%s message missing required field ReplySerial", m.Type)
		}
	case TypeError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("%s message missing required field ReplySerial", m.Type)
		}
		if err := need("ErrName", m.ErrName); err != nil {
			return err
		}
	case TypeSignal:
		if err := need("Path", string(m.Path)); err != nil {
			return err
		}
		if err := need("Interface", m.Interface); err != nil {
			return err
		}
		if err := need("Member", m.Member); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid message type %d", byte(m.Type))
	}

	if m.Path != "" {
		if err := m.Path.Valid(); err != nil {
			return err
		}
	}
	if m.Interface != "" {
		if err := ValidInterfaceName(m.Interface); err != nil {
			return err
		}
	}
	if m.Member != "" {
		if err := ValidMemberName(m.Member); err != nil {
			return err
		}
	}
	if m.ErrName != "" {
		if err := ValidErrorName(m.ErrName); err != nil {
			return err
		}
	}
	if m.Destination != "" {
		if err := ValidBusName(m.Destination); err != nil {
			return err
		}
	}
	if m.Sender != "" {
		if err := ValidBusName(m.Sender); err != nil {
			return err
		}
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// Dup returns a copy of m in which every file descriptor in the body
// has been duplicated into a new kernel handle.
func (m *Message) Dup() (*Message, error) {
	ret := *m
	if len(m.Body) == 0 {
		return &ret, nil
	}
	ret.Body = make([]Value, len(m.Body))
	for i, v := range m.Body {
		d, err := DeepDup(v)
		if err != nil {
			closeDups(ret.Body[:i])
			return nil, err
		}
		ret.Body[i] = d
	}
	return &ret, nil
}
