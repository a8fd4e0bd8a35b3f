package asyncws

import "github.com/gorilla/websocket"

type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

// Message is an opaque inbound or outbound payload.
type Message struct {
	Type MessageType
	Data []byte
}

func Text(s string) Message      { return Message{Type: TextMessage, Data: []byte(s)} }
func Binary(b []byte) Message    { return Message{Type: BinaryMessage, Data: b} }
func (m Message) String() string { return string(m.Data) }

const CloseNormalClosure = websocket.CloseNormalClosure

// Transport is one underlying bidirectional connection. Send and Close must not block
// on the network, and Close must not fire EventHandler events on the calling goroutine.
// A Close that returns an error leaves the transport as it was.
type Transport interface {
	State() ReadyState
	Send(msg Message) error
	Close(code int, reason string) error
}

// EventHandler receives the events of exactly one Transport. HandleMessage is called for
// every inbound message for the lifetime of the transport.
type EventHandler interface {
	HandleOpen()
	HandleError(err error)
	HandleMessage(msg Message)
}

type EventHandlerFuncs struct {
	Open    func()
	Error   func(err error)
	Message func(msg Message)
}

func (fns EventHandlerFuncs) HandleOpen() {
	if fns.Open != nil {
		fns.Open()
	}
}

func (fns EventHandlerFuncs) HandleError(err error) {
	if fns.Error != nil {
		fns.Error(err)
	}
}

func (fns EventHandlerFuncs) HandleMessage(msg Message) {
	if fns.Message != nil {
		fns.Message(msg)
	}
}

// Dialer starts opening a Transport to addr and returns without waiting for it to open.
// Events must be delivered from a goroutine other than the one calling Dial.
type Dialer interface {
	Dial(addr string, h EventHandler) (Transport, error)
}

type DialerFunc func(addr string, h EventHandler) (Transport, error)

func (fn DialerFunc) Dial(addr string, h EventHandler) (Transport, error) { return fn(addr, h) }

var DefaultDialer Dialer = &WebSocketDialer{}
