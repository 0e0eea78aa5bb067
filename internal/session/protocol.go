package session

// Outbound event names
const (
	EventReady = "ready"
	EventReply = "reply"
	EventError = "error"
)

// Command is one inbound message: {op, reqId?, args?}. ReqID is echoed
// back verbatim so clients may use strings or numbers.
type Command struct {
	Op    string         `json:"op"`
	ReqID any            `json:"reqId,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// Envelope is every outbound message.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type ReadyPayload struct {
	ClientID string `json:"clientId"`
}

type ReplyPayload struct {
	ReqID   any  `json:"reqId"`
	OK      bool `json:"ok"`
	Payload any  `json:"payload"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Load    string `json:"load,omitempty"`
}

func ReadyEnvelope(clientID string) Envelope {
	return Envelope{Event: EventReady, Payload: ReadyPayload{ClientID: clientID}}
}

func ReplyEnvelope(reqID any, ok bool, payload any) Envelope {
	return Envelope{Event: EventReply, Payload: ReplyPayload{ReqID: reqID, OK: ok, Payload: payload}}
}

func ErrorEnvelope(payload ErrorPayload) Envelope {
	return Envelope{Event: EventError, Payload: payload}
}

// Conn is the duplex connection a session replies on.
type Conn interface {
	Send(Envelope) error
	Close() error
}
