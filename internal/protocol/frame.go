// Package protocol defines the wire protocol the gateway broker speaks
// with every service client: a small, self-describing frame envelope over a
// bidirectional byte stream. Canonically that stream is a loopback WebSocket
// connection, but any ordered duplex works — the frame layer itself has no
// transport opinion.
package protocol

import "encoding/json"

// ProtocolVersion is the wire protocol version advertised in health checks
// and registration frames. Bump it only on a breaking frame-shape change.
const ProtocolVersion = 1

// FrameType discriminates the four frame kinds.
type FrameType string

const (
	FrameRequest      FrameType = "req"
	FrameResponse     FrameType = "res"
	FrameEvent        FrameType = "event"
	FrameRegistration FrameType = "reg"
)

// FrameError is the error payload carried by a failed Response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string { return e.Code + ": " + e.Message }

// Frame is the single envelope type sent over the wire. Exactly one of the
// type-specific field groups is populated, selected by Type. Unrecognized
// frames (unknown Type, or malformed JSON) are dropped silently by the
// broker — forward compatibility is a non-goal, correctness of handled
// frames is.
type Frame struct {
	Type FrameType `json:"type"`

	// Request fields. ID is sender-scoped and opaque; the broker never
	// mutates it.
	ID     string          `json:"id,omitempty"`
	Target string          `json:"target,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields. ID echoes the originating Request's ID.
	Ok      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *FrameError     `json:"error,omitempty"`

	// Event fields.
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`
	// Payload is reused for the event body.

	// Registration fields.
	Service       string   `json:"service,omitempty"`
	Version       int      `json:"version,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// NewRequest builds a Request frame, marshaling params to JSON.
func NewRequest(id, target, method string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameRequest, ID: id, Target: target, Method: method, Params: raw}, nil
}

// NewResponse builds a successful Response frame for the given request ID.
func NewResponse(id string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameResponse, ID: id, Ok: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed Response frame.
func NewErrorResponse(id string, ferr *FrameError) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Ok: false, Err: ferr}
}

// NewEvent builds an Event frame. source identifies the publishing service;
// it is empty for events synthesized by the broker itself (e.g. shutdown).
func NewEvent(source, name string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameEvent, Source: source, Event: name, Payload: raw}, nil
}

// NewRegistration builds a Registration frame.
func NewRegistration(service string, methods, events, subscriptions []string) *Frame {
	return &Frame{
		Type:          FrameRegistration,
		Service:       service,
		Version:       ProtocolVersion,
		Methods:       methods,
		Events:        events,
		Subscriptions: subscriptions,
	}
}

// Encode serializes a frame to its wire form (one frame per socket message).
func Encode(f *Frame) ([]byte, error) { return json.Marshal(f) }

// Decode parses a wire message into a Frame. Callers should drop the frame
// on error rather than propagate it.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
