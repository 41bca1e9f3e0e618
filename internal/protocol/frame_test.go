package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

// Encode followed by Decode must be the identity for every frame kind.
func TestFrameRoundTrip(t *testing.T) {
	cases := map[string]*Frame{
		"request": func() *Frame {
			f, err := NewRequest("req-1", "memory", "memory.search", map[string]any{"query": "option A"})
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			return f
		}(),
		"response": func() *Frame {
			f, err := NewResponse("req-1", map[string]any{"ok": true})
			if err != nil {
				t.Fatalf("NewResponse: %v", err)
			}
			return f
		}(),
		"errorResponse": NewErrorResponse("req-2", &FrameError{Code: "NO_SERVICE", Message: "no such target"}),
		"event": func() *Frame {
			f, err := NewEvent("channels", "message.received", map[string]any{"sessionKey": "whatsapp:+4917"})
			if err != nil {
				t.Fatalf("NewEvent: %v", err)
			}
			return f
		}(),
		"registration": NewRegistration("cron", []string{"cron.add", "cron.list"}, []string{"cron.trigger"}, []string{"message.received"}),
	}

	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			wire, err := Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(normalize(want), normalize(got)) {
				t.Fatalf("round-trip mismatch:\n want %+v\n got  %+v", normalize(want), normalize(got))
			}
		})
	}
}

// normalize re-marshals Params/Payload to a canonical form so comparison
// ignores raw-byte whitespace differences, not frame identity.
func normalize(f *Frame) Frame {
	cp := *f
	if len(cp.Params) > 0 {
		var v any
		json.Unmarshal(cp.Params, &v)
		cp.Params, _ = json.Marshal(v)
	}
	if len(cp.Payload) > 0 {
		var v any
		json.Unmarshal(cp.Payload, &v)
		cp.Payload, _ = json.Marshal(v)
	}
	return cp
}

func TestDecodeDropsMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected decode error for malformed frame")
	}
}

func TestFrameErrorImplementsError(t *testing.T) {
	ferr := &FrameError{Code: "TIMEOUT", Message: "deadline exceeded"}
	if ferr.Error() != "TIMEOUT: deadline exceeded" {
		t.Fatalf("unexpected Error() string: %q", ferr.Error())
	}
}
