package envelope_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/aico-ai/gateway/common/spec/envelope"
)

func TestNew(t *testing.T) {
	e := envelope.New("rest-adapter", "api/users/get", envelope.Payload{Data: json.RawMessage(`{"user_uuid":"u1"}`)})

	if e.Metadata.MessageID == "" {
		t.Error("message ID must be assigned")
	}
	if e.Metadata.Timestamp.IsZero() {
		t.Error("timestamp must be stamped")
	}
	if e.Metadata.MessageType != "api/users/get" {
		t.Errorf("unexpected message type: %q", e.Metadata.MessageType)
	}
	if e.Metadata.Version != envelope.Version {
		t.Errorf("unexpected version: %q", e.Metadata.Version)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("fresh envelope must validate: %v", err)
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	a := envelope.New("test", "a/b", envelope.Payload{})
	b := envelope.New("test", "a/b", envelope.Payload{})
	if a.Metadata.MessageID == b.Metadata.MessageID {
		t.Error("message IDs must be unique")
	}
}

func TestReply(t *testing.T) {
	req := envelope.New("rest-adapter", "api/echo", envelope.Payload{})
	req.SetAttribute(envelope.AttrTraceID, "t_abc")

	resp := envelope.Reply(req, "echo-service", "api/response/echo", envelope.Payload{})

	if got := resp.CorrelationID(); got != req.Metadata.MessageID {
		t.Errorf("correlation_id %q does not match request message_id %q", got, req.Metadata.MessageID)
	}
	if got := resp.Metadata.Attributes[envelope.AttrTraceID]; got != "t_abc" {
		t.Errorf("trace id not propagated, got %q", got)
	}
}

func TestReply_EchoesRoutedCorrelationID(t *testing.T) {
	req := envelope.New("rest-adapter", "api/echo", envelope.Payload{})
	req.SetAttribute(envelope.AttrCorrelationID, "router-issued-id")

	resp := envelope.Reply(req, "echo-service", "api/response/echo", envelope.Payload{})
	if got := resp.CorrelationID(); got != "router-issued-id" {
		t.Errorf("correlation_id = %q, want the router-issued id", got)
	}
}

func TestMarshalParse_RoundTrip(t *testing.T) {
	payload := json.RawMessage(`{"text":"hello","n":3}`)
	e := envelope.New("ipc-adapter", "system/echo", envelope.Payload{Schema: "echo.request", Data: payload})
	e.SetAttribute("client_ip", "127.0.0.1")

	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := envelope.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.Metadata.MessageID != e.Metadata.MessageID {
		t.Errorf("message_id changed in round trip")
	}
	if !bytes.Equal(got.Payload.Data, payload) {
		t.Errorf("payload not byte-identical: %s", got.Payload.Data)
	}
	if got.Metadata.Attributes["client_ip"] != "127.0.0.1" {
		t.Errorf("attributes lost in round trip")
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{{{"},
		{"missing message_id", `{"metadata":{"timestamp":"2026-01-02T03:04:05Z","source":"x","message_type":"a/b"},"payload":{"data":null}}`},
		{"missing message_type", `{"metadata":{"message_id":"m1","timestamp":"2026-01-02T03:04:05Z","source":"x"},"payload":{"data":null}}`},
		{"missing source", `{"metadata":{"message_id":"m1","timestamp":"2026-01-02T03:04:05Z","message_type":"a/b"},"payload":{"data":null}}`},
		{"zero timestamp", `{"metadata":{"message_id":"m1","source":"x","message_type":"a/b"},"payload":{"data":null}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := envelope.Parse([]byte(tc.raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClone_Isolated(t *testing.T) {
	e := envelope.New("router", "api/echo", envelope.Payload{Data: json.RawMessage(`{"a":1}`)})
	e.SetAttribute("k", "v")

	c := e.Clone()
	c.Metadata.Source = "other"
	c.SetAttribute("k", "changed")
	c.Payload.Data[0] = 'X'

	if e.Metadata.Source != "router" {
		t.Error("clone mutated original source")
	}
	if e.Metadata.Attributes["k"] != "v" {
		t.Error("clone mutated original attributes")
	}
	if e.Payload.Data[0] == 'X' {
		t.Error("clone shares payload bytes with original")
	}
}
