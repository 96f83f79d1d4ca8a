// Package envelope defines the message envelope carried on the gateway's
// internal bus. Every producer — protocol adapters, the router, the logging
// transport, domain components — wraps its payload in an Envelope before
// publishing, and every subscriber receives the same structure back.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attribute keys threaded through envelopes by the router and adapters.
const (
	// AttrCorrelationID links a response envelope to the request envelope
	// whose metadata.message_id it matches.
	AttrCorrelationID = "correlation_id"

	// AttrExternalTopic preserves the original external message_type on a
	// request the router has remapped to an internal topic.
	AttrExternalTopic = "external_topic"

	// AttrTraceID carries the request's trace ID for log correlation.
	AttrTraceID = "trace_id"
)

// Metadata describes an envelope's identity, origin and routing class.
type Metadata struct {
	// MessageID is globally unique, assigned once at creation.
	MessageID string `json:"message_id"`

	// Timestamp is the UTC creation time. It is never rewritten, even when
	// the router copies an envelope for republication.
	Timestamp time.Time `json:"timestamp"`

	// Source identifies the producing component (e.g. "rest-adapter", "router").
	Source string `json:"source"`

	// MessageType is the envelope's topic in dotted or slashed notation.
	MessageType string `json:"message_type"`

	// Version is the envelope schema version.
	Version string `json:"version"`

	// Attributes carries small string key/value pairs (correlation ID,
	// external topic, trace ID, forwarded headers).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Payload is the opaque typed blob an envelope carries. Schema names the
// payload's JSON Schema in the validator registry; Data is the raw value.
type Payload struct {
	Schema string          `json:"schema,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Envelope is the universal carrier on the bus.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// Version is the current envelope schema version.
const Version = "1.0"

// New creates an Envelope from the given source, topic and payload data.
// It assigns a fresh message ID and stamps the creation time.
func New(source, messageType string, payload Payload) *Envelope {
	return &Envelope{
		Metadata: Metadata{
			MessageID:   uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			Source:      source,
			MessageType: messageType,
			Version:     Version,
			Attributes:  make(map[string]string),
		},
		Payload: payload,
	}
}

// NewJSON is like New but marshals v as the payload data.
func NewJSON(source, messageType, schema string, v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope payload marshal: %w", err)
	}
	return New(source, messageType, Payload{Schema: schema, Data: data}), nil
}

// Reply creates a response envelope for req: it copies the request's trace ID
// and sets the correlation_id attribute to the request's message ID.
func Reply(req *Envelope, source, messageType string, payload Payload) *Envelope {
	resp := New(source, messageType, payload)
	// A routed request carries the router-issued correlation id; echo it.
	// Direct request/reply exchanges correlate on the message id instead.
	if cid := req.Metadata.Attributes[AttrCorrelationID]; cid != "" {
		resp.Metadata.Attributes[AttrCorrelationID] = cid
	} else {
		resp.Metadata.Attributes[AttrCorrelationID] = req.Metadata.MessageID
	}
	if tid := req.Metadata.Attributes[AttrTraceID]; tid != "" {
		resp.Metadata.Attributes[AttrTraceID] = tid
	}
	return resp
}

// CorrelationID returns the correlation_id attribute, or "" when absent.
func (e *Envelope) CorrelationID() string {
	return e.Metadata.Attributes[AttrCorrelationID]
}

// SetAttribute sets a metadata attribute, allocating the map when needed.
func (e *Envelope) SetAttribute(key, value string) {
	if e.Metadata.Attributes == nil {
		e.Metadata.Attributes = make(map[string]string)
	}
	e.Metadata.Attributes[key] = value
}

// Clone returns a deep copy of the envelope. The router uses this before
// rewriting source and attributes so the caller's envelope stays untouched.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Metadata.Attributes != nil {
		clone.Metadata.Attributes = make(map[string]string, len(e.Metadata.Attributes))
		for k, v := range e.Metadata.Attributes {
			clone.Metadata.Attributes[k] = v
		}
	}
	if e.Payload.Data != nil {
		clone.Payload.Data = make(json.RawMessage, len(e.Payload.Data))
		copy(clone.Payload.Data, e.Payload.Data)
	}
	return &clone
}

// Validate checks that an Envelope is structurally valid.
// It returns a descriptive error if any invariant is violated, or nil if the
// envelope may be safely published.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("envelope must not be nil")
	}
	if e.Metadata.MessageID == "" {
		return fmt.Errorf("message_id must not be empty")
	}
	if e.Metadata.Timestamp.IsZero() {
		return fmt.Errorf("timestamp must not be zero")
	}
	if e.Metadata.MessageType == "" {
		return fmt.Errorf("message_type must not be empty")
	}
	if e.Metadata.Source == "" {
		return fmt.Errorf("source must not be empty")
	}
	return nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope marshal: %w", err)
	}
	return data, nil
}

// Parse decodes a serialized Envelope and validates it.
// It is the canonical entry point for deserialising envelopes off the bus.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope parse: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("envelope validate: %w", err)
	}
	return &e, nil
}
