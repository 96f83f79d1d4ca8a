// Package bus contains the wire framing shared by the broker and its clients.
//
// Messages travel as two length-prefixed frames: the UTF-8 topic in slashed
// form, then the serialized envelope. The broker inspects only the topic
// frame for prefix filtering; envelope bytes pass through opaque.
//
// Subscriber connections additionally send single control frames to manage
// their broker-side prefix filters: "SUB <prefix>" and "UNSUB <prefix>".
package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// MaxFrameSize bounds a single frame; anything larger is treated as a
// corrupt stream and the connection is dropped.
const MaxFrameSize = 64 * 1024 * 1024 // 64 MiB

// Subscriber control frame verbs.
const (
	ctrlSubscribe   = "SUB "
	ctrlUnsubscribe = "UNSUB "
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("bus: frame of %d bytes exceeds limit", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("bus: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage writes a topic frame followed by an envelope frame.
func WriteMessage(w io.Writer, topic string, envelope []byte) error {
	if err := WriteFrame(w, []byte(topic)); err != nil {
		return err
	}
	return WriteFrame(w, envelope)
}

// ReadMessage reads a topic frame followed by an envelope frame.
func ReadMessage(r io.Reader) (topic string, envelope []byte, err error) {
	topicBytes, err := ReadFrame(r)
	if err != nil {
		return "", nil, err
	}
	envelope, err = ReadFrame(r)
	if err != nil {
		return "", nil, err
	}
	return string(topicBytes), envelope, nil
}

// WriteSubscribe sends a broker-side subscription filter for prefix.
func WriteSubscribe(w io.Writer, prefix string) error {
	return WriteFrame(w, []byte(ctrlSubscribe+prefix))
}

// WriteUnsubscribe cancels a broker-side subscription filter for prefix.
func WriteUnsubscribe(w io.Writer, prefix string) error {
	return WriteFrame(w, []byte(ctrlUnsubscribe+prefix))
}

// ParseControl decodes a subscriber control frame. subscribe is true for SUB,
// false for UNSUB; ok is false when the frame is not a control frame.
func ParseControl(frame []byte) (prefix string, subscribe, ok bool) {
	s := string(frame)
	if strings.HasPrefix(s, ctrlSubscribe) {
		return s[len(ctrlSubscribe):], true, true
	}
	if strings.HasPrefix(s, ctrlUnsubscribe) {
		return s[len(ctrlUnsubscribe):], false, true
	}
	return "", false, false
}
