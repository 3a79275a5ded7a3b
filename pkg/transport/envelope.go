// Package transport implements Zaku's websocket wire protocol: a
// persistent bidirectional connection carrying codec-encoded envelopes,
// one per websocket message. The connection lifecycle (reader/writer
// goroutine pair, ping/pong keepalive, read-deadline extension on every
// frame) follows the same shape as a JSON state-sync websocket broker,
// generalized to Zaku's CBOR-encoded op/rid/queue/task_id/topic envelope.
package transport

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/geyang/zaku/pkg/codec"
)

// Op names the recognized envelope operations.
type Op string

const (
	OpInitQueue    Op = "INIT_QUEUE"
	OpRemoveQueue  Op = "REMOVE_QUEUE"
	OpClearQueue   Op = "CLEAR_QUEUE"
	OpAdd          Op = "ADD"
	OpTake         Op = "TAKE"
	OpMarkDone     Op = "MARK_DONE"
	OpMarkReset    Op = "MARK_RESET"
	OpPublish      Op = "PUBLISH"
	OpSubscribe    Op = "SUBSCRIBE"
	OpUnsubscribe  Op = "UNSUBSCRIBE"
	OpPing         Op = "PING"
	OpAuth         Op = "AUTH"
	// OpInfo returns queue depths, alongside the ADD/TAKE/... contract.
	OpInfo Op = "INFO"

	// Server-initiated frames.
	OpEvent Op = "EVENT"
	OpAck   Op = "ACK"
	OpErr   Op = "ERR"
	OpPong  Op = "PONG"
)

// EnvelopeError is the {code, message} pair an ERR frame carries.
type EnvelopeError struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// Envelope is the single frame shape carried over the transport, covering
// every op's fields as optional members.
type Envelope struct {
	Op      Op             `cbor:"op"`
	RID     string         `cbor:"rid,omitempty"`
	Queue   string         `cbor:"queue,omitempty"`
	TaskID  string         `cbor:"task_id,omitempty"`
	Topic   string         `cbor:"topic,omitempty"`
	TTL     float64        `cbor:"ttl,omitempty"`
	Timeout float64        `cbor:"timeout,omitempty"`
	Payload *codec.Value   `cbor:"payload,omitempty"`
	Error   *EnvelopeError `cbor:"error,omitempty"`
	User    string         `cbor:"user,omitempty"`
	Key     string         `cbor:"key,omitempty"`
	// Final marks the terminal empty EVENT sent on subscription timeout; an
	// explicit UNSUBSCRIBE is answered with an ACK and no terminal EVENT.
	// It is the sole in-band signal for stream-end: a
	// legitimately published codec.Null() payload also decodes to a nil
	// Payload, so Payload-nilness alone cannot distinguish the two.
	Final bool `cbor:"final,omitempty"`
}

// EncodeEnvelope serializes e to the bytes carried by one websocket message.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEnvelope parses the bytes of a single websocket message into an
// Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ackEnvelope builds a successful ACK reply correlated to req.
func ackEnvelope(req *Envelope, taskID string, payload *codec.Value) *Envelope {
	return &Envelope{Op: OpAck, RID: req.RID, Queue: req.Queue, TaskID: taskID, Topic: req.Topic, Payload: payload}
}

// errEnvelope builds an ERR reply correlated to req.
func errEnvelope(req *Envelope, code, message string) *Envelope {
	rid := ""
	if req != nil {
		rid = req.RID
	}
	return &Envelope{Op: OpErr, RID: rid, Error: &EnvelopeError{Code: code, Message: message}}
}

// eventEnvelope builds a server-initiated EVENT frame for a topic delivery.
// final marks the terminal empty EVENT; payload is ignored (and should be
// nil) when final is true.
func eventEnvelope(topic, rid string, payload *codec.Value, final bool) *Envelope {
	if final {
		payload = nil
	}
	return &Envelope{Op: OpEvent, RID: rid, Topic: topic, Payload: payload, Final: final}
}
