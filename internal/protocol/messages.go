// Package protocol defines the WebSocket message types for streaming execution.
// All messages are JSON-encoded and wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// Subprotocol is the WebSocket subprotocol clients must negotiate.
const Subprotocol = "galaxy-exec-v1"

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Server
	MsgExecuteRequest MessageType = "execute.request"
	MsgPing           MessageType = "ping"

	// Server → Client
	MsgExecuteResult MessageType = "execute.result"
	MsgPong          MessageType = "pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Error codes carried in ErrorPayload.
const (
	ErrCodeMalformed   = "malformed_envelope"
	ErrCodeUnknownType = "unknown_type"
	ErrCodeBadPayload  = "invalid_payload"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeBusy        = "busy"
)

// ErrMissingType is returned by Parse for envelopes without a type.
var ErrMissingType = errors.New("envelope type is required")

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id"`                     // Message ID, echoed in ReplyTo.
	ReplyTo     string          `json:"reply_to,omitempty"`     // ID of the message being answered.
	ExecutionID string          `json:"execution_id,omitempty"` // Set on execute.result.
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Reply creates an envelope answering e.
func (e *Envelope) Reply(msgType MessageType, payload any) (*Envelope, error) {
	out, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	if e != nil {
		out.ReplyTo = e.ID
	}
	return out, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	return json.Unmarshal(e.Payload, target)
}

// Parse decodes a raw frame into an Envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// --- Payloads ---

// ExecutePayload is sent with MsgExecuteRequest. It is the boundary
// request shape: {code, language}.
type ExecutePayload = sandbox.ExecutionRequest

// ResultPayload is sent with MsgExecuteResult. It is the boundary response
// shape: {success, output, error, traceback}.
type ResultPayload = sandbox.ExecutionResult

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResult wraps an execution result as the reply to req.
func NewResult(req *Envelope, result *sandbox.ExecutionResult) (*Envelope, error) {
	env, err := req.Reply(MsgExecuteResult, result)
	if err != nil {
		return nil, err
	}
	env.ExecutionID = result.ExecutionID
	return env, nil
}

// NewError builds an error envelope. req may be nil when the offending
// frame could not be parsed.
func NewError(req *Envelope, code, message string) *Envelope {
	env, _ := req.Reply(MsgError, ErrorPayload{Code: code, Message: message})
	return env
}
