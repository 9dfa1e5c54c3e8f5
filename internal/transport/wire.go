package transport

import (
	"encoding/json"

	"github.com/lalith-99/commlink/internal/models"
)

// FrameType identifies a websocket frame on the global-channel transport.
type FrameType string

const (
	// Client -> Server
	FrameAuth           FrameType = "auth"
	FrameSend           FrameType = "send_message"
	FrameRequestHistory FrameType = "request_history"

	// Server -> Client
	FrameAuthOK  FrameType = "auth_ok"
	FrameMessage FrameType = "chat_message"
	FrameAck     FrameType = "ack"
	FrameHistory FrameType = "history"
	FrameError   FrameType = "error"
)

// Envelope wraps every websocket frame with a type tag.
type Envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a typed envelope.
func NewEnvelope(t FrameType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Data: raw}, nil
}

// ParseEnvelope decodes a raw frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// AuthFrame authenticates the connection with the identity token.
type AuthFrame struct {
	Token string `json:"token"`
}

// AuthOKFrame confirms authentication and echoes the resolved identity.
type AuthOKFrame struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Badge       string `json:"badge"`
}

// SendFrame submits one draft. ProvisionalID is client-generated and only
// used to correlate the ack; the server-assigned id supersedes it.
type SendFrame struct {
	ProvisionalID  string   `json:"provisional_id"`
	Body           string   `json:"body"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

// AckFrame confirms or rejects one send attempt. On success Record holds
// the confirmed message; on failure Code/Reason are set instead.
type AckFrame struct {
	ProvisionalID string                `json:"provisional_id"`
	Record        *models.MessageRecord `json:"record,omitempty"`
	Code          string                `json:"code,omitempty"`
	Reason        string                `json:"reason,omitempty"`
}

// MessageFrame delivers one live record.
type MessageFrame struct {
	Record models.MessageRecord `json:"record"`
}

// RequestHistoryFrame asks for a bounded backlog window.
type RequestHistoryFrame struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryFrame carries the backlog, newest first.
type HistoryFrame struct {
	Records []models.MessageRecord `json:"records"`
}

// ErrorFrame reports a connection-level failure.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used on the wire.
const (
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeInvalid      = "invalid_message"
	CodeInternal     = "internal_error"
)
