// Package message defines the transport-independent message carrier that
// flows through the router, the scheduler, and both transport drivers.
package message

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeOneWay              Type = "one-way"
	TypeRequest             Type = "request"
	TypeReply               Type = "reply"
	TypeSubscriptionRequest Type = "subscription-request"
	TypeSubscriptionReply   Type = "subscription-reply"
	TypePublication         Type = "publication"
	TypeSubscriptionStop    Type = "subscription-stop"
)

// Recognized header names.
const (
	HeaderContentType    = "content-type"
	HeaderMessageID      = "message-id"
	HeaderTo             = "to"
	HeaderFrom           = "from"
	HeaderExpiryDate     = "expiry-date"
	HeaderReplyChannelID = "reply-channel-id"
	HeaderRequestReplyID = "request-reply-id"
)

var (
	ErrMissingType    = errors.New("message: missing type")
	ErrMissingExpiry  = errors.New("message: missing expiry-date")
	ErrMissingReplyTo = errors.New("message: request without reply-channel-id")
	ErrUnknownType    = errors.New("message: unknown type")
)

// Message is the carrier passed between proxies, the router, and the
// transport drivers. Payload is opaque: the core never inspects it.
type Message struct {
	Type    Type
	Header  map[string]string
	Payload []byte
}

// New builds a message, generating a message-id if the caller didn't supply
// one. A message-id must always be set by the time the message is emitted.
func New(typ Type, header map[string]string, payload []byte) *Message {
	if header == nil {
		header = map[string]string{}
	}
	if header[HeaderMessageID] == "" {
		header[HeaderMessageID] = uuid.NewString()
	}
	return &Message{Type: typ, Header: header, Payload: payload}
}

func (m *Message) MessageID() string      { return m.Header[HeaderMessageID] }
func (m *Message) To() string             { return m.Header[HeaderTo] }
func (m *Message) From() string           { return m.Header[HeaderFrom] }
func (m *Message) ReplyChannelID() string { return m.Header[HeaderReplyChannelID] }
func (m *Message) RequestReplyID() string { return m.Header[HeaderRequestReplyID] }

// ExpiryDate parses the absolute expiry timestamp (ms since epoch). ok is
// false when the header is absent or malformed.
func (m *Message) ExpiryDate() (t time.Time, ok bool) {
	v, present := m.Header[HeaderExpiryDate]
	if !present {
		return time.Time{}, false
	}
	ms, err := parseMillis(v)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SetExpiryDate stamps the absolute expiry header.
func (m *Message) SetExpiryDate(t time.Time) {
	if m.Header == nil {
		m.Header = map[string]string{}
	}
	m.Header[HeaderExpiryDate] = formatMillis(t.UnixMilli())
}

// Expired reports whether the message's expiry-date header is at or before
// now. A message with no expiry-date is treated as already expired by the
// router's validation step;
// callers that construct messages are expected to always set one.
func (m *Message) Expired(now time.Time) bool {
	exp, ok := m.ExpiryDate()
	if !ok {
		return true
	}
	return !exp.After(now)
}

// Validate enforces the type/header invariants: a request or
// subscription-request carries a reply-channel-id; every message needs a
// type and an expiry-date to be routable.
func (m *Message) Validate() error {
	if m.Type == "" {
		return ErrMissingType
	}
	switch m.Type {
	case TypeOneWay, TypeRequest, TypeReply, TypeSubscriptionRequest,
		TypeSubscriptionReply, TypePublication, TypeSubscriptionStop:
	default:
		return ErrUnknownType
	}
	if _, ok := m.ExpiryDate(); !ok {
		return ErrMissingExpiry
	}
	if (m.Type == TypeRequest || m.Type == TypeSubscriptionRequest) && m.ReplyChannelID() == "" {
		return ErrMissingReplyTo
	}
	return nil
}

func parseMillis(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
