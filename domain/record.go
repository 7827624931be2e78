// Package domain contains core concepts of the ephemeral record system.
// This file defines Records, their payloads and the expiry rule.
// Records are immutable: they are created once and only ever deleted.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindEvent
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the kind-specific part of a Record.
// Only EventPayload and MessagePayload implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// EventPayload is a calendar event. Date is kept as submitted.
type EventPayload struct {
	Name string
	Date string
}

func (EventPayload) Kind() Kind { return KindEvent }
func (EventPayload) isPayload() {}

// MessagePayload is a direct message between two identities.
// Its creation timestamp is the owning Record's CreatedAt.
type MessagePayload struct {
	Sender   string
	Receiver string
	Content  string
}

func (MessagePayload) Kind() Kind { return KindMessage }
func (MessagePayload) isPayload() {}

// Involves reports whether identity sent or received the message.
func (m MessagePayload) Involves(identity string) bool {
	return m.Sender == identity || m.Receiver == identity
}

// Record is a stored event or message.
// SelfDestructAfter is nil when the record never auto-expires.
type Record struct {
	ID                uuid.UUID
	Payload           Payload
	CreatedAt         time.Time
	SelfDestructAfter *time.Duration
}

func (r Record) Kind() Kind {
	if r.Payload == nil {
		return KindUnknown
	}
	return r.Payload.Kind()
}

// ExpiresAt returns CreatedAt + SelfDestructAfter, and false when the record has no TTL.
func (r Record) ExpiresAt() (time.Time, bool) {
	if r.SelfDestructAfter == nil {
		return time.Time{}, false
	}
	return r.CreatedAt.Add(*r.SelfDestructAfter), true
}

// Expiry is a pending deletion: the record ID and its absolute deadline.
type Expiry struct {
	ID        uuid.UUID
	ExpiresAt time.Time
}
