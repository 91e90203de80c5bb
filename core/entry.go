package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	// RoleSystem marks instruction/context entries injected by the harness.
	RoleSystem Role = "system"
	// RoleAttacker marks prompts sent toward the target (the "user" side).
	RoleAttacker Role = "attacker"
	// RoleTarget marks responses produced by the target (the "assistant" side).
	RoleTarget Role = "target"
)

// ConversationEntry is one immutable turn record in a conversation tree.
//
// Entries form an arena keyed by ID: ParentEntryID is a lookup-only back
// reference, never an ownership edge. Once a store has accepted an entry it
// must not change; corrections are modeled as new entries. Branching creates
// a new ConversationID whose first entry chains back to the fork point via
// ParentEntryID, so shared prefixes are never duplicated or mutated.
//
// SequenceNumber is the entry's position within its conversation path:
// total, strictly increasing and gap-free from 0 per ConversationID.
type ConversationEntry struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	ParentEntryID  string            `json:"parent_entry_id,omitempty"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Payload        map[string]any    `json:"payload,omitempty"`
	SequenceNumber int               `json:"sequence_number"`
	Timestamp      time.Time         `json:"timestamp"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// NewEntry creates an entry for the given conversation with a fresh id, the
// given sequence position and a UTC creation timestamp. ParentEntryID is left
// empty; stores link entries to their predecessor on append.
func NewEntry(conversationID string, role Role, content string, sequenceNumber int) ConversationEntry {
	return ConversationEntry{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		SequenceNumber: sequenceNumber,
		Timestamp:      time.Now().UTC(),
	}
}

// WithLabels returns a copy of the entry carrying the given labels. Labels
// are set at creation time and never mutated afterwards.
func (e ConversationEntry) WithLabels(labels map[string]string) ConversationEntry {
	e.Labels = copyLabels(labels)
	return e
}

// WithPayload returns a copy of the entry carrying an optional structured
// payload (encoded form, attachments and similar derived artifacts).
func (e ConversationEntry) WithPayload(payload map[string]any) ConversationEntry {
	if payload == nil {
		e.Payload = nil
		return e
	}
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	e.Payload = p
	return e
}

// IsRoot reports whether the entry starts a conversation tree (no parent).
func (e ConversationEntry) IsRoot() bool { return e.ParentEntryID == "" }

// Clone returns a deep copy safe for independent use. Stores hand out clones
// so callers can never mutate persisted state.
func (e ConversationEntry) Clone() ConversationEntry {
	c := e
	c.Labels = copyLabels(e.Labels)
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return c
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	c := make(map[string]string, len(labels))
	for k, v := range labels {
		c[k] = v
	}
	return c
}

// NewID generates a new unique identifier for entries, scores, sessions and
// conversations.
func NewID() string { return uuid.NewString() }
