package testutil

import (
	"context"

	"github.com/hupe1980/probemesh/core"
)

// EntryBuilder provides a fluent helper for constructing conversation
// entries in tests.
// Example:
//
//	e := NewEntryBuilder("conv-1").Attacker("try this").Seq(0).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EntryBuilder struct {
	conversationID string
	id             string
	parentID       string
	role           core.Role
	content        string
	seq            int
	labels         map[string]string
}

// NewEntryBuilder creates a builder bound to a conversation id.
func NewEntryBuilder(conversationID string) *EntryBuilder {
	return &EntryBuilder{conversationID: conversationID, role: core.RoleAttacker}
}

// ID overrides the auto-generated entry id (chainable). Use mainly where
// determinism matters.
func (b *EntryBuilder) ID(id string) *EntryBuilder { b.id = id; return b }

// Parent sets the parent entry id (chainable).
func (b *EntryBuilder) Parent(id string) *EntryBuilder { b.parentID = id; return b }

// Attacker sets attacker role and content (chainable).
func (b *EntryBuilder) Attacker(content string) *EntryBuilder {
	b.role = core.RoleAttacker
	b.content = content
	return b
}

// Target sets target role and content (chainable).
func (b *EntryBuilder) Target(content string) *EntryBuilder {
	b.role = core.RoleTarget
	b.content = content
	return b
}

// Seq sets the sequence number (chainable).
func (b *EntryBuilder) Seq(n int) *EntryBuilder { b.seq = n; return b }

// Label attaches a label (chainable).
func (b *EntryBuilder) Label(key, value string) *EntryBuilder {
	if b.labels == nil {
		b.labels = map[string]string{}
	}
	b.labels[key] = value
	return b
}

// Build constructs the core.ConversationEntry value.
func (b *EntryBuilder) Build() core.ConversationEntry {
	e := core.NewEntry(b.conversationID, b.role, b.content, b.seq)
	if b.id != "" {
		e.ID = b.id
	}
	e.ParentEntryID = b.parentID
	if b.labels != nil {
		e = e.WithLabels(b.labels)
	}
	return e
}

// Turn appends one attacker/target entry pair to a store, auto-linking
// parents, and returns both persisted entries. seq is the prompt's sequence
// number; the response takes seq+1.
func Turn(t failer, store core.ConversationStore, conversationID, prompt, response string, seq int) (core.ConversationEntry, core.ConversationEntry) {
	t.Helper()
	ctx := context.Background()
	p := NewEntryBuilder(conversationID).Attacker(prompt).Seq(seq).Build()
	if _, err := store.AppendEntry(ctx, p); err != nil {
		t.Fatalf("append prompt entry: %v", err)
	}
	r := NewEntryBuilder(conversationID).Target(response).Seq(seq + 1).Parent(p.ID).Build()
	if _, err := store.AppendEntry(ctx, r); err != nil {
		t.Fatalf("append response entry: %v", err)
	}
	return p, r
}

// failer is the subset of *testing.T the helpers need.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}
