package core

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by GetSession for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ConversationStore is the append-only, queryable ledger of turns, scores and
// conversation-tree linkage. It owns durability and identity and is the only
// resource shared across concurrent orchestrations.
//
// Contract:
//   - AppendEntry fails with *IntegrityError if ParentEntryID does not
//     resolve or the sequence number collides within the conversation path;
//     otherwise it persists atomically and returns the assigned id. Appends
//     for different conversation ids must not serialize behind each other
//     beyond constant-time index locking.
//   - AppendScore fails with *IntegrityError if EntryID does not resolve.
//   - GetConversationPath returns root-to-head order; an unknown
//     conversation id yields an empty path, not an error.
//   - Branch creates a fork point: a fresh conversation id whose subsequent
//     entries chain back to fromEntryID as parent, so retries and alternate
//     mutations can diverge without touching the original path.
//   - QueryByLabel returns a timestamp-ordered snapshot; no isolation beyond
//     per-entry atomicity is guaranteed under concurrent writes.
//
// Entries and scores are never deleted by the harness; retention is an
// external concern.
type ConversationStore interface {
	AppendEntry(ctx context.Context, entry ConversationEntry) (string, error)
	AppendScore(ctx context.Context, score ScoreRecord) (string, error)
	GetConversationPath(ctx context.Context, conversationID string) ([]ConversationEntry, error)
	Branch(ctx context.Context, fromEntryID string) (string, error)
	QueryByLabel(ctx context.Context, key, value string) ([]ConversationEntry, error)
	GetScores(ctx context.Context, entryID string) ([]ScoreRecord, error)

	// Session persistence (sessions are keyed by session id).
	SaveSession(ctx context.Context, session AttackSession) error
	GetSession(ctx context.Context, sessionID string) (AttackSession, error)

	// Ping verifies the store is reachable. The coordinator uses it to
	// distinguish a batch-fatal store outage from individual session
	// failures.
	Ping(ctx context.Context) error
}
