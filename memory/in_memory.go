package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/probemesh/core"
)

// InMemoryStore is a volatile ConversationStore keeping the entry arena in
// process-local maps. It is safe for concurrent access and best suited for
// tests, demos and short-lived probe runs. Every returned record is a clone
// so callers can never mutate persisted state.
//
// Layout follows the arena model: entries are keyed by id, each conversation
// id owns an ordered index of entry ids, and parent references are
// lookup-only back edges. Appends are validated under a single short
// critical section (no I/O), so appends for different conversation ids never
// block each other beyond constant-time map access.
type InMemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]core.ConversationEntry
	paths    map[string][]string // conversation id -> ordered entry ids
	forks    map[string]string   // branched conversation id -> fork entry id
	scores   map[string][]core.ScoreRecord
	sessions map[string]core.AttackSession
}

// NewInMemoryStore constructs an empty in-memory conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries:  make(map[string]core.ConversationEntry),
		paths:    make(map[string][]string),
		forks:    make(map[string]string),
		scores:   make(map[string][]core.ScoreRecord),
		sessions: make(map[string]core.AttackSession),
	}
}

// AppendEntry validates linkage and ordering then persists a clone of the
// entry, returning its id. See core.ConversationStore for the contract.
func (s *InMemoryStore) AppendEntry(_ context.Context, entry core.ConversationEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ConversationID == "" {
		return "", core.NewIntegrityError("append_entry", "missing conversation id")
	}
	if entry.ID == "" {
		entry.ID = core.NewID()
	}
	if _, exists := s.entries[entry.ID]; exists {
		return "", core.NewIntegrityError("append_entry", "duplicate entry id %s", entry.ID)
	}
	if entry.ParentEntryID != "" {
		if _, ok := s.entries[entry.ParentEntryID]; !ok {
			return "", core.NewIntegrityError("append_entry", "parent entry %s does not resolve", entry.ParentEntryID)
		}
	}

	path := s.paths[entry.ConversationID]
	if entry.SequenceNumber != len(path) {
		return "", core.NewIntegrityError("append_entry",
			"sequence number %d conflicts with next position %d in conversation %s",
			entry.SequenceNumber, len(path), entry.ConversationID)
	}

	// The expected parent is the current path head, or the fork entry for
	// the first entry of a branched conversation. An unset parent is linked
	// automatically; a mismatched one is a lineage violation.
	expectedParent := ""
	if len(path) > 0 {
		expectedParent = path[len(path)-1]
	} else if fork, ok := s.forks[entry.ConversationID]; ok {
		expectedParent = fork
	}
	if entry.ParentEntryID == "" {
		entry.ParentEntryID = expectedParent
	} else if entry.ParentEntryID != expectedParent {
		return "", core.NewIntegrityError("append_entry",
			"parent %s breaks lineage of conversation %s (expected %s)",
			entry.ParentEntryID, entry.ConversationID, expectedParent)
	}

	s.entries[entry.ID] = entry.Clone()
	s.paths[entry.ConversationID] = append(path, entry.ID)

	return entry.ID, nil
}

// AppendScore persists a clone of the score after checking that the scored
// entry exists.
func (s *InMemoryStore) AppendScore(_ context.Context, score core.ScoreRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[score.EntryID]; !ok {
		return "", core.NewIntegrityError("append_score", "entry %s does not resolve", score.EntryID)
	}
	if score.ID == "" {
		score.ID = core.NewID()
	}
	s.scores[score.EntryID] = append(s.scores[score.EntryID], score)

	return score.ID, nil
}

// GetConversationPath returns the root-to-head entries for a conversation in
// sequence order. Unknown conversation ids yield an empty path.
func (s *InMemoryStore) GetConversationPath(_ context.Context, conversationID string) ([]core.ConversationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.paths[conversationID]
	path := make([]core.ConversationEntry, 0, len(ids))
	for _, id := range ids {
		path = append(path, s.entries[id].Clone())
	}
	return path, nil
}

// Branch creates a fork point at fromEntryID and returns the new
// conversation id. Entries appended under the new id chain back to the fork
// entry, sharing the original prefix without mutating it.
func (s *InMemoryStore) Branch(_ context.Context, fromEntryID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[fromEntryID]; !ok {
		return "", core.NewIntegrityError("branch", "fork entry %s does not resolve", fromEntryID)
	}
	conversationID := core.NewID()
	s.forks[conversationID] = fromEntryID

	return conversationID, nil
}

// QueryByLabel returns a timestamp-ordered snapshot of entries labeled
// key=value. Ordering across concurrent writers is snapshot-at-call.
func (s *InMemoryStore) QueryByLabel(_ context.Context, key, value string) ([]core.ConversationEntry, error) {
	s.mu.RLock()
	matches := make([]core.ConversationEntry, 0)
	for _, e := range s.entries {
		if e.Labels[key] == value {
			matches = append(matches, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].Timestamp.Before(matches[j].Timestamp)
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// GetScores returns all scores recorded for an entry.
func (s *InMemoryStore) GetScores(_ context.Context, entryID string) ([]core.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make([]core.ScoreRecord, len(s.scores[entryID]))
	copy(scores, s.scores[entryID])
	return scores, nil
}

// SaveSession stores a session snapshot keyed by session id, overwriting any
// previous snapshot.
func (s *InMemoryStore) SaveSession(_ context.Context, session core.AttackSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

// GetSession returns the last saved snapshot for a session id.
func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (core.AttackSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return core.AttackSession{}, core.ErrSessionNotFound
	}
	return session, nil
}

// Ping implements core.ConversationStore; the in-memory store is always
// reachable.
func (s *InMemoryStore) Ping(context.Context) error { return nil }
