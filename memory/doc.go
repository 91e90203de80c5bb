// Package memory contains concrete ConversationStore implementations. The
// store interface and the record types reside in the core package. Import
// github.com/hupe1980/probemesh/core and depend on core.ConversationStore in
// your code; select an implementation (the in-memory store below, or the
// SQLite store in the sqlite subpackage) at wiring time.
//
// Rationale: keeps domain contracts centralized while allowing pluggable
// backends (embedded files, networked relational stores) to be added without
// introducing dependency cycles.
package memory
