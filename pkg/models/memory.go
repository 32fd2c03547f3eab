package models

import (
	"time"
)

// MemoryCategory classifies a durable fact extracted from conversation.
type MemoryCategory string

const (
	MemoryFact       MemoryCategory = "fact"
	MemoryPreference MemoryCategory = "preference"
	MemoryDecision   MemoryCategory = "decision"
	MemoryProject    MemoryCategory = "project"
	MemoryEntity     MemoryCategory = "entity"
)

// ValidMemoryCategory reports whether c is one of the fixed categories.
func ValidMemoryCategory(c MemoryCategory) bool {
	switch c {
	case MemoryFact, MemoryPreference, MemoryDecision, MemoryProject, MemoryEntity:
		return true
	}
	return false
}

// MemoryEntry is one durable fact held by the memory store. Entries are
// written by the pre-compaction flush and recalled by keyword or semantic
// search at prompt-build time.
type MemoryEntry struct {
	Key       string         `json:"key"`
	Value     string         `json:"value"`
	Category  MemoryCategory `json:"category"`
	SessionID string         `json:"session_id,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}
