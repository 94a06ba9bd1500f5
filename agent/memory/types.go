// Package memory is the tiered persistence layer: an in-process cache in
// front of a namespaced key/value store in front of durable on-disk
// records. Writes go through every tier; reads fall through and repopulate
// the cache on the way back up.
package memory

import (
	"strings"
	"time"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

// Kind namespaces records by entity type across all tiers.
type Kind string

const (
	KindProfile Kind = "profile"
	KindSession Kind = "session"
	KindCourse  Kind = "course"
)

// SamplingParams are the user's durable completion preferences.
type SamplingParams struct {
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// UserProfile holds identity plus durable preferences. Created on first
// write, updated in place, never removed by purging.
type UserProfile struct {
	UserID          string         `json:"user_id"`
	Name            string         `json:"name,omitempty"`
	Language        string         `json:"language,omitempty"`
	DefaultProvider string         `json:"default_provider,omitempty"`
	Sampling        SamplingParams `json:"sampling,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (p *UserProfile) clone() *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	return &cp
}

// SessionMemory is one conversation record per (sessionID, threadID) pair.
// Message history is trimmed to the configured cap on every save, oldest
// entries dropped first.
type SessionMemory struct {
	SessionID    string              `json:"session_id"`
	ThreadID     string              `json:"thread_id"`
	UserID       string              `json:"user_id,omitempty"`
	Name         string              `json:"name,omitempty"`
	Messages     []contractx.Message `json:"messages"`
	Summary      string              `json:"summary,omitempty"`
	Topics       []string            `json:"topics,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	LastAccessed time.Time           `json:"last_accessed"`
}

// Key is the storage id of a session record.
func (s *SessionMemory) Key() string {
	return SessionKey(s.SessionID, s.ThreadID)
}

// SessionKey builds the composite id for a (session, thread) pair.
func SessionKey(sessionID, threadID string) string {
	if strings.TrimSpace(threadID) == "" {
		threadID = "main"
	}
	return sessionID + "@" + threadID
}

func (s *SessionMemory) clone() *SessionMemory {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = append([]contractx.Message(nil), s.Messages...)
	cp.Topics = append([]string(nil), s.Topics...)
	return &cp
}

// CourseMemory caches an externally supplied context payload verbatim,
// keyed by its external id. Each save fully replaces the previous record.
type CourseMemory struct {
	CourseID     string           `json:"course_id"`
	Name         string           `json:"name,omitempty"`
	Assignments  []map[string]any `json:"assignments,omitempty"`
	Participants []map[string]any `json:"participants,omitempty"`
	Activities   []map[string]any `json:"activities,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (c *CourseMemory) clone() *CourseMemory {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Assignments = append([]map[string]any(nil), c.Assignments...)
	cp.Participants = append([]map[string]any(nil), c.Participants...)
	cp.Activities = append([]map[string]any(nil), c.Activities...)
	return &cp
}

// SearchResults groups per-kind matches of a working-set scan.
type SearchResults struct {
	Profiles []*UserProfile   `json:"profiles"`
	Sessions []*SessionMemory `json:"sessions"`
	Courses  []*CourseMemory  `json:"courses"`
}

// Stats is an O(sessions) aggregate over the cached working set.
type Stats struct {
	Profiles      int `json:"profiles"`
	Sessions      int `json:"sessions"`
	TotalMessages int `json:"total_messages"`
}
