package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

// ErrNotFound marks a record absent from every tier.
var ErrNotFound = errors.New("memory record not found")

const (
	defaultSessionCap       = 50
	defaultSummaryThreshold = 20
	cacheCleanupInterval    = 10 * time.Minute

	// summaryPlaceholder is installed once a session crosses the threshold
	// and no Summarizer is configured. Real summarization is deliberately an
	// external collaborator.
	summaryPlaceholder = "[summary pending]"
)

// Manager fronts the three tiers and owns the canonical copy of profiles,
// sessions and course blobs. Every write goes through the cache, the kv
// tier and the disk tier (write-through, never write-back); reads fall
// through misses and repopulate the cache on the way back up.
//
// I/O failures in the kv and disk tiers are logged and degraded: a failed
// write leaves the record cached, a failed read reports "not found". The
// manager never propagates tier errors to the orchestrator.
type Manager struct {
	cache *gocache.Cache
	kv    *KV
	disk  *DiskStore

	summarizer       contractx.Summarizer
	sessionCap       int
	summaryThreshold int
	now              func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithKV attaches the key/value tier; without it the manager runs on
// cache + disk only.
func WithKV(kv *KV) ManagerOption {
	return func(m *Manager) { m.kv = kv }
}

// WithSummarizer installs the external summary collaborator.
func WithSummarizer(s contractx.Summarizer) ManagerOption {
	return func(m *Manager) { m.summarizer = s }
}

// WithSessionCap bounds the per-session message history.
func WithSessionCap(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sessionCap = n
		}
	}
}

// WithSummaryThreshold sets the message count after which a session becomes
// eligible for a summary.
func WithSummaryThreshold(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.summaryThreshold = n
		}
	}
}

func NewManager(disk *DiskStore, opts ...ManagerOption) (*Manager, error) {
	if disk == nil {
		return nil, errors.New("disk store is required")
	}
	m := &Manager{
		cache:            gocache.New(gocache.NoExpiration, cacheCleanupInterval),
		disk:             disk,
		sessionCap:       defaultSessionCap,
		summaryThreshold: defaultSummaryThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func cacheKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

/* ------------------------------- profiles ------------------------------- */

func (m *Manager) SaveProfile(ctx context.Context, p *UserProfile) error {
	if p == nil || strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: profile user id is required", contractx.ErrValidation)
	}
	now := m.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.writeThrough(ctx, KindProfile, p.UserID, p.clone())
	return nil
}

func (m *Manager) GetProfile(ctx context.Context, userID string) (*UserProfile, bool) {
	var p UserProfile
	if !m.readThrough(ctx, KindProfile, userID, &p) {
		return nil, false
	}
	return &p, true
}

/* ------------------------------- sessions ------------------------------- */

func (m *Manager) SaveSession(ctx context.Context, s *SessionMemory) error {
	if s == nil || strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", contractx.ErrValidation)
	}
	now := m.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastAccessed = now

	if len(s.Messages) > m.sessionCap {
		s.Messages = append([]contractx.Message(nil), s.Messages[len(s.Messages)-m.sessionCap:]...)
	}
	if s.Summary == "" && len(s.Messages) >= m.summaryThreshold {
		s.Summary = m.summarize(ctx, s.Messages)
	}

	m.writeThrough(ctx, KindSession, s.Key(), s.clone())
	return nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID, threadID string) (*SessionMemory, bool) {
	var s SessionMemory
	if !m.readThrough(ctx, KindSession, SessionKey(sessionID, threadID), &s) {
		return nil, false
	}
	return &s, true
}

func (m *Manager) summarize(ctx context.Context, msgs []contractx.Message) string {
	if m.summarizer == nil {
		return summaryPlaceholder
	}
	summary, err := m.summarizer.Summarize(ctx, msgs)
	if err != nil {
		log.Warn().Err(err).Msg("summarizer failed, keeping placeholder")
		return summaryPlaceholder
	}
	return summary
}

/* -------------------------------- courses ------------------------------- */

// SaveCourse replaces the stored payload wholesale; course blobs are never
// merged partially.
func (m *Manager) SaveCourse(ctx context.Context, c *CourseMemory) error {
	if c == nil || strings.TrimSpace(c.CourseID) == "" {
		return fmt.Errorf("%w: course id is required", contractx.ErrValidation)
	}
	c.UpdatedAt = m.now().UTC()
	m.writeThrough(ctx, KindCourse, c.CourseID, c.clone())
	return nil
}

func (m *Manager) GetCourse(ctx context.Context, courseID string) (*CourseMemory, bool) {
	var c CourseMemory
	if !m.readThrough(ctx, KindCourse, courseID, &c) {
		return nil, false
	}
	return &c, true
}

/* ------------------------------ working set ------------------------------ */

// Search scans the cached working set for records whose name, summary or
// topic fields contain every query token (case-insensitive substring
// match). An empty query matches nothing; an empty result is not an error.
func (m *Manager) Search(ctx context.Context, query string, kinds ...Kind) SearchResults {
	var results SearchResults
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return results
	}

	wanted := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	include := func(k Kind) bool {
		return len(wanted) == 0 || wanted[k]
	}

	for key, item := range m.cache.Items() {
		switch {
		case include(KindProfile) && strings.HasPrefix(key, cacheKey(KindProfile, "")):
			if p, ok := item.Object.(*UserProfile); ok && matches(tokens, p.Name, p.Language, strings.Join(p.Tags, " ")) {
				results.Profiles = append(results.Profiles, p.clone())
			}
		case include(KindSession) && strings.HasPrefix(key, cacheKey(KindSession, "")):
			if s, ok := item.Object.(*SessionMemory); ok && matches(tokens, s.Name, s.Summary, strings.Join(s.Topics, " ")) {
				results.Sessions = append(results.Sessions, s.clone())
			}
		case include(KindCourse) && strings.HasPrefix(key, cacheKey(KindCourse, "")):
			if c, ok := item.Object.(*CourseMemory); ok && matches(tokens, c.Name) {
				results.Courses = append(results.Courses, c.clone())
			}
		}
	}

	sort.Slice(results.Sessions, func(i, j int) bool {
		return results.Sessions[i].LastAccessed.After(results.Sessions[j].LastAccessed)
	})
	return results
}

func matches(tokens []string, fields ...string) bool {
	haystack := strings.ToLower(strings.Join(fields, "\n"))
	for _, tok := range tokens {
		if !strings.Contains(haystack, tok) {
			return false
		}
	}
	return true
}

// Recent returns the user's cached sessions, newest last-accessed first,
// truncated to limit.
func (m *Manager) Recent(ctx context.Context, userID string, limit int) []*SessionMemory {
	var sessions []*SessionMemory
	for key, item := range m.cache.Items() {
		if !strings.HasPrefix(key, cacheKey(KindSession, "")) {
			continue
		}
		if s, ok := item.Object.(*SessionMemory); ok && s.UserID == userID {
			sessions = append(sessions, s.clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastAccessed.After(sessions[j].LastAccessed)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// PurgeOlderThan removes sessions whose last access predates the cutoff
// from every tier and returns how many were removed. Profiles and course
// blobs are never purged.
func (m *Manager) PurgeOlderThan(ctx context.Context, days int) int {
	cutoff := m.now().UTC().AddDate(0, 0, -days)
	stale := make(map[string]bool)

	for key, item := range m.cache.Items() {
		if !strings.HasPrefix(key, cacheKey(KindSession, "")) {
			continue
		}
		if s, ok := item.Object.(*SessionMemory); ok && s.LastAccessed.Before(cutoff) {
			stale[s.Key()] = true
		}
	}

	// Sessions evicted from cache but still on disk count too.
	ids, err := m.disk.List(KindSession)
	if err != nil {
		log.Warn().Err(err).Msg("purge: disk listing failed")
	}
	for _, id := range ids {
		if stale[id] {
			continue
		}
		payload, err := m.disk.Read(KindSession, id)
		if err != nil {
			continue
		}
		var s SessionMemory
		if err := json.Unmarshal(payload, &s); err != nil {
			continue
		}
		if s.LastAccessed.Before(cutoff) {
			stale[id] = true
		}
	}

	for id := range stale {
		m.cache.Delete(cacheKey(KindSession, id))
		if m.kv != nil {
			if err := m.kv.Delete(ctx, KindSession, id); err != nil {
				log.Warn().Err(err).Str("id", id).Msg("purge: kv delete failed")
			}
		}
		if err := m.disk.Remove(KindSession, id); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("purge: disk remove failed")
		}
	}
	return len(stale)
}

// Stats aggregates the cached working set.
func (m *Manager) Stats() Stats {
	var stats Stats
	for key, item := range m.cache.Items() {
		switch {
		case strings.HasPrefix(key, cacheKey(KindProfile, "")):
			stats.Profiles++
		case strings.HasPrefix(key, cacheKey(KindSession, "")):
			stats.Sessions++
			if s, ok := item.Object.(*SessionMemory); ok {
				stats.TotalMessages += len(s.Messages)
			}
		}
	}
	return stats
}

/* -------------------------------- tiers --------------------------------- */

func (m *Manager) writeThrough(ctx context.Context, kind Kind, id string, record any) {
	m.cache.Set(cacheKey(kind, id), record, gocache.DefaultExpiration)

	payload, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Str("id", id).
			Msg("memory: marshal failed, record is cache-only")
		return
	}
	if m.kv != nil {
		if err := m.kv.Put(ctx, kind, id, payload); err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Str("id", id).
				Msg("memory: kv write failed")
		}
	}
	if err := m.disk.Write(kind, id, payload); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Str("id", id).
			Msg("memory: disk write failed")
	}
}

// readThrough fills out from the first tier that has the record and
// repopulates the cache on a lower-tier hit.
func (m *Manager) readThrough(ctx context.Context, kind Kind, id string, out any) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	key := cacheKey(kind, id)

	if cached, found := m.cache.Get(key); found {
		return m.fromCached(cached, out)
	}

	payload := m.readLower(ctx, kind, id)
	if payload == nil {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Str("id", id).
			Msg("memory: stored record is corrupt")
		return false
	}
	m.cache.Set(key, cacheable(kind, payload), gocache.DefaultExpiration)
	return true
}

func (m *Manager) readLower(ctx context.Context, kind Kind, id string) []byte {
	if m.kv != nil {
		payload, err := m.kv.Get(ctx, kind, id)
		if err == nil {
			return payload
		}
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("kind", string(kind)).Str("id", id).
				Msg("memory: kv read failed")
		}
	}
	payload, err := m.disk.Read(kind, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("kind", string(kind)).Str("id", id).
				Msg("memory: disk read failed")
		}
		return nil
	}
	return payload
}

// fromCached copies the cached typed record into out via JSON so callers
// never alias cache-owned memory.
func (m *Manager) fromCached(cached, out any) bool {
	payload, err := json.Marshal(cached)
	if err != nil {
		return false
	}
	return json.Unmarshal(payload, out) == nil
}

// cacheable rebuilds the typed record for the cache working set, keeping
// Search and Stats type assertions valid after a lower-tier hit.
func cacheable(kind Kind, payload []byte) any {
	switch kind {
	case KindProfile:
		var p UserProfile
		if json.Unmarshal(payload, &p) == nil {
			return &p
		}
	case KindSession:
		var s SessionMemory
		if json.Unmarshal(payload, &s) == nil {
			return &s
		}
	case KindCourse:
		var c CourseMemory
		if json.Unmarshal(payload, &c) == nil {
			return &c
		}
	}
	return nil
}
