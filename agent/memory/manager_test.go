package memory

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ []contractx.Message) (string, error) {
	f.calls++
	return f.summary, f.err
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	disk, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	m, err := NewManager(disk, opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func chat(n int) []contractx.Message {
	msgs := make([]contractx.Message, 0, n)
	for i := 0; i < n; i++ {
		role := contractx.RoleHuman
		if i%2 == 1 {
			role = contractx.RoleAssistant
		}
		msgs = append(msgs, contractx.Message{Role: role, Content: "message " + string(rune('a'+i))})
	}
	return msgs
}

func TestProfileRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	err := m.SaveProfile(ctx, &UserProfile{
		UserID:   "u-1",
		Name:     "Nok",
		Language: "th",
		Tags:     []string{"physics"},
	})
	if err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	got, ok := m.GetProfile(ctx, "u-1")
	if !ok {
		t.Fatal("GetProfile() miss, want hit")
	}
	if got.Name != "Nok" || got.Language != "th" {
		t.Fatalf("profile = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not stamped on save")
	}

	// A returned copy must not alias the stored record.
	got.Name = "changed"
	again, _ := m.GetProfile(ctx, "u-1")
	if again.Name != "Nok" {
		t.Fatalf("stored profile mutated through a read: %q", again.Name)
	}
}

func TestSaveProfileRejectsEmptyID(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if err := m.SaveProfile(context.Background(), &UserProfile{UserID: "  "}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("SaveProfile() error = %v, want ErrValidation", err)
	}
	if err := m.SaveProfile(context.Background(), nil); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("SaveProfile(nil) error = %v, want ErrValidation", err)
	}
}

func TestSaveSessionTrimsToCap(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, WithSessionCap(5), WithSummaryThreshold(100))
	ctx := context.Background()

	s := &SessionMemory{SessionID: "s-1", Messages: chat(8)}
	if err := m.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, ok := m.GetSession(ctx, "s-1", "")
	if !ok {
		t.Fatal("GetSession() miss, want hit")
	}
	if len(got.Messages) != 5 {
		t.Fatalf("got %d messages, want the cap of 5", len(got.Messages))
	}
	// Oldest entries are dropped first, so the tail survives intact.
	if got.Messages[len(got.Messages)-1].Content != "message h" {
		t.Fatalf("last message = %q, want the newest", got.Messages[len(got.Messages)-1].Content)
	}
	if got.Messages[0].Content != "message d" {
		t.Fatalf("first message = %q, want message d", got.Messages[0].Content)
	}
}

func TestSaveSessionInstallsSummaryPlaceholder(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, WithSummaryThreshold(4))
	ctx := context.Background()

	if err := m.SaveSession(ctx, &SessionMemory{SessionID: "s-2", Messages: chat(3)}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	got, _ := m.GetSession(ctx, "s-2", "")
	if got.Summary != "" {
		t.Fatalf("summary below threshold = %q, want empty", got.Summary)
	}

	if err := m.SaveSession(ctx, &SessionMemory{SessionID: "s-3", Messages: chat(4)}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	got, _ = m.GetSession(ctx, "s-3", "")
	if got.Summary != summaryPlaceholder {
		t.Fatalf("summary = %q, want the placeholder", got.Summary)
	}
}

func TestSaveSessionUsesSummarizer(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{summary: "homework help across two topics"}
	m := newTestManager(t, WithSummaryThreshold(2), WithSummarizer(sum))
	ctx := context.Background()

	if err := m.SaveSession(ctx, &SessionMemory{SessionID: "s-4", Messages: chat(3)}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	got, _ := m.GetSession(ctx, "s-4", "")
	if got.Summary != sum.summary {
		t.Fatalf("summary = %q, want summarizer output", got.Summary)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls)
	}

	// An existing summary is kept as-is on later saves.
	got.Messages = append(got.Messages, contractx.Message{Role: contractx.RoleHuman, Content: "more"})
	if err := m.SaveSession(ctx, got); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer re-ran on a session that already has a summary")
	}
}

func TestSummarizerFailureFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{err: errors.New("model offline")}
	m := newTestManager(t, WithSummaryThreshold(2), WithSummarizer(sum))

	if err := m.SaveSession(context.Background(), &SessionMemory{SessionID: "s-5", Messages: chat(2)}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	got, _ := m.GetSession(context.Background(), "s-5", "")
	if got.Summary != summaryPlaceholder {
		t.Fatalf("summary = %q, want the placeholder after a summarizer failure", got.Summary)
	}
}

func TestSessionThreadsAreSeparateRecords(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	if err := m.SaveSession(ctx, &SessionMemory{SessionID: "s-6", ThreadID: "a", Name: "thread a"}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := m.SaveSession(ctx, &SessionMemory{SessionID: "s-6", ThreadID: "b", Name: "thread b"}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	a, okA := m.GetSession(ctx, "s-6", "a")
	b, okB := m.GetSession(ctx, "s-6", "b")
	if !okA || !okB {
		t.Fatal("thread records missing")
	}
	if a.Name != "thread a" || b.Name != "thread b" {
		t.Fatalf("threads collided: a=%q b=%q", a.Name, b.Name)
	}
}

func TestCourseRoundTripReplacesWholesale(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	first := &CourseMemory{
		CourseID:    "c-1",
		Name:        "Intro Physics",
		Assignments: []map[string]any{{"name": "lab 1"}, {"name": "lab 2"}},
	}
	if err := m.SaveCourse(ctx, first); err != nil {
		t.Fatalf("SaveCourse() error = %v", err)
	}

	second := &CourseMemory{CourseID: "c-1", Name: "Intro Physics", Participants: []map[string]any{{"name": "Nok"}}}
	if err := m.SaveCourse(ctx, second); err != nil {
		t.Fatalf("SaveCourse() error = %v", err)
	}

	got, ok := m.GetCourse(ctx, "c-1")
	if !ok {
		t.Fatal("GetCourse() miss, want hit")
	}
	if len(got.Assignments) != 0 {
		t.Fatalf("assignments survived a wholesale replace: %v", got.Assignments)
	}
	if len(got.Participants) != 1 {
		t.Fatalf("participants = %v, want the replacement payload", got.Participants)
	}
}

func TestSearchRequiresEveryToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, WithSummaryThreshold(100))
	ctx := context.Background()

	m.SaveSession(ctx, &SessionMemory{SessionID: "s-7", Name: "calculus homework", Topics: []string{"derivatives"}})
	m.SaveSession(ctx, &SessionMemory{SessionID: "s-8", Name: "essay review", Summary: "feedback on a history essay"})
	m.SaveCourse(ctx, &CourseMemory{CourseID: "c-2", Name: "Calculus I"})

	got := m.Search(ctx, "calculus homework")
	if len(got.Sessions) != 1 || got.Sessions[0].SessionID != "s-7" {
		t.Fatalf("sessions = %+v, want only s-7", got.Sessions)
	}
	if len(got.Courses) != 0 {
		t.Fatalf("courses matched %q without the homework token: %+v", "calculus homework", got.Courses)
	}

	got = m.Search(ctx, "CALCULUS")
	if len(got.Sessions) != 1 || len(got.Courses) != 1 {
		t.Fatalf("case-insensitive search = %d sessions, %d courses", len(got.Sessions), len(got.Courses))
	}

	if got := m.Search(ctx, "   "); len(got.Sessions)+len(got.Courses)+len(got.Profiles) != 0 {
		t.Fatalf("empty query matched records: %+v", got)
	}
}

func TestSearchFiltersByKind(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, WithSummaryThreshold(100))
	ctx := context.Background()

	m.SaveSession(ctx, &SessionMemory{SessionID: "s-9", Name: "biology notes"})
	m.SaveCourse(ctx, &CourseMemory{CourseID: "c-3", Name: "Biology"})

	got := m.Search(ctx, "biology", KindCourse)
	if len(got.Sessions) != 0 || len(got.Courses) != 1 {
		t.Fatalf("kind filter leaked: %+v", got)
	}
}

func TestRecentOrdersByLastAccess(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, WithSummaryThreshold(100))
	ctx := context.Background()

	m.SaveSession(ctx, &SessionMemory{SessionID: "s-10", UserID: "u-2", Name: "older"})
	m.SaveSession(ctx, &SessionMemory{SessionID: "s-11", UserID: "u-2", Name: "newer"})
	m.SaveSession(ctx, &SessionMemory{SessionID: "s-12", UserID: "someone-else"})

	got := m.Recent(ctx, "u-2", 0)
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2 for u-2", len(got))
	}
	if got[0].Name != "newer" || got[1].Name != "older" {
		t.Fatalf("order = [%s %s], want newest first", got[0].Name, got[1].Name)
	}

	if got := m.Recent(ctx, "u-2", 1); len(got) != 1 || got[0].Name != "newer" {
		t.Fatalf("limited recent = %+v", got)
	}
}

func TestPurgeOlderThanRemovesEveryTier(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	disk, err := NewDiskStore(root)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}

	// A stale record persisted by an earlier process: on disk only, not in
	// any live cache.
	stale := SessionMemory{
		SessionID:    "s-old",
		ThreadID:     "main",
		LastAccessed: time.Now().UTC().AddDate(0, 0, -45),
	}
	payload, _ := json.Marshal(&stale)
	if err := disk.Write(KindSession, stale.Key(), payload); err != nil {
		t.Fatalf("disk.Write() error = %v", err)
	}

	m, err := NewManager(disk, WithSummaryThreshold(100))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ctx := context.Background()
	m.SaveSession(ctx, &SessionMemory{SessionID: "s-fresh"})
	m.SaveProfile(ctx, &UserProfile{UserID: "u-3"})

	if got := m.PurgeOlderThan(ctx, 30); got != 1 {
		t.Fatalf("PurgeOlderThan() = %d, want 1", got)
	}

	if _, ok := m.GetSession(ctx, "s-old", "main"); ok {
		t.Fatal("stale session still readable after purge")
	}
	if _, err := disk.Read(KindSession, stale.Key()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session still on disk: err = %v", err)
	}
	if _, ok := m.GetSession(ctx, "s-fresh", ""); !ok {
		t.Fatal("fresh session was purged")
	}
	if _, ok := m.GetProfile(ctx, "u-3"); !ok {
		t.Fatal("profile was purged; profiles must survive")
	}

	if got := m.PurgeOlderThan(ctx, 30); got != 0 {
		t.Fatalf("second purge = %d, want 0", got)
	}
}

func TestStatsCountsWorkingSet(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, WithSummaryThreshold(100))
	ctx := context.Background()

	m.SaveProfile(ctx, &UserProfile{UserID: "u-4"})
	m.SaveSession(ctx, &SessionMemory{SessionID: "s-13", Messages: chat(4)})
	m.SaveSession(ctx, &SessionMemory{SessionID: "s-14", Messages: chat(2)})

	got := m.Stats()
	if got.Profiles != 1 || got.Sessions != 2 || got.TotalMessages != 6 {
		t.Fatalf("Stats() = %+v", got)
	}
}

func TestReadThroughRepopulatesFromDisk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	disk, err := NewDiskStore(root)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	first, err := NewManager(disk, WithSummaryThreshold(100))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ctx := context.Background()
	if err := first.SaveSession(ctx, &SessionMemory{SessionID: "s-15", Name: "durable"}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// A second manager over the same root simulates a restart with a cold
	// cache.
	second, err := NewManager(disk)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	got, ok := second.GetSession(ctx, "s-15", "")
	if !ok || got.Name != "durable" {
		t.Fatalf("cold-cache read = %+v, %v", got, ok)
	}

	// The lower-tier hit lands back in the working set.
	if stats := second.Stats(); stats.Sessions != 1 {
		t.Fatalf("Stats() after read-through = %+v, want the session cached", stats)
	}
}

func TestKVTierServesColdReads(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: srv.Addr()})
	kv := NewKVFromClient(client)

	ctx := context.Background()
	first := newTestManager(t, WithKV(kv), WithSummaryThreshold(100))
	if err := first.SaveSession(ctx, &SessionMemory{SessionID: "s-16", Name: "kv backed"}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// Fresh cache and a different disk root: only the kv tier has it.
	second := newTestManager(t, WithKV(kv))
	got, ok := second.GetSession(ctx, "s-16", "")
	if !ok || got.Name != "kv backed" {
		t.Fatalf("kv read-through = %+v, %v", got, ok)
	}
}

func TestKVFailureDegradesToRemainingTiers(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	kv := NewKVFromClient(backend.NewClient(&backend.Options{Addr: srv.Addr()}))
	m := newTestManager(t, WithKV(kv), WithSummaryThreshold(100))
	ctx := context.Background()

	srv.Close()

	// A dead kv tier must not fail the save or the read back.
	if err := m.SaveSession(ctx, &SessionMemory{SessionID: "s-17", Name: "survives"}); err != nil {
		t.Fatalf("SaveSession() with dead kv error = %v", err)
	}
	got, ok := m.GetSession(ctx, "s-17", "")
	if !ok || got.Name != "survives" {
		t.Fatalf("GetSession() with dead kv = %+v, %v", got, ok)
	}
}

func TestKVGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	kv := NewKVFromClient(backend.NewClient(&backend.Options{Addr: srv.Addr()}))
	ctx := context.Background()

	if _, err := kv.Get(ctx, KindSession, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := kv.Put(ctx, KindSession, "id", []byte(`{}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := kv.Delete(ctx, KindSession, "id"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := kv.Delete(ctx, KindSession, "id"); err != nil {
		t.Fatalf("Delete(missing) error = %v, want nil", err)
	}
}

func TestDiskWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	disk, err := NewDiskStore(root)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := disk.Write(KindSession, "s@main", []byte(`{"n":`+string(rune('0'+i))+`}`)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	leftovers, err := filepath.Glob(filepath.Join(root, string(KindSession), "*.tmp"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}

	payload, err := disk.Read(KindSession, "s@main")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(payload) != `{"n":4}` {
		t.Fatalf("payload = %s, want the last write", payload)
	}
}
