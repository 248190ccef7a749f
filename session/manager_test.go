package session

import (
	"errors"
	"testing"

	"meetscribe/embedding"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateAndGetSession(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession(Config{Title: "Standup", Tier2Enabled: true, Roster: []string{"Alice"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != StatusRecording {
		t.Errorf("status = %s, want %s", sess.Status, StatusRecording)
	}
	if sess.Version != 1 {
		t.Errorf("version = %d, want 1", sess.Version)
	}
	if !sess.Tier2.Enabled {
		t.Error("tier2 should be enabled")
	}

	got, err := m.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "Standup" {
		t.Errorf("title = %q, want Standup", got.Title)
	}

	if _, err := m.GetSession("no-such"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrSessionNotFound", err)
	}
}

func TestFreezeRejectsIngest(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{})

	if _, err := m.BeginFinalize(sess.ID); err != nil {
		t.Fatalf("BeginFinalize: %v", err)
	}

	if err := m.AddUtterance(sess.ID, Utterance{ID: "u-1"}); !errors.Is(err, ErrSessionFrozen) {
		t.Errorf("AddUtterance during freeze = %v, want ErrSessionFrozen", err)
	}
	if err := m.AddSegment(sess.ID, DiarizedSegment{ID: "seg-1"}); !errors.Is(err, ErrSessionFrozen) {
		t.Errorf("AddSegment during freeze = %v, want ErrSessionFrozen", err)
	}
	if _, err := m.AddEmbedding(sess.ID, embedding.CachedEmbedding{SegmentID: "seg-1"}); !errors.Is(err, ErrSessionFrozen) {
		t.Errorf("AddEmbedding during freeze = %v, want ErrSessionFrozen", err)
	}

	// Защёлка держит ровно один прогон
	if _, err := m.BeginFinalize(sess.ID); !errors.Is(err, ErrFinalizeInProgress) {
		t.Errorf("second BeginFinalize = %v, want ErrFinalizeInProgress", err)
	}

	// Удаление во время финализации запрещено
	if err := m.DeleteSession(sess.ID); err == nil {
		t.Error("DeleteSession during finalize should fail")
	}

	m.EndFinalize(sess.ID)
	if err := m.AddUtterance(sess.ID, Utterance{ID: "u-2"}); err != nil {
		t.Errorf("AddUtterance after EndFinalize: %v", err)
	}
}

func TestCommitTier1(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Tier2Enabled: true})

	utts := []Utterance{{ID: "u-1", Text: "hello", SpeakerLabel: "Alice"}}
	report := &Report{Version: ReportTier1}
	if err := m.CommitTier1(sess.ID, utts, nil, nil, report, false); err != nil {
		t.Fatalf("CommitTier1: %v", err)
	}

	got, _ := m.GetSession(sess.ID)
	if got.Status != StatusFinalized {
		t.Errorf("status = %s, want %s", got.Status, StatusFinalized)
	}
	if got.Report.Version != ReportTier1 {
		t.Errorf("report version = %s, want %s", got.Report.Version, ReportTier1)
	}
	if got.Tier2.Status != Tier2Pending {
		t.Errorf("tier2 status = %s, want %s", got.Tier2.Status, Tier2Pending)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestCommitTier2CAS(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Tier2Enabled: true})
	if err := m.CommitTier1(sess.ID, nil, nil, nil, &Report{Version: ReportTier1}, false); err != nil {
		t.Fatalf("CommitTier1: %v", err)
	}

	version, err := m.Version(sess.ID)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}

	report := &Report{Version: ReportTier2}
	if err := m.CommitTier2(sess.ID, version, nil, nil, nil, report); err != nil {
		t.Fatalf("CommitTier2: %v", err)
	}

	got, _ := m.GetSession(sess.ID)
	if got.Tier2.Status != Tier2Succeeded {
		t.Errorf("tier2 status = %s, want %s", got.Tier2.Status, Tier2Succeeded)
	}
	if got.Report.Version != ReportTier2 {
		t.Errorf("report version = %s, want %s", got.Report.Version, ReportTier2)
	}

	// Устаревший штамп отклоняется
	if err := m.CommitTier2(sess.ID, version, nil, nil, nil, report); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale CommitTier2 = %v, want ErrVersionConflict", err)
	}
}

func TestManualBindingBumpsVersion(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{})

	before, _ := m.Version(sess.ID)
	b, err := m.AddManualBinding(sess.ID, ManualBinding{TargetID: "u-1", Participant: "Alice"})
	if err != nil {
		t.Fatalf("AddManualBinding: %v", err)
	}
	if b.ID == "" || b.CreatedAt.IsZero() {
		t.Error("binding should get ID and CreatedAt")
	}

	after, _ := m.Version(sess.ID)
	if after != before+1 {
		t.Errorf("version = %d, want %d", after, before+1)
	}

	bindings, err := m.ManualBindings(sess.ID)
	if err != nil {
		t.Fatalf("ManualBindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].Participant != "Alice" {
		t.Errorf("bindings = %+v, want one binding to Alice", bindings)
	}
}

func TestReportVersionMonotonic(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Tier2Enabled: true})
	m.CommitTier1(sess.ID, nil, nil, nil, &Report{Version: ReportTier1}, false)
	version, _ := m.Version(sess.ID)
	if err := m.CommitTier2(sess.ID, version, nil, nil, nil, &Report{Version: ReportTier2}); err != nil {
		t.Fatalf("CommitTier2: %v", err)
	}

	// Попытка отката версии отчёта игнорируется
	err := m.SetTier2Status(sess.ID, func(st *Tier2Status) {
		st.ReportVersion = ReportTier1
	})
	if err != nil {
		t.Fatalf("SetTier2Status: %v", err)
	}

	status, _ := m.Tier2StatusFor(sess.ID)
	if status.ReportVersion != ReportTier2 {
		t.Errorf("report version = %s, want %s after rollback attempt", status.ReportVersion, ReportTier2)
	}
}

func TestSnapshotCopies(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Roster: []string{"Alice", "Bob"}})
	m.AddUtterance(sess.ID, Utterance{ID: "u-1", Text: "hi"})
	m.AddSegment(sess.ID, DiarizedSegment{ID: "seg-1", LocalSpeaker: "s0"})

	snap, err := m.TakeSnapshot(sess.ID)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if len(snap.Utterances) != 1 || len(snap.Segments) != 1 || len(snap.Roster) != 2 {
		t.Fatalf("snapshot = %d utts, %d segs, %d roster", len(snap.Utterances), len(snap.Segments), len(snap.Roster))
	}

	// Мутация снапшота не задевает сессию
	snap.Utterances[0].Text = "changed"
	got, _ := m.GetSession(sess.ID)
	if got.Utterances[0].Text != "hi" {
		t.Error("snapshot should be a copy, not a view")
	}
}

func TestCloneDetached(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Title: "Sync", Roster: []string{"Alice"}})
	m.AddUtterance(sess.ID, Utterance{ID: "u-1", Text: "hi"})

	c := sess.Clone()
	if c.Title != "Sync" || len(c.Utterances) != 1 {
		t.Fatalf("clone = %+v", c)
	}

	// Мутация копии не задевает сессию
	c.Utterances[0].Text = "changed"
	c.Roster[0] = "Mallory"
	got, _ := m.GetSession(sess.ID)
	if got.Utterances[0].Text != "hi" || got.Roster[0] != "Alice" {
		t.Error("clone should be a copy, not a view")
	}
}

// TestCloneConcurrentWithCommits чтение копии во время коммитов —
// ловится детектором гонок
func TestCloneConcurrentWithCommits(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Title: "Race"})
	id := sess.ID

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.AddUtterance(id, Utterance{ID: "u", Text: "x"})
			m.SetTier2Status(id, func(st *Tier2Status) {
				st.Status = Tier2Running
			})
		}
	}()

	for i := 0; i < 200; i++ {
		if c := sess.Clone(); c.ID != id {
			t.Fatalf("clone id = %s", c.ID)
		}
	}
	<-done
}

// TestAddEmbeddingConcurrentWithFinalize вставка эмбеддингов во время
// захвата и освобождения защёлки финализации — ловится детектором гонок
func TestAddEmbeddingConcurrentWithFinalize(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{Title: "Race"})
	id := sess.ID

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := m.BeginFinalize(id); err == nil {
				m.EndFinalize(id)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if _, err := m.AddEmbedding(id, embedding.CachedEmbedding{SegmentID: "s"}); err != nil && !errors.Is(err, ErrSessionFrozen) {
			t.Fatalf("AddEmbedding: %v", err)
		}
	}
	<-done
}

func TestLoadSessionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sess, _ := m.CreateSession(Config{Title: "Retro", Tier2Enabled: true})
	m.AddManualBinding(sess.ID, ManualBinding{TargetID: "u-1", Participant: "Bob"})
	utts := []Utterance{{ID: "u-1", Text: "hello", SpeakerLabel: "Bob"}}
	report := &Report{Version: ReportTier1, Sections: []ReportSection{{Title: "Итоги", Body: "..."}}}
	m.SetStage(sess.ID, StagePersist)
	if err := m.CommitTier1(sess.ID, utts, nil, nil, report, true); err != nil {
		t.Fatalf("CommitTier1: %v", err)
	}
	// Имитация рестарта посреди уточнения
	m.SetTier2Status(sess.ID, func(st *Tier2Status) { st.Status = Tier2Running })

	reloaded, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager(reload): %v", err)
	}

	got, err := reloaded.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if got.Title != "Retro" || got.Status != StatusFinalized {
		t.Errorf("reloaded session = %s/%s", got.Title, got.Status)
	}
	if len(got.Utterances) != 1 || got.Utterances[0].SpeakerLabel != "Bob" {
		t.Errorf("reloaded utterances = %+v", got.Utterances)
	}
	if got.Report == nil || got.Report.Version != ReportTier1 {
		t.Error("report should survive reload")
	}
	if got.Finalization == nil || !got.Finalization.ClusteringDegraded {
		t.Error("degraded flag should survive reload")
	}

	// Прерванный Tier-2 возвращается в pending
	status, _ := reloaded.Tier2StatusFor(sess.ID)
	if status.Status != Tier2Pending {
		t.Errorf("tier2 status after reload = %s, want %s", status.Status, Tier2Pending)
	}

	bindings, _ := reloaded.ManualBindings(sess.ID)
	if len(bindings) != 1 || bindings[0].Participant != "Bob" {
		t.Errorf("bindings after reload = %+v", bindings)
	}
}

func TestHibernateResume(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{})

	accepted, err := m.AddEmbedding(sess.ID, embedding.CachedEmbedding{
		SegmentID: "seg-1",
		Vector:    []float32{0.1, 0.2, 0.3},
		StartMs:   0,
		EndMs:     500,
	})
	if err != nil || !accepted {
		t.Fatalf("AddEmbedding: accepted=%v err=%v", accepted, err)
	}

	if err := m.Hibernate(sess.ID); err != nil {
		t.Fatalf("Hibernate: %v", err)
	}

	// Свежий кэш после "рестарта"
	reloaded, err := NewManager(m.dataDir)
	if err != nil {
		t.Fatalf("NewManager(reload): %v", err)
	}
	cache, err := reloaded.Cache(sess.ID)
	if err != nil {
		t.Fatalf("Cache: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("cache before resume = %d entries, want 0", cache.Len())
	}

	if err := reloaded.Resume(sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("cache after resume = %d entries, want 1", cache.Len())
	}
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession(Config{})

	if err := m.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession after delete = %v, want ErrSessionNotFound", err)
	}
	if err := m.DeleteSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("double delete = %v, want ErrSessionNotFound", err)
	}
}
