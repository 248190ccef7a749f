package reconcile

import (
	"testing"
	"time"

	"meetscribe/roster"
	"meetscribe/session"
)

func utt(id string, startMs, endMs int64) session.Utterance {
	return session.Utterance{ID: id, Text: "text " + id, StartMs: startMs, EndMs: endMs}
}

func seg(id string, startMs, endMs int64) session.DiarizedSegment {
	return session.DiarizedSegment{ID: id, LocalSpeaker: "s0", StartMs: startMs, EndMs: endMs}
}

// baseInputs один сегмент seg-1 (0..1000) в кластере c1,
// привязанном к Alice по эталону
func baseInputs() Inputs {
	return Inputs{
		Utterances:  []session.Utterance{utt("u1", 100, 900)},
		Segments:    []session.DiarizedSegment{seg("seg-1", 0, 1000)},
		Assignments: map[string]string{"seg-1": "c1"},
		Bindings: []roster.Binding{
			{ClusterID: "c1", ParticipantID: "p-alice", Participant: "Alice",
				Source: roster.SourceEnrollment, Similarity: 0.9},
		},
	}
}

// TestPriorityChain проверяет что всегда срабатывает наименьший
// удовлетворённый приоритет
func TestPriorityChain(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(*Inputs)
		wantSpeaker  string
		wantPriority int
	}{
		{
			name:         "cluster enrollment binding -> priority 2",
			mutate:       func(in *Inputs) {},
			wantSpeaker:  "Alice",
			wantPriority: PriorityClusterEnroll,
		},
		{
			name: "manual binding on utterance -> priority 1 overrides everything",
			mutate: func(in *Inputs) {
				in.Manual = []session.ManualBinding{
					{ID: "m1", TargetID: "u1", Participant: "Bob", CreatedAt: time.Now()},
				}
			},
			wantSpeaker:  "Bob",
			wantPriority: PriorityManual,
		},
		{
			name: "manual binding on cluster -> priority 1",
			mutate: func(in *Inputs) {
				in.Manual = []session.ManualBinding{
					{ID: "m1", TargetID: "c1", Participant: "Carol", CreatedAt: time.Now()},
				}
			},
			wantSpeaker:  "Carol",
			wantPriority: PriorityManual,
		},
		{
			name: "name-extraction binding -> priority 3 flagged for review",
			mutate: func(in *Inputs) {
				in.Bindings[0].Source = roster.SourceNameExtraction
			},
			wantSpeaker:  "Alice",
			wantPriority: PriorityClusterName,
		},
		{
			name: "no cluster data, window enrollment -> priority 4",
			mutate: func(in *Inputs) {
				in.Assignments = nil
				in.Bindings = nil
				in.WindowEnrollment = map[string]WindowMatch{
					"seg-1": {Participant: "Dave", Similarity: 0.7},
				}
			},
			wantSpeaker:  "Dave",
			wantPriority: PriorityWindowEnroll,
		},
		{
			name: "window name extraction -> priority 5",
			mutate: func(in *Inputs) {
				in.Assignments = nil
				in.Bindings = nil
				in.WindowNames = map[string]roster.NameCandidate{
					"seg-1": {Name: "Eve", Confidence: 0.9},
				}
			},
			wantSpeaker:  "Eve",
			wantPriority: PriorityWindowName,
		},
		{
			name: "external diarizer label -> priority 6",
			mutate: func(in *Inputs) {
				in.Assignments = nil
				in.Bindings = nil
				in.ExternalLabels = map[string]string{"seg-1": "Speaker 0"}
			},
			wantSpeaker:  "Speaker 0",
			wantPriority: PriorityExternalDiarizer,
		},
		{
			name: "nothing matches -> priority 7 unknown",
			mutate: func(in *Inputs) {
				in.Assignments = nil
				in.Bindings = nil
			},
			wantSpeaker:  UnknownLabel,
			wantPriority: PriorityUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInputs()
			tt.mutate(&in)

			got := NewResolver().Resolve(in)
			if len(got) != 1 {
				t.Fatalf("expected 1 utterance, got %d", len(got))
			}
			if got[0].SpeakerLabel != tt.wantSpeaker {
				t.Errorf("speaker: expected %q, got %q", tt.wantSpeaker, got[0].SpeakerLabel)
			}
			if got[0].ResolutionPriority != tt.wantPriority {
				t.Errorf("priority: expected %d, got %d", tt.wantPriority, got[0].ResolutionPriority)
			}
		})
	}
}

// TestManualBindingSurvivesRerun ручная привязка даёт тот же результат
// на повторном прогоне с новыми кластерными данными (инвариант Tier-2)
func TestManualBindingSurvivesRerun(t *testing.T) {
	in := baseInputs()
	in.Manual = []session.ManualBinding{
		{ID: "m1", TargetID: "u1", Participant: "Bob", CreatedAt: time.Now()},
	}

	first := NewResolver().Resolve(in)

	// Tier-2: другая кластеризация, другие привязки — ручная остаётся
	in.Assignments = map[string]string{"seg-1": "c9"}
	in.Bindings = []roster.Binding{
		{ClusterID: "c9", ParticipantID: "p-carol", Participant: "Carol",
			Source: roster.SourceEnrollment, Similarity: 0.99},
	}
	second := NewResolver().Resolve(in)

	if first[0].SpeakerLabel != "Bob" || second[0].SpeakerLabel != "Bob" {
		t.Errorf("manual binding must survive re-run: first=%s second=%s",
			first[0].SpeakerLabel, second[0].SpeakerLabel)
	}
	if second[0].ResolutionPriority != PriorityManual {
		t.Errorf("expected priority 1 after re-run, got %d", second[0].ResolutionPriority)
	}
}

// TestNeedsReviewFlag привязка по имени помечается на подтверждение
func TestNeedsReviewFlag(t *testing.T) {
	in := baseInputs()
	in.Bindings[0].Source = roster.SourceNameExtraction

	got := NewResolver().Resolve(in)
	if !got[0].NeedsReview {
		t.Error("name-extraction resolution must set NeedsReview")
	}

	in.Bindings[0].Source = roster.SourceEnrollment
	got = NewResolver().Resolve(in)
	if got[0].NeedsReview {
		t.Error("enrollment resolution must not set NeedsReview")
	}
}

// TestBestSegmentSelection выбор сегмента: максимальное перекрытие,
// при равенстве — минимальное расстояние середин
func TestBestSegmentSelection(t *testing.T) {
	segments := []session.DiarizedSegment{
		seg("seg-a", 0, 500),
		seg("seg-b", 400, 1500),
	}

	u := utt("u1", 300, 1000)
	// Перекрытия: seg-a = 200ms, seg-b = 600ms -> seg-b
	if got := bestSegment(u, segments); got == nil || got.ID != "seg-b" {
		t.Errorf("expected seg-b by overlap, got %v", got)
	}

	// Равные перекрытия: решает расстояние середин
	tieSegments := []session.DiarizedSegment{
		seg("seg-far", 0, 400),     // Середина 200, до реплики 150
		seg("seg-near", 250, 650),  // Середина 450, до реплики 100
		seg("seg-other", 900, 950), // Не пересекается
	}
	u2 := utt("u2", 300, 400) // Перекрытие 100 с обоими, середина 350
	if got := bestSegment(u2, tieSegments); got == nil || got.ID != "seg-near" {
		t.Errorf("expected seg-near by midpoint distance, got %v", got)
	}

	// Нет пересечений
	u3 := utt("u3", 5000, 6000)
	if got := bestSegment(u3, segments); got != nil {
		t.Errorf("expected nil for non-overlapping utterance, got %v", got)
	}
}

// TestEmptyCacheFallback без кластерных данных все реплики размечаются
// приоритетами 4-7
func TestEmptyCacheFallback(t *testing.T) {
	in := Inputs{
		Utterances: []session.Utterance{
			utt("u1", 0, 1000),
			utt("u2", 1000, 2000),
			utt("u3", 2000, 3000),
		},
		Segments: []session.DiarizedSegment{
			seg("seg-1", 0, 1000),
			seg("seg-2", 1000, 2000),
		},
		WindowEnrollment: map[string]WindowMatch{
			"seg-1": {Participant: "Alice", Similarity: 0.8},
		},
		ExternalLabels: map[string]string{"seg-2": "Speaker 1"},
	}

	got := NewResolver().Resolve(in)
	for _, u := range got {
		if u.SpeakerLabel == "" {
			t.Errorf("utterance %s unlabeled", u.ID)
		}
		if u.ResolutionPriority < PriorityWindowEnroll {
			t.Errorf("utterance %s: unexpected priority %d without cluster data", u.ID, u.ResolutionPriority)
		}
	}
	if got[0].SpeakerLabel != "Alice" || got[0].ResolutionPriority != PriorityWindowEnroll {
		t.Errorf("u1: %+v", got[0])
	}
	if got[1].SpeakerLabel != "Speaker 1" || got[1].ResolutionPriority != PriorityExternalDiarizer {
		t.Errorf("u2: %+v", got[1])
	}
	if got[2].SpeakerLabel != UnknownLabel || got[2].ResolutionPriority != PriorityUnknown {
		t.Errorf("u3: %+v", got[2])
	}
}

// TestDuplicateParticipantBindings участник с двумя кластерами:
// остаётся привязка с большей уверенностью, без ошибки
func TestDuplicateParticipantBindings(t *testing.T) {
	in := Inputs{
		Utterances: []session.Utterance{
			utt("u1", 0, 1000),
			utt("u2", 1000, 2000),
		},
		Segments: []session.DiarizedSegment{
			seg("seg-1", 0, 1000),
			seg("seg-2", 1000, 2000),
		},
		Assignments: map[string]string{"seg-1": "c1", "seg-2": "c2"},
		Bindings: []roster.Binding{
			{ClusterID: "c1", ParticipantID: "p-alice", Participant: "Alice",
				Source: roster.SourceEnrollment, Similarity: 0.95},
			{ClusterID: "c2", ParticipantID: "p-alice", Participant: "Alice",
				Source: roster.SourceEnrollment, Similarity: 0.7},
		},
	}

	got := NewResolver().Resolve(in)
	if got[0].SpeakerLabel != "Alice" || got[0].ResolutionPriority != PriorityClusterEnroll {
		t.Errorf("u1: %+v", got[0])
	}
	// c2 потерял привязку — u2 падает на unknown
	if got[1].SpeakerLabel != UnknownLabel {
		t.Errorf("u2: expected %s after conflict resolution, got %s", UnknownLabel, got[1].SpeakerLabel)
	}
}

// TestLatestManualBindingWins при нескольких ручных привязках одной
// цели действует последняя по времени
func TestLatestManualBindingWins(t *testing.T) {
	now := time.Now()
	in := baseInputs()
	in.Manual = []session.ManualBinding{
		{ID: "m1", TargetID: "u1", Participant: "Bob", CreatedAt: now.Add(-time.Hour)},
		{ID: "m2", TargetID: "u1", Participant: "Carol", CreatedAt: now},
	}

	got := NewResolver().Resolve(in)
	if got[0].SpeakerLabel != "Carol" {
		t.Errorf("expected latest manual binding Carol, got %s", got[0].SpeakerLabel)
	}
}
