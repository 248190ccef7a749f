package roster

import (
	"math"
	"testing"

	"meetscribe/cluster"
)

func unitVec(dim, dir int) []float32 {
	v := make([]float32, dim)
	v[dir] = 1.0
	return v
}

// mixVec возвращает нормированную смесь двух направлений:
// cos-сходство с dir1 равно w1
func mixVec(dim, dir1, dir2 int, w1 float64) []float32 {
	v := make([]float32, dim)
	v[dir1] = float32(w1)
	v[dir2] = float32(math.Sqrt(1 - w1*w1))
	return v
}

func testParticipants() []Participant {
	return []Participant{
		{ID: "p-alice", Name: "Alice", Embedding: unitVec(8, 0)},
		{ID: "p-bob", Name: "Bob", Embedding: unitVec(8, 1)},
	}
}

func clusterResult(centroids map[string][]float32) *cluster.Result {
	r := &cluster.Result{
		Clusters:    map[string][]string{},
		Centroids:   centroids,
		Assignments: map[string]string{},
	}
	for id := range centroids {
		r.Clusters[id] = []string{id + "-seg"}
	}
	return r
}

// TestMapperEnrollmentBinding привязка по эталону при высоком сходстве
func TestMapperEnrollmentBinding(t *testing.T) {
	m := NewMapper()

	result := clusterResult(map[string][]float32{
		"c1": mixVec(8, 0, 7, 0.9), // Близко к Alice
		"c2": mixVec(8, 1, 7, 0.9), // Близко к Bob
	})

	bindings := m.Map(result, testParticipants(), nil)
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %v", bindings)
	}

	byCluster := map[string]Binding{}
	for _, b := range bindings {
		byCluster[b.ClusterID] = b
	}
	if byCluster["c1"].Participant != "Alice" || byCluster["c1"].Source != SourceEnrollment {
		t.Errorf("c1: unexpected binding %+v", byCluster["c1"])
	}
	if byCluster["c2"].Participant != "Bob" {
		t.Errorf("c2: unexpected binding %+v", byCluster["c2"])
	}
}

// TestMapperConflictHigherSimilarityWins при конфликте за одного
// участника побеждает кластер с большим сходством
func TestMapperConflictHigherSimilarityWins(t *testing.T) {
	m := NewMapper()

	result := clusterResult(map[string][]float32{
		"c1": mixVec(8, 0, 7, 0.95), // Сильный матч с Alice
		"c2": mixVec(8, 0, 6, 0.88), // Выше порога, но слабее
	})

	bindings := m.Map(result, testParticipants()[:1], nil)
	if len(bindings) != 1 {
		t.Fatalf("expected 1 binding, got %v", bindings)
	}
	if bindings[0].ClusterID != "c1" || bindings[0].Participant != "Alice" {
		t.Errorf("expected c1->Alice, got %+v", bindings[0])
	}
}

// TestMapperConflictLoserFallsThroughToName проигравший кластер
// привязывается по извлечённому имени
func TestMapperConflictLoserFallsThroughToName(t *testing.T) {
	m := NewMapper()

	result := clusterResult(map[string][]float32{
		"c1": mixVec(8, 0, 7, 0.95),
		"c2": mixVec(8, 0, 6, 0.88),
	})
	mentions := map[string][]NameCandidate{
		"c2": {{Name: "Bob", Confidence: 0.9}},
	}

	bindings := m.Map(result, testParticipants(), mentions)
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %v", bindings)
	}

	byCluster := map[string]Binding{}
	for _, b := range bindings {
		byCluster[b.ClusterID] = b
	}
	if byCluster["c1"].Source != SourceEnrollment || byCluster["c1"].Participant != "Alice" {
		t.Errorf("c1: %+v", byCluster["c1"])
	}
	if byCluster["c2"].Source != SourceNameExtraction || byCluster["c2"].Participant != "Bob" {
		t.Errorf("c2: %+v", byCluster["c2"])
	}
}

// TestMapperBelowThresholdUnbound сходство ниже высокого порога
// не привязывает, даже если оно прошло бы legacy порог
func TestMapperBelowThresholdUnbound(t *testing.T) {
	m := NewMapper()

	for _, sim := range []float64{0.3, 0.7} {
		result := clusterResult(map[string][]float32{
			"c1": mixVec(8, 0, 7, sim),
		})

		bindings := m.Map(result, testParticipants(), nil)
		if len(bindings) != 0 {
			t.Errorf("sim=%.2f: expected no bindings below threshold, got %v", sim, bindings)
		}
	}
}

// TestMapperNameAlreadyBoundParticipant имя уже привязанного участника
// не создаёт вторую привязку
func TestMapperNameAlreadyBoundParticipant(t *testing.T) {
	m := NewMapper()

	result := clusterResult(map[string][]float32{
		"c1": mixVec(8, 0, 7, 0.95),
		"c2": unitVec(8, 5),
	})
	mentions := map[string][]NameCandidate{
		"c2": {{Name: "Alice", Confidence: 0.95}},
	}

	bindings := m.Map(result, testParticipants()[:1], mentions)
	if len(bindings) != 1 {
		t.Fatalf("expected 1 binding, got %v", bindings)
	}
	if bindings[0].ClusterID != "c1" {
		t.Errorf("expected only c1 bound, got %+v", bindings[0])
	}
}

// TestMapperEmptyResult пустой результат кластеризации
func TestMapperEmptyResult(t *testing.T) {
	m := NewMapper()
	if got := m.Map(nil, testParticipants(), nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := m.Map(clusterResult(map[string][]float32{}), testParticipants(), nil); got != nil {
		t.Errorf("expected nil for empty clusters, got %v", got)
	}
}
