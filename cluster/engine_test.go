package cluster

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"meetscribe/embedding"
)

// makeVector строит 512-мерный вектор вокруг базового направления dir
// с заданной степенью отклонения
func makeVector(dir int, jitter float64, seed int) []float32 {
	vec := make([]float32, 512)
	vec[dir] = 1.0
	// Детерминированный "шум" от seed
	for i := 0; i < 8; i++ {
		idx := (dir + 31*(seed+1)*(i+1)) % 512
		if idx == dir {
			idx = (idx + 1) % 512
		}
		vec[idx] = float32(jitter / 8.0)
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func entry(id string, vec []float32) embedding.CachedEmbedding {
	return embedding.CachedEmbedding{SegmentID: id, Vector: vec, EndMs: 1000}
}

// pairVectors возвращает четыре вектора: внутри пары сходство ~0.95,
// между парами ~0.5
func pairVectors(t *testing.T) []embedding.CachedEmbedding {
	t.Helper()

	a1 := normalize([]float32{1, 0, 0, 0})
	a2 := normalize([]float32{0.95, float32(math.Sqrt(1 - 0.95*0.95)), 0, 0})
	b1 := normalize([]float32{0.5, 0, float32(math.Sqrt(1 - 0.5*0.5)), 0})
	// b2: сходство с b1 ~0.95, с парой a ~0.5
	b2 := normalize([]float32{0.5, 0, 0.82, 0.27})

	pad := func(v []float32) []float32 {
		out := make([]float32, 512)
		copy(out, v)
		return out
	}
	return []embedding.CachedEmbedding{
		entry("seg-a1", pad(a1)),
		entry("seg-a2", pad(a2)),
		entry("seg-b1", pad(b1)),
		entry("seg-b2", pad(b2)),
	}
}

// TestClusterTwoPairs сценарий: две пары с внутрипарным сходством 0.95
// и межпарным ~0.5, порог 0.3 -> ровно 2 кластера по 2 сегмента
func TestClusterTwoPairs(t *testing.T) {
	engine := NewEngine(DefaultParams())

	result, err := engine.Cluster(pairVectors(t))
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	if len(result.Clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d: %v", len(result.Clusters), result.Clusters)
	}
	for id, members := range result.Clusters {
		if len(members) != 2 {
			t.Errorf("cluster %s: expected 2 members, got %v", id, members)
		}
	}
	if result.Assignments["seg-a1"] != result.Assignments["seg-a2"] {
		t.Error("seg-a1 and seg-a2 must share a cluster")
	}
	if result.Assignments["seg-a1"] == result.Assignments["seg-b1"] {
		t.Error("pairs must not be merged")
	}
}

// TestClusterSimilarEmbeddings сценарий: 10 эмбеддингов с попарным
// сходством >0.9 -> один кластер при любом пороге из [0.1, 0.5]
func TestClusterSimilarEmbeddings(t *testing.T) {
	var entries []embedding.CachedEmbedding
	for i := 0; i < 10; i++ {
		entries = append(entries, entry(fmt.Sprintf("seg-%02d", i), makeVector(3, 0.25, i)))
	}

	for _, threshold := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		params := DefaultParams()
		params.DistanceThreshold = threshold
		result, err := NewEngine(params).Cluster(entries)
		if err != nil {
			t.Fatalf("threshold %.1f: %v", threshold, err)
		}
		if len(result.Clusters) != 1 {
			t.Errorf("threshold %.1f: expected 1 cluster, got %d", threshold, len(result.Clusters))
		}
		if got := len(result.Clusters["c1"]); got != 10 {
			t.Errorf("threshold %.1f: expected 10 members, got %d", threshold, got)
		}
	}
}

// TestClusterEmptyInput пустой вход -> пустой результат, confidence 0, без ошибки
func TestClusterEmptyInput(t *testing.T) {
	result, err := NewEngine(DefaultParams()).Cluster(nil)
	if err != nil {
		t.Fatalf("Cluster(nil): %v", err)
	}
	if len(result.Clusters) != 0 || len(result.Centroids) != 0 {
		t.Errorf("expected empty result, got %v", result.Clusters)
	}
	if result.Confidence != 0 {
		t.Errorf("expected confidence 0, got %f", result.Confidence)
	}
}

// TestClusterSingleInput один вход -> один кластер, confidence 1.0
func TestClusterSingleInput(t *testing.T) {
	result, err := NewEngine(DefaultParams()).Cluster(
		[]embedding.CachedEmbedding{entry("only", makeVector(0, 0, 0))})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(result.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(result.Clusters))
	}
	if result.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %f", result.Confidence)
	}
}

// TestClusterIdenticalVectors все векторы идентичны -> один кластер
func TestClusterIdenticalVectors(t *testing.T) {
	vec := makeVector(7, 0, 0)
	var entries []embedding.CachedEmbedding
	for i := 0; i < 5; i++ {
		entries = append(entries, entry(fmt.Sprintf("seg-%d", i), vec))
	}

	result, err := NewEngine(DefaultParams()).Cluster(entries)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(result.Clusters) != 1 {
		t.Errorf("expected 1 cluster, got %d", len(result.Clusters))
	}
}

// TestClusterDeterminism повторный прогон на том же входе даёт
// идентичное разбиение и идентичные центроиды
func TestClusterDeterminism(t *testing.T) {
	entries := pairVectors(t)
	// Добавляем группу идентичных векторов, чтобы задействовать tie-break
	same := makeVector(100, 0, 0)
	for i := 0; i < 4; i++ {
		entries = append(entries, entry(fmt.Sprintf("tie-%d", i), same))
	}

	engine := NewEngine(DefaultParams())
	first, err := engine.Cluster(entries)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	for run := 0; run < 5; run++ {
		again, err := engine.Cluster(entries)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if !reflect.DeepEqual(first.Clusters, again.Clusters) {
			t.Fatalf("run %d: partition differs:\n%v\nvs\n%v", run, first.Clusters, again.Clusters)
		}
		if !reflect.DeepEqual(first.Centroids, again.Centroids) {
			t.Fatalf("run %d: centroids differ", run)
		}
	}
}

// TestClusterTieBreakOrder при равных расстояниях первыми сливаются
// пары с меньшими segmentID
func TestClusterTieBreakOrder(t *testing.T) {
	// Три идентичных вектора: все попарные расстояния равны нулю.
	// Порядок слияния обязан быть (a, b), затем (+c) независимо от
	// порядка входа.
	vec := makeVector(5, 0, 0)
	orders := [][]string{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "a", "c"},
	}

	var partitions []map[string][]string
	for _, order := range orders {
		var entries []embedding.CachedEmbedding
		for _, id := range order {
			entries = append(entries, entry(id, vec))
		}
		result, err := NewEngine(DefaultParams()).Cluster(entries)
		if err != nil {
			t.Fatalf("order %v: %v", order, err)
		}
		partitions = append(partitions, result.Clusters)
	}

	for i := 1; i < len(partitions); i++ {
		if !reflect.DeepEqual(partitions[0], partitions[i]) {
			t.Errorf("partition depends on input order:\n%v\nvs\n%v", partitions[0], partitions[i])
		}
	}
}

// TestClusterMaxClusters слияние останавливает первое из двух условий:
// предел числа кластеров или порог расстояния
func TestClusterMaxClusters(t *testing.T) {
	var entries []embedding.CachedEmbedding
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(fmt.Sprintf("seg-%d", i), makeVector(i*20, 0.1, i)))
	}

	// Порог 2.0 сливал бы всё в один кластер — предел срабатывает раньше
	params := DefaultParams()
	params.MaxClusters = 2
	params.DistanceThreshold = 2.0
	result, err := NewEngine(params).Cluster(entries)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(result.Clusters) != 2 {
		t.Errorf("expected exactly 2 clusters at the cap, got %d", len(result.Clusters))
	}

	// Ортогональные направления: порог срабатывает раньше предела,
	// непохожие кластеры не досливаются принудительно
	params.DistanceThreshold = 0.05
	result, err = NewEngine(params).Cluster(entries)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(result.Clusters) != 6 {
		t.Errorf("threshold must stop merging before the cap, got %d clusters", len(result.Clusters))
	}
}

// TestClusterLinkages все три linkage дают один кластер на плотной группе
func TestClusterLinkages(t *testing.T) {
	var entries []embedding.CachedEmbedding
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(fmt.Sprintf("seg-%d", i), makeVector(9, 0.2, i)))
	}

	for _, linkage := range []Linkage{LinkageAverage, LinkageComplete, LinkageSingle} {
		params := DefaultParams()
		params.Linkage = linkage
		result, err := NewEngine(params).Cluster(entries)
		if err != nil {
			t.Fatalf("linkage %s: %v", linkage, err)
		}
		if len(result.Clusters) != 1 {
			t.Errorf("linkage %s: expected 1 cluster, got %d", linkage, len(result.Clusters))
		}
	}
}

// TestClusterCentroidNormalized центроид нормирован по L2
func TestClusterCentroidNormalized(t *testing.T) {
	result, err := NewEngine(DefaultParams()).Cluster(pairVectors(t))
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	for id, c := range result.Centroids {
		var sum float64
		for _, v := range c {
			sum += float64(v) * float64(v)
		}
		if math.Abs(math.Sqrt(sum)-1.0) > 1e-5 {
			t.Errorf("centroid %s not L2-normalized: norm=%f", id, math.Sqrt(sum))
		}
	}
}

// TestCosineSimilarity базовые свойства косинусного сходства
func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	if got := CosineSimilarity(a, a); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("identical vectors: expected 1.0, got %f", got)
	}
	if got := CosineSimilarity(a, b); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: expected 0, got %f", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("dimension mismatch: expected 0, got %f", got)
	}
}
