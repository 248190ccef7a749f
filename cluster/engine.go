// Package cluster предоставляет глобальную кластеризацию голосовых
// эмбеддингов сессии: группировка сегментов одного спикера в
// согласованные на всю сессию кластеры
package cluster

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"meetscribe/embedding"
)

// Linkage метод связывания при агломеративной кластеризации
type Linkage string

const (
	LinkageAverage  Linkage = "average"
	LinkageComplete Linkage = "complete"
	LinkageSingle   Linkage = "single"
)

const (
	// DefaultDistanceThreshold порог косинусного расстояния для слияния
	DefaultDistanceThreshold = 0.3
)

// Params параметры кластеризации
type Params struct {
	DistanceThreshold float64 // Порог остановки слияния (по умолчанию 0.3)
	Linkage           Linkage // average | complete | single
	MinClusterSize    int     // Кластеры меньше отбрасываются (по умолчанию 1)
	MaxClusters       int     // 0 = без ограничения
}

// DefaultParams возвращает параметры по умолчанию
func DefaultParams() Params {
	return Params{
		DistanceThreshold: DefaultDistanceThreshold,
		Linkage:           LinkageAverage,
		MinClusterSize:    1,
		MaxClusters:       0,
	}
}

// Result результат одного прогона кластеризации.
// Неизменяем после создания; не персистится (Tier-2 пересчитывает заново).
type Result struct {
	Clusters    map[string][]string  // clusterID -> segmentIDs (отсортированы)
	Centroids   map[string][]float32 // clusterID -> L2-нормированный центроид
	Assignments map[string]string    // segmentID -> clusterID
	Confidence  float64              // [0,1]
	Elapsed     time.Duration
}

// agglomCluster рабочее состояние одного кластера в процессе слияния
type agglomCluster struct {
	members []int  // индексы эмбеддингов
	leader  string // минимальный segmentID (для детерминированного tie-break)
	size    int
	active  bool
}

// Engine выполняет иерархическую агломеративную кластеризацию
// по матрице попарных косинусных расстояний
type Engine struct {
	params Params
}

// NewEngine создаёт движок кластеризации
func NewEngine(params Params) *Engine {
	if params.DistanceThreshold <= 0 {
		params.DistanceThreshold = DefaultDistanceThreshold
	}
	if params.Linkage == "" {
		params.Linkage = LinkageAverage
	}
	if params.MinClusterSize < 1 {
		params.MinClusterSize = 1
	}
	return &Engine{params: params}
}

// Cluster группирует эмбеддинги в глобальные кластеры спикеров.
// Контракт детерминизма: одинаковый вход и параметры всегда дают
// одинаковое разбиение. При равных минимальных расстояниях сливается
// пара с лексикографически меньшими segmentID лидеров
// (сначала меньший, затем второй).
func (e *Engine) Cluster(entries []embedding.CachedEmbedding) (*Result, error) {
	started := time.Now()
	n := len(entries)

	if n == 0 {
		return &Result{
			Clusters:    map[string][]string{},
			Centroids:   map[string][]float32{},
			Assignments: map[string]string{},
			Confidence:  0,
			Elapsed:     time.Since(started),
		}, nil
	}

	vectors := make([][]float64, n)
	dim := len(entries[0].Vector)
	for i, entry := range entries {
		if len(entry.Vector) != dim {
			return nil, fmt.Errorf("embedding dimension mismatch: segment %s has %d, expected %d",
				entry.SegmentID, len(entry.Vector), dim)
		}
		vectors[i] = toFloat64(entry.Vector)
	}

	// Матрица попарных косинусных расстояний (O(n^2))
	base := make([][]float64, n)
	for i := 0; i < n; i++ {
		base[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := cosineDistance(vectors[i], vectors[j])
			base[i][j] = d
			base[j][i] = d
		}
	}

	clusters := make([]*agglomCluster, n)
	for i := 0; i < n; i++ {
		clusters[i] = &agglomCluster{
			members: []int{i},
			leader:  entries[i].SegmentID,
			size:    1,
			active:  true,
		}
	}

	// dist[i][j] — текущее linkage-расстояние между кластерами i и j.
	// Обновляется по формулам Ланса-Уильямса, чтобы не пересчитывать
	// пары членов на каждом шаге.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		copy(dist[i], base[i])
	}

	// Слияние останавливает первое из двух условий: минимальное
	// расстояние превысило порог либо кластеров осталось MaxClusters.
	activeCount := n
	for activeCount > 1 {
		if e.params.MaxClusters > 0 && activeCount <= e.params.MaxClusters {
			break
		}

		ai, aj, minDist := e.pickMergePair(clusters, dist)
		if ai < 0 {
			break
		}
		if minDist > e.params.DistanceThreshold {
			break
		}

		e.merge(clusters, dist, ai, aj)
		activeCount--
	}

	result := e.buildResult(entries, vectors, base, clusters)
	result.Elapsed = time.Since(started)

	log.Printf("[Cluster] %d embeddings -> %d clusters (threshold=%.2f, linkage=%s, confidence=%.2f, %v)",
		n, len(result.Clusters), e.params.DistanceThreshold, e.params.Linkage, result.Confidence, result.Elapsed)
	return result, nil
}

// pickMergePair возвращает пару активных кластеров с минимальным
// расстоянием. При равенстве выбирается пара с меньшими segmentID
// лидеров — это фиксирует порядок слияния.
func (e *Engine) pickMergePair(clusters []*agglomCluster, dist [][]float64) (int, int, float64) {
	const eps = 1e-12

	best := -1
	bestJ := -1
	minDist := math.Inf(1)

	for i := 0; i < len(clusters); i++ {
		if !clusters[i].active {
			continue
		}
		for j := i + 1; j < len(clusters); j++ {
			if !clusters[j].active {
				continue
			}
			d := dist[i][j]
			switch {
			case d < minDist-eps:
				minDist = d
				best, bestJ = i, j
			case math.Abs(d-minDist) <= eps:
				// Tie-break: сравниваем лидеров пар
				if pairLess(clusters[i].leader, clusters[j].leader,
					clusters[best].leader, clusters[bestJ].leader) {
					best, bestJ = i, j
				}
			}
		}
	}
	return best, bestJ, minDist
}

// pairLess сравнивает две пары лидеров: сначала меньший в паре, затем второй
func pairLess(a1, a2, b1, b2 string) bool {
	if a2 < a1 {
		a1, a2 = a2, a1
	}
	if b2 < b1 {
		b1, b2 = b2, b1
	}
	if a1 != b1 {
		return a1 < b1
	}
	return a2 < b2
}

// merge сливает кластер j в кластер i и обновляет расстояния
func (e *Engine) merge(clusters []*agglomCluster, dist [][]float64, i, j int) {
	ci, cj := clusters[i], clusters[j]

	for k := 0; k < len(clusters); k++ {
		if !clusters[k].active || k == i || k == j {
			continue
		}
		var d float64
		switch e.params.Linkage {
		case LinkageComplete:
			d = math.Max(dist[k][i], dist[k][j])
		case LinkageSingle:
			d = math.Min(dist[k][i], dist[k][j])
		default: // average
			ni, nj := float64(ci.size), float64(cj.size)
			d = (ni*dist[k][i] + nj*dist[k][j]) / (ni + nj)
		}
		dist[k][i] = d
		dist[i][k] = d
	}

	ci.members = append(ci.members, cj.members...)
	ci.size += cj.size
	if cj.leader < ci.leader {
		ci.leader = cj.leader
	}
	cj.active = false
	cj.members = nil
}

// buildResult формирует итоговое разбиение: стабильные ID кластеров,
// центроиды и интегральный confidence
func (e *Engine) buildResult(entries []embedding.CachedEmbedding, vectors [][]float64,
	base [][]float64, clusters []*agglomCluster) *Result {

	var final []*agglomCluster
	for _, c := range clusters {
		if !c.active {
			continue
		}
		if len(c.members) < e.params.MinClusterSize {
			continue
		}
		final = append(final, c)
	}

	// ID кластеров назначаются по порядку лидеров — переименование
	// стабильно между прогонами
	sort.Slice(final, func(a, b int) bool {
		return final[a].leader < final[b].leader
	})

	result := &Result{
		Clusters:    make(map[string][]string, len(final)),
		Centroids:   make(map[string][]float32, len(final)),
		Assignments: make(map[string]string),
	}

	for idx, c := range final {
		clusterID := fmt.Sprintf("c%d", idx+1)

		segIDs := make([]string, 0, len(c.members))
		for _, m := range c.members {
			segIDs = append(segIDs, entries[m].SegmentID)
			result.Assignments[entries[m].SegmentID] = clusterID
		}
		sort.Strings(segIDs)
		result.Clusters[clusterID] = segIDs
		result.Centroids[clusterID] = centroid(vectors, c.members)
	}

	result.Confidence = e.confidence(vectors, base, final)
	return result
}

// centroid возвращает L2-нормированное среднее векторов кластера
func centroid(vectors [][]float64, members []int) []float32 {
	if len(members) == 0 {
		return nil
	}
	dim := len(vectors[members[0]])
	mean := make([]float64, dim)
	for _, m := range members {
		floats.Add(mean, vectors[m])
	}
	floats.Scale(1.0/float64(len(members)), mean)

	norm := floats.Norm(mean, 2)
	if norm > 0 {
		floats.Scale(1.0/norm, mean)
	}

	out := make([]float32, dim)
	for i, v := range mean {
		out[i] = float32(v)
	}
	return out
}

// confidence объединяет среднее внутрикластерное сходство и среднюю
// межкластерную разделённость в один скаляр [0,1].
// 0 входов -> 0, 1 вход -> 1.0.
func (e *Engine) confidence(vectors [][]float64, base [][]float64, final []*agglomCluster) float64 {
	total := 0
	for _, c := range final {
		total += len(c.members)
	}
	if total == 0 {
		return 0
	}
	if total == 1 {
		return 1.0
	}

	// Внутрикластерное сходство: среднее по всем парам внутри кластеров.
	// Одиночные кластеры считаются идеально когерентными.
	var intraSum float64
	var intraCount int
	for _, c := range final {
		if len(c.members) == 1 {
			intraSum += 1.0
			intraCount++
			continue
		}
		for a := 0; a < len(c.members); a++ {
			for b := a + 1; b < len(c.members); b++ {
				intraSum += 1.0 - base[c.members[a]][c.members[b]]
				intraCount++
			}
		}
	}
	intra := intraSum / float64(intraCount)

	if len(final) < 2 {
		return clamp01(intra)
	}

	// Межкластерная разделённость: среднее косинусное расстояние
	// между центроидами
	var interSum float64
	var interCount int
	cents := make([][]float64, len(final))
	for i, c := range final {
		cents[i] = toFloat64(centroid(vectors, c.members))
	}
	for i := 0; i < len(cents); i++ {
		for j := i + 1; j < len(cents); j++ {
			interSum += cosineDistance(cents[i], cents[j])
			interCount++
		}
	}
	separation := interSum / float64(interCount)
	if separation > 1.0 {
		separation = 1.0
	}

	return clamp01(0.5*intra + 0.5*separation)
}

// cosineDistance = 1 - cosine_similarity. Нулевые векторы дают
// максимальное расстояние 1.0.
func cosineDistance(a, b []float64) float64 {
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 1.0
	}

	sim := floats.Dot(a, b) / (normA * normB)
	if sim > 1.0 {
		sim = 1.0
	} else if sim < -1.0 {
		sim = -1.0
	}
	return 1.0 - sim
}

// CosineSimilarity косинусное сходство двух float32 векторов.
// Используется roster mapper'ом для сверки центроидов с эталонами.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return 1.0 - cosineDistance(toFloat64(a), toFloat64(b))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
