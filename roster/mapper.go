package roster

import (
	"log"
	"sort"
	"strings"

	"meetscribe/cluster"
)

// Mapper привязывает глобальные кластеры к участникам ростера
type Mapper struct {
	threshold float64 // Минимальное сходство для привязки по эталону
}

// NewMapper создаёт mapper с высоким порогом: привязка кластера
// к эталону требует большего сходства, чем legacy пооконный матч
func NewMapper() *Mapper {
	return &Mapper{threshold: EnrollmentThresholdHigh}
}

// NewMapperWithThreshold создаёт mapper с заданным порогом
func NewMapperWithThreshold(threshold float64) *Mapper {
	if threshold <= 0 {
		threshold = EnrollmentThresholdHigh
	}
	return &Mapper{threshold: threshold}
}

// scoredPair кандидат привязки кластер-участник по эталону
type scoredPair struct {
	clusterID  string
	idx        int // Индекс участника
	similarity float64
}

// Map привязывает кластеры к участникам.
// Порядок правил для каждого кластера:
//  1. Взаимно-лучшее совпадение центроида с незанятым эталоном выше
//     порога -> source=enrollment.
//  2. Имя, извлечённое из реплик кластера, однозначно указывает на
//     ещё не привязанного участника -> source=name_extraction.
//  3. Кластер остаётся без привязки.
//
// Участник привязывается максимум к одному кластеру: при конфликте
// побеждает большее сходство, проигравший кластер падает на правило 2.
func (m *Mapper) Map(result *cluster.Result, participants []Participant,
	mentions map[string][]NameCandidate) []Binding {

	if result == nil || len(result.Clusters) == 0 {
		return nil
	}

	clusterIDs := make([]string, 0, len(result.Clusters))
	for id := range result.Clusters {
		clusterIDs = append(clusterIDs, id)
	}
	sort.Strings(clusterIDs)

	// Все пары (кластер, участник) выше порога
	var pairs []scoredPair
	for _, cid := range clusterIDs {
		cent := result.Centroids[cid]
		if len(cent) == 0 {
			continue
		}
		for pi := range participants {
			if len(participants[pi].Embedding) == 0 {
				continue
			}
			sim := cluster.CosineSimilarity(cent, participants[pi].Embedding)
			if sim >= m.threshold {
				pairs = append(pairs, scoredPair{clusterID: cid, idx: pi, similarity: sim})
			}
		}
	}

	// Жадный выбор взаимно-лучших пар: глобально лучшая пара всегда
	// взаимно-лучшая среди оставшихся. Порядок стабилен: при равном
	// сходстве раньше идёт меньший clusterID.
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].similarity != pairs[j].similarity {
			return pairs[i].similarity > pairs[j].similarity
		}
		if pairs[i].clusterID != pairs[j].clusterID {
			return pairs[i].clusterID < pairs[j].clusterID
		}
		return participants[pairs[i].idx].ID < participants[pairs[j].idx].ID
	})

	boundClusters := make(map[string]bool)
	boundParticipants := make(map[string]bool)
	var bindings []Binding

	for _, p := range pairs {
		participant := participants[p.idx]
		if boundClusters[p.clusterID] {
			continue
		}
		if boundParticipants[participant.ID] {
			// Конфликт: участник уже взят более похожим кластером
			log.Printf("[Roster] Binding conflict: participant %s already bound, cluster %s (sim=%.3f) falls through",
				participant.Name, p.clusterID, p.similarity)
			continue
		}

		bindings = append(bindings, Binding{
			ClusterID:     p.clusterID,
			ParticipantID: participant.ID,
			Participant:   participant.Name,
			Source:        SourceEnrollment,
			Similarity:    p.similarity,
		})
		boundClusters[p.clusterID] = true
		boundParticipants[participant.ID] = true
	}

	// Правило 2: извлечённые имена для непривязанных кластеров
	for _, cid := range clusterIDs {
		if boundClusters[cid] {
			continue
		}
		for _, candidate := range mentions[cid] {
			participant := findByName(participants, candidate.Name)
			if participant == nil || boundParticipants[participant.ID] {
				continue
			}

			bindings = append(bindings, Binding{
				ClusterID:     cid,
				ParticipantID: participant.ID,
				Participant:   participant.Name,
				Source:        SourceNameExtraction,
				Similarity:    candidate.Confidence,
			})
			boundClusters[cid] = true
			boundParticipants[participant.ID] = true
			log.Printf("[Roster] Cluster %s bound to %s via name extraction (conf=%.2f)",
				cid, participant.Name, candidate.Confidence)
			break
		}
	}

	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].ClusterID < bindings[j].ClusterID
	})
	return bindings
}

// findByName ищет участника по нормализованному имени.
// Возвращает nil если совпадение неоднозначно или отсутствует.
func findByName(participants []Participant, name string) *Participant {
	var found *Participant
	for i := range participants {
		if strings.EqualFold(participants[i].Name, name) {
			if found != nil {
				return nil // Неоднозначно
			}
			found = &participants[i]
		}
	}
	return found
}
