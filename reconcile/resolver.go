// Package reconcile выполняет согласование спикеров: детерминированно
// назначает каждой реплике финальную метку участника по строгой
// цепочке из семи приоритетов
package reconcile

import (
	"log"
	"sort"

	"meetscribe/roster"
	"meetscribe/session"
)

// Приоритеты разрешения. ResolutionPriority реплики всегда равен
// наименьшему сработавшему правилу.
const (
	PriorityManual           = 1 // Ручная привязка реплики или её кластера
	PriorityClusterEnroll    = 2 // Кластер привязан по эталону
	PriorityClusterName      = 3 // Кластер привязан по извлечённому имени
	PriorityWindowEnroll     = 4 // Legacy: пооконный матч с эталоном
	PriorityWindowName       = 5 // Legacy: пооконное извлечение имени
	PriorityExternalDiarizer = 6 // Внешний грубый сигнал диаризации
	PriorityUnknown          = 7 // Ничего не подошло
)

// UnknownLabel метка реплики, для которой не нашлось спикера
const UnknownLabel = "_unknown"

// Уровни уверенности по приоритетам
const (
	confidenceManual        = 1.0
	confidenceClusterEnroll = 0.9
	confidenceClusterName   = 0.7
	confidenceWindowEnroll  = 0.6
	confidenceWindowName    = 0.45
	confidenceExternal      = 0.0 // Метка есть, уверенность неизвестна
)

// WindowMatch legacy-сигнал пооконного сопоставления сегмента
type WindowMatch struct {
	Participant string
	Similarity  float64
}

// Inputs входы одного прогона согласования
type Inputs struct {
	Utterances []session.Utterance
	Segments   []session.DiarizedSegment

	// Assignments segmentID -> clusterID. Пустая карта означает
	// деградацию кластеризации: работают только приоритеты 4-7.
	Assignments map[string]string

	// Bindings привязки кластеров к участникам от roster mapper
	Bindings []roster.Binding

	// Manual append-only лог ручных привязок. Реплеится первым
	// при каждом прогоне, включая Tier-2.
	Manual []session.ManualBinding

	// WindowEnrollment segmentID -> legacy матч с эталоном
	WindowEnrollment map[string]WindowMatch
	// WindowNames segmentID -> legacy извлечённое имя
	WindowNames map[string]roster.NameCandidate
	// ExternalLabels segmentID -> метка внешнего грубого диаризатора
	ExternalLabels map[string]string
}

// Resolver назначает финальные метки спикеров
type Resolver struct{}

// NewResolver создаёт резолвер
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve возвращает реплики с проставленными SpeakerLabel,
// ResolutionPriority и Confidence. Вход не мутируется.
func (r *Resolver) Resolve(in Inputs) []session.Utterance {
	clusterBindings := sanitizeBindings(in.Bindings)

	// Ручные привязки: последняя по времени для каждой цели побеждает
	manualByTarget := make(map[string]session.ManualBinding)
	for _, mb := range in.Manual {
		existing, ok := manualByTarget[mb.TargetID]
		if !ok || mb.CreatedAt.After(existing.CreatedAt) {
			manualByTarget[mb.TargetID] = mb
		}
	}

	out := make([]session.Utterance, len(in.Utterances))
	for i, utt := range in.Utterances {
		out[i] = r.resolveOne(utt, in, clusterBindings, manualByTarget)
	}
	return out
}

// resolveOne применяет цепочку приоритетов к одной реплике
func (r *Resolver) resolveOne(utt session.Utterance, in Inputs,
	bindings map[string]roster.Binding, manual map[string]session.ManualBinding) session.Utterance {

	utt.NeedsReview = false

	seg := bestSegment(utt, in.Segments)
	clusterID := ""
	if seg != nil {
		clusterID = in.Assignments[seg.ID]
	}

	// 1. Ручная привязка реплики или её кластера — всегда побеждает
	if mb, ok := manual[utt.ID]; ok {
		return labeled(utt, mb.Participant, PriorityManual, confidenceManual)
	}
	if clusterID != "" {
		if mb, ok := manual[clusterID]; ok {
			return labeled(utt, mb.Participant, PriorityManual, confidenceManual)
		}
	}

	// 2/3. Кластерные привязки
	if clusterID != "" {
		if b, ok := bindings[clusterID]; ok {
			switch b.Source {
			case roster.SourceEnrollment:
				return labeled(utt, b.Participant, PriorityClusterEnroll, confidenceClusterEnroll)
			case roster.SourceNameExtraction:
				resolved := labeled(utt, b.Participant, PriorityClusterName, confidenceClusterName)
				resolved.NeedsReview = true // Желательно подтверждение человеком
				return resolved
			}
		}
	}

	// 4/5/6. Legacy пооконные сигналы
	if seg != nil {
		if match, ok := in.WindowEnrollment[seg.ID]; ok && match.Participant != "" {
			return labeled(utt, match.Participant, PriorityWindowEnroll, confidenceWindowEnroll)
		}
		if candidate, ok := in.WindowNames[seg.ID]; ok && candidate.Name != "" {
			return labeled(utt, candidate.Name, PriorityWindowName, confidenceWindowName)
		}
		if label, ok := in.ExternalLabels[seg.ID]; ok && label != "" {
			return labeled(utt, label, PriorityExternalDiarizer, confidenceExternal)
		}
	}

	// 7. Ничего не подошло
	return labeled(utt, UnknownLabel, PriorityUnknown, 0)
}

func labeled(utt session.Utterance, speaker string, priority int, confidence float64) session.Utterance {
	utt.SpeakerLabel = speaker
	utt.ResolutionPriority = priority
	utt.Confidence = confidence
	return utt
}

// bestSegment выбирает сегмент с максимальным временным перекрытием.
// При равенстве — с минимальным расстоянием между серединами;
// дальше — с меньшим ID (детерминизм).
func bestSegment(utt session.Utterance, segments []session.DiarizedSegment) *session.DiarizedSegment {
	var best *session.DiarizedSegment
	var bestOverlap int64 = -1
	var bestMidDist int64

	uttMid := (utt.StartMs + utt.EndMs) / 2

	for i := range segments {
		seg := &segments[i]
		overlap := overlapMs(utt.StartMs, utt.EndMs, seg.StartMs, seg.EndMs)
		if overlap <= 0 {
			continue
		}

		midDist := absInt64((seg.StartMs+seg.EndMs)/2 - uttMid)
		switch {
		case overlap > bestOverlap:
			best, bestOverlap, bestMidDist = seg, overlap, midDist
		case overlap == bestOverlap:
			if midDist < bestMidDist || (midDist == bestMidDist && seg.ID < best.ID) {
				best, bestMidDist = seg, midDist
			}
		}
	}
	return best
}

func overlapMs(aStart, aEnd, bStart, bEnd int64) int64 {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if end <= start {
		return 0
	}
	return end - start
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// sanitizeBindings устраняет нарушения уникальности: участник не может
// владеть двумя кластерами в одном прогоне. Конфликт разрешается в
// пользу привязки с большей уверенностью (при равенстве — более ранний
// clusterID) и логируется, а не поднимается как ошибка.
func sanitizeBindings(bindings []roster.Binding) map[string]roster.Binding {
	ordered := make([]roster.Binding, len(bindings))
	copy(ordered, bindings)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Similarity != ordered[j].Similarity {
			return ordered[i].Similarity > ordered[j].Similarity
		}
		return ordered[i].ClusterID < ordered[j].ClusterID
	})

	byCluster := make(map[string]roster.Binding, len(ordered))
	claimed := make(map[string]string) // participant -> clusterID

	for _, b := range ordered {
		key := b.ParticipantID
		if key == "" {
			key = b.Participant
		}
		if prev, ok := claimed[key]; ok {
			log.Printf("[Reconcile] Binding conflict: %s owns clusters %s and %s, keeping %s",
				b.Participant, prev, b.ClusterID, prev)
			continue
		}
		claimed[key] = b.ClusterID
		byCluster[b.ClusterID] = b
	}
	return byCluster
}
