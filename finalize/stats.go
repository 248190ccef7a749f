package finalize

import (
	"sort"

	"meetscribe/session"
)

// BuildStats считает статистику по спикерам финального транскрипта:
// количество реплик, время речи и долю от общего времени.
// Спикеры отсортированы по убыванию времени речи.
func BuildStats(utterances []session.Utterance) []session.SpeakerStats {
	if len(utterances) == 0 {
		return nil
	}

	byName := make(map[string]*session.SpeakerStats)
	var totalMs int64

	for _, u := range utterances {
		dur := u.EndMs - u.StartMs
		if dur < 0 {
			dur = 0
		}
		totalMs += dur

		s, ok := byName[u.SpeakerLabel]
		if !ok {
			s = &session.SpeakerStats{Speaker: u.SpeakerLabel}
			byName[u.SpeakerLabel] = s
		}
		s.UtteranceCount++
		s.SpeakingMs += dur
	}

	stats := make([]session.SpeakerStats, 0, len(byName))
	for _, s := range byName {
		if totalMs > 0 {
			s.SharePercent = float64(s.SpeakingMs) / float64(totalMs) * 100
		}
		stats = append(stats, *s)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SpeakingMs != stats[j].SpeakingMs {
			return stats[i].SpeakingMs > stats[j].SpeakingMs
		}
		return stats[i].Speaker < stats[j].Speaker
	})
	return stats
}
