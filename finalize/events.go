package finalize

import (
	"sort"

	"meetscribe/roster"
	"meetscribe/session"
)

// BuildEvents извлекает события из финального транскрипта:
// смены спикера и упоминания имён. События отсортированы по времени.
func BuildEvents(utterances []session.Utterance, names *roster.NameExtractor) []session.Event {
	if len(utterances) == 0 {
		return nil
	}

	ordered := make([]session.Utterance, len(utterances))
	copy(ordered, utterances)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].StartMs != ordered[j].StartMs {
			return ordered[i].StartMs < ordered[j].StartMs
		}
		return ordered[i].ID < ordered[j].ID
	})

	var events []session.Event
	prevSpeaker := ""

	for _, u := range ordered {
		if u.SpeakerLabel != prevSpeaker {
			events = append(events, session.Event{
				Kind:    session.EventSpeakerTurn,
				AtMs:    u.StartMs,
				Speaker: u.SpeakerLabel,
			})
			prevSpeaker = u.SpeakerLabel
		}

		for _, candidate := range names.Extract(u.Text) {
			events = append(events, session.Event{
				Kind:    session.EventNameMention,
				AtMs:    u.StartMs,
				Speaker: u.SpeakerLabel,
				Detail:  candidate.Name,
			})
		}
	}
	return events
}
