package providers

import (
	"context"
	"fmt"
	"log"
	"strings"

	"meetscribe/session"
)

// reportSectionTitles стандартный состав отчёта. Фиксированный
// порядок, чтобы заглушки совпадали с секциями живого отчёта
var reportSectionTitles = []string{
	"Тема встречи",
	"Ключевые моменты",
	"Решения и договорённости",
	"Следующие шаги",
}

// PlaceholderSections возвращает полный набор секций-заглушек.
// Используется при полном отказе генерации
func PlaceholderSections() []session.ReportSection {
	sections := make([]session.ReportSection, len(reportSectionTitles))
	for i, title := range reportSectionTitles {
		sections[i] = session.ReportSection{
			Title:       title,
			Body:        "Недостаточно данных для генерации этой секции.",
			Placeholder: true,
		}
	}
	return sections
}

// FallbackReporter генератор отчётов без внешнего сервиса:
// статистическая сводка вместо нарратива плюс заглушки
type FallbackReporter struct{}

// NewFallbackReporter создаёт генератор-запасной вариант
func NewFallbackReporter() *FallbackReporter {
	return &FallbackReporter{}
}

// GenerateReport строит отчёт из статистики разговора
func (r *FallbackReporter) GenerateReport(ctx context.Context, utterances []session.Utterance, stats []session.SpeakerStats) ([]session.ReportSection, error) {
	if len(utterances) == 0 {
		return PlaceholderSections(), nil
	}

	var totalWords int
	for _, u := range utterances {
		totalWords += len(strings.Fields(u.Text))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Участников: %d, реплик: %d, слов: %d.\n", len(stats), len(utterances), totalWords)
	for _, s := range stats {
		fmt.Fprintf(&b, "- %s: %d реплик, %.1f%% времени\n", s.Speaker, s.UtteranceCount, s.SharePercent)
	}

	sections := PlaceholderSections()
	sections[0] = session.ReportSection{
		Title: reportSectionTitles[0],
		Body:  b.String(),
	}

	log.Printf("[Report] Fallback report: %d speakers, %d utterances", len(stats), len(utterances))
	return sections, nil
}

// ChainedReporter пробует основной генератор, при ошибке падает на
// запасной. Ошибку наружу не возвращает никогда
type ChainedReporter struct {
	primary  ReportGenerator
	fallback ReportGenerator
}

// NewChainedReporter создаёт цепочку основной → запасной
func NewChainedReporter(primary ReportGenerator) *ChainedReporter {
	return &ChainedReporter{primary: primary, fallback: NewFallbackReporter()}
}

// GenerateReport пробует основной генератор с падением на запасной
func (r *ChainedReporter) GenerateReport(ctx context.Context, utterances []session.Utterance, stats []session.SpeakerStats) ([]session.ReportSection, error) {
	if r.primary != nil {
		sections, err := r.primary.GenerateReport(ctx, utterances, stats)
		if err == nil {
			return sections, nil
		}
		log.Printf("[Report] Primary generator failed: %v, using fallback", err)
	}
	return r.fallback.GenerateReport(ctx, utterances, stats)
}
