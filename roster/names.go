package roster

import (
	"regexp"
	"sort"
	"strings"
)

// namePattern шаблон самопредставления с базовой уверенностью
type namePattern struct {
	re         *regexp.Regexp
	confidence float64
}

var namePatterns = []namePattern{
	{regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z\s'\-]{1,80})`), 0.95},
	{regexp.MustCompile(`(?i)\bi\s+am\s+([a-z][a-z\s'\-]{1,80})`), 0.90},
	{regexp.MustCompile(`(?i)\bi'm\s+([a-z][a-z\s'\-]{1,80})`), 0.90},
	{regexp.MustCompile(`(?i)\b(?:please\s+)?call me\s+([a-z][a-z\s'\-]{1,80})`), 0.88},
}

// blockedTokens служебные слова, которые не могут быть именем
var blockedTokens = map[string]bool{
	"a": true, "am": true, "an": true, "and": true, "at": true,
	"be": true, "because": true, "but": true, "by": true,
	"currently": true, "doing": true, "for": true, "from": true,
	"going": true, "happy": true, "here": true, "hi": true,
	"hello": true, "i": true, "im": true, "in": true,
	"interested": true, "is": true, "it": true, "my": true,
	"name": true, "now": true, "of": true, "on": true, "our": true,
	"please": true, "really": true, "studying": true, "that": true,
	"the": true, "this": true, "to": true, "just": true,
	"uh": true, "um": true, "we": true, "with": true,
}

const maxNameTokens = 4

var (
	phraseSplit = regexp.MustCompile(`[,.;:!?()\[\]\n\r]`)
	tokenRe     = regexp.MustCompile(`^[a-z][a-z'\-]{0,29}$`)
)

// NameExtractor извлекает кандидатов имён из текста реплик
// ("my name is ...", "i'm ..." и т.п.)
type NameExtractor struct{}

// NewNameExtractor создаёт экстрактор имён
func NewNameExtractor() *NameExtractor {
	return &NameExtractor{}
}

// Extract возвращает кандидатов имён, отсортированных по убыванию
// уверенности. Дубликаты схлопываются с максимальной уверенностью.
func (e *NameExtractor) Extract(text string) []NameCandidate {
	if text == "" {
		return nil
	}

	candidates := make(map[string]float64)
	for _, p := range namePatterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			normalized := normalizeName(match[1])
			if normalized == "" {
				continue
			}
			if existing, ok := candidates[normalized]; !ok || existing < p.confidence {
				candidates[normalized] = p.confidence
			}
		}
	}

	ordered := make([]NameCandidate, 0, len(candidates))
	for name, conf := range candidates {
		ordered = append(ordered, NameCandidate{Name: name, Confidence: conf})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].Name < ordered[j].Name
	})
	return ordered
}

// normalizeName обрезает кандидата до первой фразы, отбрасывает
// служебные токены и приводит к виду "Имя Фамилия".
// Возвращает "" если кандидат не похож на имя.
func normalizeName(raw string) string {
	clipped := phraseSplit.Split(raw, 2)[0]
	cleaned := strings.Join(strings.Fields(clipped), " ")
	if cleaned == "" {
		return ""
	}

	var parts []string
	for _, part := range strings.Split(cleaned, " ") {
		token := strings.ToLower(strings.Trim(part, ` '"-`))
		if token == "" {
			continue
		}
		if blockedTokens[token] {
			if len(parts) > 0 {
				break
			}
			return ""
		}
		if !tokenRe.MatchString(token) {
			if len(parts) > 0 {
				break
			}
			return ""
		}
		parts = append(parts, token)
		if len(parts) > maxNameTokens {
			return ""
		}
	}

	if len(parts) == 0 {
		return ""
	}

	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	normalized := strings.Join(parts, " ")
	if len(normalized) < 2 {
		return ""
	}
	return normalized
}
