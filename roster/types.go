// Package roster предоставляет ростер участников сессии: хранилище
// эталонных голосовых эмбеддингов (enrollment), извлечение имён из
// текста и привязку глобальных кластеров к участникам
package roster

import "time"

// Participant участник ростера с эталонным эмбеддингом
type Participant struct {
	ID         string    `json:"id"`   // UUID
	Name       string    `json:"name"` // Имя участника
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	SeenCount  int       `json:"seenCount"` // Количество распознаваний (для усреднения)
	Notes      string    `json:"notes,omitempty"`
}

// participantStore формат файла participants.json
type participantStore struct {
	Version      int           `json:"version"`
	Participants []Participant `json:"participants"`
}

// BindingSource источник привязки кластера к участнику
type BindingSource string

const (
	SourceEnrollment     BindingSource = "enrollment"
	SourceNameExtraction BindingSource = "name_extraction"
)

// Binding привязка кластера к участнику в рамках одного finalize-прогона.
// Инвариант: участник привязывается максимум к одному кластеру за прогон.
type Binding struct {
	ClusterID     string        `json:"clusterId"`
	ParticipantID string        `json:"participantId"`
	Participant   string        `json:"participant"` // Имя для отображения
	Source        BindingSource `json:"source"`
	Similarity    float64       `json:"similarity"`
}

// NameCandidate кандидат имени, извлечённый из текста реплик кластера
type NameCandidate struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Пороги привязки по эталонам (косинусное сходство)
const (
	// EnrollmentThreshold порог legacy пооконного матча с эталоном
	EnrollmentThreshold = 0.60
	// EnrollmentThresholdHigh порог привязки центроида кластера
	// к эталону участника
	EnrollmentThresholdHigh = 0.85
)

// CurrentVersion текущая версия формата participants.json
const CurrentVersion = 1
