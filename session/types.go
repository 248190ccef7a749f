// Package session управляет сессиями многостороннего разговора:
// реплики, диаризованные сегменты, состояние финализации,
// двухуровневый результат (Tier-1/Tier-2) и персистентность
package session

import (
	"sync"
	"time"

	"meetscribe/embedding"
)

// Status состояние сессии
type Status string

const (
	StatusRecording Status = "recording"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

// Stage этап конвейера финализации
type Stage string

const (
	StageFreeze        Stage = "freeze"
	StageDrain         Stage = "drain"
	StageReplay        Stage = "replay"
	StageCluster       Stage = "cluster"
	StageReconcile     Stage = "reconcile"
	StageStats         Stage = "stats"
	StageEvents        Stage = "events"
	StageReport        Stage = "report"
	StagePersist       Stage = "persist"
	StageScheduleTier2 Stage = "schedule_tier2"
	StageDone          Stage = "done"
	StageAborted       Stage = "aborted"
)

// stageOrder порядок этапов конвейера
var stageOrder = []Stage{
	StageFreeze, StageDrain, StageReplay, StageCluster, StageReconcile,
	StageStats, StageEvents, StageReport, StagePersist, StageScheduleTier2, StageDone,
}

// StageSequence возвращает копию последовательности этапов
func StageSequence() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Utterance распознанная реплика с финальной атрибуцией спикера.
// SpeakerLabel и ResolutionPriority проставляются только резолвером.
type Utterance struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`

	SpeakerLabel       string  `json:"speakerLabel,omitempty"`
	ResolutionPriority int     `json:"resolutionPriorityUsed,omitempty"` // 1..7
	Confidence         float64 `json:"confidence,omitempty"`
	NeedsReview        bool    `json:"needsReview,omitempty"` // Привязка по имени, желательно подтверждение
}

// DiarizedSegment сегмент речи с локальной (не глобальной) меткой спикера
type DiarizedSegment struct {
	ID           string               `json:"id"`
	LocalSpeaker string               `json:"localSpeaker"` // Метка сегментатора ("s0", "s1"...)
	StartMs      int64                `json:"startMs"`
	EndMs        int64                `json:"endMs"`
	StreamRole   embedding.StreamRole `json:"streamRole,omitempty"`
}

// ManualBinding ручная привязка спикера. Append-only: создаётся
// корректировкой пользователя, никогда не изменяется и не удаляется,
// переживает любые повторные прогоны (включая Tier-2).
type ManualBinding struct {
	ID            string    `json:"id"`
	TargetID      string    `json:"targetId"` // ID реплики или кластера
	ParticipantID string    `json:"participantId,omitempty"`
	Participant   string    `json:"participant"` // Имя для метки
	CreatedAt     time.Time `json:"createdAt"`
}

// FinalizationState состояние конвейера финализации сессии
type FinalizationState struct {
	CurrentStage       Stage     `json:"currentStage"`
	StartedAt          time.Time `json:"startedAt"`
	LastCompletedStage Stage     `json:"lastCompletedStage,omitempty"`
	ClusteringDegraded bool      `json:"clusteringDegraded,omitempty"`
	AbortReason        string    `json:"abortReason,omitempty"`
}

// ReportVersion версия отчёта. Монотонна: после tier2_refined
// возврата к tier1_instant не бывает.
type ReportVersion string

const (
	ReportTier1 ReportVersion = "tier1_instant"
	ReportTier2 ReportVersion = "tier2_refined"
)

// Tier2State статус фонового уточнения
type Tier2State string

const (
	Tier2Pending   Tier2State = "pending"
	Tier2Running   Tier2State = "running"
	Tier2Succeeded Tier2State = "succeeded"
	Tier2Failed    Tier2State = "failed"
)

// Tier2Status статус Tier-2 для сессии
type Tier2Status struct {
	Enabled       bool          `json:"enabled"`
	Status        Tier2State    `json:"status,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	Error         string        `json:"error,omitempty"`
	ReportVersion ReportVersion `json:"reportVersion,omitempty"`
}

// SpeakerStats статистика по одному спикеру
type SpeakerStats struct {
	Speaker        string  `json:"speaker"`
	UtteranceCount int     `json:"utteranceCount"`
	SpeakingMs     int64   `json:"speakingMs"`
	SharePercent   float64 `json:"sharePercent"`
}

// EventKind тип события разговора
type EventKind string

const (
	EventSpeakerTurn EventKind = "speaker_turn"
	EventNameMention EventKind = "name_mention"
)

// Event событие, извлечённое из финального транскрипта
type Event struct {
	Kind    EventKind `json:"kind"`
	AtMs    int64     `json:"atMs"`
	Speaker string    `json:"speaker,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// ReportSection секция нарративного отчёта
type ReportSection struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Placeholder bool   `json:"placeholder,omitempty"` // Генерация не удалась, секция-заглушка
}

// Report нарративный отчёт сессии
type Report struct {
	Version     ReportVersion   `json:"version"`
	Sections    []ReportSection `json:"sections"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// Session сессия многостороннего разговора
type Session struct {
	ID        string     `json:"id"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Status    Status     `json:"status"`
	Title     string     `json:"title,omitempty"`
	DataDir   string     `json:"dataDir"`

	Tier2Enabled bool     `json:"tier2Enabled"`
	Roster       []string `json:"roster,omitempty"` // Имена ожидаемых участников

	// Живые данные, накопленные во время записи
	Utterances []Utterance       `json:"utterances,omitempty"`
	Segments   []DiarizedSegment `json:"segments,omitempty"`

	// Результат финализации
	Finalization *FinalizationState `json:"finalization,omitempty"`
	Stats        []SpeakerStats     `json:"stats,omitempty"`
	Events       []Event            `json:"events,omitempty"`
	Report       *Report            `json:"report,omitempty"`
	Tier2        Tier2Status        `json:"tier2"`

	// Version монотонный штамп версии состояния. Tier-2 подменяет
	// результат только через compare-and-set по этому штампу.
	Version int64 `json:"version"`

	mu sync.RWMutex `json:"-"`
}

// Clone возвращает копию сессии для отдачи наружу. Хендлеры
// сериализуют копию: оригинал конкурентно мутируют коммиты
// финализации и Tier-2
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Session{
		ID:           s.ID,
		StartTime:    s.StartTime,
		Status:       s.Status,
		Title:        s.Title,
		DataDir:      s.DataDir,
		Tier2Enabled: s.Tier2Enabled,
		Tier2:        s.Tier2,
		Version:      s.Version,
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	c.Roster = append([]string(nil), s.Roster...)
	c.Utterances = append([]Utterance(nil), s.Utterances...)
	c.Segments = append([]DiarizedSegment(nil), s.Segments...)
	c.Stats = append([]SpeakerStats(nil), s.Stats...)
	c.Events = append([]Event(nil), s.Events...)
	if s.Finalization != nil {
		f := *s.Finalization
		c.Finalization = &f
	}
	if s.Report != nil {
		rep := *s.Report
		rep.Sections = append([]ReportSection(nil), s.Report.Sections...)
		c.Report = &rep
	}
	return c
}

// Config конфигурация создаваемой сессии
type Config struct {
	Title        string
	Tier2Enabled bool
	Roster       []string // Имена ожидаемых участников
}

// SampleRate частота дискретизации аудиоархива сессии
const SampleRate = 16000
