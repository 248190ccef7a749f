package api

import (
	"time"

	"meetscribe/session"
)

// Message структура сообщения WebSocket и gRPC Control стрима
type Message struct {
	Type  string `json:"type"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`

	// Параметры запросов
	SessionID    string   `json:"sessionId,omitempty"`
	Title        string   `json:"title,omitempty"`
	Tier2Enabled bool     `json:"tier2Enabled,omitempty"`
	Roster       []string `json:"roster,omitempty"`

	// Корректировка (ручная привязка)
	TargetID      string `json:"targetId,omitempty"`
	Participant   string `json:"participant,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`

	// Живой приём: реплика, сегмент и PCM (base64, int16 LE).
	// Аудио сегмента приходит в Data вместе с самим сегментом.
	Utterance *session.Utterance       `json:"utterance,omitempty"`
	Segment   *session.DiarizedSegment `json:"segment,omitempty"`

	// Ответы
	Session    *session.Session       `json:"session,omitempty"`
	Sessions   []*SessionInfo         `json:"sessions,omitempty"`
	Utterances []session.Utterance    `json:"utterances,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	Tier2      *session.Tier2Status   `json:"tier2,omitempty"`
	Finalize   *FinalizeInfo          `json:"finalize,omitempty"`
	Binding    *session.ManualBinding `json:"binding,omitempty"`
}

// SessionInfo краткая карточка сессии для списков
type SessionInfo struct {
	ID             string                `json:"id"`
	StartTime      time.Time             `json:"startTime"`
	Status         string                `json:"status"`
	Title          string                `json:"title,omitempty"`
	UtteranceCount int                   `json:"utteranceCount"`
	Tier2          session.Tier2Status   `json:"tier2"`
	ReportVersion  session.ReportVersion `json:"reportVersion,omitempty"`
}

// FinalizeInfo итог финализации для клиента
type FinalizeInfo struct {
	StageReached       session.Stage         `json:"stageReached"`
	ClusterCount       int                   `json:"clusterCount"`
	Confidence         float64               `json:"confidence"`
	ClusteringDegraded bool                  `json:"clusteringDegraded"`
	ReportVersion      session.ReportVersion `json:"reportVersion,omitempty"`
}
