package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetscribe/embedding"
)

var (
	// ErrSessionNotFound сессия не существует или удалена
	ErrSessionNotFound = errors.New("session not found")
	// ErrFinalizeInProgress финализация этой сессии уже выполняется
	ErrFinalizeInProgress = errors.New("finalize already in progress")
	// ErrVersionConflict штамп версии не совпал (CAS отклонён)
	ErrVersionConflict = errors.New("session version conflict")
	// ErrSessionFrozen сессия заморожена на время финализации
	ErrSessionFrozen = errors.New("session is frozen for finalization")
)

// managed сессия вместе с её рабочими структурами
type managed struct {
	sess       *Session
	cache      *embedding.Cache
	bindings   []ManualBinding // Append-only лог ручных привязок
	finalizing bool            // Защёлка: максимум один finalize одновременно
}

// Manager управляет сессиями. Все мутирующие операции сессии
// сериализуются через менеджер — это даёт семантику одного актора
// на сессию без долгоживущих блокировок в этапах конвейера.
type Manager struct {
	sessions map[string]*managed
	dataDir  string
	mu       sync.RWMutex

	// Callbacks
	onStageProgress func(sessionID string, stage Stage)
	onTier2Changed  func(sessionID string, status Tier2Status)
}

// NewManager создаёт менеджер сессий
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	m := &Manager{
		sessions: make(map[string]*managed),
		dataDir:  dataDir,
	}

	if err := m.LoadSessions(); err != nil {
		// Не критично, просто логируем
		log.Printf("[Session] Warning: failed to load sessions: %v", err)
	}

	return m, nil
}

// CreateSession создаёт новую сессию
func (m *Manager) CreateSession(cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	sessionDir := filepath.Join(m.dataDir, id)

	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	sess := &Session{
		ID:           id,
		StartTime:    time.Now(),
		Status:       StatusRecording,
		Title:        cfg.Title,
		DataDir:      sessionDir,
		Tier2Enabled: cfg.Tier2Enabled,
		Roster:       cfg.Roster,
		Tier2:        Tier2Status{Enabled: cfg.Tier2Enabled},
		Version:      1,
	}

	m.sessions[id] = &managed{
		sess:  sess,
		cache: embedding.NewCache(),
	}

	if err := m.saveMetaUnsafe(sess); err != nil {
		return nil, err
	}

	log.Printf("[Session] Created: %s", id)
	return sess, nil
}

// GetSession возвращает сессию по ID
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ms.sess, nil
}

// Cache возвращает кэш эмбеддингов сессии
func (m *Manager) Cache(id string) (*embedding.Cache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ms.cache, nil
}

// ListSessions возвращает все сессии (новые первые)
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		sessions = append(sessions, ms.sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions
}

// DeleteSession удаляет сессию и её файлы. Идущий Tier-2 обнаружит
// удаление по несовпадению штампа при финальной записи.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if ms.finalizing {
		return fmt.Errorf("cannot delete session during finalize: %s", id)
	}

	if err := os.RemoveAll(ms.sess.DataDir); err != nil {
		return fmt.Errorf("failed to delete session files: %w", err)
	}

	delete(m.sessions, id)
	log.Printf("[Session] Deleted: %s", id)
	return nil
}

// AddUtterance добавляет живую реплику от стримингового распознавания
func (m *Manager) AddUtterance(sessionID string, utt Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if ms.finalizing {
		return fmt.Errorf("%w: %s", ErrSessionFrozen, sessionID)
	}

	ms.sess.mu.Lock()
	ms.sess.Utterances = append(ms.sess.Utterances, utt)
	ms.sess.mu.Unlock()
	return nil
}

// AddSegment добавляет живой диаризованный сегмент
func (m *Manager) AddSegment(sessionID string, seg DiarizedSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if ms.finalizing {
		return fmt.Errorf("%w: %s", ErrSessionFrozen, sessionID)
	}

	ms.sess.mu.Lock()
	ms.sess.Segments = append(ms.sess.Segments, seg)
	ms.sess.mu.Unlock()
	return nil
}

// AddEmbedding кладёт эмбеддинг сегмента в кэш. Возвращает false
// если кэш заполнен — это штатная деградация, не ошибка.
func (m *Manager) AddEmbedding(sessionID string, entry embedding.CachedEmbedding) (bool, error) {
	// finalizing пишется под m.mu, читать его можно только там же
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	frozen := ok && ms.finalizing
	m.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if frozen {
		return false, fmt.Errorf("%w: %s", ErrSessionFrozen, sessionID)
	}
	return ms.cache.Add(entry), nil
}

// AddManualBinding добавляет ручную привязку в append-only лог.
// Привязка вступает в силу немедленно и переживает повторные прогоны.
func (m *Manager) AddManualBinding(sessionID string, b ManualBinding) (*ManualBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	ms.bindings = append(ms.bindings, b)
	ms.sess.Version++

	if err := m.saveBindingsUnsafe(ms); err != nil {
		ms.bindings = ms.bindings[:len(ms.bindings)-1]
		return nil, err
	}

	log.Printf("[Session] Manual binding: %s -> %s (session %s)", b.TargetID, b.Participant, sessionID)
	return &b, nil
}

// ManualBindings возвращает копию лога ручных привязок
func (m *Manager) ManualBindings(sessionID string) ([]ManualBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	out := make([]ManualBinding, len(ms.bindings))
	copy(out, ms.bindings)
	return out, nil
}

// Snapshot копии живых данных сессии на момент вызова
type Snapshot struct {
	Utterances   []Utterance
	Segments     []DiarizedSegment
	Roster       []string
	Tier2Enabled bool
}

// TakeSnapshot возвращает копии реплик, сегментов и ростера сессии
func (m *Manager) TakeSnapshot(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	ms.sess.mu.RLock()
	defer ms.sess.mu.RUnlock()

	snap := Snapshot{
		Utterances:   make([]Utterance, len(ms.sess.Utterances)),
		Segments:     make([]DiarizedSegment, len(ms.sess.Segments)),
		Roster:       make([]string, len(ms.sess.Roster)),
		Tier2Enabled: ms.sess.Tier2Enabled,
	}
	copy(snap.Utterances, ms.sess.Utterances)
	copy(snap.Segments, ms.sess.Segments)
	copy(snap.Roster, ms.sess.Roster)
	return snap, nil
}

// BeginFinalize захватывает защёлку финализации. Конкурирующий вызов
// получает ErrFinalizeInProgress — два прогона не выполняются никогда.
func (m *Manager) BeginFinalize(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if ms.finalizing {
		return nil, fmt.Errorf("%w: %s", ErrFinalizeInProgress, sessionID)
	}

	ms.finalizing = true
	return ms.sess, nil
}

// EndFinalize освобождает защёлку финализации
func (m *Manager) EndFinalize(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, ok := m.sessions[sessionID]; ok {
		ms.finalizing = false
	}
}

// SetStage обновляет текущий этап финализации и уведомляет подписчиков
func (m *Manager) SetStage(sessionID string, stage Stage) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	cb := m.onStageProgress
	m.mu.RUnlock()

	if !ok {
		return
	}

	ms.sess.mu.Lock()
	if ms.sess.Finalization == nil {
		ms.sess.Finalization = &FinalizationState{StartedAt: time.Now()}
	}
	prev := ms.sess.Finalization.CurrentStage
	ms.sess.Finalization.CurrentStage = stage
	if prev != "" && prev != StageAborted {
		ms.sess.Finalization.LastCompletedStage = prev
	}
	ms.sess.mu.Unlock()

	if cb != nil {
		cb(sessionID, stage)
	}
}

// AbortFinalize переводит конвейер в терминальное состояние aborted
// с указанием причины. Сессия помечается как failed.
func (m *Manager) AbortFinalize(sessionID string, reason string) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	cb := m.onStageProgress
	m.mu.RUnlock()

	if !ok {
		return
	}

	ms.sess.mu.Lock()
	if ms.sess.Finalization == nil {
		ms.sess.Finalization = &FinalizationState{StartedAt: time.Now()}
	}
	ms.sess.Finalization.CurrentStage = StageAborted
	ms.sess.Finalization.AbortReason = reason
	ms.sess.Status = StatusFailed
	ms.sess.mu.Unlock()

	log.Printf("[Session] Finalize aborted: %s (%s)", sessionID, reason)
	if cb != nil {
		cb(sessionID, StageAborted)
	}
}

// Version возвращает текущий штамп версии сессии
func (m *Manager) Version(sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	ms.sess.mu.RLock()
	defer ms.sess.mu.RUnlock()
	return ms.sess.Version, nil
}

// CommitTier1 атомарно записывает результат Tier-1 финализации
// и персистит транскрипт, статистику, события и отчёт
func (m *Manager) CommitTier1(sessionID string, utterances []Utterance,
	stats []SpeakerStats, events []Event, report *Report, degraded bool) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess := ms.sess
	sess.mu.Lock()
	now := time.Now()
	sess.Utterances = utterances
	sess.Stats = stats
	sess.Events = events
	sess.Report = report
	sess.Status = StatusFinalized
	sess.EndTime = &now
	if sess.Finalization != nil {
		sess.Finalization.ClusteringDegraded = degraded
	}
	sess.Tier2.ReportVersion = ReportTier1
	if sess.Tier2.Enabled {
		sess.Tier2.Status = Tier2Pending
	}
	sess.Version++
	sess.mu.Unlock()

	return m.persistUnsafe(ms)
}

// CommitTier2 атомарно подменяет результат на Tier-2 через
// compare-and-set по штампу версии. Устаревшее или дублирующее
// завершение Tier-2 получает ErrVersionConflict и отбрасывает результат.
// ReportVersion монотонна: после tier2_refined отката не бывает.
func (m *Manager) CommitTier2(sessionID string, expectedVersion int64,
	utterances []Utterance, stats []SpeakerStats, events []Event, report *Report) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess := ms.sess
	sess.mu.Lock()
	if sess.Version != expectedVersion {
		sess.mu.Unlock()
		return fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, expectedVersion, sess.Version)
	}

	now := time.Now()
	sess.Utterances = utterances
	sess.Stats = stats
	sess.Events = events
	sess.Report = report
	sess.Tier2.Status = Tier2Succeeded
	sess.Tier2.CompletedAt = &now
	sess.Tier2.Error = ""
	sess.Tier2.ReportVersion = ReportTier2
	sess.Version++
	status := sess.Tier2
	sess.mu.Unlock()

	if err := m.persistUnsafe(ms); err != nil {
		return err
	}

	if m.onTier2Changed != nil {
		m.onTier2Changed(sessionID, status)
	}
	return nil
}

// SetTier2Status обновляет статус фонового уточнения (не трогая результат)
func (m *Manager) SetTier2Status(sessionID string, mutate func(*Tier2Status)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess := ms.sess
	sess.mu.Lock()
	prev := sess.Tier2.ReportVersion
	mutate(&sess.Tier2)
	// Монотонность: версию отчёта нельзя откатить
	if prev == ReportTier2 {
		sess.Tier2.ReportVersion = ReportTier2
	}
	status := sess.Tier2
	sess.mu.Unlock()

	if err := m.saveTier2Unsafe(ms); err != nil {
		return err
	}

	if m.onTier2Changed != nil {
		m.onTier2Changed(sessionID, status)
	}
	return nil
}

// Tier2StatusFor возвращает копию статуса Tier-2
func (m *Manager) Tier2StatusFor(sessionID string) (Tier2Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[sessionID]
	if !ok {
		return Tier2Status{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	ms.sess.mu.RLock()
	defer ms.sess.mu.RUnlock()
	return ms.sess.Tier2, nil
}

// SetOnStageProgress устанавливает callback прогресса финализации
func (m *Manager) SetOnStageProgress(fn func(sessionID string, stage Stage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStageProgress = fn
}

// SetOnTier2Changed устанавливает callback смены статуса Tier-2
func (m *Manager) SetOnTier2Changed(fn func(sessionID string, status Tier2Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTier2Changed = fn
}

// Hibernate сохраняет кэш эмбеддингов сессии на диск (suspend)
func (m *Manager) Hibernate(sessionID string) error {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	data, err := ms.cache.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize cache: %w", err)
	}
	path := filepath.Join(ms.sess.DataDir, "cache.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}

	log.Printf("[Session] Hibernated cache: %s (%d entries)", sessionID, ms.cache.Len())
	return nil
}

// Resume восстанавливает кэш эмбеддингов из снапшота (resume)
func (m *Manager) Resume(sessionID string) error {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	path := filepath.Join(ms.sess.DataDir, "cache.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Снапшота нет — начинаем с пустого кэша
		}
		return err
	}
	return ms.cache.Restore(data)
}

// AudioPath возвращает путь к аудиоархиву сессии
func (m *Manager) AudioPath(sessionID string) (string, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(sess.DataDir, "full.mp3"), nil
}

// --- Персистентность ---

// persistUnsafe записывает все артефакты сессии (вызывать при удержании m.mu)
func (m *Manager) persistUnsafe(ms *managed) error {
	if err := m.saveMetaUnsafe(ms.sess); err != nil {
		return err
	}
	if err := m.saveTranscriptUnsafe(ms.sess); err != nil {
		return err
	}
	if err := m.saveReportUnsafe(ms.sess); err != nil {
		return err
	}
	return m.saveTier2Unsafe(ms)
}

// saveMetaUnsafe сохраняет meta.json (без транскрипта)
func (m *Manager) saveMetaUnsafe(s *Session) error {
	s.mu.RLock()
	meta := struct {
		ID           string     `json:"id"`
		StartTime    time.Time  `json:"startTime"`
		EndTime      *time.Time `json:"endTime,omitempty"`
		Status       Status     `json:"status"`
		Title        string     `json:"title,omitempty"`
		Tier2Enabled bool       `json:"tier2Enabled"`
		Roster       []string   `json:"roster,omitempty"`
		Version      int64      `json:"version"`
	}{
		ID:           s.ID,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Status:       s.Status,
		Title:        s.Title,
		Tier2Enabled: s.Tier2Enabled,
		Roster:       s.Roster,
		Version:      s.Version,
	}
	s.mu.RUnlock()

	return writeJSON(filepath.Join(s.DataDir, "meta.json"), meta)
}

// saveTranscriptUnsafe сохраняет разрешённый транскрипт со статистикой
func (m *Manager) saveTranscriptUnsafe(s *Session) error {
	s.mu.RLock()
	transcript := struct {
		Utterances []Utterance       `json:"utterances"`
		Segments   []DiarizedSegment `json:"segments,omitempty"`
		Stats      []SpeakerStats    `json:"stats,omitempty"`
		Events     []Event           `json:"events,omitempty"`
		Degraded   bool              `json:"clusteringDegraded,omitempty"`
	}{
		Utterances: s.Utterances,
		Segments:   s.Segments,
		Stats:      s.Stats,
		Events:     s.Events,
	}
	if s.Finalization != nil {
		transcript.Degraded = s.Finalization.ClusteringDegraded
	}
	s.mu.RUnlock()

	return writeJSON(filepath.Join(s.DataDir, "transcript.json"), transcript)
}

func (m *Manager) saveReportUnsafe(s *Session) error {
	s.mu.RLock()
	report := s.Report
	s.mu.RUnlock()

	if report == nil {
		return nil
	}
	return writeJSON(filepath.Join(s.DataDir, "report.json"), report)
}

func (m *Manager) saveTier2Unsafe(ms *managed) error {
	ms.sess.mu.RLock()
	status := ms.sess.Tier2
	ms.sess.mu.RUnlock()

	return writeJSON(filepath.Join(ms.sess.DataDir, "tier2.json"), status)
}

func (m *Manager) saveBindingsUnsafe(ms *managed) error {
	return writeJSON(filepath.Join(ms.sess.DataDir, "bindings.json"), ms.bindings)
}

// writeJSON атомарная запись JSON через временный файл
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// LoadSessions загружает сессии с диска при старте
func (m *Manager) LoadSessions() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(m.dataDir, entry.Name())
		metaPath := filepath.Join(dir, "meta.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		sess.DataDir = dir // Не сохраняется в JSON

		// Транскрипт
		if tData, err := os.ReadFile(filepath.Join(dir, "transcript.json")); err == nil {
			var transcript struct {
				Utterances []Utterance       `json:"utterances"`
				Segments   []DiarizedSegment `json:"segments"`
				Stats      []SpeakerStats    `json:"stats"`
				Events     []Event           `json:"events"`
				Degraded   bool              `json:"clusteringDegraded"`
			}
			if json.Unmarshal(tData, &transcript) == nil {
				sess.Utterances = transcript.Utterances
				sess.Segments = transcript.Segments
				sess.Stats = transcript.Stats
				sess.Events = transcript.Events
				if transcript.Degraded {
					sess.Finalization = &FinalizationState{
						CurrentStage:       StageDone,
						ClusteringDegraded: true,
					}
				}
			}
		}

		// Отчёт и статус Tier-2
		if rData, err := os.ReadFile(filepath.Join(dir, "report.json")); err == nil {
			var report Report
			if json.Unmarshal(rData, &report) == nil {
				sess.Report = &report
			}
		}
		if tData, err := os.ReadFile(filepath.Join(dir, "tier2.json")); err == nil {
			var status Tier2Status
			if json.Unmarshal(tData, &status) == nil {
				// Прерванное рестартом уточнение возвращается в pending
				if status.Status == Tier2Running {
					status.Status = Tier2Pending
				}
				sess.Tier2 = status
			}
		}

		ms := &managed{
			sess:  &sess,
			cache: embedding.NewCache(),
		}

		// Лог ручных привязок реплеится первым при любом reconcile
		if bData, err := os.ReadFile(filepath.Join(dir, "bindings.json")); err == nil {
			json.Unmarshal(bData, &ms.bindings)
		}

		m.sessions[sess.ID] = ms
	}

	log.Printf("[Session] Loaded %d sessions from %s", len(m.sessions), m.dataDir)
	return nil
}
