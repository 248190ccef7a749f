// Package service содержит сервис живого приёма: реплики и
// диаризованные сегменты от стриминговых распознавателей, запись
// аудиоархива и фоновое извлечение эмбеддингов
package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"meetscribe/embedding"
	"meetscribe/providers"
	"meetscribe/session"
)

// IngestService принимает живые данные сессии. Извлечение эмбеддингов
// fire-and-forget: медленный или упавший вызов никогда не задерживает
// аудиотракт, неудавшийся сегмент просто не попадает в кэш.
type IngestService struct {
	manager  *session.Manager
	embedder providers.EmbeddingExtractor // nil = эмбеддинги не извлекаются

	archives map[string]*session.AudioArchive
	mu       sync.Mutex
	wg       sync.WaitGroup

	// ExtractTimeout бюджет одного извлечения эмбеддинга
	ExtractTimeout time.Duration
}

// NewIngestService создаёт сервис приёма
func NewIngestService(manager *session.Manager, embedder providers.EmbeddingExtractor) *IngestService {
	return &IngestService{
		manager:        manager,
		embedder:       embedder,
		archives:       make(map[string]*session.AudioArchive),
		ExtractTimeout: 10 * time.Second,
	}
}

// HandleUtterance добавляет живую реплику
func (s *IngestService) HandleUtterance(sessionID string, utt session.Utterance) error {
	return s.manager.AddUtterance(sessionID, utt)
}

// HandleSegment добавляет диаризованный сегмент и асинхронно
// извлекает его эмбеддинг. Возврат немедленный.
func (s *IngestService) HandleSegment(sessionID string, seg session.DiarizedSegment, samples []float32) error {
	if err := s.manager.AddSegment(sessionID, seg); err != nil {
		return err
	}

	if s.embedder == nil || len(samples) == 0 {
		return nil
	}

	// Копия: вызывающий код может переиспользовать буфер
	audio := make([]float32, len(samples))
	copy(audio, samples)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.extractEmbedding(sessionID, seg, audio)
	}()
	return nil
}

// extractEmbedding выполняет извлечение в фоне. Ошибка не фатальна:
// сегмент отбрасывается из кэша, согласование возьмёт его через
// legacy-приоритеты.
func (s *IngestService) extractEmbedding(sessionID string, seg session.DiarizedSegment, samples []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ExtractTimeout)
	defer cancel()

	vector, err := s.embedder.Extract(ctx, samples)
	if err != nil {
		log.Printf("[Ingest] Embedding extraction failed for %s: %v, segment dropped", seg.ID, err)
		return
	}

	// Завершение вне порядка безопасно: порядок кэша не обязан
	// совпадать с порядком захвата
	accepted, err := s.manager.AddEmbedding(sessionID, embedding.CachedEmbedding{
		SegmentID:  seg.ID,
		Vector:     vector,
		StartMs:    seg.StartMs,
		EndMs:      seg.EndMs,
		StreamRole: seg.StreamRole,
	})
	if err != nil {
		log.Printf("[Ingest] Cache insert failed for %s: %v", seg.ID, err)
		return
	}
	if !accepted {
		log.Printf("[Ingest] Embedding cache full, segment %s dropped", seg.ID)
	}
}

// WriteAudio пишет PCM в аудиоархив сессии, открывая его при
// первом вызове
func (s *IngestService) WriteAudio(sessionID string, samples []float32) error {
	s.mu.Lock()
	archive, ok := s.archives[sessionID]
	if !ok {
		path, err := s.manager.AudioPath(sessionID)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		archive, err = session.NewAudioArchive(path, session.SampleRate)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to open audio archive: %w", err)
		}
		s.archives[sessionID] = archive
	}
	s.mu.Unlock()

	return archive.Write(samples)
}

// CloseArchive финализирует аудиоархив сессии
func (s *IngestService) CloseArchive(sessionID string) error {
	s.mu.Lock()
	archive, ok := s.archives[sessionID]
	delete(s.archives, sessionID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return archive.Close()
}

// Drain дожидается завершения фоновых извлечений
func (s *IngestService) Drain() {
	s.wg.Wait()
}
