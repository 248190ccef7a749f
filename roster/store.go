package roster

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store хранилище эталонных эмбеддингов участников.
// participants.json лежит рядом с директорией сессий.
type Store struct {
	path string
	data participantStore
	mu   sync.RWMutex
}

// NewStore создаёт хранилище участников.
// dataDir — директория с данными сессий
func NewStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "..", "participants.json")

	store := &Store{
		path: path,
		data: participantStore{Version: CurrentVersion},
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}

	log.Printf("[Roster] Store initialized: %s (%d participants)", path, len(store.data.Participants))
	return store, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.data); err != nil {
		return fmt.Errorf("failed to parse participants.json: %w", err)
	}

	if s.data.Version < CurrentVersion {
		if err := s.migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	switch s.data.Version {
	case 0:
		s.data.Version = 1
		return s.saveUnsafe()
	default:
		return nil
	}
}

// saveUnsafe сохраняет без блокировки (вызывать только при удержании lock).
// Запись атомарная, через временный файл.
func (s *Store) saveUnsafe() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// GetAll возвращает копию всех участников
func (s *Store) GetAll() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Participant, len(s.data.Participants))
	copy(result, s.data.Participants)
	return result
}

// Get возвращает участника по ID
func (s *Store) Get(id string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Participants {
		if s.data.Participants[i].ID == id {
			p := s.data.Participants[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("participant not found: %s", id)
}

// GetByName возвращает участника по имени (без учёта регистра)
func (s *Store) GetByName(name string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Participants {
		if strings.EqualFold(s.data.Participants[i].Name, name) {
			p := s.data.Participants[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("participant not found: %s", name)
}

// Add добавляет участника с эталонным эмбеддингом
func (s *Store) Add(name string, embedding []float32) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p := Participant{
		ID:         uuid.New().String(),
		Name:       name,
		Embedding:  make([]float32, len(embedding)),
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
		SeenCount:  1,
	}
	copy(p.Embedding, embedding)

	s.data.Participants = append(s.data.Participants, p)

	if err := s.saveUnsafe(); err != nil {
		s.data.Participants = s.data.Participants[:len(s.data.Participants)-1]
		return nil, err
	}

	log.Printf("[Roster] Added participant: %s (%s)", p.Name, p.ID[:8])
	return &p, nil
}

// UpdateEmbedding обновляет эталон участника взвешенным усреднением.
// Вес старого эталона ограничен, чтобы профиль не застывал.
func (s *Store) UpdateEmbedding(id string, newEmbedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Participants {
		if s.data.Participants[i].ID != id {
			continue
		}
		p := &s.data.Participants[i]
		if len(p.Embedding) != len(newEmbedding) {
			return fmt.Errorf("embedding dimension mismatch for %s: %d vs %d",
				p.Name, len(p.Embedding), len(newEmbedding))
		}

		oldWeight := float32(min(p.SeenCount, 10))
		totalWeight := oldWeight + 1

		for j := range p.Embedding {
			p.Embedding[j] = (p.Embedding[j]*oldWeight + newEmbedding[j]) / totalWeight
		}
		p.Embedding = normalizeVector(p.Embedding)

		p.SeenCount++
		p.LastSeenAt = time.Now()
		p.UpdatedAt = time.Now()

		log.Printf("[Roster] Embedding updated: %s (seenCount=%d)", p.Name, p.SeenCount)
		return s.saveUnsafe()
	}
	return fmt.Errorf("participant not found: %s", id)
}

// Delete удаляет участника
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Participants {
		if s.data.Participants[i].ID == id {
			name := s.data.Participants[i].Name
			s.data.Participants = append(s.data.Participants[:i], s.data.Participants[i+1:]...)
			if err := s.saveUnsafe(); err != nil {
				return err
			}
			log.Printf("[Roster] Deleted participant: %s (%s)", name, id[:8])
			return nil
		}
	}
	return fmt.Errorf("participant not found: %s", id)
}

// Count возвращает количество участников
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Participants)
}

// normalizeVector нормализует вектор до единичной длины
func normalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq < 1e-10 {
		return v
	}

	norm := float32(1.0 / math.Sqrt(sumSq))
	result := make([]float32, len(v))
	for i, x := range v {
		result[i] = x * norm
	}
	return result
}
