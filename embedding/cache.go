// Package embedding предоставляет кэш голосовых эмбеддингов,
// накапливаемых во время живой записи сессии
package embedding

import (
	"encoding/json"
	"fmt"
	"sync"
)

const (
	// DefaultMaxEntries максимальное количество сегментов в кэше
	DefaultMaxEntries = 1000
	// DefaultMaxBytes лимит памяти кэша (~2MB: 1000 векторов по 512 float32)
	DefaultMaxBytes = 2 * 1024 * 1024

	// CurrentVersion версия формата сериализации (для миграций)
	CurrentVersion = 1
)

// StreamRole источник аудиопотока сегмента
type StreamRole string

const (
	StreamRoleMic    StreamRole = "mic"
	StreamRoleSystem StreamRole = "sys"
)

// CachedEmbedding эмбеддинг одного диаризованного сегмента
type CachedEmbedding struct {
	SegmentID      string     `json:"segmentId"`
	Vector         []float32  `json:"vector"` // 512-мерный вектор
	StartMs        int64      `json:"startMs"`
	EndMs          int64      `json:"endMs"`
	LocalClusterID string     `json:"localClusterId"` // Локальный ID спикера от сегментатора
	StreamRole     StreamRole `json:"streamRole"`
}

// cacheSnapshot формат файла/блоба для Serialize/Restore
type cacheSnapshot struct {
	Version int               `json:"version"`
	Entries []CachedEmbedding `json:"entries"`
}

// Cache ограниченное хранилище эмбеддингов сессии.
// При переполнении Add отклоняет новые записи, а не вытесняет старые:
// ранние сегменты сессии важнее для идентификации, а отклонённый
// эмбеддинг деградирует мягко (reconcile имеет запасные приоритеты).
type Cache struct {
	maxEntries int
	maxBytes   int
	entries    []CachedEmbedding
	usedBytes  int
	mu         sync.RWMutex
}

// NewCache создаёт кэш с лимитами по умолчанию
func NewCache() *Cache {
	return NewCacheWithLimits(DefaultMaxEntries, DefaultMaxBytes)
}

// NewCacheWithLimits создаёт кэш с заданными лимитами
func NewCacheWithLimits(maxEntries, maxBytes int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make([]CachedEmbedding, 0, 64),
	}
}

// entrySize приблизительный размер записи в байтах
func entrySize(e CachedEmbedding) int {
	return len(e.Vector)*4 + len(e.SegmentID) + len(e.LocalClusterID) + 32
}

// Add добавляет эмбеддинг. Возвращает false если кэш заполнен —
// это не ошибка для вызывающего, сегмент просто не попадёт в кластеризацию.
func (c *Cache) Add(entry CachedEmbedding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := entrySize(entry)
	if len(c.entries) >= c.maxEntries || c.usedBytes+size > c.maxBytes {
		return false
	}

	c.entries = append(c.entries, entry)
	c.usedBytes += size
	return true
}

// GetAll возвращает все эмбеддинги в порядке добавления
func (c *Cache) GetAll() []CachedEmbedding {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CachedEmbedding, len(c.entries))
	copy(out, c.entries)
	return out
}

// GetByStreamRole возвращает эмбеддинги одного потока (mic/sys)
func (c *Cache) GetByStreamRole(role StreamRole) []CachedEmbedding {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []CachedEmbedding
	for _, e := range c.entries {
		if e.StreamRole == role {
			out = append(out, e)
		}
	}
	return out
}

// Len возвращает количество записей
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryUsageBytes возвращает занятую память в байтах
func (c *Cache) MemoryUsageBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usedBytes
}

// Clear очищает кэш
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
	c.usedBytes = 0
}

// Serialize сериализует содержимое кэша для гибернации процесса
func (c *Cache) Serialize() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := cacheSnapshot{
		Version: CurrentVersion,
		Entries: c.entries,
	}
	return json.Marshal(snap)
}

// Restore восстанавливает кэш из сериализованного снапшота.
// Записи сверх лимитов отбрасываются (тот же принцип что и в Add).
func (c *Cache) Restore(data []byte) error {
	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse embedding cache snapshot: %w", err)
	}
	if snap.Version > CurrentVersion {
		return fmt.Errorf("unsupported cache snapshot version: %d", snap.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = c.entries[:0]
	c.usedBytes = 0
	for _, e := range snap.Entries {
		size := entrySize(e)
		if len(c.entries) >= c.maxEntries || c.usedBytes+size > c.maxBytes {
			break
		}
		c.entries = append(c.entries, e)
		c.usedBytes += size
	}
	return nil
}
