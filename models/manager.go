package models

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Manager резолвит пути моделей и докачивает отсутствующие
type Manager struct {
	modelsDir string
	mu        sync.Mutex // Сериализует скачивания
}

// NewManager создаёт менеджер моделей
func NewManager(modelsDir string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &Manager{modelsDir: modelsDir}, nil
}

// GetModelsDir возвращает путь к директории моделей
func (m *Manager) GetModelsDir() string {
	return m.modelsDir
}

// GetModelPath возвращает путь к файлу модели. Для архивных моделей
// это .onnx файл внутри распакованной директории.
func (m *Manager) GetModelPath(modelID string) string {
	info := GetModelByID(modelID)
	if info == nil {
		return ""
	}

	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		if onnxPath, err := FindOnnxModelInDir(extractDir); err == nil {
			return onnxPath
		}
		return filepath.Join(extractDir, "model.onnx")
	}
	return filepath.Join(m.modelsDir, modelID+".onnx")
}

// IsModelDownloaded проверяет, скачана ли модель
func (m *Manager) IsModelDownloaded(modelID string) bool {
	info := GetModelByID(modelID)
	if info == nil {
		return false
	}

	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		if stat, err := os.Stat(extractDir); err != nil || !stat.IsDir() {
			return false
		}
		_, err := FindOnnxModelInDir(extractDir)
		return err == nil
	}

	stat, err := os.Stat(m.GetModelPath(modelID))
	if err != nil {
		return false
	}
	// Обрезанный недокачанный файл не считается скачанным
	return stat.Size() >= info.SizeBytes/2
}

// EnsureModel скачивает модель, если её нет, и возвращает путь к ней
func (m *Manager) EnsureModel(ctx context.Context, modelID string) (string, error) {
	info := GetModelByID(modelID)
	if info == nil {
		return "", fmt.Errorf("unknown model: %s", modelID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsModelDownloaded(modelID) {
		return m.GetModelPath(modelID), nil
	}

	log.Printf("[Models] Downloading %s (%s)...", info.Name, info.Size)
	onProgress := func(progress float64) {
		log.Printf("[Models] %s: %.0f%%", modelID, progress)
	}

	var err error
	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		err = DownloadAndExtractTarBz2(ctx, info.DownloadURL, extractDir, info.SizeBytes, onProgress)
	} else {
		err = DownloadFile(ctx, info.DownloadURL, m.GetModelPath(modelID), info.SizeBytes, onProgress)
	}
	if err != nil {
		m.cleanupPartialDownload(modelID)
		return "", fmt.Errorf("failed to download %s: %w", modelID, err)
	}

	log.Printf("[Models] Download completed: %s", modelID)
	return m.GetModelPath(modelID), nil
}

// DeleteModel удаляет скачанную модель
func (m *Manager) DeleteModel(modelID string) error {
	info := GetModelByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}
	if !m.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	if info.IsArchive {
		return os.RemoveAll(filepath.Join(m.modelsDir, modelID))
	}
	return os.Remove(m.GetModelPath(modelID))
}

// cleanupPartialDownload удаляет частично скачанные файлы
func (m *Manager) cleanupPartialDownload(modelID string) {
	info := GetModelByID(modelID)
	if info == nil {
		return
	}

	if info.IsArchive {
		extractDir := filepath.Join(m.modelsDir, modelID)
		os.RemoveAll(extractDir)
		os.Remove(extractDir + ".tar.bz2")
		os.Remove(extractDir + ".tar.bz2.tmp")
		return
	}

	path := m.GetModelPath(modelID)
	os.Remove(path)
	os.Remove(path + ".tmp")
}
