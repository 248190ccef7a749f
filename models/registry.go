// Package models предоставляет провижининг ONNX моделей: реестр
// известных моделей, скачивание и распаковку
package models

// ModelRole роль модели в конвейере
type ModelRole string

const (
	RoleSegmentation ModelRole = "segmentation" // Pyannote сегментация спикеров
	RoleEmbedding    ModelRole = "embedding"    // Голосовые эмбеддинги
)

// ModelInfo информация о модели
type ModelInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        ModelRole `json:"role"`
	Size        string    `json:"size"`
	SizeBytes   int64     `json:"sizeBytes"`
	Description string    `json:"description"`
	Recommended bool      `json:"recommended,omitempty"`
	DownloadURL string    `json:"downloadUrl"`
	IsArchive   bool      `json:"isArchive,omitempty"` // Модель в архиве (tar.bz2)
}

// Идентификаторы моделей по умолчанию
const (
	DefaultSegmentationModel = "pyannote-segmentation-3.0"
	DefaultEmbeddingModel    = "wespeaker-voxceleb-resnet34"
)

// Registry реестр доступных моделей
var Registry = []ModelInfo{
	{
		ID:          "pyannote-segmentation-3.0",
		Name:        "Pyannote Segmentation 3.0",
		Role:        RoleSegmentation,
		Size:        "5.9 MB",
		SizeBytes:   5_900_000,
		Description: "Сегментация спикеров (pyannote.audio)",
		Recommended: true,
		IsArchive:   true,
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-segmentation-models/sherpa-onnx-pyannote-segmentation-3-0.tar.bz2",
	},
	{
		ID:          "wespeaker-voxceleb-resnet34",
		Name:        "WeSpeaker ResNet34",
		Role:        RoleEmbedding,
		Size:        "26 MB",
		SizeBytes:   26_851_029,
		Description: "Speaker embedding (WeSpeaker ResNet34)",
		Recommended: true,
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recongition-models/wespeaker_en_voxceleb_resnet34.onnx",
	},
	{
		ID:          "3dspeaker-speech-eres2net",
		Name:        "3D-Speaker ERes2Net",
		Role:        RoleEmbedding,
		Size:        "25 MB",
		SizeBytes:   25_000_000,
		Description: "Speaker embedding (3D-Speaker, Alibaba)",
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recongition-models/3dspeaker_speech_eres2net_base_sv_zh-cn_3dspeaker_16k.onnx",
	},
}

// GetModelByID возвращает модель по ID
func GetModelByID(id string) *ModelInfo {
	for _, m := range Registry {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

// GetModelsByRole возвращает модели нужной роли
func GetModelsByRole(role ModelRole) []ModelInfo {
	var result []ModelInfo
	for _, m := range Registry {
		if m.Role == role {
			result = append(result, m)
		}
	}
	return result
}
