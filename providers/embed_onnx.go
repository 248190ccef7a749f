package providers

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxEmbedderConfig конфигурация голосового энкодера
type OnnxEmbedderConfig struct {
	ModelPath  string
	SampleRate int
	NMels      int
	HopLength  int
	WinLength  int
	NFFT       int
}

// DefaultOnnxEmbedderConfig конфигурация для WeSpeaker ResNet34
func DefaultOnnxEmbedderConfig(modelPath string) OnnxEmbedderConfig {
	return OnnxEmbedderConfig{
		ModelPath:  modelPath,
		SampleRate: 16000,
		NMels:      80,
		HopLength:  160, // 10ms
		WinLength:  400, // 25ms
		NFFT:       512,
	}
}

// OnnxEmbedder извлекает голосовые векторы через ONNX Runtime.
// Модель WeSpeaker принимает [1, T, 80] log-mel признаков
type OnnxEmbedder struct {
	config      OnnxEmbedderConfig
	session     *ort.DynamicAdvancedSession
	frontend    *melFrontend
	mu          sync.Mutex
	initialized bool
}

// NewOnnxEmbedder создаёт энкодер
func NewOnnxEmbedder(config OnnxEmbedderConfig) (*OnnxEmbedder, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found: %s", config.ModelPath)
	}

	e := &OnnxEmbedder{
		config: config,
		frontend: newMelFrontend(melConfig{
			SampleRate: config.SampleRate,
			NMels:      config.NMels,
			HopLength:  config.HopLength,
			WinLength:  config.WinLength,
			NFFT:       config.NFFT,
		}),
	}

	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	if err := e.loadModel(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OnnxEmbedder) loadModel() error {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(e.config.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to get model info: %w", err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	log.Printf("[Embedder] Model inputs: %v, outputs: %v", inputNames, outputNames)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.config.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	e.session = session
	e.initialized = true
	return nil
}

// Extract извлекает L2-нормализованный вектор из моно PCM
func (e *OnnxEmbedder) Extract(ctx context.Context, samples []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, fmt.Errorf("embedder not initialized")
	}
	if len(samples) < e.config.SampleRate/10 {
		return nil, fmt.Errorf("audio too short: %d samples", len(samples))
	}

	melSpec, numFrames := e.frontend.compute(samples)

	flatInput := make([]float32, numFrames*e.config.NMels)
	for t := 0; t < numFrames; t++ {
		copy(flatInput[t*e.config.NMels:], melSpec[t])
	}

	inputShape := ort.NewShape(1, int64(numFrames), int64(e.config.NMels))
	inputTensor, err := ort.NewTensor(inputShape, flatInput)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	outputTensor := outputs[0].(*ort.Tensor[float32])
	embedding := outputTensor.GetData()

	// Копируем до уничтожения тензора
	result := make([]float32, len(embedding))
	copy(result, embedding)
	return l2Normalize(result), nil
}

// Close освобождает ONNX-сессию
func (e *OnnxEmbedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.initialized = false
}

func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x * x)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm < 1e-6 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

// ONNX Runtime глобальная инициализация
var (
	onnxInitialized bool
	onnxInitMu      sync.Mutex
)

func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if libPath == "" {
		searchPaths := []string{
			"../Resources/libonnxruntime.dylib",
			"./libonnxruntime.dylib",
			"./libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath == "" {
		return fmt.Errorf("ONNX Runtime library not found")
	}

	log.Printf("[Embedder] Using ONNX Runtime library: %s", libPath)
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}

	onnxInitialized = true
	return nil
}
