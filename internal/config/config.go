package config

import (
	"flag"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir        string
	RosterDir      string
	ModelsDir      string
	DownloadModels bool
	Port           string
	GRPCAddr       string
	InferenceURL   string

	EmbeddingModelPath    string
	SegmentationModelPath string
	DiarizerModelPath     string

	FinalizeBudget time.Duration
	Tier2Delay     time.Duration
	Tier2Enabled   bool
}

func Load() *Config {
	dataDir := flag.String("data", "data/sessions", "Directory for session data")
	rosterDir := flag.String("roster", "", "Directory for participant roster (default: dataDir/..)")
	modelsDir := flag.String("models", "", "Directory for downloaded models (default: dataDir/../models)")
	downloadModels := flag.Bool("download-models", false, "Download missing models on startup")
	port := flag.String("port", "8080", "Server port")
	grpcAddr := flag.String("grpc", "", "gRPC listen address (unix:/path or npipe:\\\\.\\pipe\\name)")
	inferenceURL := flag.String("inference", "http://localhost:11434", "Inference service base URL")
	embeddingModel := flag.String("embedding-model", "", "Path to speaker embedding ONNX model")
	segmentationModel := flag.String("segmentation-model", "", "Path to pyannote segmentation model")
	diarizerModel := flag.String("diarizer-model", "", "Path to diarizer embedding model")
	finalizeBudget := flag.Duration("finalize-budget", 45*time.Second, "Wall-clock budget for finalization")
	tier2Delay := flag.Duration("tier2-delay", 5*time.Second, "Delay before background refinement starts")
	tier2Enabled := flag.Bool("tier2", true, "Enable background refinement by default")
	flag.Parse()

	finalRosterDir := *rosterDir
	if finalRosterDir == "" {
		finalRosterDir = filepath.Dir(*dataDir)
	}
	finalModelsDir := *modelsDir
	if finalModelsDir == "" {
		finalModelsDir = filepath.Join(filepath.Dir(*dataDir), "models")
	}

	return &Config{
		DataDir:               *dataDir,
		RosterDir:             finalRosterDir,
		ModelsDir:             finalModelsDir,
		DownloadModels:        *downloadModels,
		Port:                  *port,
		GRPCAddr:              *grpcAddr,
		InferenceURL:          *inferenceURL,
		EmbeddingModelPath:    *embeddingModel,
		SegmentationModelPath: *segmentationModel,
		DiarizerModelPath:     *diarizerModel,
		FinalizeBudget:        *finalizeBudget,
		Tier2Delay:            *tier2Delay,
		Tier2Enabled:          *tier2Enabled,
	}
}
