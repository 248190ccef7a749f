package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"meetscribe/finalize"
	"meetscribe/internal/api"
	"meetscribe/internal/config"
	"meetscribe/internal/service"
	"meetscribe/models"
	"meetscribe/providers"
	"meetscribe/roster"
	"meetscribe/session"
	"meetscribe/tier2"
)

func main() {
	log.Println("Meetscribe backend starting...")

	cfg := config.Load()
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Roster directory: %s", cfg.RosterDir)

	log.Println("Initializing session manager...")
	sessionMgr, err := session.NewManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init session manager: %v", err)
	}

	log.Println("Initializing roster store...")
	rosterStore, err := roster.NewStore(cfg.RosterDir)
	if err != nil {
		log.Fatalf("Failed to init roster store: %v", err)
	}

	// Незаданные пути моделей докачиваются при старте, если включено
	if cfg.DownloadModels {
		resolveModelPaths(cfg)
	}

	// Голосовой энкодер опционален: без него живые сегменты не
	// попадают в кэш эмбеддингов и согласование работает в
	// деградированном режиме
	var embedder providers.EmbeddingExtractor
	if cfg.EmbeddingModelPath != "" {
		log.Println("Loading speaker embedding model...")
		onnxEmbedder, err := providers.NewOnnxEmbedder(
			providers.DefaultOnnxEmbedderConfig(cfg.EmbeddingModelPath))
		if err != nil {
			log.Printf("Warning: Failed to load embedding model: %v", err)
		} else {
			embedder = onnxEmbedder
			defer onnxEmbedder.Close()
		}
	}

	// Инференс-клиент: батч-транскрипция и нарративные отчёты
	inference, err := providers.NewInferenceClient(
		providers.DefaultInferenceClientConfig(cfg.InferenceURL),
		&http.Client{})
	if err != nil {
		log.Fatalf("Failed to init inference client: %v", err)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	inferenceUp := inference.Available(pingCtx)
	cancelPing()

	var transcriber providers.BatchTranscriber
	if inferenceUp {
		transcriber = inference
	} else {
		log.Printf("Warning: Inference service unavailable at %s, batch transcription disabled", cfg.InferenceURL)
	}

	// Отчёт всегда получается: при недоступном инференсе
	// используется сводка по статистике
	reporter := providers.NewChainedReporter(inference)

	// Офлайн-диаризация опциональна: без неё фоновое уточнение
	// отключено, сессии остаются на Tier-1
	var diarizer providers.BatchDiarizer
	if cfg.SegmentationModelPath != "" && cfg.DiarizerModelPath != "" {
		log.Println("Loading offline diarization models...")
		sherpaDiarizer, err := providers.NewSherpaDiarizer(
			providers.DefaultSherpaDiarizerConfig(cfg.SegmentationModelPath, cfg.DiarizerModelPath))
		if err != nil {
			log.Printf("Warning: Failed to load diarizer: %v", err)
		} else {
			diarizer = sherpaDiarizer
			defer sherpaDiarizer.Close()
		}
	}

	registry, err := providers.NewRegistry(embedder, transcriber, diarizer, reporter)
	if err != nil {
		log.Fatalf("Failed to build provider registry: %v", err)
	}
	if !registry.Tier2Capable() {
		log.Println("Batch providers incomplete, background refinement disabled")
	}

	refiner := tier2.NewRefiner(sessionMgr, rosterStore, registry, tier2.DefaultRefinerOptions())
	scheduler := tier2.NewScheduler(refiner)
	defer scheduler.Close()

	finalizeOpts := finalize.DefaultOptions()
	finalizeOpts.Budget = cfg.FinalizeBudget
	finalizeOpts.Tier2Delay = cfg.Tier2Delay
	orchestrator := finalize.NewOrchestrator(sessionMgr, rosterStore, reporter, scheduler, finalizeOpts)

	ingest := service.NewIngestService(sessionMgr, embedder)

	server := api.NewServer(cfg, sessionMgr, orchestrator, scheduler, rosterStore, ingest)
	server.Start()
}

// resolveModelPaths докачивает модели по умолчанию для путей,
// не заданных флагами. Эмбеддер и диаризатор делят одну модель
// голосовых эмбеддингов.
func resolveModelPaths(cfg *config.Config) {
	modelMgr, err := models.NewManager(cfg.ModelsDir)
	if err != nil {
		log.Printf("Warning: Failed to init model manager: %v", err)
		return
	}

	ctx := context.Background()
	if cfg.SegmentationModelPath == "" {
		path, err := modelMgr.EnsureModel(ctx, models.DefaultSegmentationModel)
		if err != nil {
			log.Printf("Warning: %v", err)
		} else {
			cfg.SegmentationModelPath = path
		}
	}
	if cfg.EmbeddingModelPath == "" {
		path, err := modelMgr.EnsureModel(ctx, models.DefaultEmbeddingModel)
		if err != nil {
			log.Printf("Warning: %v", err)
		} else {
			cfg.EmbeddingModelPath = path
		}
	}
	if cfg.DiarizerModelPath == "" {
		cfg.DiarizerModelPath = cfg.EmbeddingModelPath
	}
}
