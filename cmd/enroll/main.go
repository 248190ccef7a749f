// Утилита управления справочником участников: запись голосового
// отпечатка из аудиофайла, список и удаление.
//
// Запуск:
//
//	go run ./cmd/enroll -roster data -model wespeaker.onnx -name "Alice" -audio alice.mp3
//	go run ./cmd/enroll -roster data -list
//	go run ./cmd/enroll -roster data -delete <id>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"meetscribe/providers"
	"meetscribe/roster"
	"meetscribe/session"
)

func main() {
	rosterDir := flag.String("roster", "data", "Directory with participant roster")
	modelPath := flag.String("model", "", "Path to speaker embedding ONNX model")
	name := flag.String("name", "", "Participant name to enroll")
	audioPath := flag.String("audio", "", "MP3 recording of the participant's voice")
	list := flag.Bool("list", false, "List enrolled participants")
	deleteID := flag.String("delete", "", "Delete participant by ID")
	flag.Parse()

	store, err := roster.NewStore(*rosterDir)
	if err != nil {
		log.Fatalf("Failed to open roster: %v", err)
	}

	switch {
	case *list:
		listParticipants(store)
	case *deleteID != "":
		if err := store.Delete(*deleteID); err != nil {
			log.Fatalf("Failed to delete: %v", err)
		}
		fmt.Printf("Deleted participant %s\n", *deleteID)
	case *name != "" && *audioPath != "":
		enroll(store, *modelPath, *name, *audioPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func listParticipants(store *roster.Store) {
	participants := store.GetAll()
	if len(participants) == 0 {
		fmt.Println("Roster is empty")
		return
	}
	for _, p := range participants {
		fmt.Printf("%s  %-20s  dim=%d  updated=%s\n",
			p.ID, p.Name, len(p.Embedding), p.UpdatedAt.Format(time.RFC3339))
	}
}

func enroll(store *roster.Store, modelPath, name, audioPath string) {
	if modelPath == "" {
		log.Fatal("-model is required for enrollment")
	}

	samples, sampleRate, err := session.ReadArchive(audioPath, session.SampleRate)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}
	if sampleRate != session.SampleRate {
		log.Fatalf("Unexpected sample rate %d, want %d", sampleRate, session.SampleRate)
	}
	log.Printf("Loaded %s: %.1fs of audio", audioPath, float64(len(samples))/float64(sampleRate))

	embedder, err := providers.NewOnnxEmbedder(providers.DefaultOnnxEmbedderConfig(modelPath))
	if err != nil {
		log.Fatalf("Failed to load embedding model: %v", err)
	}
	defer embedder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	vector, err := embedder.Extract(ctx, samples)
	if err != nil {
		log.Fatalf("Failed to extract embedding: %v", err)
	}

	// Повторная запись того же имени обновляет отпечаток
	if existing, err := store.GetByName(name); err == nil {
		if err := store.UpdateEmbedding(existing.ID, vector); err != nil {
			log.Fatalf("Failed to update embedding: %v", err)
		}
		fmt.Printf("Updated voiceprint for %s (%s)\n", name, existing.ID)
		return
	}

	p, err := store.Add(name, vector)
	if err != nil {
		log.Fatalf("Failed to enroll: %v", err)
	}
	fmt.Printf("Enrolled %s (%s), embedding dim %d\n", p.Name, p.ID, len(p.Embedding))
}
