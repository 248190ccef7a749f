package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"meetscribe/session"
)

// InferenceClientConfig конфигурация клиента внешнего инференс-сервиса
type InferenceClientConfig struct {
	BaseURL     string
	Model       string        // Модель для генерации отчётов
	Timeout     time.Duration // Таймаут одного запроса
	MaxTextSize int           // Лимит текста транскрипта в запросе
}

// DefaultInferenceClientConfig конфигурация по умолчанию (Ollama)
func DefaultInferenceClientConfig(baseURL string) InferenceClientConfig {
	return InferenceClientConfig{
		BaseURL:     baseURL,
		Model:       "qwen2.5:7b",
		Timeout:     300 * time.Second,
		MaxTextSize: 16000,
	}
}

// InferenceClient клиент удалённого инференс-сервиса: батч-транскрипция
// и генерация нарративных отчётов. HTTP-клиент принадлежит клиенту
// явно, глобальный http.DefaultClient не используется
type InferenceClient struct {
	config InferenceClientConfig
	http   *http.Client
}

// NewInferenceClient создаёт клиент. httpClient обязателен
func NewInferenceClient(config InferenceClientConfig, httpClient *http.Client) (*InferenceClient, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	return &InferenceClient{config: config, http: httpClient}, nil
}

// Available проверяет доступность сервиса
func (c *InferenceClient) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// TranscribeBatch отправляет запись на полную транскрипцию.
// Ответ: реплики с таймингами, без атрибуции спикеров
func (c *InferenceClient) TranscribeBatch(ctx context.Context, samples []float32, sampleRate int) ([]session.Utterance, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(clampSample(s) * 32767)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}

	url := fmt.Sprintf("%s/api/transcribe?sample_rate=%d", c.config.BaseURL, sampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(pcm))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transcription service returned %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Utterances []struct {
			Text    string `json:"text"`
			StartMs int64  `json:"startMs"`
			EndMs   int64  `json:"endMs"`
		} `json:"utterances"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("transcription service error: %s", result.Error)
	}

	utterances := make([]session.Utterance, 0, len(result.Utterances))
	for i, u := range result.Utterances {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		utterances = append(utterances, session.Utterance{
			ID:      fmt.Sprintf("butt-%04d", i),
			Text:    text,
			StartMs: u.StartMs,
			EndMs:   u.EndMs,
		})
	}

	log.Printf("[Inference] Batch transcription: %d utterances", len(utterances))
	return utterances, nil
}

const reportSystemPrompt = `Ты — ассистент для создания кратких резюме деловых разговоров и встреч.
ТВОЯ ЗАДАЧА: Проанализировать транскрипцию с метками спикеров и создать структурированное резюме.
ФОРМАТ ОТВЕТА (строго в Markdown):
## Тема встречи
[1-2 предложения]
## Ключевые моменты
- [пункт]
## Решения и договорённости
- [пункт]
## Следующие шаги
- [пункт]
ПРАВИЛА: Markdown, без лишних слов.`

// GenerateReport генерирует нарративный отчёт по финальному
// транскрипту. Ошибка обрабатывается вызывающим кодом как
// мягкий отказ (секции-заглушки)
func (c *InferenceClient) GenerateReport(ctx context.Context, utterances []session.Utterance, stats []session.SpeakerStats) ([]session.ReportSection, error) {
	if len(utterances) == 0 {
		return nil, fmt.Errorf("empty transcript")
	}

	var b strings.Builder
	for _, u := range utterances {
		fmt.Fprintf(&b, "[%s] %s\n", u.SpeakerLabel, u.Text)
	}
	text := b.String()
	if len(text) > c.config.MaxTextSize {
		text = text[:c.config.MaxTextSize] + "\n...[text trimmed]..."
	}

	reqBody := map[string]interface{}{
		"model": c.config.Model,
		"messages": []map[string]string{
			{"role": "system", "content": reportSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("Вот транскрипция разговора:\n\n%s", text)},
		},
		"stream": false,
		"options": map[string]interface{}{
			"temperature": 0.3,
			"num_predict": 4096,
		},
	}

	content, err := c.chat(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	sections := splitMarkdownSections(content)
	if len(sections) == 0 {
		return nil, fmt.Errorf("report generation returned no sections")
	}
	return sections, nil
}

func (c *InferenceClient) chat(ctx context.Context, reqBody interface{}) (string, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("inference service error: %s", result.Error)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// splitMarkdownSections разбивает Markdown-ответ на секции по "## "
func splitMarkdownSections(content string) []session.ReportSection {
	var sections []session.ReportSection
	var current *session.ReportSection

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			if current != nil && strings.TrimSpace(current.Body) != "" {
				current.Body = strings.TrimSpace(current.Body)
				sections = append(sections, *current)
			}
			current = &session.ReportSection{Title: strings.TrimSpace(strings.TrimPrefix(line, "## "))}
			continue
		}
		if current != nil {
			current.Body += line + "\n"
		}
	}
	if current != nil && strings.TrimSpace(current.Body) != "" {
		current.Body = strings.TrimSpace(current.Body)
		sections = append(sections, *current)
	}
	return sections
}

func clampSample(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
