package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// AudioArchive стриминговый MP3-архив живого аудио сессии.
// Tier-2 декодирует его обратно в PCM для полного переанализа.
// Чистый Go, без FFmpeg.
type AudioArchive struct {
	file       *os.File
	encoder    *shine.Encoder
	filePath   string
	sampleRate int

	// Shine кодирует блоками по 1152 сэмпла на канал в стерео-
	// чередовании, буферизуем до кратного размера
	buffer []int16

	samplesWritten int64
	mu             sync.Mutex
	closed         bool
}

// NewAudioArchive создаёт архив моно PCM по заданному пути
func NewAudioArchive(filePath string, sampleRate int) (*AudioArchive, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	// Shine читает вход как чередующееся стерео, поэтому моно
	// дублируется в оба канала — иначе поток не декодируется обратно
	return &AudioArchive{
		file:       file,
		encoder:    shine.NewEncoder(sampleRate, 2),
		filePath:   filePath,
		sampleRate: sampleRate,
		buffer:     make([]int16, 0, 16384),
	}, nil
}

// Write добавляет float32 PCM сэмплы в архив
func (a *AudioArchive) Write(samples []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("archive is closed")
	}

	for _, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767)
		a.buffer = append(a.buffer, v, v)
	}
	a.samplesWritten += int64(len(samples))

	// Пишем когда накопилось несколько блоков по 2304 значения
	// (1152 стерео-фрейма)
	if len(a.buffer) >= 2304*4 {
		a.encoder.Write(a.file, a.buffer)
		a.buffer = a.buffer[:0]
	}
	return nil
}

// Duration возвращает длительность архива
func (a *AudioArchive) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Duration(a.samplesWritten) * time.Second / time.Duration(a.sampleRate)
}

// FilePath возвращает путь к файлу архива
func (a *AudioArchive) FilePath() string {
	return a.filePath
}

// Close дописывает хвост буфера и закрывает файл
func (a *AudioArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if len(a.buffer) > 0 {
		// Дополняем до размера блока нулями
		for len(a.buffer)%2304 != 0 {
			a.buffer = append(a.buffer, 0)
		}
		a.encoder.Write(a.file, a.buffer)
	}

	if err := a.file.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	log.Printf("[Archive] Closed: %s (%d samples)", a.filePath, a.samplesWritten)
	return nil
}

// ReadArchive декодирует весь MP3-архив в моно float32 PCM
// с ресемплингом до targetSampleRate
func ReadArchive(filePath string, targetSampleRate int) ([]float32, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	decoder, err := gomp3.NewDecoder(file)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	// go-mp3 всегда декодирует в стерео signed 16-bit LE, 4 байта на фрейм
	pcmData, err := io.ReadAll(decoder)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read PCM data: %w", err)
	}

	numFrames := len(pcmData) / 4
	mono := make([]float32, numFrames)
	for i := 0; i < numFrames; i++ {
		left := int16(binary.LittleEndian.Uint16(pcmData[i*4:]))
		right := int16(binary.LittleEndian.Uint16(pcmData[i*4+2:]))
		mono[i] = (float32(left) + float32(right)) / 2.0 / 32768.0
	}

	srcRate := decoder.SampleRate()
	if srcRate != targetSampleRate {
		mono = resampleLinear(mono, srcRate, targetSampleRate)
	}
	return mono, targetSampleRate, nil
}

// resampleLinear линейная интерполяция для ресемплинга
func resampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	newLen := int(float64(len(samples)) / ratio)
	resampled := make([]float32, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		if srcIdx+1 < len(samples) {
			resampled[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
		} else if srcIdx < len(samples) {
			resampled[i] = samples[srcIdx]
		}
	}
	return resampled
}
