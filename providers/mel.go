package providers

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// melConfig параметры вычисления log-mel спектрограммы
type melConfig struct {
	SampleRate int
	NMels      int
	HopLength  int // SampleRate / 100 (10ms)
	WinLength  int // SampleRate / 40 (25ms)
	NFFT       int
}

// melFrontend считает log-mel признаки для голосового энкодера.
// Фреймы выровнены по левому краю, совместимо с WeSpeaker
type melFrontend struct {
	config  melConfig
	filters [][]float64
	window  []float64
	fft     *fourier.FFT
}

func newMelFrontend(config melConfig) *melFrontend {
	return &melFrontend{
		config:  config,
		filters: melFilterbank(config.NFFT, config.NMels, config.SampleRate),
		window:  hannWindow(config.WinLength),
		fft:     fourier.NewFFT(config.NFFT),
	}
}

// compute возвращает [numFrames][nMels] log-mel признаков
func (f *melFrontend) compute(samples []float32) ([][]float32, int) {
	numFrames := 1
	if len(samples) >= f.config.WinLength {
		numFrames = (len(samples)-f.config.WinLength)/f.config.HopLength + 1
	}

	spec := make([][]float32, numFrames)
	frameData := make([]float64, f.config.NFFT)
	powerSpec := make([]float64, f.config.NFFT/2+1)

	for frame := 0; frame < numFrames; frame++ {
		frameStart := frame * f.config.HopLength

		for i := range frameData {
			frameData[i] = 0
		}
		for i := 0; i < f.config.WinLength; i++ {
			idx := frameStart + i
			if idx < len(samples) {
				frameData[i] = float64(samples[idx]) * f.window[i]
			}
		}

		coeffs := f.fft.Coefficients(nil, frameData)
		for i := 0; i <= f.config.NFFT/2; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			powerSpec[i] = re*re + im*im
		}

		spec[frame] = make([]float32, f.config.NMels)
		for m := 0; m < f.config.NMels; m++ {
			sum := 0.0
			for k := range powerSpec {
				sum += powerSpec[k] * f.filters[m][k]
			}
			if sum < 1e-9 {
				sum = 1e-9
			}
			spec[frame][m] = float32(math.Log(sum))
		}
	}

	return spec, numFrames
}

// melFilterbank строит треугольные mel-фильтры (HTK formula,
// совместимо с torchaudio)
func melFilterbank(nFFT, nMels, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 {
		return 2595.0 * math.Log10(1.0+hz/700.0)
	}
	melToHz := func(mel float64) float64 {
		return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
	}

	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	allFreqs := make([]float64, numBins)
	for i := range allFreqs {
		allFreqs[i] = float64(i) * fMax / float64(numBins-1)
	}

	mMin := hzToMel(0)
	mMax := hzToMel(fMax)
	fPts := make([]float64, nMels+2)
	for i := range fPts {
		mel := mMin + float64(i)*(mMax-mMin)/float64(nMels+1)
		fPts[i] = melToHz(mel)
	}

	fDiff := make([]float64, nMels+1)
	for i := range fDiff {
		fDiff[i] = fPts[i+1] - fPts[i]
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filters[m] = make([]float64, numBins)
		for k, freq := range allFreqs {
			lower := (freq - fPts[m]) / fDiff[m]
			upper := (fPts[m+2] - freq) / fDiff[m+1]
			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val
		}
	}
	return filters
}

func hannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}
