// Package audio inspects WAV uploads before they are queued.
package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSilenceDBFS is the RMS level at or below which a recording counts
// as silent.
const DefaultSilenceDBFS = -65.0

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
	// ErrNotWAV is returned for inputs that Inspect does not analyze.
	ErrNotWAV = errors.New("not a wav file")
)

// Info describes a WAV recording.
type Info struct {
	SampleRate int
	Channels   int
	Samples    int64
	Duration   time.Duration
	RMSdBFS    float64
	PeakdBFS   float64
}

// Silent reports whether the recording stays at or below thresholdDBFS. The
// peak may be up to 6 dB louder to tolerate clicks.
func (i Info) Silent(thresholdDBFS float64) bool {
	if i.Samples == 0 {
		return true
	}
	if math.IsInf(i.RMSdBFS, -1) && math.IsInf(i.PeakdBFS, -1) {
		return true
	}
	return i.RMSdBFS <= thresholdDBFS && i.PeakdBFS <= thresholdDBFS+6
}

type wavFormat struct {
	encoding      uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// Inspect reads the WAV file at path and measures its level and length.
// Files without a .wav extension return ErrNotWAV.
func Inspect(path string) (Info, error) {
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return Info{}, ErrNotWAV
	}

	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	format, dataSize, err := readHeader(f)
	if err != nil {
		return Info{}, err
	}

	return measure(bufio.NewReaderSize(io.LimitReader(f, int64(dataSize)), 64<<10), format)
}

// readHeader walks the RIFF chunks and leaves r positioned at the start of
// the data chunk.
func readHeader(r io.ReadSeeker) (wavFormat, uint32, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wavFormat{}, 0, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return wavFormat{}, 0, fmt.Errorf("read wav header: %w", err)
	}
	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavFormat{}, 0, ErrInvalidWAV
	}

	var (
		format wavFormat
		hasFmt bool
	)
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return wavFormat{}, 0, ErrInvalidWAV
			}
			return wavFormat{}, 0, fmt.Errorf("read wav chunk header: %w", err)
		}

		id := string(chunk[:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])
		padded := int64(size) + int64(size%2)

		switch id {
		case "fmt ":
			if size < 16 {
				return wavFormat{}, 0, ErrInvalidWAV
			}
			buf := make([]byte, padded)
			if _, err := io.ReadFull(r, buf); err != nil {
				return wavFormat{}, 0, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			format = wavFormat{
				encoding:      binary.LittleEndian.Uint16(buf[0:2]),
				channels:      binary.LittleEndian.Uint16(buf[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			if err := format.validate(); err != nil {
				return wavFormat{}, 0, err
			}
			hasFmt = true
		case "data":
			if !hasFmt {
				return wavFormat{}, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			return format, size, nil
		default:
			if _, err := r.Seek(padded, io.SeekCurrent); err != nil {
				return wavFormat{}, 0, fmt.Errorf("seek wav chunk %s: %w", id, err)
			}
		}
	}
}

func (f wavFormat) validate() error {
	if f.channels == 0 || f.sampleRate == 0 {
		return ErrInvalidWAV
	}
	switch {
	case f.encoding == 1 && (f.bitsPerSample == 8 || f.bitsPerSample == 16 || f.bitsPerSample == 24 || f.bitsPerSample == 32):
		return nil
	case f.encoding == 3 && (f.bitsPerSample == 32 || f.bitsPerSample == 64):
		return nil
	default:
		return ErrUnsupportedWAV
	}
}

func measure(r io.Reader, format wavFormat) (Info, error) {
	width := int(format.bitsPerSample / 8)
	sample := make([]byte, width)

	var (
		peak, sumSquares float64
		samples          int64
	)
	for {
		if _, err := io.ReadFull(r, sample); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Info{}, fmt.Errorf("read wav data: %w", err)
		}
		value := decodeSample(sample, format)
		peak = max(peak, math.Abs(value))
		sumSquares += value * value
		samples++
	}

	info := Info{
		SampleRate: int(format.sampleRate),
		Channels:   int(format.channels),
		Samples:    samples,
		RMSdBFS:    math.Inf(-1),
		PeakdBFS:   math.Inf(-1),
	}
	frames := samples / int64(format.channels)
	info.Duration = time.Duration(frames) * time.Second / time.Duration(format.sampleRate)
	if samples > 0 {
		info.RMSdBFS = toDBFS(math.Sqrt(sumSquares / float64(samples)))
		info.PeakdBFS = toDBFS(peak)
	}
	return info, nil
}

func decodeSample(sample []byte, format wavFormat) float64 {
	if format.encoding == 3 {
		if format.bitsPerSample == 64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(sample))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample)))
	}

	switch format.bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128) / 128
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608
	default:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648
	}
}

func toDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(amplitude)
}
