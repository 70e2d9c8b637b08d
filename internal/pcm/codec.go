package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// InputSampleRate is the capture rate expected by the remote endpoint
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized speech coming back
	OutputSampleRate = 24000

	scale = 32768.0
)

// Frame is a block of single-channel float samples at a declared rate
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the frame
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is a decoded, playable block of audio with one slice per channel
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// Frames returns the number of sample frames in the buffer
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the length of the buffer in seconds
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// DurationTime returns the buffer length as a time.Duration
func (b *Buffer) DurationTime() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// Chunk is one encoded unit of audio sent across the session: base64 of
// little-endian 16-bit PCM plus a MIME tag naming rate and encoding.
type Chunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// FloatsToPCM16 scales each sample by 32768 and truncates it to a signed
// 16-bit little-endian integer. Out of range samples saturate.
func FloatsToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * scale
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloats decodes interleaved 16-bit PCM into a Buffer. A length that is
// not a multiple of the frame stride is truncated to whole frames.
func PCM16ToFloats(data []byte, sampleRate, channels int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	stride := 2 * channels
	frames := len(data) / stride

	buf := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := i*stride + ch*2
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			buf.Channels[ch][i] = float32(v) / scale
		}
	}
	return buf
}

// Encode wraps raw bytes in the text-safe transport encoding
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode reverses Encode
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return b, nil
}

// EncodeChunk converts captured samples into a chunk ready to send
func EncodeChunk(samples []float32, sampleRate int) Chunk {
	return Chunk{
		Data:     Encode(FloatsToPCM16(samples)),
		MIMEType: MIMEType(sampleRate),
	}
}

// DecodeChunk decodes an inbound chunk. When the MIME tag carries no rate the
// fallback rate is used.
func DecodeChunk(c Chunk, fallbackRate, channels int) (*Buffer, error) {
	rate, err := ParseMIMEType(c.MIMEType)
	if err != nil {
		return nil, err
	}
	if rate == 0 {
		rate = fallbackRate
	}
	raw, err := Decode(c.Data)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloats(raw, rate, channels), nil
}

// MIMEType returns the tag for 16-bit PCM at the given rate
func MIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// ParseMIMEType extracts the sample rate from a PCM MIME tag. A tag without a
// rate parameter yields 0.
func ParseMIMEType(s string) (int, error) {
	parts := strings.Split(s, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	if base != "audio/pcm" && base != "audio/l16" {
		return 0, fmt.Errorf("unsupported audio mime type %q", s)
	}

	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "rate" {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rate <= 0 {
			return 0, fmt.Errorf("invalid rate in mime type %q", s)
		}
		return rate, nil
	}
	return 0, nil
}

// Float32LE decodes little-endian float32 samples as sent by the browser
// capture node. A trailing partial sample is dropped.
func Float32LE(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// PutFloat32LE is the inverse of Float32LE
func PutFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
