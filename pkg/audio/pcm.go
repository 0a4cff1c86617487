// Package audio turns a raw little-endian int16 PCM byte stream into the
// fixed-size mono frames a recognizer expects.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Validate reports whether f can be converted to mono.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: unsupported channel count %d", f.Channels)
	}
	return nil
}

// frameBytes is the size of a src-format chunk spanning d.
func (f Format) frameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return max(samples, 1) * 2 * f.Channels
}

// Capture reads src-format PCM from r and emits mono frames at dstRate,
// each spanning frame (20ms when zero). The channel closes at EOF, on a
// read error, or when ctx ends. A trailing partial frame is dropped.
func Capture(ctx context.Context, r io.Reader, src Format, dstRate int, frame time.Duration) (<-chan []byte, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid target rate %d", dstRate)
	}
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	dst := Format{SampleRate: dstRate, Channels: 1}
	if src != dst {
		slog.Info("audio capture converting", "from", src, "to", dst)
	}

	n := src.frameBytes(frame)
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Warn("audio capture read error", "err", err)
				}
				return
			}
			pcm := ToMono(buf, src.Channels)
			pcm = Resample(pcm, src.SampleRate, dstRate)
			select {
			case out <- pcm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ToMono averages interleaved stereo samples to mono. Mono input is
// returned unchanged.
func ToMono(pcm []byte, channels int) []byte {
	if channels != 2 {
		return pcm
	}
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sample(pcm, i*2))
		r := int32(sample(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample converts mono PCM from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return the input unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	n := int(int64(in) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]byte, n*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * step
		k := int(pos)
		frac := pos - float64(k)
		s0 := sample(pcm, k)
		s1 := s0
		if k+1 < in {
			s1 = sample(pcm, k+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}
