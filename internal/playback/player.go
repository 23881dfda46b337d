// Package playback plays base64 encoded replies through the default audio
// output with faiface/beep.
package playback

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"

	"yara/internal/session"
	"yara/pkg/audioconv"
)

const DefaultSampleRate = beep.SampleRate(44100)

// Player owns the speaker. The speaker is initialised lazily on first use
// and every stream is resampled to its rate.
type Player struct {
	rate beep.SampleRate

	once    sync.Once
	initErr error
}

func NewPlayer(rate beep.SampleRate) *Player {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Player{rate: rate}
}

func (p *Player) init() error {
	p.once.Do(func() {
		p.initErr = speaker.Init(p.rate, p.rate.N(time.Second/10))
	})
	return p.initErr
}

// Play decodes the payload and starts playing it. onEnded is called once
// when the stream runs out, unless the handle was stopped first.
func (p *Player) Play(payload string, onEnded func()) (session.Playback, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	s, format, err := decode(data)
	if err != nil {
		return nil, err
	}

	h, err := p.PlayStreamer(s, format, onEnded)
	if err != nil {
		s.Close()
		return nil, err
	}
	return h, nil
}

// PlayStreamer plays an already decoded stream.
func (p *Player) PlayStreamer(s beep.StreamCloser, format beep.Format, onEnded func()) (*Handle, error) {
	if err := p.init(); err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}

	var src beep.Streamer = s
	if format.SampleRate != p.rate {
		src = beep.Resample(4, format.SampleRate, p.rate, s)
	}

	h := &Handle{src: s, onEnded: onEnded}
	h.ctrl = &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(h.finished))}

	speaker.Play(h.ctrl)
	log.Debug("Playback started", "rate", format.SampleRate, "channels", format.NumChannels)
	return h, nil
}

// Handle is one playing stream.
type Handle struct {
	ctrl    *beep.Ctrl
	src     beep.StreamCloser
	onEnded func()

	mu   sync.Mutex
	done bool
}

// finished runs on the speaker goroutine with the speaker lock held.
func (h *Handle) finished() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()

	go func() {
		h.src.Close()
		if h.onEnded != nil {
			h.onEnded()
		}
	}()
}

func (h *Handle) Stop() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()

	speaker.Lock()
	h.ctrl.Paused = true
	h.ctrl.Streamer = nil
	speaker.Unlock()

	if err := h.src.Close(); err != nil {
		log.Warn("Failed to close audio stream", "err", err)
	}
}

func decode(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	rc := func() io.ReadCloser { return io.NopCloser(bytes.NewReader(data)) }

	switch audioconv.Sniff(data) {
	case audioconv.WAV:
		return wav.Decode(bytes.NewReader(data))
	case audioconv.Ogg:
		s, f, err := vorbis.Decode(rc())
		if err == nil {
			return s, f, nil
		}
		// Ogg that is not vorbis is most likely opus.
		return decodePCM(data)
	case audioconv.MP3, audioconv.Unknown:
		s, f, err := mp3.Decode(rc())
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("decode audio: %w", err)
		}
		return s, f, nil
	}
	return nil, beep.Format{}, errors.New("unsupported audio payload")
}

func decodePCM(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	pcm, err := audioconv.ConvertBytesToPCM16k(data, audioconv.Options{})
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("decode audio: %w", err)
	}
	format := beep.Format{SampleRate: audioconv.TargetRate, NumChannels: 1, Precision: 2}
	return &pcmStreamer{pcm: pcm}, format, nil
}

// pcmStreamer plays mono float samples on both channels.
type pcmStreamer struct {
	pcm []float32
	pos int
}

func (s *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.pcm) {
		return 0, false
	}
	n := copyMono(samples, s.pcm[s.pos:])
	s.pos += n
	return n, true
}

func copyMono(dst [][2]float64, src []float32) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		v := float64(src[i])
		dst[i][0], dst[i][1] = v, v
	}
	return n
}

func (s *pcmStreamer) Err() error    { return nil }
func (s *pcmStreamer) Len() int      { return len(s.pcm) }
func (s *pcmStreamer) Position() int { return s.pos }
func (s *pcmStreamer) Close() error  { return nil }

func (s *pcmStreamer) Seek(p int) error {
	if p < 0 || p > len(s.pcm) {
		return fmt.Errorf("seek position %d out of range [0, %d]", p, len(s.pcm))
	}
	s.pos = p
	return nil
}
