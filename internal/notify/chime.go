package notify

import (
	log "log/slog"
	"math"
	"time"

	"github.com/faiface/beep"

	"yara/internal/playback"
)

const (
	chimeRate     = beep.SampleRate(44100)
	chimeFrom     = 800.0
	chimeTo       = 1000.0
	chimeDuration = 200 * time.Millisecond
	chimeGain     = 0.3
)

// Chime is the short rising tone played when the wake word is heard.
type Chime struct {
	player *playback.Player
}

func NewChime(p *playback.Player) *Chime {
	return &Chime{player: p}
}

// Play starts the tone and returns immediately.
func (c *Chime) Play() {
	format := beep.Format{SampleRate: chimeRate, NumChannels: 1, Precision: 2}
	s := newSweep(chimeRate, chimeFrom, chimeTo, chimeDuration)
	if _, err := c.player.PlayStreamer(s, format, nil); err != nil {
		log.Warn("Failed to play chime", "err", err)
	}
}

// sweep is a sine whose frequency rises linearly, with a short fade in and
// out so it does not click.
type sweep struct {
	rate     float64
	from, to float64
	n        int
	pos      int
	phase    float64
}

func newSweep(rate beep.SampleRate, from, to float64, d time.Duration) *sweep {
	return &sweep{rate: float64(rate), from: from, to: to, n: rate.N(d)}
}

func (s *sweep) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= s.n {
		return 0, false
	}
	i := 0
	for ; i < len(samples) && s.pos < s.n; i++ {
		t := float64(s.pos) / float64(s.n)
		freq := s.from + (s.to-s.from)*t
		s.phase += 2 * math.Pi * freq / s.rate
		v := math.Sin(s.phase) * chimeGain * envelope(t)
		samples[i][0], samples[i][1] = v, v
		s.pos++
	}
	return i, true
}

func envelope(t float64) float64 {
	const edge = 0.1
	switch {
	case t < edge:
		return t / edge
	case t > 1-edge:
		return (1 - t) / edge
	default:
		return 1
	}
}

func (s *sweep) Err() error   { return nil }
func (s *sweep) Close() error { return nil }
