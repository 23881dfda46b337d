// Package wakeword listens on the microphone for a short utterance that
// transcribes to the wake phrase and then asks the session to start
// listening.
package wakeword

import (
	"context"
	"errors"
	log "log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"yara/internal/config"
	"yara/internal/session"
)

const (
	DefaultPhrase      = "yara"
	DefaultSensitivity = 0.6
	DefaultCooldown    = 3 * time.Second
)

type Settings struct {
	Enabled     bool
	Sensitivity float64
}

func (s *Settings) SetSensitivity(v float64) {
	s.Sensitivity = config.ClampSensitivity(v)
}

// Threshold is the RMS level a frame needs to count as speech. Higher
// sensitivity lowers it.
func (s Settings) Threshold() float64 {
	return 0.005 + 0.03*(1-config.ClampSensitivity(s.Sensitivity))
}

type FrameStreamer interface {
	Stream(ctx context.Context, fn func(frame []float32) bool) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm16k []float32) (string, error)
}

// Trigger is what a detection or a listener failure calls, normally the
// session controller.
type Trigger interface {
	WakeWordDetected() error
	WakeWordFailed(err error) error
}

type Options struct {
	Phrase      string
	Sensitivity float64
	Cooldown    time.Duration
	// Chime is played on detection, may be nil.
	Chime func()
}

// Detector implements session.WakeWord.
type Detector struct {
	mic    FrameStreamer
	stt    Transcriber
	phrase string
	chime  func()

	cooldown time.Duration

	mu       sync.Mutex
	target   Trigger
	settings Settings
	paused   bool
	cancel   context.CancelFunc
	resume   *time.Timer
}

var (
	_ session.WakeWord = (*Detector)(nil)
	_ session.Observer = (*Detector)(nil)
)

func NewDetector(mic FrameStreamer, stt Transcriber, opt Options) *Detector {
	phrase := normalize(opt.Phrase)
	if phrase == "" {
		phrase = DefaultPhrase
	}
	if opt.Cooldown <= 0 {
		opt.Cooldown = DefaultCooldown
	}
	if opt.Sensitivity == 0 {
		opt.Sensitivity = DefaultSensitivity
	}

	d := &Detector{
		mic:      mic,
		stt:      stt,
		phrase:   phrase,
		chime:    opt.Chime,
		cooldown: opt.Cooldown,
	}
	d.settings.SetSensitivity(opt.Sensitivity)
	return d
}

// SetTarget wires the detector to the session it triggers.
func (d *Detector) SetTarget(t Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = t
}

func (d *Detector) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *Detector) Phrase() string { return d.phrase }

// SetSensitivity restarts a running listener with the new threshold.
func (d *Detector) SetSensitivity(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.SetSensitivity(v)
	if d.cancel != nil {
		d.stopLocked()
		d.startLocked()
	}
	log.Info("Wake word sensitivity set", "sensitivity", d.settings.Sensitivity)
}

func (d *Detector) Activate() error {
	if d.mic == nil || d.stt == nil {
		return errors.New("wake word detection needs a microphone and a transcriber")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.settings.Enabled = true
	d.startLocked()
	log.Info("Wake word detector activated", "phrase", d.phrase)
	return nil
}

// Deactivate stops listening without waiting for the listener to exit.
func (d *Detector) Deactivate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.settings.Enabled = false
	d.stopLocked()
	if d.resume != nil {
		d.resume.Stop()
		d.resume = nil
	}
	log.Info("Wake word detector deactivated")
	return nil
}

// StateChanged pauses listening while the session is busy with the
// microphone or the speaker and resumes once it is idle.
func (d *Detector) StateChanged(_, to session.State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paused = to != session.Idle
	if d.paused {
		d.stopLocked()
		return
	}
	if d.settings.Enabled && d.resume == nil {
		d.startLocked()
	}
}

func (d *Detector) EntryAdded(session.Entry)           {}
func (d *Detector) HistoryCleared()                    {}
func (d *Detector) Notice(session.NoticeLevel, string) {}

func (d *Detector) startLocked() {
	if d.cancel != nil || d.paused {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.listen(ctx, d.settings.Threshold())
}

func (d *Detector) stopLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Detector) listen(ctx context.Context, threshold float64) {
	seg := newSegmenter(threshold)
	hit := false

	err := d.mic.Stream(ctx, func(frame []float32) bool {
		utt := seg.feed(frame)
		if utt == nil {
			return true
		}

		text, err := d.stt.Transcribe(ctx, utt)
		if err != nil {
			log.Warn("Wake word transcription failed", "err", err)
			return true
		}
		if !d.Match(text) {
			log.Debug("Not a wake word", "text", text)
			return true
		}

		hit = true
		return false
	})

	// The stream is closed here, so the session can open the microphone.
	switch {
	case hit:
		d.detected(ctx)
	case err != nil:
		d.failed(ctx, err)
	}
}

// failed disables a listener that stopped on its own and reports it.
func (d *Detector) failed(ctx context.Context, err error) {
	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.stopLocked()
	d.settings.Enabled = false
	target := d.target
	d.mu.Unlock()

	log.Error("Wake word listener stopped", "err", err)
	if target != nil {
		target.WakeWordFailed(err)
	}
}

// detected pauses listening, triggers the session and resumes after the
// cooldown if the detector is still enabled.
func (d *Detector) detected(ctx context.Context) {
	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.stopLocked()
	target := d.target
	d.resume = time.AfterFunc(d.cooldown, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.resume = nil
		if d.settings.Enabled {
			d.startLocked()
		}
	})
	d.mu.Unlock()

	log.Info("Wake word detected")

	if d.chime != nil {
		d.chime()
	}
	if target == nil {
		return
	}
	if err := target.WakeWordDetected(); err != nil {
		log.Debug("Wake word ignored by session", "err", err)
	}
}

// Match reports whether the transcript contains the wake phrase as whole words.
func (d *Detector) Match(text string) bool {
	t := " " + normalize(text) + " "
	return strings.Contains(t, " "+d.phrase+" ")
}

// normalize lowercases, strips punctuation and collapses whitespace.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

const (
	frameDur     = 20 * time.Millisecond
	minUtterance = 300 * time.Millisecond
	maxUtterance = 2 * time.Second
	endSilence   = 300 * time.Millisecond
)

// segmenter cuts short utterances out of a frame stream. Utterances longer
// than a wake phrase can be are dropped.
type segmenter struct {
	threshold float64

	buf      []float32
	inSpeech bool
	speech   time.Duration
	silence  time.Duration
	overlong bool
}

func newSegmenter(threshold float64) *segmenter {
	return &segmenter{threshold: threshold}
}

func (s *segmenter) feed(frame []float32) []float32 {
	loud := rms(frame) > s.threshold

	if !s.inSpeech {
		if !loud {
			return nil
		}
		s.inSpeech = true
		s.buf = s.buf[:0]
		s.speech, s.silence, s.overlong = 0, 0, false
	}

	if !s.overlong {
		s.buf = append(s.buf, frame...)
	}
	s.speech += frameDur

	if loud {
		s.silence = 0
		if s.speech > maxUtterance {
			s.overlong = true
			s.buf = s.buf[:0]
		}
		return nil
	}

	s.silence += frameDur
	if s.silence < endSilence {
		return nil
	}

	s.inSpeech = false
	if s.overlong || s.speech-s.silence < minUtterance {
		return nil
	}
	return append([]float32(nil), s.buf...)
}

func rms(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, x := range f {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(f)))
}
