package audio

import (
	"context"
	"errors"
	log "log/slog"
	"sync"

	"yara/internal/session"
)

type Transcriber interface {
	Transcribe(ctx context.Context, pcm16k []float32) (string, error)
}

type UtteranceRecorder interface {
	RecordUtterance(ctx context.Context, ep Endpointing) ([]float32, error)
}

// Capture is the speech-capture capability: record one utterance from the
// microphone, transcribe it and report through the handler.
type Capture struct {
	rec UtteranceRecorder
	stt Transcriber
	ep  Endpointing

	mu  sync.Mutex
	cur *captureRun
}

type captureRun struct {
	cancel context.CancelFunc
}

func NewCapture(rec UtteranceRecorder, stt Transcriber, ep Endpointing) *Capture {
	return &Capture{rec: rec, stt: stt, ep: ep}
}

func (c *Capture) Start(h session.CaptureHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		return errors.New("capture already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &captureRun{cancel: cancel}
	c.cur = r

	go c.run(ctx, r, h)
	return nil
}

// Stop aborts the running capture. Partial audio is dropped.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		c.cur.cancel()
		c.cur = nil
	}
	return nil
}

func (c *Capture) finish(r *captureRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.cancel()
	if c.cur == r {
		c.cur = nil
	}
}

func (c *Capture) run(ctx context.Context, r *captureRun, h session.CaptureHandler) {
	h.CaptureStarted()
	defer h.CaptureEnded()
	defer c.finish(r)

	pcm, err := c.rec.RecordUtterance(ctx, c.ep)
	if ctx.Err() != nil {
		log.Debug("Capture aborted")
		return
	}
	if errors.Is(err, ErrNoSpeech) {
		h.CaptureError("no-speech")
		return
	}
	if err != nil {
		log.Error("Failed to record", "err", err)
		h.CaptureError("audio-capture")
		return
	}

	log.Info("Recorded", "samples", len(pcm))

	text, err := c.stt.Transcribe(ctx, pcm)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Error("Failed to transcribe", "err", err)
		h.CaptureError("transcription-failed")
		return
	}

	log.Info("Transcribed", "text", text)
	h.CaptureResult(text)
}
