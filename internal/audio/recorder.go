package audio

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	SampleRate = 16000
	FrameSize  = 320 // 20ms
	frameDur   = time.Second * FrameSize / SampleRate
)

// ErrNoSpeech is returned when nothing louder than the silence threshold
// was heard before the start timeout.
var ErrNoSpeech = errors.New("no speech detected")

type Endpointing struct {
	SilenceRMS   float64       // frames below are silence
	Silence      time.Duration // trailing silence that ends an utterance
	MaxLength    time.Duration
	StartTimeout time.Duration // give up if speech never starts
}

func DefaultEndpointing() Endpointing {
	return Endpointing{
		SilenceRMS:   0.015,
		Silence:      600 * time.Millisecond,
		MaxLength:    10 * time.Second,
		StartTimeout: 5 * time.Second,
	}
}

// Recorder opens one input stream at a time. A second Stream waits until
// the first one has closed its device.
type Recorder struct {
	busy chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{busy: make(chan struct{}, 1)}
}

func (r *Recorder) acquire(ctx context.Context) error {
	select {
	case r.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) release() { <-r.busy }

func (r *Recorder) Init() error {
	return portaudio.Initialize()
}

func (r *Recorder) Close() {
	portaudio.Terminate()
}

// Stream reads 20ms mono frames from the default input and hands them to
// fn until ctx is done or fn returns false. The frame slice is reused.
func (r *Recorder) Stream(ctx context.Context, fn func(frame []float32) bool) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	buf := make([]float32, FrameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return err
	}
	defer stream.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Read(); err != nil {
			return err
		}
		if !fn(buf) {
			return nil
		}
	}
}

// RecordUtterance records from the first loud frame until enough trailing
// silence, ctx cancellation or the length limit.
func (r *Recorder) RecordUtterance(ctx context.Context, ep Endpointing) ([]float32, error) {
	e := newEndpointer(ep)

	err := r.Stream(ctx, e.push)
	if err != nil {
		return nil, err
	}

	return e.result()
}

// endpointer is the silence-based utterance boundary detector.
type endpointer struct {
	ep Endpointing

	out           []float32
	speaking      bool
	silenceFrames int
	frames        int
}

func newEndpointer(ep Endpointing) *endpointer {
	return &endpointer{
		ep:  ep,
		out: make([]float32, 0, SampleRate*3),
	}
}

// push consumes one frame and reports whether recording should continue.
func (e *endpointer) push(frame []float32) bool {
	e.frames++
	elapsed := time.Duration(e.frames) * frameDur

	if RMS(frame) > e.ep.SilenceRMS {
		e.speaking = true
		e.silenceFrames = 0
		e.out = append(e.out, frame...)
	} else if e.speaking {
		e.silenceFrames++
		e.out = append(e.out, frame...)
		if time.Duration(e.silenceFrames)*frameDur >= e.ep.Silence {
			return false
		}
	} else if e.ep.StartTimeout > 0 && elapsed >= e.ep.StartTimeout {
		return false
	}

	return e.ep.MaxLength <= 0 || elapsed < e.ep.MaxLength
}

func (e *endpointer) result() ([]float32, error) {
	if !e.speaking {
		return nil, ErrNoSpeech
	}
	return e.out, nil
}

func RMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
