package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yara/internal/session"
)

func frame(level float32) []float32 {
	f := make([]float32, FrameSize)
	for i := range f {
		if i%2 == 0 {
			f[i] = level
		} else {
			f[i] = -level
		}
	}
	return f
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.InDelta(t, 0.5, RMS(frame(0.5)), 1e-9)
}

func TestRecorder_OneStreamAtATime(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.acquire(ctx), context.DeadlineExceeded)

	got := make(chan error, 1)
	go func() { got <- r.acquire(context.Background()) }()

	select {
	case <-got:
		t.Fatal("second stream opened while the first was held")
	case <-time.After(20 * time.Millisecond):
	}

	r.release()
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second stream never got the device")
	}
	r.release()
}

func TestEndpointer_StopsAfterTrailingSilence(t *testing.T) {
	ep := Endpointing{SilenceRMS: 0.015, Silence: 100 * time.Millisecond, MaxLength: 10 * time.Second}
	e := newEndpointer(ep)

	// leading silence is not recorded
	require.True(t, e.push(frame(0)))
	require.True(t, e.push(frame(0.2)))
	require.True(t, e.push(frame(0.2)))

	pushed := 0
	for e.push(frame(0)) {
		pushed++
		require.Less(t, pushed, 10)
	}
	// 100ms of 20ms frames
	assert.Equal(t, 4, pushed)

	pcm, err := e.result()
	require.NoError(t, err)
	assert.Len(t, pcm, 7*FrameSize)
}

func TestEndpointer_StartTimeout(t *testing.T) {
	ep := Endpointing{SilenceRMS: 0.015, Silence: time.Second, StartTimeout: 200 * time.Millisecond}
	e := newEndpointer(ep)

	n := 0
	for e.push(frame(0.001)) {
		n++
	}
	assert.Equal(t, 9, n)

	_, err := e.result()
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestEndpointer_MaxLength(t *testing.T) {
	ep := Endpointing{SilenceRMS: 0.015, Silence: time.Second, MaxLength: 100 * time.Millisecond}
	e := newEndpointer(ep)

	n := 1
	for e.push(frame(0.3)) {
		n++
	}
	assert.Equal(t, 5, n)
}

type fakeRecorder struct {
	pcm   []float32
	err   error
	block bool // wait for cancellation
}

func (f fakeRecorder) RecordUtterance(ctx context.Context, _ Endpointing) ([]float32, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.pcm, f.err
}

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Transcribe(context.Context, []float32) (string, error) { return f.text, f.err }

type handlerLog struct {
	mu     sync.Mutex
	events []string
	ended  chan struct{}
}

func newHandlerLog() *handlerLog { return &handlerLog{ended: make(chan struct{})} }

func (h *handlerLog) add(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, s)
}

func (h *handlerLog) CaptureStarted()        { h.add("started") }
func (h *handlerLog) CaptureResult(t string) { h.add("result:" + t) }
func (h *handlerLog) CaptureError(r string)  { h.add("error:" + r) }
func (h *handlerLog) CaptureEnded()          { h.add("ended"); close(h.ended) }

func (h *handlerLog) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-h.ended:
	case <-time.After(time.Second):
		t.Fatal("capture never ended")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

var _ session.Capture = (*Capture)(nil)

func TestCapture_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		rec  fakeRecorder
		stt  fakeSTT
		want []string
	}{
		{
			name: "transcript",
			rec:  fakeRecorder{pcm: frame(0.2)},
			stt:  fakeSTT{text: "turn on lights"},
			want: []string{"started", "result:turn on lights", "ended"},
		},
		{
			name: "silence",
			rec:  fakeRecorder{err: ErrNoSpeech},
			want: []string{"started", "error:no-speech", "ended"},
		},
		{
			name: "device failure",
			rec:  fakeRecorder{err: errors.New("device unplugged")},
			want: []string{"started", "error:audio-capture", "ended"},
		},
		{
			name: "whisper failure",
			rec:  fakeRecorder{pcm: frame(0.2)},
			stt:  fakeSTT{err: errors.New("model crashed")},
			want: []string{"started", "error:transcription-failed", "ended"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCapture(tt.rec, tt.stt, DefaultEndpointing())
			h := newHandlerLog()

			require.NoError(t, c.Start(h))
			assert.Equal(t, tt.want, h.wait(t))
		})
	}
}

func TestCapture_StopDropsPartial(t *testing.T) {
	c := NewCapture(fakeRecorder{block: true}, fakeSTT{text: "never"}, DefaultEndpointing())
	h := newHandlerLog()

	require.NoError(t, c.Start(h))
	require.Error(t, c.Start(newHandlerLog()), "second capture must be refused")

	require.NoError(t, c.Stop())
	assert.Equal(t, []string{"started", "ended"}, h.wait(t))

	// capture is reusable afterwards
	h2 := newHandlerLog()
	require.NoError(t, c.Start(h2))
	c.Stop()
	h2.wait(t)
}

func TestParseSinkInputs(t *testing.T) {
	out := `Sink Input #42
	Driver: protocol-native.c
	Volume: front-left: 65536 / 100% / 0.00 dB,   front-right: 65536 / 100% / 0.00 dB
	Properties:
		application.name = "Firefox"
Sink Input #57
	Volume: front-left: 32768 /  50% / -18.06 dB
	Properties:
		application.name = "yara"
Sink Input #oops
	Volume: front-left: 1 / 1%
`
	got := parseSinkInputs(out)
	assert.Equal(t, []streamInfo{
		{ID: 42, Volume: 100, AppName: "Firefox"},
		{ID: 57, Volume: 50, AppName: "yara"},
	}, got)

	assert.Empty(t, parseSinkInputs(""))
}

func TestFadeTarget_At(t *testing.T) {
	ft := fadeTarget{from: 100, to: 20}
	assert.Equal(t, 60, ft.at(1, 2))
	assert.Equal(t, 20, ft.at(2, 2))
}

func TestSessionDucker_KeepsLatestWish(t *testing.T) {
	s := NewSessionDucker(NewDucker([]string{"yara"}, 10), 0.3, 0)

	s.StateChanged(session.Idle, session.Listening)
	s.StateChanged(session.Listening, session.Processing)
	s.StateChanged(session.Processing, session.Speaking)

	require.Len(t, s.want, 1)
	assert.True(t, <-s.want)
}
