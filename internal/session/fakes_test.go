package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInference struct {
	mu     sync.Mutex
	chats  []string
	voices []string

	chat  func(string) (Reply, error)
	voice func(string) (Reply, error)
}

func (f *fakeInference) Chat(_ context.Context, message string) (Reply, error) {
	f.mu.Lock()
	f.chats = append(f.chats, message)
	fn := f.chat
	f.mu.Unlock()
	if fn == nil {
		return Reply{Text: "ok"}, nil
	}
	return fn(message)
}

func (f *fakeInference) Voice(_ context.Context, text string) (Reply, error) {
	f.mu.Lock()
	f.voices = append(f.voices, text)
	fn := f.voice
	f.mu.Unlock()
	if fn == nil {
		return Reply{Text: "ok"}, nil
	}
	return fn(text)
}

func (f *fakeInference) calls() (chats, voices int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chats), len(f.voices)
}

type fakeCapture struct {
	mu       sync.Mutex
	starts   int
	stops    int
	handler  CaptureHandler
	startErr error
}

func (f *fakeCapture) Start(h CaptureHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.handler = h
	h.CaptureStarted()
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCapture) current() CaptureHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeCapture) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakePlayer struct {
	mu      sync.Mutex
	log     []string
	handles []*fakePlayback
	err     error
}

type fakePlayback struct {
	p       *fakePlayer
	n       int
	onEnded func()
	stopped bool
}

func (h *fakePlayback) Stop() {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	h.stopped = true
	h.p.log = append(h.p.log, fmt.Sprintf("stop#%d", h.n))
}

func (f *fakePlayer) Play(audio string, onEnded func()) (Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := &fakePlayback{p: f, n: len(f.handles) + 1, onEnded: onEnded}
	f.handles = append(f.handles, h)
	f.log = append(f.log, fmt.Sprintf("play#%d", h.n))
	return h, nil
}

// active reports how many handles were started and not stopped.
func (f *fakePlayer) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if !h.stopped {
			n++
		}
	}
	return n
}

func (f *fakePlayer) finish(i int) {
	f.mu.Lock()
	h := f.handles[i]
	f.mu.Unlock()
	h.onEnded()
}

func (f *fakePlayer) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

type fakeWakeWord struct {
	mu          sync.Mutex
	calls       []string
	activateErr error
}

func (f *fakeWakeWord) Activate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "activate")
	return f.activateErr
}

func (f *fakeWakeWord) Deactivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deactivate")
	return nil
}

type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	stops  []*atomic.Bool
}

type fakeTimer struct{ stopped *atomic.Bool }

func (t fakeTimer) Stop() bool {
	t.stopped.Store(true)
	return true
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	stopped := &atomic.Bool{}
	f.stops = append(f.stops, stopped)
	return fakeTimer{stopped: stopped}
}

func (f *fakeTimers) stopped(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[i].Load()
}

func (f *fakeTimers) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func (f *fakeTimers) fireLast() {
	f.mu.Lock()
	fn := f.fns[len(f.fns)-1]
	f.mu.Unlock()
	fn()
}

type recorder struct {
	mu      sync.Mutex
	states  []State
	notices []string
	cleared int
}

func (r *recorder) StateChanged(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) EntryAdded(Entry) {}

func (r *recorder) HistoryCleared() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *recorder) Notice(level NoticeLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, string(level)+": "+msg)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) noticed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notices...)
}

var errDownstream = errors.New("downstream failure")

type harness struct {
	ctrl     *Controller
	inf      *fakeInference
	capture  *fakeCapture
	player   *fakePlayer
	wake     *fakeWakeWord
	timers   *fakeTimers
	observer *recorder
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()

	h := &harness{
		inf:      &fakeInference{},
		capture:  &fakeCapture{},
		player:   &fakePlayer{},
		wake:     &fakeWakeWord{},
		timers:   &fakeTimers{},
		observer: &recorder{},
	}

	opts := Options{
		Capture:   h.capture,
		Inference: h.inf,
		Player:    h.player,
		WakeWord:  h.wake,
		Observers: []Observer{h.observer},
		AfterFunc: h.timers.AfterFunc,
	}
	if tweak != nil {
		tweak(&opts)
	}

	ctrl, err := New(opts)
	require.NoError(t, err)
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ctrl.State() == want
	}, time.Second, 5*time.Millisecond, "state never became %s", want)
}
