package wakeword

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yara/internal/session"
)

func frame(amp float32) []float32 {
	f := make([]float32, 320)
	for i := range f {
		f[i] = amp
	}
	return f
}

// burst is n loud frames followed by enough silence to close the utterance.
func burst(n int) [][]float32 {
	var out [][]float32
	for i := 0; i < n; i++ {
		out = append(out, frame(0.3))
	}
	for i := 0; i < 20; i++ {
		out = append(out, frame(0))
	}
	return out
}

type fakeMic struct {
	frames [][]float32
	err    error
	opened atomic.Int32
	live   atomic.Int32
}

func (m *fakeMic) Stream(ctx context.Context, fn func([]float32) bool) error {
	m.opened.Add(1)
	if m.err != nil {
		return m.err
	}
	m.live.Add(1)
	defer m.live.Add(-1)

	for _, f := range m.frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fn(f) {
			return nil
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakeSTT struct {
	text string
	err  error
	n    atomic.Int32
}

func (s *fakeSTT) Transcribe(context.Context, []float32) (string, error) {
	s.n.Add(1)
	return s.text, s.err
}

type fakeTrigger struct {
	hits     chan struct{}
	failures chan error

	// mic, when set, records how many streams were open at each hit.
	mic       *fakeMic
	liveAtHit atomic.Int32
}

func (f *fakeTrigger) WakeWordDetected() error {
	if f.mic != nil {
		f.liveAtHit.Store(f.mic.live.Load())
	}
	select {
	case f.hits <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeTrigger) WakeWordFailed(err error) error {
	select {
	case f.failures <- err:
	default:
	}
	return nil
}

func TestSettings_Sensitivity(t *testing.T) {
	var s Settings

	s.SetSensitivity(5)
	assert.Equal(t, 1.0, s.Sensitivity)

	s.SetSensitivity(0)
	assert.Equal(t, 0.1, s.Sensitivity)

	s.SetSensitivity(0.6)
	assert.Equal(t, 0.6, s.Sensitivity)

	hi := Settings{Sensitivity: 0.9}
	lo := Settings{Sensitivity: 0.2}
	assert.Less(t, hi.Threshold(), lo.Threshold())
}

func TestMatch(t *testing.T) {
	d := NewDetector(nil, nil, Options{})

	tests := []struct {
		text string
		want bool
	}{
		{"Yara", true},
		{"Hey, Yara!", true},
		{"  yara   what time is it", true},
		{"yarn", false},
		{"Sayara", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Match(tt.text), "text=%q", tt.text)
	}

	custom := NewDetector(nil, nil, Options{Phrase: "Hey Computer"})
	assert.True(t, custom.Match("hey, computer."))
	assert.False(t, custom.Match("computer"))
}

func TestSegmenter(t *testing.T) {
	seg := newSegmenter(0.05)

	feed := func(frames [][]float32) (got [][]float32) {
		for _, f := range frames {
			if u := seg.feed(f); u != nil {
				got = append(got, u)
			}
		}
		return got
	}

	t.Run("short blip is ignored", func(t *testing.T) {
		assert.Empty(t, feed(burst(5)))
	})

	t.Run("phrase sized utterance", func(t *testing.T) {
		got := feed(burst(30))
		require.Len(t, got, 1)
		assert.GreaterOrEqual(t, len(got[0]), 30*320)
	})

	t.Run("long speech is dropped", func(t *testing.T) {
		assert.Empty(t, feed(burst(150)))
	})

	t.Run("silence only", func(t *testing.T) {
		assert.Empty(t, feed([][]float32{frame(0), frame(0.01)}))
	})
}

func TestDetector_ActivateNeedsInputs(t *testing.T) {
	d := NewDetector(nil, nil, Options{})
	assert.Error(t, d.Activate())
	assert.False(t, d.Settings().Enabled)
}

func TestDetector_TriggersAndResumes(t *testing.T) {
	mic := &fakeMic{frames: burst(30)}
	stt := &fakeSTT{text: "Yara"}
	target := &fakeTrigger{hits: make(chan struct{}, 4)}

	var chimes atomic.Int32
	d := NewDetector(mic, stt, Options{
		Cooldown: 20 * time.Millisecond,
		Chime:    func() { chimes.Add(1) },
	})
	d.SetTarget(target)

	require.NoError(t, d.Activate())
	defer d.Deactivate()

	select {
	case <-target.hits:
	case <-time.After(time.Second):
		t.Fatal("wake word never triggered")
	}
	assert.GreaterOrEqual(t, chimes.Load(), int32(1))

	// Listening resumes after the cooldown.
	require.Eventually(t, func() bool { return mic.opened.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestDetector_NoTriggerOnOtherWords(t *testing.T) {
	mic := &fakeMic{frames: burst(30)}
	stt := &fakeSTT{text: "hello there"}
	target := &fakeTrigger{hits: make(chan struct{}, 1)}

	d := NewDetector(mic, stt, Options{})
	d.SetTarget(target)
	require.NoError(t, d.Activate())

	require.Eventually(t, func() bool { return stt.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Deactivate())

	select {
	case <-target.hits:
		t.Fatal("unexpected trigger")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetector_TranscriptionErrorKeepsListening(t *testing.T) {
	frames := append(burst(30), burst(30)...)
	mic := &fakeMic{frames: frames}
	stt := &fakeSTT{err: errors.New("model busy")}

	d := NewDetector(mic, stt, Options{})
	require.NoError(t, d.Activate())
	defer d.Deactivate()

	require.Eventually(t, func() bool { return stt.n.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), mic.opened.Load())
}

func TestDetector_DeactivateCancelsResume(t *testing.T) {
	mic := &fakeMic{frames: burst(30)}
	stt := &fakeSTT{text: "yara"}
	target := &fakeTrigger{hits: make(chan struct{}, 1)}

	d := NewDetector(mic, stt, Options{Cooldown: 30 * time.Millisecond})
	d.SetTarget(target)
	require.NoError(t, d.Activate())

	<-target.hits
	require.NoError(t, d.Deactivate())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), mic.opened.Load())
	assert.False(t, d.Settings().Enabled)
}

func TestDetector_TriggersAfterStreamCloses(t *testing.T) {
	mic := &fakeMic{frames: burst(30)}
	target := &fakeTrigger{hits: make(chan struct{}, 1), mic: mic}
	target.liveAtHit.Store(-1)

	d := NewDetector(mic, &fakeSTT{text: "yara"}, Options{Cooldown: time.Hour})
	d.SetTarget(target)
	require.NoError(t, d.Activate())
	defer d.Deactivate()

	select {
	case <-target.hits:
	case <-time.After(time.Second):
		t.Fatal("wake word never triggered")
	}
	assert.Equal(t, int32(0), target.liveAtHit.Load())
}

func TestDetector_PausesWhileSessionBusy(t *testing.T) {
	mic := &fakeMic{}
	d := NewDetector(mic, &fakeSTT{}, Options{})
	require.NoError(t, d.Activate())
	defer d.Deactivate()

	require.Eventually(t, func() bool { return mic.live.Load() == 1 }, time.Second, 5*time.Millisecond)

	for _, busy := range []session.State{session.Listening, session.Processing, session.Speaking} {
		d.StateChanged(session.Idle, busy)
		require.Eventually(t, func() bool { return mic.live.Load() == 0 }, time.Second, 5*time.Millisecond, "still listening while %s", busy)

		d.StateChanged(busy, session.Idle)
		require.Eventually(t, func() bool { return mic.live.Load() == 1 }, time.Second, 5*time.Millisecond, "not resumed after %s", busy)
	}
	assert.Equal(t, int32(4), mic.opened.Load())
}

func TestDetector_ActivateWhileSessionBusyWaitsForIdle(t *testing.T) {
	mic := &fakeMic{}
	d := NewDetector(mic, &fakeSTT{}, Options{})
	d.StateChanged(session.Idle, session.Listening)

	require.NoError(t, d.Activate())
	defer d.Deactivate()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, mic.opened.Load())

	d.StateChanged(session.Listening, session.Idle)
	require.Eventually(t, func() bool { return mic.opened.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDetector_SetSensitivityRestartsListener(t *testing.T) {
	mic := &fakeMic{}
	d := NewDetector(mic, &fakeSTT{}, Options{})

	d.SetSensitivity(0.3)
	assert.Equal(t, 0.3, d.Settings().Sensitivity)
	assert.Zero(t, mic.opened.Load())

	require.NoError(t, d.Activate())
	defer d.Deactivate()
	require.Eventually(t, func() bool { return mic.opened.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.SetSensitivity(0.9)
	assert.Equal(t, 0.9, d.Settings().Sensitivity)
	require.Eventually(t, func() bool {
		return mic.opened.Load() == 2 && mic.live.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDetector_StreamFailureReported(t *testing.T) {
	mic := &fakeMic{err: errors.New("input overflow")}
	target := &fakeTrigger{hits: make(chan struct{}, 1), failures: make(chan error, 1)}

	d := NewDetector(mic, &fakeSTT{}, Options{})
	d.SetTarget(target)
	require.NoError(t, d.Activate())

	select {
	case err := <-target.failures:
		assert.EqualError(t, err, "input overflow")
	case <-time.After(time.Second):
		t.Fatal("failure never reported")
	}
	assert.False(t, d.Settings().Enabled)

	// A stopped detector does not come back on its own.
	d.StateChanged(session.Listening, session.Idle)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), mic.opened.Load())
}

func TestDetector_Phrase(t *testing.T) {
	assert.Equal(t, DefaultPhrase, NewDetector(nil, nil, Options{}).Phrase())
	assert.Equal(t, "hey computer", NewDetector(nil, nil, Options{Phrase: "Hey, Computer!"}).Phrase())
}
