package session

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"time"
)

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	Capture   Capture
	Inference Inference
	History   HistorySource
	Player    Player
	WakeWord  WakeWord
	Observers []Observer

	// ErrorCooldown defaults to DefaultErrorCooldown.
	ErrorCooldown time.Duration
	// RequestTimeout bounds one inference request; zero means no bound.
	RequestTimeout time.Duration

	// AfterFunc schedules f after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Controller owns the voice session. All state is mutated on the goroutine
// running Run; exported methods post events to it and wait for the outcome.
type Controller struct {
	capture   Capture
	inference Inference
	history   HistorySource
	player    Player
	wakeWord  WakeWord
	observers []Observer

	errorCooldown  time.Duration
	requestTimeout time.Duration
	afterFunc      func(d time.Duration, f func()) Timer

	events chan event
	done   chan struct{}

	// owned by the loop
	state           State
	transcript      []Entry
	wakeWordEnabled bool
	voiceMode       bool

	captureGen    uint64
	captureActive bool

	playback   Playback
	playbackID uint64

	epoch uint64

	cooldown    Timer
	cooldownSeq uint64

	noCaptureNoticed bool
}

func New(opts Options) (*Controller, error) {
	if opts.Inference == nil {
		return nil, errors.New("inference service is required")
	}

	c := &Controller{
		capture:        opts.Capture,
		inference:      opts.Inference,
		history:        opts.History,
		player:         opts.Player,
		wakeWord:       opts.WakeWord,
		observers:      append([]Observer(nil), opts.Observers...),
		errorCooldown:  opts.ErrorCooldown,
		requestTimeout: opts.RequestTimeout,
		afterFunc:      opts.AfterFunc,
		events:         make(chan event, 64),
		done:           make(chan struct{}),
		state:          Idle,
	}

	if c.errorCooldown <= 0 {
		c.errorCooldown = DefaultErrorCooldown
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}

	return c, nil
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.shutdown()

	log.Debug("Session loop started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Session loop stopped")
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) shutdown() {
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	c.stopPlayback()
	if c.captureActive && c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			log.Warn("Failed to stop capture", "err", err)
		}
	}
}

// --- public entry points ---

func (c *Controller) StartListening() error {
	return c.call(func(reply chan error) event { return startListening{reply: reply} })
}

// WakeWordDetected is invoked by the wake-word capability. It is subject to
// the same guards as StartListening.
func (c *Controller) WakeWordDetected() error {
	return c.call(func(reply chan error) event { return startListening{wake: true, reply: reply} })
}

// WakeWordFailed reports that the wake word listener stopped on its own.
func (c *Controller) WakeWordFailed(err error) error {
	return c.send(wakeWordFailed{err: err})
}

func (c *Controller) StopListening() error {
	return c.call(func(reply chan error) event { return stopListening{reply: reply} })
}

// ToggleListening stops an active capture or starts a new one.
func (c *Controller) ToggleListening() error {
	return c.call(func(reply chan error) event { return toggleListening{reply: reply} })
}

func (c *Controller) SubmitText(text string) error {
	return c.call(func(reply chan error) event { return submit{text: text, reply: reply} })
}

func (c *Controller) SubmitVoiceTranscript(text string) error {
	return c.call(func(reply chan error) event { return submit{text: text, voice: true, reply: reply} })
}

func (c *Controller) ToggleWakeWord() (bool, error) {
	var enabled bool
	err := c.call(func(reply chan error) event {
		return toggleWakeWord{enabled: &enabled, reply: reply}
	})
	return enabled, err
}

// ToggleVoiceMode makes text submissions request spoken replies as well.
func (c *Controller) ToggleVoiceMode() (bool, error) {
	var enabled bool
	err := c.call(func(reply chan error) event {
		return toggleVoiceMode{enabled: &enabled, reply: reply}
	})
	return enabled, err
}

func (c *Controller) ClearHistory() error {
	return c.call(func(reply chan error) event { return clearHistory{reply: reply} })
}

// LoadHistory inserts previously stored exchanges from the history source
// ahead of any entries added since the session started.
func (c *Controller) LoadHistory(ctx context.Context) error {
	if c.history == nil {
		return nil
	}

	items, err := c.history.History(ctx)
	if err != nil {
		log.Error("Failed to load chat history", "err", err)
		c.call(func(reply chan error) event {
			return notice{level: NoticeError, msg: "Could not load chat history.", reply: reply}
		})
		return fmt.Errorf("load history: %w", err)
	}

	return c.call(func(reply chan error) event { return appendHistory{items: items, reply: reply} })
}

type Snapshot struct {
	State           State
	Transcript      []Entry
	WakeWordEnabled bool
	VoiceMode       bool
}

func (c *Controller) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := c.call(func(reply chan error) event { return snapshot{out: &s, reply: reply} })
	return s, err
}

func (c *Controller) State() State {
	s, _ := c.Snapshot()
	return s.State
}

func (c *Controller) Transcript() []Entry {
	s, _ := c.Snapshot()
	return s.Transcript
}

func (c *Controller) WakeWordEnabled() bool {
	s, _ := c.Snapshot()
	return s.WakeWordEnabled
}

func (c *Controller) VoiceMode() bool {
	s, _ := c.Snapshot()
	return s.VoiceMode
}

func (c *Controller) call(mk func(reply chan error) event) error {
	reply := make(chan error, 1)
	if err := c.send(mk(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) send(ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// captureSink tags capture callbacks with the capture they belong to, so
// callbacks from a stopped capture never affect a newer one.
type captureSink struct {
	c   *Controller
	gen uint64
}

func (s captureSink) CaptureStarted()        { s.c.send(captureStarted{gen: s.gen}) }
func (s captureSink) CaptureResult(t string) { s.c.send(captureResult{gen: s.gen, text: t}) }
func (s captureSink) CaptureError(r string)  { s.c.send(captureFailed{gen: s.gen, reason: r}) }
func (s captureSink) CaptureEnded()          { s.c.send(captureEnded{gen: s.gen}) }

// --- loop side ---

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	log.Debug("Session state", "from", from, "to", to)
	for _, o := range c.observers {
		o.StateChanged(from, to)
	}
}

func (c *Controller) addEntry(content string, isUser bool, ts time.Time) {
	e := Entry{Content: content, IsUser: isUser, Timestamp: ts}
	c.transcript = append(c.transcript, e)
	for _, o := range c.observers {
		o.EntryAdded(e)
	}
}

func (c *Controller) prependHistory(items []HistoryItem) {
	live := c.transcript
	c.transcript = make([]Entry, 0, len(items)+len(live))
	for _, it := range items {
		c.addEntry(it.Message, it.IsUser, it.Timestamp)
	}
	c.transcript = append(c.transcript, live...)
}

func (c *Controller) notify(level NoticeLevel, msg string) {
	for _, o := range c.observers {
		o.Notice(level, msg)
	}
}

func (c *Controller) doStartListening(wake bool) error {
	if c.capture == nil {
		if !c.noCaptureNoticed {
			c.noCaptureNoticed = true
			c.notify(NoticeWarning, "Speech recognition is not supported on this system.")
		}
		return ErrUnavailable
	}

	switch c.state {
	case Idle:
	case Speaking:
		c.stopPlayback()
	default:
		log.Debug("Ignoring listen request", "state", c.state, "wake", wake)
		return ErrBusy
	}

	c.captureGen++
	if err := c.capture.Start(captureSink{c: c, gen: c.captureGen}); err != nil {
		log.Error("Failed to start capture", "err", err)
		c.notify(NoticeError, "Could not start voice recognition.")
		c.fail()
		return fmt.Errorf("start capture: %w", err)
	}

	c.captureActive = true
	c.setState(Listening)

	if wake {
		c.notify(NoticeSuccess, "Wake word detected! Listening...")
	}
	return nil
}

func (c *Controller) doStopListening() error {
	if c.state != Listening {
		return nil
	}

	c.captureGen++
	c.captureActive = false
	if err := c.capture.Stop(); err != nil {
		log.Warn("Failed to stop capture", "err", err)
	}
	c.setState(Idle)
	return nil
}

func (c *Controller) doSubmit(text string, voice bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	switch c.state {
	case Processing:
		return ErrBusy
	case Listening:
		c.doStopListening()
	case Speaking:
		c.stopPlayback()
	case Failed:
		c.cancelCooldown()
	}

	c.addEntry(text, true, time.Now())
	c.beginRequest(text, voice || c.voiceMode)
	return nil
}

func (c *Controller) beginRequest(text string, voice bool) {
	c.setState(Processing)

	epoch := c.epoch
	svc := c.inference
	timeout := c.requestTimeout

	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var (
			rep Reply
			err error
		)
		if voice {
			rep, err = svc.Voice(ctx, text)
		} else {
			rep, err = svc.Chat(ctx, text)
		}

		c.send(inferenceDone{epoch: epoch, voice: voice, reply: rep, err: err})
	}()
}

func (c *Controller) onInferenceDone(ev inferenceDone) {
	if c.state != Processing {
		log.Warn("Dropping reply outside processing", "state", c.state)
		return
	}

	stale := ev.epoch != c.epoch

	if ev.err != nil || ev.reply.Error != "" {
		if ev.err != nil {
			log.Error("Inference request failed", "err", ev.err)
		} else {
			log.Error("Inference service returned error", "err", ev.reply.Error)
		}
		if !stale {
			c.addEntry(FallbackMessage, false, time.Now())
		}
		c.notify(NoticeError, FallbackMessage)
		c.fail()
		return
	}

	if stale {
		log.Info("Discarding stale reply", "epoch", ev.epoch, "current", c.epoch)
		c.setState(Idle)
		return
	}

	if strings.TrimSpace(ev.reply.Text) != "" {
		c.addEntry(ev.reply.Text, false, time.Now())
	}

	if ev.voice && ev.reply.Audio != "" && c.player != nil {
		c.startPlayback(ev.reply.Audio)
		return
	}

	c.setState(Idle)
}

func (c *Controller) startPlayback(audio string) {
	c.stopPlayback()

	c.playbackID++
	id := c.playbackID

	h, err := c.player.Play(audio, func() {
		c.send(playbackEnded{id: id})
	})
	if err != nil {
		log.Error("Failed to play audio", "err", err)
		c.notify(NoticeError, "Could not play response audio.")
		c.fail()
		return
	}

	c.playback = h
	c.setState(Speaking)
}

func (c *Controller) stopPlayback() {
	if c.playback == nil {
		return
	}
	c.playback.Stop()
	c.playback = nil
	// Late end events of the stopped handle are ignored by id.
	c.playbackID++
}

func (c *Controller) onPlaybackEnded(id uint64) {
	if id != c.playbackID || c.playback == nil {
		return
	}
	c.playback = nil
	if c.state == Speaking {
		c.setState(Idle)
	}
}

func (c *Controller) fail() {
	c.cancelCooldown()
	c.setState(Failed)

	c.cooldownSeq++
	seq := c.cooldownSeq
	c.cooldown = c.afterFunc(c.errorCooldown, func() {
		c.send(cooldownElapsed{seq: seq})
	})
}

func (c *Controller) cancelCooldown() {
	if c.cooldown != nil {
		c.cooldown.Stop()
		c.cooldown = nil
	}
	c.cooldownSeq++
}

func (c *Controller) onCooldownElapsed(seq uint64) {
	if seq != c.cooldownSeq || c.state != Failed {
		return
	}
	c.cooldown = nil
	c.setState(Idle)
}

func (c *Controller) doToggleWakeWord() (bool, error) {
	if c.wakeWord == nil {
		c.notify(NoticeWarning, "Wake word detection is not available.")
		return false, ErrUnavailable
	}

	c.wakeWordEnabled = !c.wakeWordEnabled

	if c.wakeWordEnabled {
		if err := c.wakeWord.Activate(); err != nil {
			c.wakeWordEnabled = false
			log.Error("Failed to activate wake word", "err", err)
			c.notify(NoticeError, "Failed to start wake word detection.")
			return false, fmt.Errorf("activate wake word: %w", err)
		}
		c.notify(NoticeInfo, "Wake word detection enabled.")
		return true, nil
	}

	if err := c.wakeWord.Deactivate(); err != nil {
		log.Warn("Failed to deactivate wake word", "err", err)
	}
	c.notify(NoticeInfo, "Wake word detection disabled.")
	return false, nil
}

func (c *Controller) onWakeWordFailed(err error) {
	log.Error("Wake word listener failed", "err", err)
	if !c.wakeWordEnabled {
		return
	}
	c.wakeWordEnabled = false
	c.notify(NoticeError, "Wake word detection stopped.")
}

func (c *Controller) doClearHistory() {
	c.transcript = nil
	c.epoch++
	for _, o := range c.observers {
		o.HistoryCleared()
	}
	c.notify(NoticeInfo, "Chat history cleared.")
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case startListening:
		ev.reply <- c.doStartListening(ev.wake)
	case stopListening:
		ev.reply <- c.doStopListening()
	case toggleListening:
		if c.state == Listening {
			ev.reply <- c.doStopListening()
		} else {
			ev.reply <- c.doStartListening(false)
		}
	case submit:
		ev.reply <- c.doSubmit(ev.text, ev.voice)
	case toggleWakeWord:
		enabled, err := c.doToggleWakeWord()
		*ev.enabled = enabled
		ev.reply <- err
	case toggleVoiceMode:
		c.voiceMode = !c.voiceMode
		*ev.enabled = c.voiceMode
		ev.reply <- nil
	case clearHistory:
		c.doClearHistory()
		ev.reply <- nil
	case appendHistory:
		c.prependHistory(ev.items)
		ev.reply <- nil
	case notice:
		c.notify(ev.level, ev.msg)
		ev.reply <- nil
	case snapshot:
		*ev.out = Snapshot{
			State:           c.state,
			Transcript:      append([]Entry(nil), c.transcript...),
			WakeWordEnabled: c.wakeWordEnabled,
			VoiceMode:       c.voiceMode,
		}
		ev.reply <- nil

	case captureStarted:
		if ev.gen == c.captureGen {
			log.Debug("Capture started")
		}
	case captureResult:
		if ev.gen != c.captureGen || c.state != Listening {
			return
		}
		text := strings.TrimSpace(ev.text)
		if text == "" {
			log.Debug("Discarding empty transcript")
			return
		}
		log.Info("Speech result", "text", text)
		c.captureActive = false
		c.addEntry(text, true, time.Now())
		c.beginRequest(text, true)
	case captureFailed:
		if ev.gen != c.captureGen {
			return
		}
		c.captureActive = false
		log.Error("Speech capture error", "reason", ev.reason)
		if c.state == Listening {
			c.notify(NoticeError, "Voice recognition error: "+ev.reason)
			c.setState(Idle)
		}
	case captureEnded:
		if ev.gen != c.captureGen {
			return
		}
		c.captureActive = false
		if c.state == Listening {
			c.setState(Idle)
		}

	case inferenceDone:
		c.onInferenceDone(ev)
	case playbackEnded:
		c.onPlaybackEnded(ev.id)
	case wakeWordFailed:
		c.onWakeWordFailed(ev.err)
	case cooldownElapsed:
		c.onCooldownElapsed(ev.seq)

	default:
		log.Warn("Unknown session event", "event", fmt.Sprintf("%T", ev))
	}
}
