package session

// event is one input to the controller loop. Commands carry a reply
// channel; capability callbacks do not.
type event any

type startListening struct {
	wake  bool
	reply chan error
}

type stopListening struct{ reply chan error }

type toggleListening struct{ reply chan error }

type submit struct {
	text  string
	voice bool
	reply chan error
}

type toggleWakeWord struct {
	enabled *bool
	reply   chan error
}

type toggleVoiceMode struct {
	enabled *bool
	reply   chan error
}

type clearHistory struct{ reply chan error }

type appendHistory struct {
	items []HistoryItem
	reply chan error
}

type notice struct {
	level NoticeLevel
	msg   string
	reply chan error
}

type snapshot struct {
	out   *Snapshot
	reply chan error
}

type captureStarted struct{ gen uint64 }

type captureResult struct {
	gen  uint64
	text string
}

type captureFailed struct {
	gen    uint64
	reason string
}

type captureEnded struct{ gen uint64 }

type inferenceDone struct {
	epoch uint64
	voice bool
	reply Reply
	err   error
}

type playbackEnded struct{ id uint64 }

type cooldownElapsed struct{ seq uint64 }

type wakeWordFailed struct{ err error }
