// Package session implements the voice interaction lifecycle: a single
// controller coordinating speech capture, the inference service and audio
// playback through an explicit listening/processing/speaking state machine.
package session

import (
	"context"
	"errors"
	"time"
)

type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// FallbackMessage is shown in place of any inference failure.
const FallbackMessage = "Sorry, I had trouble processing that. Please try again."

// DefaultErrorCooldown is how long the error state lasts before returning to idle.
const DefaultErrorCooldown = 3000 * time.Millisecond

var (
	ErrBusy        = errors.New("session busy")
	ErrUnavailable = errors.New("capability unavailable")
	ErrClosed      = errors.New("session closed")
)

// Entry is one line of conversation.
type Entry struct {
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply is what an inference service returns. Audio is base64 encoded and
// may be empty. A non-empty Error marks the reply as failed.
type Reply struct {
	Text  string
	Audio string
	Error string
}

// CaptureHandler receives speech-capture callbacks. Controller implements it.
type CaptureHandler interface {
	CaptureStarted()
	CaptureResult(transcript string)
	CaptureError(reason string)
	CaptureEnded()
}

// Capture is the speech-capture capability. At most one capture runs at a time.
type Capture interface {
	Start(h CaptureHandler) error
	Stop() error
}

// Inference is the chat/voice request-response service.
type Inference interface {
	Chat(ctx context.Context, message string) (Reply, error)
	Voice(ctx context.Context, text string) (Reply, error)
}

// HistoryItem is one stored exchange line known to the inference service.
type HistoryItem struct {
	Message   string    `json:"message"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
}

type HistorySource interface {
	History(ctx context.Context) ([]HistoryItem, error)
}

// Playback is a handle to one playing audio resource.
type Playback interface {
	Stop()
}

// Player decodes a base64 audio payload and plays it. onEnded fires once
// when playback finishes naturally, never after Stop.
type Player interface {
	Play(audio string, onEnded func()) (Playback, error)
}

// WakeWord is the external wake-word capability. It reports detections by
// calling Controller.WakeWordDetected.
type WakeWord interface {
	Activate() error
	Deactivate() error
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Observer is notified from the controller loop. Implementations must not
// call back into the controller synchronously.
type Observer interface {
	StateChanged(from, to State)
	EntryAdded(e Entry)
	HistoryCleared()
	Notice(level NoticeLevel, msg string)
}
