package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strconv"
	"strings"
	"time"

	"yara/internal/ipc"
	"yara/internal/session"
	"yara/internal/wakeword"
	"yara/pkg/audioconv"
)

// control is the part of the session the control socket drives.
type control interface {
	ToggleListening() error
	StopListening() error
	WakeWordDetected() error
	SubmitText(text string) error
	SubmitVoiceTranscript(text string) error
	ToggleWakeWord() (bool, error)
	ToggleVoiceMode() (bool, error)
	ClearHistory() error
	Snapshot() (session.Snapshot, error)
}

type wakeSettings interface {
	Phrase() string
	Settings() wakeword.Settings
	SetSensitivity(v float64)
}

type transcriber interface {
	Transcribe(ctx context.Context, pcm16k []float32) (string, error)
}

// maxFileAudio caps file transcription to one minute of speech.
const maxFileAudio = 60 * audioconv.TargetRate

type commands struct {
	ctrl control
	stt  transcriber
	wake wakeSettings
}

func (c *commands) handle(msg ipc.ControlMessage) ipc.Reply {
	info, err := c.dispatch(msg)
	reply := ipc.Reply{OK: err == nil, Info: info}
	if err != nil {
		reply.Error = err.Error()
		if !errors.Is(err, session.ErrBusy) {
			log.Warn("Control command failed", "cmd", msg.Cmd, "err", err)
		}
	}
	if snap, err := c.ctrl.Snapshot(); err == nil {
		reply.State = snap.State.String()
	}
	return reply
}

func (c *commands) dispatch(msg ipc.ControlMessage) (string, error) {
	switch msg.Cmd {
	case ipc.CmdListen:
		return "", c.ctrl.ToggleListening()
	case ipc.CmdStop:
		return "", c.ctrl.StopListening()
	case ipc.CmdWake:
		return "", c.ctrl.WakeWordDetected()
	case ipc.CmdSay:
		return "", c.ctrl.SubmitText(msg.Arg)
	case ipc.CmdFile:
		return c.file(msg.Arg)
	case ipc.CmdWakeWord:
		on, err := c.ctrl.ToggleWakeWord()
		return "wakeword " + onOff(on), err
	case ipc.CmdVoiceMode:
		on, err := c.ctrl.ToggleVoiceMode()
		return "voicemode " + onOff(on), err
	case ipc.CmdClear:
		return "", c.ctrl.ClearHistory()
	case ipc.CmdStatus:
		return c.status()
	case ipc.CmdSensitivity:
		return c.sensitivity(msg.Arg)
	default:
		return "", fmt.Errorf("unknown command %q (known: %s)", msg.Cmd, strings.Join(ipc.Commands, ", "))
	}
}

// file transcribes an audio file and submits it as a voice transcript.
func (c *commands) file(path string) (string, error) {
	if path == "" {
		return "", errors.New("file path required")
	}
	if c.stt == nil {
		return "", session.ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	pcm, err := audioconv.ConvertFileToPCM16k(ctx, path, audioconv.Options{MaxSamples: maxFileAudio})
	if err != nil {
		return "", fmt.Errorf("convert: %w", err)
	}

	text, err := c.stt.Transcribe(ctx, pcm)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	log.Info("Transcribed file", "path", path, "text", text)

	return text, c.ctrl.SubmitVoiceTranscript(text)
}

// sensitivity reports the wake word sensitivity, or sets it when given a
// value between 0.1 and 1.0.
func (c *commands) sensitivity(arg string) (string, error) {
	if c.wake == nil {
		return "", session.ErrUnavailable
	}
	if arg = strings.TrimSpace(arg); arg != "" {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "", fmt.Errorf("invalid sensitivity %q: %w", arg, err)
		}
		c.wake.SetSensitivity(v)
	}
	return fmt.Sprintf("sensitivity %.2f", c.wake.Settings().Sensitivity), nil
}

func (c *commands) status() (string, error) {
	snap, err := c.ctrl.Snapshot()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "wakeword %s", onOff(snap.WakeWordEnabled))
	if c.wake != nil {
		fmt.Fprintf(&b, " (%q, sensitivity %.2f)", c.wake.Phrase(), c.wake.Settings().Sensitivity)
	}
	fmt.Fprintf(&b, ", voicemode %s, %d messages", onOff(snap.VoiceMode), len(snap.Transcript))
	if n := len(snap.Transcript); n > 0 {
		last := snap.Transcript[n-1]
		who := "yara"
		if last.IsUser {
			who = "you"
		}
		fmt.Fprintf(&b, "\nlast (%s): %s", who, last.Content)
	}
	return b.String(), nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
