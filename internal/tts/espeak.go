// Package tts synthesizes speech with espeak-ng.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const DefaultVoice = "en"

// Espeak runs the espeak-ng binary and returns the WAV it writes to stdout.
type Espeak struct {
	Binary string
	Voice  string
	// Speed in words per minute, 0 keeps the espeak default.
	Speed int
}

func NewEspeak(voice string) *Espeak {
	if voice == "" {
		voice = DefaultVoice
	}
	return &Espeak{Binary: "espeak-ng", Voice: voice}
}

func (e *Espeak) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("nothing to synthesize")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Binary, e.args(text)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("espeak-ng: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("espeak-ng: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("espeak-ng produced no audio")
	}

	return stdout.Bytes(), nil
}

func (e *Espeak) args(text string) []string {
	args := []string{"--stdout", "-v", e.Voice}
	if e.Speed > 0 {
		args = append(args, "-s", strconv.Itoa(e.Speed))
	}
	return append(args, "--", text)
}
