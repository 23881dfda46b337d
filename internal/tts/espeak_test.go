package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	e := NewEspeak("")
	assert.Equal(t, []string{"--stdout", "-v", "en", "--", "-hello"}, e.args("-hello"))

	e.Speed = 160
	assert.Equal(t, []string{"--stdout", "-v", "en", "-s", "160", "--", "hi"}, e.args("hi"))
}

func TestSynthesize_Empty(t *testing.T) {
	_, err := NewEspeak("en").Synthesize(context.Background(), "   ")
	assert.Error(t, err)
}

// fakeBinary writes a shell script standing in for espeak-ng.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "espeak-ng")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestSynthesize_Output(t *testing.T) {
	e := NewEspeak("en")
	e.Binary = fakeBinary(t, `printf 'RIFFdata'`)

	out, err := e.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), out)
}

func TestSynthesize_Failure(t *testing.T) {
	e := NewEspeak("en")
	e.Binary = fakeBinary(t, `echo "unknown voice" >&2; exit 1`)

	_, err := e.Synthesize(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown voice")

	e.Binary = fakeBinary(t, `exit 0`)
	_, err = e.Synthesize(context.Background(), "hello")
	assert.Error(t, err)
}
