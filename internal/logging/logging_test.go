package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "updater.log")

	log, err := New(path, 10, 3, "info")
	require.NoError(t, err)

	log.WithField("stage", "downloading").Info("progress update")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"stage":"downloading"`)
}

func TestRotatingFileRotatesAtMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "updater.log")

	rf, err := newRotatingFile(path, 16, 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := rf.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	require.NoError(t, err, "expected at least one rotated backup")
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "updater.log")

	log, err := New(path, 10, 3, "not-a-real-level")
	require.NoError(t, err)
	require.True(t, strings.EqualFold(log.GetLevel().String(), "info"))
}
