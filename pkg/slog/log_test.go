package slog_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	prev := slog.GetLogLevel()
	defer slog.SetLogLevel(prev)
	buf := new(bytes.Buffer)
	log, chk := slog.New(buf)

	slog.SetLogLevel(slog.Warn)
	log.D.Ln("hidden")
	log.I.F("hidden %d", 1)
	assert.Zero(t, buf.Len())
	log.W.Ln("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "WRN")

	// a check reports the error even when its level is muted
	buf.Reset()
	assert.True(t, chk.T(errors.New("dummy error as trace")))
	assert.False(t, chk.E(nil))
	assert.Zero(t, buf.Len())

	err := log.E.Err("format string %d '%s'", 5, "testing")
	assert.EqualError(t, err, "format string 5 'testing'")
	assert.Contains(t, buf.String(), "format string 5")
}

func TestSetLogLevelString(t *testing.T) {
	prev := slog.GetLogLevel()
	defer slog.SetLogLevel(prev)
	assert.True(t, slog.SetLogLevelString("debug"))
	assert.Equal(t, slog.Debug, slog.GetLogLevel())
	assert.True(t, slog.SetLogLevelString("T"))
	assert.Equal(t, slog.Trace, slog.GetLogLevel())
	assert.False(t, slog.SetLogLevelString("loud"))
	assert.Equal(t, slog.Trace, slog.GetLogLevel())
}
