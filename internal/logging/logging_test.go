package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	l, err := New(Config{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New(Config{})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
