package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	prod, err := New("prod")
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zap.DebugLevel))
	assert.True(t, prod.Core().Enabled(zap.InfoLevel))

	dev := Must("dev")
	assert.True(t, dev.Core().Enabled(zap.DebugLevel))

	quiet := Must("test")
	assert.False(t, quiet.Core().Enabled(zap.InfoLevel))
}
