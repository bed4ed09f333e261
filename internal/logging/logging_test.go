package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want zapcore.Level
	}{
		{name: "console default level", cfg: Config{}, want: zapcore.InfoLevel},
		{name: "json debug", cfg: Config{Level: "debug", JSON: true}, want: zapcore.DebugLevel},
		{name: "upper case warn", cfg: Config{Level: "WARN"}, want: zapcore.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, atom, err := New(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, log)
			assert.Equal(t, tt.want, atom.Level())
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	assert.NotPanics(t, func() {
		Component(nil, "scheduler").Infow("hello", FieldCount, 1)
	})
}
