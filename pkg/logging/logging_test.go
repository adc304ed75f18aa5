package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/itohio/goplasma/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := Setup(config.LogConfig{Level: tt.level})
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}

func TestSetup_Formatter(t *testing.T) {
	log := Setup(config.LogConfig{Format: "json"})
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	log = Setup(config.LogConfig{Format: "text"})
	_, ok = log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestSetup_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plasma.log")
	log := Setup(config.LogConfig{Level: "info", Output: "file", FilePath: path})
	log.Info("rails on")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rails on")
}

func TestOr(t *testing.T) {
	assert.NotNil(t, Or(nil))
	log := logrus.New()
	assert.Same(t, log, Or(log))
}
