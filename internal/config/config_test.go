package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/perseus-capture/internal/types"
)

func TestLoadOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "capture.yaml", []byte(`
output: questions
log_level: debug
capture:
  max_questions: 50
  timeout: 10m
fetch:
  concurrency: 2
  delay: 750ms
filter:
  item_operations: [getAssessmentItem]
browser:
  headless: true
  start_button: "button.start"
`), 0o644))

	cfg, err := Load(fs, "capture.yaml", false)
	require.NoError(t, err)

	assert.Equal(t, "questions", cfg.Output)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.Capture.MaxQuestions)
	assert.Equal(t, 10*time.Minute, cfg.Capture.Timeout)
	assert.Equal(t, 4, cfg.Capture.Workers)
	assert.Equal(t, 2, cfg.Fetch.Concurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.Fetch.Delay)
	assert.Equal(t, 5, cfg.Fetch.MaxAttempts)
	assert.True(t, cfg.Fetch.Enabled)
	assert.Equal(t, []string{"getAssessmentItem"}, cfg.Filter.ItemOperations)
	assert.True(t, cfg.Browser.Headless)

	fc := cfg.FetcherConfig()
	assert.Equal(t, 750*time.Millisecond, fc.Delay)
	assert.Equal(t, "button.start", cfg.BrowserOptions().StartButton)

	f := cfg.NewFilter()
	assert.Equal(t, types.KindIrrelevant, f.Classify(types.Exchange{URL: "https://www.khanacademy.org/api/internal/graphql/assessmentItem"}))
	assert.Equal(t, types.KindItem, f.Classify(types.Exchange{URL: "https://www.khanacademy.org/api/internal/graphql/getAssessmentItem"}))
}

func TestLoadMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	cfg, err := Load(fs, "capture.yaml", true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(fs, "capture.yaml", false)
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":    "capture: [",
		"bad level":   "log_level: loud",
		"no workers":  "capture:\n  workers: 0",
		"no attempts": "fetch:\n  max_attempts: 0",
		"bad delay":   "fetch:\n  delay: 10s\n  max_delay: 1s",
		"bad timeout": "capture:\n  timeout: soon",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "c.yaml", []byte(content), 0o644))
			_, err := Load(fs, "c.yaml", false)
			assert.Error(t, err)
		})
	}
}
