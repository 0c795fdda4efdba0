package safety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-coach/server/internal/model"
)

func TestAdaptSessionConfigPresets(t *testing.T) {
	p := DefaultPolicy()

	green := AdaptSessionConfig(p, model.LevelGreen)
	assert.Equal(t, model.SessionConfig{PromptIntensity: 2, AvatarTone: model.ToneWarm, MaxTaskTime: 60, InactivityTimeout: 30}, green)

	yellow := AdaptSessionConfig(p, model.LevelYellow)
	assert.Equal(t, model.SessionConfig{PromptIntensity: 1, AvatarTone: model.ToneCalm, MaxTaskTime: 45, InactivityTimeout: 25}, yellow)

	orange := AdaptSessionConfig(p, model.LevelOrange)
	assert.Equal(t, model.SessionConfig{PromptIntensity: 0, AvatarTone: model.ToneCalm, MaxTaskTime: 30, InactivityTimeout: 20}, orange)

	red := AdaptSessionConfig(p, model.LevelRed)
	assert.Equal(t, 0, red.PromptIntensity)
	assert.Equal(t, model.ToneCalm, red.AvatarTone)
	assert.Equal(t, 15, red.InactivityTimeout)

	// 等级越高，任务时长不增加
	assert.LessOrEqual(t, orange.MaxTaskTime, yellow.MaxTaskTime)
	assert.LessOrEqual(t, yellow.MaxTaskTime, green.MaxTaskTime)
}

func TestAdaptSessionConfigIdempotent(t *testing.T) {
	p := DefaultPolicy()
	for _, level := range model.Levels() {
		assert.Equal(t, AdaptSessionConfig(p, level), AdaptSessionConfig(p, level))
	}
}

// TestShouldTriggerScheduledBreak 距上次休息达到会话时长的三分之一即触发，与等级无关。
func TestShouldTriggerScheduledBreak(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name           string
		timeSinceBreak float64
		duration       float64
		want           bool
	}{
		{"未到三分之一", 299, 900, false},
		{"正好三分之一", 300, 900, true},
		{"超过", 601, 900, true},
		{"时长为零不触发", 1000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := model.State{TimeSinceBreak: tt.timeSinceBreak, DysregulationLevel: 10}
			assert.Equal(t, tt.want, ShouldTriggerScheduledBreak(p, state, tt.duration))
		})
	}
}

func TestDefaultPolicyValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

// TestParsePolicyKeepsDefaults 策略文件只覆盖写出的字段。
func TestParsePolicyKeepsDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte(`
thresholds:
  orange_consecutive_errors: 4
green_offers_retry: true
`))
	require.NoError(t, err)
	assert.Equal(t, 4, p.Thresholds.OrangeConsecutiveErrors)
	assert.True(t, p.GreenOffersRetry)
	assert.Equal(t, 9.0, p.Thresholds.RedDysregulation)
	assert.Equal(t, 60, p.Presets.Green.MaxTaskTime)
}

func TestParsePolicyRejectsInconsistentThresholds(t *testing.T) {
	_, err := ParsePolicy([]byte(`
thresholds:
  orange_dysregulation: 3
presets:
  red:
    prompt_intensity: 2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orange_dysregulation")
	assert.Contains(t, err.Error(), "red prompt_intensity must be 0")
}

// TestPolicyStoreReloadKeepsPreviousOnError 热更新失败时保留旧策略。
func TestPolicyStoreReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds:\n  yellow_fatigue: 5\n"), 0o644))

	store := NewPolicyStore(DefaultPolicy())
	require.NoError(t, store.ReloadFile(path))
	assert.Equal(t, 5.0, store.Snapshot().Thresholds.YellowFatigue)

	require.NoError(t, os.WriteFile(path, []byte("break_divisor: -1\n"), 0o644))
	require.Error(t, store.ReloadFile(path))
	assert.Equal(t, 5.0, store.Snapshot().Thresholds.YellowFatigue)
}
