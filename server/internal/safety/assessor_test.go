package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"speech-coach/server/internal/model"
)

// TestAssessLevelRedWhenDysregulationHigh 验证失调度 >= 9 时无论信号如何都判 RED。
func TestAssessLevelRedWhenDysregulationHigh(t *testing.T) {
	p := DefaultPolicy()
	signalSets := [][]model.Signal{
		nil,
		{model.SignalWantsBreak},
		{model.SignalDistress, model.SignalRepetitiveResponse},
		model.AllSignals(),
	}
	for _, dys := range []float64{9, 9.5, 10} {
		for _, signals := range signalSets {
			state := model.State{DysregulationLevel: dys, EngagementLevel: 8}
			assert.Equal(t, model.LevelRed, AssessLevel(p, state, signals), "dys=%v signals=%v", dys, signals)
		}
	}
}

// TestAssessLevelTable 覆盖每个等级的各条触发路径，以及短路顺序。
func TestAssessLevelTable(t *testing.T) {
	p := DefaultPolicy()
	calm := model.State{EngagementLevel: 7}

	tests := []struct {
		name    string
		state   model.State
		signals []model.Signal
		want    model.Level
	}{
		{"平静无信号", calm, nil, model.LevelGreen},
		{"distress 且失调度 7", model.State{EngagementLevel: 7, DysregulationLevel: 7}, []model.Signal{model.SignalDistress}, model.LevelRed},
		{"distress 但失调度低", calm, []model.Signal{model.SignalDistress}, model.LevelOrange},
		{"重复回答", calm, []model.Signal{model.SignalRepetitiveResponse}, model.LevelOrange},
		{"失调度 7 无信号", model.State{EngagementLevel: 7, DysregulationLevel: 7}, nil, model.LevelOrange},
		{"连错 5 次", model.State{EngagementLevel: 7, ConsecutiveErrors: 5}, nil, model.LevelOrange},
		{"疲劳 8", model.State{EngagementLevel: 7, FatigueLevel: 8}, nil, model.LevelOrange},
		{"想休息", calm, []model.Signal{model.SignalWantsBreak}, model.LevelYellow},
		{"想退出", calm, []model.Signal{model.SignalWantsQuit}, model.LevelYellow},
		{"挫败", calm, []model.Signal{model.SignalFrustration}, model.LevelYellow},
		{"连错信号", calm, []model.Signal{model.SignalConsecutiveErrors}, model.LevelYellow},
		{"投入下降信号", calm, []model.Signal{model.SignalEngagementDrop}, model.LevelYellow},
		{"投入度 3", model.State{EngagementLevel: 3}, nil, model.LevelYellow},
		{"失调度 5", model.State{EngagementLevel: 7, DysregulationLevel: 5}, nil, model.LevelYellow},
		{"连错 3 次", model.State{EngagementLevel: 7, ConsecutiveErrors: 3}, nil, model.LevelYellow},
		{"疲劳 6", model.State{EngagementLevel: 7, FatigueLevel: 6}, nil, model.LevelYellow},
		{"尖叫不直接抬等级", calm, []model.Signal{model.SignalScreaming, model.SignalCrying}, model.LevelGreen},
		{"ORANGE 短路 YELLOW 条件", model.State{EngagementLevel: 1, ConsecutiveErrors: 6}, []model.Signal{model.SignalWantsBreak}, model.LevelOrange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessLevel(p, tt.state, tt.signals))
		})
	}
}

// TestAssessLevelIdempotent 同样输入两次调用结果一致，且不修改输入。
func TestAssessLevelIdempotent(t *testing.T) {
	p := DefaultPolicy()
	state := model.State{EngagementLevel: 4, DysregulationLevel: 6, ConsecutiveErrors: 2}
	signals := []model.Signal{model.SignalFrustration}
	before := state

	first := AssessLevel(p, state, signals)
	second := AssessLevel(p, state, signals)

	assert.Equal(t, first, second)
	assert.Equal(t, before, state)
	assert.Equal(t, []model.Signal{model.SignalFrustration}, signals)
}

// TestSignalFloorCoversEverySignal 新增信号时必须在 SignalFloor 里显式归类。
func TestSignalFloorCoversEverySignal(t *testing.T) {
	expected := map[model.Signal]model.Level{
		model.SignalScreaming:          model.LevelGreen,
		model.SignalCrying:             model.LevelGreen,
		model.SignalProlongedSilence:   model.LevelGreen,
		model.SignalWantsBreak:         model.LevelYellow,
		model.SignalWantsQuit:          model.LevelYellow,
		model.SignalFrustration:        model.LevelYellow,
		model.SignalDistress:           model.LevelOrange,
		model.SignalRepetitiveResponse: model.LevelOrange,
		model.SignalConsecutiveErrors:  model.LevelYellow,
		model.SignalEngagementDrop:     model.LevelYellow,
	}
	all := model.AllSignals()
	assert.Len(t, expected, len(all), "signal enum changed: classify the new signal in SignalFloor")
	for _, s := range all {
		want, ok := expected[s]
		if assert.True(t, ok, "unclassified signal %s", s) {
			assert.Equal(t, want, SignalFloor(s), "signal %s", s)
		}
	}
}

// TestAssessLevelUsesPolicyThresholds 阈值来自策略而非硬编码。
func TestAssessLevelUsesPolicyThresholds(t *testing.T) {
	p := DefaultPolicy()
	p.Thresholds.OrangeConsecutiveErrors = 4
	state := model.State{EngagementLevel: 7, ConsecutiveErrors: 4}

	assert.Equal(t, model.LevelOrange, AssessLevel(p, state, nil))
	assert.Equal(t, model.LevelYellow, AssessLevel(DefaultPolicy(), state, nil))
}
