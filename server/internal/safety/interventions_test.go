package safety

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-coach/server/internal/model"
)

// TestSelectInterventionsRedIsFullSafetyNet RED 永远给出全部五项，不做条件抑制。
func TestSelectInterventionsRedIsFullSafetyNet(t *testing.T) {
	p := DefaultPolicy()
	got := SelectInterventions(p, model.LevelRed, model.State{}, nil)
	if diff := cmp.Diff(model.AllInterventions(), got); diff != "" {
		t.Fatalf("RED interventions mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectInterventionsByLevel(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		level   model.Level
		state   model.State
		signals []model.Signal
		want    []model.Intervention
	}{
		{
			name:  "GREEN 为空",
			level: model.LevelGreen,
			state: model.State{EngagementLevel: 8},
			want:  []model.Intervention{},
		},
		{
			name:  "YELLOW 固定 skip + retry",
			level: model.LevelYellow,
			state: model.State{EngagementLevel: 3, ConsecutiveErrors: 3},
			want:  []model.Intervention{model.InterventionSkipCard, model.InterventionRetryCard},
		},
		{
			name:  "YELLOW 想休息也只给 skip + retry",
			level: model.LevelYellow,
			state: model.State{EngagementLevel: 7},
			signals: []model.Signal{
				model.SignalWantsBreak,
			},
			want: []model.Intervention{model.InterventionSkipCard, model.InterventionRetryCard},
		},
		{
			name:  "ORANGE 低失调度",
			level: model.LevelOrange,
			state: model.State{DysregulationLevel: 2},
			want:  []model.Intervention{model.InterventionSkipCard, model.InterventionRetryCard, model.InterventionStartBreak},
		},
		{
			name:  "ORANGE 失调度 4 加呼吸",
			level: model.LevelOrange,
			state: model.State{DysregulationLevel: 4},
			want: []model.Intervention{
				model.InterventionBubbleBreathing,
				model.InterventionSkipCard,
				model.InterventionRetryCard,
				model.InterventionStartBreak,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectInterventions(p, tt.level, tt.state, tt.signals)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("interventions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestSelectInterventionsMonotonic 回归保护：高等级至少包含所有低等级的无条件项。
func TestSelectInterventionsMonotonic(t *testing.T) {
	states := []model.State{
		{},
		{EngagementLevel: 2, DysregulationLevel: 6, ConsecutiveErrors: 4, FatigueLevel: 7},
		{DysregulationLevel: 10, ConsecutiveErrors: 10},
	}
	for _, greenRetry := range []bool{false, true} {
		p := DefaultPolicy()
		p.GreenOffersRetry = greenRetry
		for _, state := range states {
			for _, low := range model.Levels() {
				for _, high := range model.Levels() {
					if high <= low {
						continue
					}
					got := model.NewInterventionSet(SelectInterventions(p, high, state, nil)...)
					want := model.NewInterventionSet(Unconditional(p, low)...)
					assert.True(t, got.Contains(want), "%s set %v must contain %s unconditional %v", high, got.Sorted(), low, want.Sorted())
				}
			}
		}
	}
}

// TestSelectInterventionsGreenLooseVariant 宽松变体下 GREEN 只给 retry。
func TestSelectInterventionsGreenLooseVariant(t *testing.T) {
	p := DefaultPolicy()
	p.GreenOffersRetry = true
	got := SelectInterventions(p, model.LevelGreen, model.State{EngagementLevel: 9}, nil)
	require.Equal(t, []model.Intervention{model.InterventionRetryCard}, got)
}

func TestSelectInterventionsNoDuplicates(t *testing.T) {
	p := DefaultPolicy()
	got := SelectInterventions(p, model.LevelOrange, model.State{DysregulationLevel: 8, ConsecutiveErrors: 9}, []model.Signal{model.SignalWantsBreak, model.SignalWantsBreak})
	seen := map[model.Intervention]bool{}
	for _, i := range got {
		require.False(t, seen[i], "duplicate %s", i)
		seen[i] = true
	}
}

// TestSelectInterventionsIdempotent 纯函数：两次调用结果一致。
func TestSelectInterventionsIdempotent(t *testing.T) {
	p := DefaultPolicy()
	state := model.State{DysregulationLevel: 5, ConsecutiveErrors: 3}
	for _, level := range model.Levels() {
		assert.Equal(t, SelectInterventions(p, level, state, nil), SelectInterventions(p, level, state, nil))
	}
}
