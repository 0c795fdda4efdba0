package safety

import "speech-coach/server/internal/model"

// SelectInterventions 为等级挑选干预集合，按规范顺序返回。
// 信号只通过等级起作用，同一等级下不会因信号增减选项。
//
// 单调性：高等级的集合总是包含所有低等级的无条件项，
// 所以 ORANGE 天然带上 YELLOW 的 SKIP_CARD。
func SelectInterventions(p Policy, level model.Level, state model.State, signals []model.Signal) []model.Intervention {
	set := model.NewInterventionSet()

	switch level {
	case model.LevelRed:
		set.Add(model.AllInterventions()...)
	case model.LevelOrange:
		set.Add(Unconditional(p, level)...)
		if state.DysregulationLevel >= p.Thresholds.BreathingDysregulation {
			set.Add(model.InterventionBubbleBreathing)
		}
		if state.ConsecutiveErrors >= p.Thresholds.SkipCardConsecutiveErrors {
			set.Add(model.InterventionSkipCard)
		}
	case model.LevelYellow:
		set.Add(Unconditional(p, level)...)
	case model.LevelGreen:
		set.Add(Unconditional(p, level)...)
	}

	for lower := model.LevelGreen; lower < level; lower++ {
		set.Add(Unconditional(p, lower)...)
	}

	return set.Sorted()
}

// Unconditional 每个等级不依赖状态必定给出的干预。
func Unconditional(p Policy, level model.Level) []model.Intervention {
	switch level {
	case model.LevelRed:
		return model.AllInterventions()
	case model.LevelOrange:
		return []model.Intervention{model.InterventionRetryCard, model.InterventionStartBreak}
	case model.LevelYellow:
		return []model.Intervention{model.InterventionSkipCard, model.InterventionRetryCard}
	case model.LevelGreen:
		if p.GreenOffersRetry {
			return []model.Intervention{model.InterventionRetryCard}
		}
		return nil
	default:
		return nil
	}
}
