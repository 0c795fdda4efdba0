package safety

import "speech-coach/server/internal/model"

// AssessLevel 由状态和本轮信号得出安全等级。
// 从最严重往下判断，命中即返回；纯函数，不修改状态。
func AssessLevel(p Policy, state model.State, signals []model.Signal) model.Level {
	t := p.Thresholds
	floor := signalFloor(signals)

	distress := model.HasSignal(signals, model.SignalDistress)
	if state.DysregulationLevel >= t.RedDysregulation ||
		(distress && state.DysregulationLevel >= t.RedDistressDysregulation) {
		return model.LevelRed
	}

	if floor >= model.LevelOrange ||
		state.DysregulationLevel >= t.OrangeDysregulation ||
		state.ConsecutiveErrors >= t.OrangeConsecutiveErrors ||
		state.FatigueLevel >= t.OrangeFatigue {
		return model.LevelOrange
	}

	if floor >= model.LevelYellow ||
		state.EngagementLevel <= t.YellowEngagement ||
		state.DysregulationLevel >= t.YellowDysregulation ||
		state.ConsecutiveErrors >= t.YellowConsecutiveErrors ||
		state.FatigueLevel >= t.YellowFatigue {
		return model.LevelYellow
	}

	return model.LevelGreen
}

// signalFloor 返回信号单独能推到的最低等级。
func signalFloor(signals []model.Signal) model.Level {
	floor := model.LevelGreen
	for _, s := range signals {
		if l := SignalFloor(s); l > floor {
			floor = l
		}
	}
	return floor
}

// SignalFloor 单个信号对等级的下限。每新增一个信号都必须在这里归类。
// 音频信号不直接抬等级，它们经由追踪器抬高失调度后再影响评估。
func SignalFloor(s model.Signal) model.Level {
	switch s {
	case model.SignalDistress, model.SignalRepetitiveResponse:
		return model.LevelOrange
	case model.SignalWantsBreak, model.SignalWantsQuit, model.SignalFrustration,
		model.SignalConsecutiveErrors, model.SignalEngagementDrop:
		return model.LevelYellow
	case model.SignalScreaming, model.SignalCrying, model.SignalProlongedSilence:
		return model.LevelGreen
	default:
		return model.LevelGreen
	}
}
