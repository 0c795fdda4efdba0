package orchestrator

import (
	"math"
	"time"

	"speech-coach/server/internal/model"
)

const (
	// 每 120 秒没有休息，疲劳 +1
	fatigueSecondsPerPoint = 120.0
	// 单次间隔计入会话时长的上限，避免孩子离开很久后回来疲劳直接拉满
	maxGapSeconds = 10 * 60.0

	distressDysregulationStep    = 2.0
	frustrationDysregulationStep = 1.0
	calmCorrectRecoveryStep      = 1.0

	breakFatigueRecovery       = 3.0
	breakDysregulationRecovery = 2.0
)

// Reduce 只做“事实归约”：把一轮事件折进 State，不触发外部调用。
// 在闸门评估之前调用，闸门看到的是包含本轮事实的状态。
func Reduce(state *model.State, evt model.Event, now time.Time) {
	if state == nil {
		return
	}

	dt := elapsedSeconds(state.LastActivityTimestamp, now)
	state.TimeInSession += dt
	state.TimeSinceBreak += dt
	state.FatigueLevel += dt / fatigueSecondsPerPoint
	state.LastActivityTimestamp = now

	if evt.CardID != "" && evt.CardID != state.CurrentCardID {
		state.CurrentCardID = evt.CardID
		state.CardAttempt = 0
	}

	switch evt.Type {
	case model.EventTypeResponse:
		state.CardAttempt++
		if evt.Correct != nil {
			if *evt.Correct {
				state.ConsecutiveErrors = 0
				state.EngagementLevel++
			} else {
				state.ConsecutiveErrors++
				state.TotalErrors++
			}
		}
	case model.EventTypeInactive:
		state.EngagementLevel--
	}

	minutes := math.Max(1, state.TimeInSession/60)
	state.ErrorFrequency = float64(state.TotalErrors) / minutes

	state.Clamp()
}

// ReduceSignals 闸门评估之后，把本轮信号折进失调度，影响下一轮。
func ReduceSignals(state *model.State, evt model.Event, signals []model.Signal) {
	if state == nil {
		return
	}

	upset := false
	for _, s := range model.DedupSignals(signals) {
		switch s {
		case model.SignalScreaming, model.SignalCrying, model.SignalDistress:
			state.DysregulationLevel += distressDysregulationStep
			upset = true
		case model.SignalFrustration:
			state.DysregulationLevel += frustrationDysregulationStep
			upset = true
		}
	}

	if !upset && evt.Correct != nil && *evt.Correct {
		state.DysregulationLevel -= calmCorrectRecoveryStep
	}
	state.Clamp()
}

// ReduceBreak 休息结束：清零休息计时，疲劳与失调回落。
func ReduceBreak(state *model.State, now time.Time) {
	if state == nil {
		return
	}

	dt := elapsedSeconds(state.LastActivityTimestamp, now)
	state.TimeInSession += dt
	state.TimeSinceBreak = 0
	state.FatigueLevel -= breakFatigueRecovery
	state.DysregulationLevel -= breakDysregulationRecovery
	state.LastActivityTimestamp = now
	state.Clamp()
}

func elapsedSeconds(last, now time.Time) float64 {
	if last.IsZero() || !now.After(last) {
		return 0
	}
	return math.Min(now.Sub(last).Seconds(), maxGapSeconds)
}
