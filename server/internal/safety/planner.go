package safety

import "speech-coach/server/internal/model"

// AdaptSessionConfig 根据等级给出本轮的节奏与语气参数。
func AdaptSessionConfig(p Policy, level model.Level) model.SessionConfig {
	return p.Preset(level)
}

// ShouldTriggerScheduledBreak 定时休息检查，与等级无关。
// 距上次休息达到会话时长的 1/BreakDivisor 即触发。
func ShouldTriggerScheduledBreak(p Policy, state model.State, sessionDurationSeconds float64) bool {
	if sessionDurationSeconds <= 0 {
		return false
	}
	divisor := p.BreakDivisor
	if divisor <= 0 {
		divisor = 3
	}
	return state.TimeSinceBreak >= sessionDurationSeconds/divisor
}
