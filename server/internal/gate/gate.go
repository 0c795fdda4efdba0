// Package gate 安全闸门：对一轮输入依次执行信号检测、等级评估、干预选择、
// 会话参数调整、台词生成与校验，最后组装成交给展示层的结果。
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"speech-coach/server/internal/coach"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
	"speech-coach/server/internal/safety"
	"speech-coach/server/internal/signal"
)

// ErrTurnCancelled 会话在本轮进行中结束，本轮不产出结果。
var ErrTurnCancelled = errors.New("turn cancelled")

// Turn 一轮的输入。State 由调用方拥有，闸门只读不写。
type Turn struct {
	SessionID string
	TurnID    string
	State     model.State
	Event     model.Event
	Card      *model.CardContext
	// SessionDuration 计划会话时长，用于定时休息判断；<=0 时不触发。
	SessionDuration time.Duration
}

// Gate 安全闸门
type Gate struct {
	policies  *safety.PolicyStore
	detector  *signal.Detector
	generator *coach.Generator
	now       func() time.Time
	logger    *zap.Logger
}

// New 创建安全闸门
func New(policies *safety.PolicyStore, detector *signal.Detector, generator *coach.Generator, now func() time.Time, logger *zap.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		policies:  policies,
		detector:  detector,
		generator: generator,
		now:       now,
		logger:    logging.OrNop(logger).With(zap.String("component", "gate")),
	}
}

// Evaluate 处理一轮。只有两种错误：畸形事件（model.ErrInvalidEvent）和
// 会话中途结束（ErrTurnCancelled）；后端失败都在各阶段内部降级。
func (g *Gate) Evaluate(ctx context.Context, turn Turn) (*model.SafetyGateResult, error) {
	if err := turn.Event.Validate(); err != nil {
		return nil, err
	}
	// 整轮使用同一份策略快照，热更新不会让一轮内前后不一致
	policy := g.policies.Snapshot()
	state := turn.State
	log := g.logger.With(zap.String("session_id", turn.SessionID), zap.String("turn_id", turn.TurnID))

	// 1. 信号检测
	detection := g.detector.Detect(ctx, policy, state, turn.Event)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	signals := model.DedupSignals(detection.Signals)

	// 2-4. 等级、干预、会话参数
	level := safety.AssessLevel(policy, state, signals)
	interventions := safety.SelectInterventions(policy, level, state, signals)
	sessionCfg := safety.AdaptSessionConfig(policy, level)
	scheduledBreak := safety.ShouldTriggerScheduledBreak(policy, state, turn.SessionDuration.Seconds())

	// 5. 生成
	constraints := coach.BuildConstraints(level, sessionCfg, interventions)
	gen := g.generator.Generate(ctx, coach.Request{
		Constraints: constraints,
		Card:        turn.Card,
		Event:       turn.Event,
		State:       state,
	})
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	// 6. 校验：不通过就换成兜底台词，保留原始校验结果用于诊断
	validation := coach.Validate(gen.Generation, constraints)
	final := gen.Generation
	fallbackUsed := gen.FallbackUsed
	var fallbackReason string
	switch {
	case gen.FallbackUsed:
		fallbackReason = "generation failed: " + gen.Err.Error()
	case !validation.Valid:
		log.Warn("coach line failed validation, substituting fallback",
			zap.Strings("failed_checks", validation.Failed()),
			zap.String("coach_line", gen.Generation.CoachLine),
		)
		final = coach.Fallback()
		fallbackUsed = true
		fallbackReason = "validation failed: " + validation.Reason
	}

	// 7. 组装
	result := Assemble(Assembly{
		SessionID:            turn.SessionID,
		TurnID:               turn.TurnID,
		State:                state,
		Event:                turn.Event,
		Level:                level,
		Signals:              signals,
		Interventions:        interventions,
		SessionConfig:        sessionCfg,
		ScheduledBreak:       scheduledBreak,
		Generation:           final,
		Validation:           validation,
		FallbackUsed:         fallbackUsed,
		FallbackReason:       fallbackReason,
		ClassificationSource: detection.Source,
		CreatedAt:            g.now(),
	})

	log.Info("turn evaluated",
		zap.Stringer("level", level),
		zap.Int("signals", len(signals)),
		zap.Int("interventions", len(interventions)),
		zap.String("classification", string(detection.Source)),
		zap.Bool("fallback_used", fallbackUsed),
		zap.Bool("scheduled_break", scheduledBreak),
	)
	return result, nil
}

func cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTurnCancelled, context.Cause(ctx))
}
