package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speech-coach/server/internal/domain"
	"speech-coach/server/internal/gate"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
	"speech-coach/server/internal/session"
	"speech-coach/server/internal/timeline"
)

// ErrSessionEnded 会话已结束，不再接受新的轮次。
var ErrSessionEnded = errors.New("session ended")

// Evaluator 安全闸门的抽象，便于测试替换。
type Evaluator interface {
	Evaluate(ctx context.Context, turn gate.Turn) (*model.SafetyGateResult, error)
}

// Publisher 把每轮结果推给展示层（例如 WebSocket 连接）。
type Publisher interface {
	Publish(sessionID string, result *model.SafetyGateResult)
}

// Options 可选依赖。
type Options struct {
	Deck            *domain.Deck
	Publisher       Publisher
	SessionDuration time.Duration
	Logger          *zap.Logger
	NewID           func() string
}

// Orchestrator 负责会话轮次的编排逻辑。
//
// 职责与契约：
// - append-first：每轮输入先写 Timeline，再归约状态，保证可回放与审计。
// - 串行：同一会话的轮次经 TurnQueue 逐个执行，State 不会被并发修改。
// - 会话结束会关闭队列，进行中的 LLM 调用随之取消，本轮不产出结果。
type Orchestrator struct {
	store     session.Store
	timeline  timeline.Store
	queues    *session.Queues
	gate      Evaluator
	deck      *domain.Deck
	publisher Publisher
	duration  time.Duration
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
}

func New(store session.Store, tl timeline.Store, queues *session.Queues, evaluator Evaluator, now func() time.Time, opts Options) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{
		store:     store,
		timeline:  tl,
		queues:    queues,
		gate:      evaluator,
		deck:      opts.Deck,
		publisher: opts.Publisher,
		duration:  opts.SessionDuration,
		now:       now,
		newID:     opts.NewID,
		logger:    logging.OrNop(opts.Logger).With(zap.String("component", "orchestrator")),
	}
}

// SetPublisher 在网关创建之后接入推送。
func (o *Orchestrator) SetPublisher(p Publisher) {
	o.publisher = p
}

// CreateSession 创建会话；未给初始状态时用默认值。
func (o *Orchestrator) CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.Session, error) {
	now := o.now()
	state := model.NewState(now)
	if req.InitialState != nil {
		state = *req.InitialState
		state.LastActivityTimestamp = now
		state.Clamp()
	}

	sess := &model.Session{
		SessionID:   o.newID(),
		StudentName: req.StudentName,
		State:       state,
		CreatedAt:   now,
	}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	o.logger.Info("session created", zap.String("session_id", sess.SessionID))
	return sess, nil
}

// GetSession 读取会话快照。
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return o.store.Get(ctx, sessionID)
}

// OnTurn 处理一轮输入并返回交给展示层的结果。
//
// 副作用说明：
// - 追加 turn_event 到 Timeline（append-first）。
// - 归约并保存 State 与最近一次结果。
// - 追加 turn_result，并推送给已连接的展示层。
func (o *Orchestrator) OnTurn(ctx context.Context, sessionID string, req model.TurnRequest) (*model.SafetyGateResult, error) {
	// 畸形事件在入队前拒绝
	if err := req.Event.Validate(); err != nil {
		return nil, err
	}
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, ErrSessionEnded
	}

	q, err := o.queues.Get(sessionID)
	if err != nil {
		return nil, ErrSessionEnded
	}

	var result *model.SafetyGateResult
	err = q.Submit(ctx, func(turnCtx context.Context) error {
		res, err := o.runTurn(turnCtx, sessionID, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, session.ErrQueueClosed) {
		return nil, fmt.Errorf("%w: %w", gate.ErrTurnCancelled, ErrSessionEnded)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, sessionID string, req model.TurnRequest) (*model.SafetyGateResult, error) {
	// 排队期间会话可能已结束，重新读取
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, ErrSessionEnded
	}

	now := o.now()
	turnID := o.newID()
	evt := o.normalizeEvent(ctx, sessionID, req.Event, now)

	// append-first：先写事实，再归约快照
	if _, err := o.timeline.Append(ctx, sessionID, &model.TurnRecord{
		TurnID:   turnID,
		Kind:     model.RecordTurnEvent,
		Event:    &evt,
		ServerTS: now,
	}); err != nil {
		return nil, fmt.Errorf("append turn event: %w", err)
	}

	state := sess.State
	Reduce(&state, evt, now)

	result, err := o.gate.Evaluate(ctx, gate.Turn{
		SessionID:       sessionID,
		TurnID:          turnID,
		State:           state,
		Event:           evt,
		Card:            o.cardFor(req, evt),
		SessionDuration: o.duration,
	})
	if err != nil {
		return nil, err
	}
	// 闸门返回后会话才结束的情况：结果作废，不落盘也不推送
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrTurnCancelled, context.Cause(ctx))
	}

	ReduceSignals(&state, evt, result.Signals)
	sess.State = state
	sess.LastResult = result.Clone()
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	if _, err := o.timeline.Append(ctx, sessionID, &model.TurnRecord{
		TurnID:   turnID,
		Kind:     model.RecordTurnResult,
		Result:   result,
		ServerTS: o.now(),
	}); err != nil {
		return nil, fmt.Errorf("append turn result: %w", err)
	}

	if o.publisher != nil {
		o.publisher.Publish(sessionID, result.Clone())
	}
	return result, nil
}

// normalizeEvent 补齐客户端没带的字段：时间戳与最近两次回答。
func (o *Orchestrator) normalizeEvent(ctx context.Context, sessionID string, evt model.Event, now time.Time) model.Event {
	if evt.ClientTS.IsZero() {
		evt.ClientTS = now
	}
	if evt.Type == model.EventTypeResponse && evt.PreviousResponse == "" && evt.PreviousResponse2 == "" {
		recent, err := o.timeline.RecentResponses(ctx, sessionID, 2)
		if err != nil {
			o.logger.Warn("load response history failed", zap.String("session_id", sessionID), zap.Error(err))
			return evt
		}
		switch len(recent) {
		case 2:
			evt.PreviousResponse2 = recent[0]
			evt.PreviousResponse = recent[1]
		case 1:
			evt.PreviousResponse = recent[0]
		}
	}
	return evt
}

func (o *Orchestrator) cardFor(req model.TurnRequest, evt model.Event) *model.CardContext {
	if req.Card != nil {
		return req.Card
	}
	if o.deck == nil || evt.CardID == "" {
		return nil
	}
	card, err := o.deck.Get(evt.CardID)
	if err != nil {
		o.logger.Debug("card not in deck", zap.String("card_id", evt.CardID))
		return nil
	}
	return card
}

// TakeBreak 记录一次休息：在会话队列里执行，与轮次串行。
func (o *Orchestrator) TakeBreak(ctx context.Context, sessionID string) (*model.Session, error) {
	if _, err := o.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	q, err := o.queues.Get(sessionID)
	if err != nil {
		return nil, ErrSessionEnded
	}

	var out *model.Session
	err = q.Submit(ctx, func(ctx context.Context) error {
		sess, err := o.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Ended() {
			return ErrSessionEnded
		}

		now := o.now()
		ReduceBreak(&sess.State, now)
		if err := o.store.Save(ctx, sess); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		if _, err := o.timeline.Append(ctx, sessionID, &model.TurnRecord{
			TurnID:   o.newID(),
			Kind:     model.RecordBreakTaken,
			ServerTS: now,
		}); err != nil {
			return fmt.Errorf("append break: %w", err)
		}
		out = sess
		return nil
	})
	if errors.Is(err, session.ErrQueueClosed) {
		return nil, ErrSessionEnded
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("break taken", zap.String("session_id", sessionID))
	return out, nil
}

// EndSession 结束会话：先关队列取消进行中的轮次，再落结束标记。重复调用返回同一快照。
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	o.queues.Close(sessionID)
	if sess.Ended() {
		return sess, nil
	}

	// 队列关闭后可能有刚完成的一轮写入，重新读取
	if latest, err := o.store.Get(ctx, sessionID); err == nil {
		sess = latest
	}
	now := o.now()
	sess.EndedAt = &now
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if _, err := o.timeline.Append(ctx, sessionID, &model.TurnRecord{
		TurnID:   sessionID,
		Kind:     model.RecordSessionEnded,
		ServerTS: now,
	}); err != nil {
		return nil, fmt.Errorf("append session end: %w", err)
	}

	o.logger.Info("session ended", zap.String("session_id", sessionID), zap.Float64("time_in_session", sess.State.TimeInSession))
	return sess, nil
}

// Timeline 返回会话的全部记录。
func (o *Orchestrator) Timeline(ctx context.Context, sessionID string) ([]model.TurnRecord, error) {
	if _, err := o.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.timeline.List(ctx, sessionID)
}

// Shutdown 关闭所有会话队列。
func (o *Orchestrator) Shutdown() {
	o.queues.CloseAll()
}
