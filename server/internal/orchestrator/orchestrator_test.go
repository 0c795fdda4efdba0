package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"speech-coach/server/internal/coach"
	"speech-coach/server/internal/domain"
	"speech-coach/server/internal/gate"
	"speech-coach/server/internal/llm"
	"speech-coach/server/internal/model"
	"speech-coach/server/internal/safety"
	"speech-coach/server/internal/session"
	"speech-coach/server/internal/signal"
	"speech-coach/server/internal/timeline"
)

func TestMain(m *testing.M) {
	// genai 依赖的 opencensus 在 init 里启动常驻协程
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []*model.SafetyGateResult
}

func (p *recordingPublisher) Publish(_ string, res *model.SafetyGateResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

type fixture struct {
	orch      *Orchestrator
	store     *session.InMemoryStore
	timeline  *timeline.InMemoryStore
	generator *llm.MockClient
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	var ids atomic.Int64
	newID := func() string {
		return fmt.Sprintf("id-%d", ids.Add(1))
	}

	genMock := llm.NewMockClient()
	g := gate.New(
		safety.NewPolicyStore(safety.DefaultPolicy()),
		signal.NewDetector(signal.NewClassifier(llm.NewMockClient(), time.Second, nil)),
		coach.NewGenerator(genMock, 10*time.Second, nil),
		clock, nil,
	)
	deck, err := domain.NewDeck([]model.CardContext{{CardID: "cat", Category: "animals", Prompt: "What animal is this?"}})
	require.NoError(t, err)

	store := session.NewInMemoryStore()
	tl := timeline.NewInMemoryStore()
	pub := &recordingPublisher{}
	queues := session.NewQueues(20*time.Second, nil)
	orch := New(store, tl, queues, g, clock, Options{
		Deck:            deck,
		Publisher:       pub,
		SessionDuration: 15 * time.Minute,
		NewID:           newID,
	})
	t.Cleanup(orch.Shutdown)
	return &fixture{orch: orch, store: store, timeline: tl, generator: genMock, publisher: pub}
}

// TestOnTurnAppendsTimelineAndUpdatesSnapshot 验证 OnTurn 的核心流程。
// 场景：孩子答错一次，timeline 先写事件再写结果，会话快照累计错误并保存最近结果。
func TestOnTurnAppendsTimelineAndUpdatesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.orch.CreateSession(ctx, model.CreateSessionRequest{StudentName: "Mia"})
	require.NoError(t, err)

	wrong := false
	res, err := f.orch.OnTurn(ctx, sess.SessionID, model.TurnRequest{
		Event: model.Event{Type: model.EventTypeResponse, Response: "dog", Correct: &wrong, CardID: "cat"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.LevelGreen, res.Level)
	assert.Equal(t, 1, res.AttemptNumber)

	records, err := f.orch.Timeline(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.RecordTurnEvent, records[0].Kind)
	assert.Equal(t, model.RecordTurnResult, records[1].Kind)
	assert.Equal(t, records[0].TurnID, records[1].TurnID)

	updated, err := f.store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.State.ConsecutiveErrors)
	require.NotNil(t, updated.LastResult)
	assert.Equal(t, res.TurnID, updated.LastResult.TurnID)

	require.Len(t, f.publisher.results, 1)

	// 题卡从题库补齐进提示词
	assert.Contains(t, f.generator.LastMessages[0].Content, "What animal is this?")
}

// TestOnTurnFillsHistoryFromTimeline 验证客户端没带历史时从 timeline 补齐，重复回答升到 ORANGE。
func TestOnTurnFillsHistoryFromTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.orch.CreateSession(ctx, model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = f.orch.OnTurn(ctx, sess.SessionID, model.TurnRequest{Event: model.Event{Type: model.EventTypeResponse, Response: "tat"}})
	require.NoError(t, err)
	res, err := f.orch.OnTurn(ctx, sess.SessionID, model.TurnRequest{Event: model.Event{Type: model.EventTypeResponse, Response: "tat"}})
	require.NoError(t, err)

	assert.Contains(t, res.Signals, model.SignalRepetitiveResponse)
	assert.Equal(t, model.LevelOrange, res.Level)
	assert.Equal(t, []string{"tat", "tat"}, res.ResponseHistory)
}

func TestOnTurnRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orch.CreateSession(context.Background(), model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = f.orch.OnTurn(context.Background(), sess.SessionID, model.TurnRequest{Event: model.Event{Type: "NOPE"}})
	assert.True(t, errors.Is(err, model.ErrInvalidEvent))

	records, _ := f.timeline.List(context.Background(), sess.SessionID)
	assert.Empty(t, records, "畸形事件不进 timeline")
}

func TestOnTurnUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.OnTurn(context.Background(), "missing", model.TurnRequest{Event: model.Event{Type: model.EventTypeInactive}})
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

// TestEndSessionCancelsInFlightTurn 验证会话结束时进行中的一轮被取消且不产出结果。
func TestEndSessionCancelsInFlightTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.orch.CreateSession(ctx, model.CreateSessionRequest{})
	require.NoError(t, err)

	f.generator.Delay = 5 * time.Second
	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.OnTurn(ctx, sess.SessionID, model.TurnRequest{Event: model.Event{Type: model.EventTypeResponse, Response: "cat"}})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		records, _ := f.timeline.List(ctx, sess.SessionID)
		return len(records) == 1
	}, time.Second, 5*time.Millisecond)

	ended, err := f.orch.EndSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.True(t, ended.Ended())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, gate.ErrTurnCancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not cancelled")
	}
	assert.Empty(t, f.publisher.results)

	_, err = f.orch.OnTurn(ctx, sess.SessionID, model.TurnRequest{Event: model.Event{Type: model.EventTypeInactive}})
	assert.True(t, errors.Is(err, ErrSessionEnded))

	again, err := f.orch.EndSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt, again.EndedAt)
}

// lateEvaluator 无视取消，在会话结束后照样交出结果
type lateEvaluator struct {
	entered chan struct{}
}

func (e *lateEvaluator) Evaluate(ctx context.Context, turn gate.Turn) (*model.SafetyGateResult, error) {
	close(e.entered)
	<-ctx.Done()
	return &model.SafetyGateResult{SessionID: turn.SessionID, TurnID: turn.TurnID, Level: model.LevelGreen}, nil
}

// 闸门在会话结束后才返回：本轮作废，不保存、不写 turn_result、不推送
func TestEndSessionDiscardsLateGateResult(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	tl := timeline.NewInMemoryStore()
	pub := &recordingPublisher{}
	eval := &lateEvaluator{entered: make(chan struct{})}
	orch := New(store, tl, session.NewQueues(10*time.Second, nil), eval, time.Now, Options{Publisher: pub})
	t.Cleanup(orch.Shutdown)

	sess, err := orch.CreateSession(ctx, model.CreateSessionRequest{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := orch.OnTurn(ctx, sess.SessionID, model.TurnRequest{Event: model.Event{Type: model.EventTypeResponse, Response: "cat"}})
		errCh <- err
	}()

	select {
	case <-eval.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the gate")
	}
	_, err = orch.EndSession(ctx, sess.SessionID)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, gate.ErrTurnCancelled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not return")
	}

	pub.mu.Lock()
	assert.Empty(t, pub.results)
	pub.mu.Unlock()

	stored, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastResult)
	assert.True(t, stored.Ended())

	records, err := tl.List(ctx, sess.SessionID)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, model.RecordTurnResult, rec.Kind)
	}
}

func TestTakeBreakResetsTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initial := model.State{EngagementLevel: 6, FatigueLevel: 5, DysregulationLevel: 4, TimeSinceBreak: 500}
	sess, err := f.orch.CreateSession(ctx, model.CreateSessionRequest{InitialState: &initial})
	require.NoError(t, err)

	updated, err := f.orch.TakeBreak(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, updated.State.TimeSinceBreak)
	assert.Equal(t, 2.0, updated.State.FatigueLevel)
	assert.Equal(t, 2.0, updated.State.DysregulationLevel)

	records, _ := f.timeline.List(ctx, sess.SessionID)
	require.Len(t, records, 1)
	assert.Equal(t, model.RecordBreakTaken, records[0].Kind)

	_, err = f.orch.TakeBreak(ctx, "missing")
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

// 不同会话互不影响
func TestSessionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.orch.CreateSession(ctx, model.CreateSessionRequest{InitialState: &model.State{EngagementLevel: 7, DysregulationLevel: 9}})
	b, _ := f.orch.CreateSession(ctx, model.CreateSessionRequest{})

	var wg sync.WaitGroup
	results := make([]*model.SafetyGateResult, 2)
	for i, id := range []string{a.SessionID, b.SessionID} {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.OnTurn(ctx, id, model.TurnRequest{Event: model.Event{Type: model.EventTypeResponse, Response: "hi"}})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, model.LevelRed, results[0].Level)
	assert.Equal(t, model.LevelGreen, results[1].Level)
}
