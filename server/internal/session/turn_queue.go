package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"speech-coach/server/internal/logging"
)

var (
	ErrQueueClosed = errors.New("turn queue closed")
	ErrQueueFull   = errors.New("turn queue full")
)

const (
	// 队列容量：同一会话积压的轮次超过此值直接拒绝（背压控制）
	defaultQueueCapacity = 16
	// 单轮处理上限：分类 + 生成两次调用的超时之和再留余量
	defaultTurnTimeout = 20 * time.Second
)

// Job 在会话的串行队列里执行的一轮工作。
type Job func(ctx context.Context) error

// TurnQueue 为单个会话提供串行处理（Actor Model）
// 同一会话的两轮永远不会并发执行；Close 会取消正在进行的一轮。
type TurnQueue struct {
	sessionID   string
	jobs        chan *queuedJob
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
	// stopped 处理协程退出后关闭；此后不会再有 Job 开始或结束
	stopped     chan struct{}
	turnTimeout time.Duration
	logger      *zap.Logger

	// 统计信息
	total     atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

type queuedJob struct {
	ctx        context.Context
	run        Job
	enqueuedAt time.Time
	done       chan error
}

// QueueStats 队列统计信息
type QueueStats struct {
	SessionID string `json:"session_id"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
}

// NewTurnQueue 创建会话队列并启动处理协程
func NewTurnQueue(sessionID string, turnTimeout time.Duration, logger *zap.Logger) *TurnQueue {
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	q := &TurnQueue{
		sessionID:   sessionID,
		jobs:        make(chan *queuedJob, defaultQueueCapacity),
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		turnTimeout: turnTimeout,
		logger:      logging.OrNop(logger).With(zap.String("component", "turn_queue"), zap.String("session_id", sessionID)),
	}

	q.wg.Add(1)
	go q.processLoop()

	q.logger.Debug("turn queue created")
	return q
}

// Submit 把一轮加入队列并等待完成，返回 Job 的错误。
// Job 拿到的 ctx 在队列关闭、提交方 ctx 结束或单轮超时时被取消。
// 队列关闭时，已执行完的 Job 返回它自己的结果，未执行的返回 ErrQueueClosed。
func (q *TurnQueue) Submit(ctx context.Context, job Job) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}

	qj := &queuedJob{
		ctx:        ctx,
		run:        job,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}

	select {
	case q.jobs <- qj:
		q.total.Add(1)
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
		q.dropped.Add(1)
		q.logger.Warn("turn queue full, rejecting turn", zap.Int("pending", len(q.jobs)))
		return ErrQueueFull
	}

	select {
	case err := <-qj.done:
		return err
	case <-q.ctx.Done():
		// 等处理协程退出：进行中的一轮要么已写入结果，要么再也不会执行
		<-q.stopped
		select {
		case err := <-qj.done:
			return err
		default:
			return ErrQueueClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processLoop 串行处理（单协程）
func (q *TurnQueue) processLoop() {
	defer q.wg.Done()
	defer close(q.stopped)

	for {
		select {
		case <-q.ctx.Done():
			return
		case qj := <-q.jobs:
			q.process(qj)
		}
	}
}

func (q *TurnQueue) process(qj *queuedJob) {
	start := time.Now()
	if err := qj.ctx.Err(); err != nil {
		// 提交方已经放弃，不再执行
		qj.done <- err
		return
	}
	if q.ctx.Err() != nil {
		qj.done <- ErrQueueClosed
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.turnTimeout)
	defer cancel()
	stop := context.AfterFunc(qj.ctx, cancel)
	defer stop()

	err := q.runSafely(ctx, qj.run)
	q.processed.Add(1)

	elapsed := time.Since(start)
	fields := []zap.Field{
		zap.Duration("queue_latency", start.Sub(qj.enqueuedAt)),
		zap.Duration("processing_time", elapsed),
	}
	if err != nil {
		q.logger.Warn("turn failed", append(fields, zap.Error(err))...)
	} else {
		q.logger.Debug("turn processed", fields...)
	}
	if elapsed > q.turnTimeout/2 {
		q.logger.Warn("slow turn", fields...)
	}

	qj.done <- err
}

// runSafely 单轮 panic 不能拖垮整个会话队列。
func (q *TurnQueue) runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return job(ctx)
}

// Close 关闭队列：取消进行中的一轮，等待处理协程退出。可重复调用。
func (q *TurnQueue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()

		stats := q.Stats()
		q.logger.Debug("turn queue closed",
			zap.Int64("total", stats.Total),
			zap.Int64("processed", stats.Processed),
			zap.Int64("dropped", stats.Dropped),
			zap.Int("pending", stats.Pending),
		)
	})
	return nil
}

// Done 队列关闭后返回的通道会被关闭。
func (q *TurnQueue) Done() <-chan struct{} {
	return q.ctx.Done()
}

// Stats 获取队列统计信息
func (q *TurnQueue) Stats() QueueStats {
	return QueueStats{
		SessionID: q.sessionID,
		Total:     q.total.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   len(q.jobs),
		Capacity:  cap(q.jobs),
	}
}

// Queues 按会话管理 TurnQueue。已关闭的会话不会再分配新队列。
type Queues struct {
	mu          sync.Mutex
	queues      map[string]*TurnQueue
	closed      map[string]struct{}
	turnTimeout time.Duration
	logger      *zap.Logger
}

// NewQueues 创建队列表
func NewQueues(turnTimeout time.Duration, logger *zap.Logger) *Queues {
	return &Queues{
		queues:      make(map[string]*TurnQueue),
		closed:      make(map[string]struct{}),
		turnTimeout: turnTimeout,
		logger:      logging.OrNop(logger),
	}
}

// Get 取会话队列，不存在时创建；会话已关闭时返回 ErrQueueClosed。
func (qs *Queues) Get(sessionID string) (*TurnQueue, error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if _, done := qs.closed[sessionID]; done {
		return nil, ErrQueueClosed
	}
	q, ok := qs.queues[sessionID]
	if !ok {
		q = NewTurnQueue(sessionID, qs.turnTimeout, qs.logger)
		qs.queues[sessionID] = q
	}
	return q, nil
}

// Close 关闭并移除会话队列，取消进行中的一轮。之后该会话不能再提交。
func (qs *Queues) Close(sessionID string) {
	qs.mu.Lock()
	q, ok := qs.queues[sessionID]
	delete(qs.queues, sessionID)
	qs.closed[sessionID] = struct{}{}
	qs.mu.Unlock()

	if ok {
		_ = q.Close()
	}
}

// CloseAll 关闭所有队列（服务退出时调用）。
func (qs *Queues) CloseAll() {
	qs.mu.Lock()
	all := qs.queues
	qs.queues = make(map[string]*TurnQueue)
	qs.mu.Unlock()

	for _, q := range all {
		_ = q.Close()
	}
}
