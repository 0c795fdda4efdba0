package timeline

import (
	"context"

	"speech-coach/server/internal/model"
)

type Store interface {
	// Append 以 append-first 的契约写入 timeline，返回本次写入的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 TurnID+Kind 的请求幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, rec *model.TurnRecord) (int64, error)
	// List 返回该 session 的全量记录，用于回放与审计。
	List(ctx context.Context, sessionID string) ([]model.TurnRecord, error)
	// RecentResponses 返回最近 n 次孩子的非空回答（从旧到新），用于补齐重复检测所需的历史。
	RecentResponses(ctx context.Context, sessionID string, n int) ([]string, error)
}
