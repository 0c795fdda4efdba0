package session

import (
	"context"

	"speech-coach/server/internal/model"
)

// Store 会话快照存储。State 归会话独占，存取都以副本进行。
type Store interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, id string) error
}
