package notify

import (
	"context"

	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
)

// Fanout рассылает события леджера нескольким получателям по порядку.
type Fanout []approval.Notifier

func (f Fanout) ApprovalCreated(ctx context.Context, a *domain.ApprovalRequest, req *domain.Request) {
	for _, n := range f {
		n.ApprovalCreated(ctx, a, req)
	}
}

func (f Fanout) ApprovalResolved(ctx context.Context, a *domain.ApprovalRequest) {
	for _, n := range f {
		n.ApprovalResolved(ctx, a)
	}
}

func (f Fanout) PolicyUpdated(ctx context.Context, workspaceID string) {
	for _, n := range f {
		n.PolicyUpdated(ctx, workspaceID)
	}
}

// Invalidator: локальный кэш правил процесса.
type Invalidator interface {
	Invalidate(workspaceID string)
}

// LocalPolicy сбрасывает кэш правил своего процесса сразу, не дожидаясь сигнала из Redis.
type LocalPolicy struct {
	approval.NopNotifier
	Cache Invalidator
}

func (l LocalPolicy) PolicyUpdated(_ context.Context, workspaceID string) {
	l.Cache.Invalidate(workspaceID)
}
