package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
)

type invalidations []string

func (i *invalidations) Invalidate(ws string) { *i = append(*i, ws) }

type countingNotifier struct {
	approval.NopNotifier
	resolved int
}

func (c *countingNotifier) ApprovalResolved(context.Context, *domain.ApprovalRequest) { c.resolved++ }

func TestFanout(t *testing.T) {
	var inv invalidations
	counter := &countingNotifier{}
	f := Fanout{counter, LocalPolicy{Cache: &inv}}

	ctx := context.Background()
	f.ApprovalCreated(ctx, &domain.ApprovalRequest{}, &domain.Request{})
	f.ApprovalResolved(ctx, &domain.ApprovalRequest{Status: domain.StatusDenied})
	f.PolicyUpdated(ctx, "ws-1")

	assert.Equal(t, 1, counter.resolved)
	assert.Equal(t, invalidations{"ws-1"}, inv)
}
