package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/testutil"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/metrics"
)

type recordingAuditRepo struct {
	entries []*domain.AuditLog
}

func (r *recordingAuditRepo) Create(_ context.Context, entry *domain.AuditLog) error {
	r.entries = append(r.entries, entry)
	return nil
}

func TestAuditServiceKeepsOrderAndDrains(t *testing.T) {
	repo := &recordingAuditRepo{}
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	svc := NewAuditService(repo, m, testutil.Logger(t))

	ctx := WithActor(context.Background(), Actor{UserID: "u-1", Role: domain.RolePractitioner, RequestID: "req-1"})
	for i := 0; i < 50; i++ {
		svc.LogAsync(ctx, AuditEntry{
			Actor:        ActorFrom(ctx),
			Action:       domain.ActionSyncFromPatient,
			ResourceType: "consultations",
			ResourceID:   fmt.Sprintf("c-%d", i),
			Outcome:      "success",
		})
	}
	svc.Shutdown()
	svc.Shutdown()

	require.Len(t, repo.entries, 50)
	for i, e := range repo.entries {
		assert.Equal(t, fmt.Sprintf("c-%d", i), e.ResourceID)
	}
	assert.Equal(t, "u-1", repo.entries[0].UserID)
	assert.Equal(t, "req-1", repo.entries[0].RequestID)
	assert.Equal(t, "success", repo.entries[0].Changes["outcome"])
	assert.Equal(t, 50.0, promtest.ToFloat64(m.AuditEntriesTotal))

	svc.LogAsync(ctx, AuditEntry{Action: domain.ActionSyncFromPatient})
	assert.Len(t, repo.entries, 50)
}

func TestActorFromDefaultsToSystem(t *testing.T) {
	assert.Equal(t, SystemActor, ActorFrom(context.Background()))
}
