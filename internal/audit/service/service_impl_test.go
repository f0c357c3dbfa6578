package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/audit/repository"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/migration"
	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   domain.Service
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.ApplySQLite(db))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fake,
	})
	return &fixture{db: db, svc: svc, clock: fake}
}

func TestRecordRequiresAction(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Record(context.Background(), nil, domain.Entry{Action: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestRecordMasksSensitiveMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := obscontext.WithRequestID(context.Background(), "req-42")

	require.NoError(t, f.svc.Record(ctx, nil, domain.Entry{
		ActorType:  domain.ActorTypeStaff,
		ActorID:    " staff-1 ",
		Action:     domain.ActionTransactionReconciled,
		TargetType: "imported_transaction",
		TargetID:   "123",
		Metadata: map[string]any{
			"authorization_code": "AUTH998877",
			"raw":                map[string]any{"card": "4111111111111111"},
			"amount":             "300.00",
		},
	}))

	resp, err := f.svc.List(context.Background(), domain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, string(domain.ActorTypeStaff), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "staff-1", *entry.ActorID)
	assert.Equal(t, "****8877", entry.Metadata["authorization_code"])
	assert.Equal(t, map[string]any{"card": "****1111"}, entry.Metadata["raw"])
	assert.Equal(t, "300.00", entry.Metadata["amount"])
	assert.Equal(t, "req-42", entry.Metadata["request_id"])
}

func TestRecordDefaultsActorAndTarget(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.Record(context.Background(), nil, domain.Entry{Action: domain.ActionBalanceClamped}))

	resp, err := f.svc.List(context.Background(), domain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(domain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
	assert.Nil(t, resp.AuditLogs[0].TargetID)
}

func TestRecordInsideCallerTransactionRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, f.svc.Record(ctx, tx, domain.Entry{Action: domain.ActionPaymentCreated}))
		return fmt.Errorf("rollback")
	})
	require.Error(t, err)

	resp, err := f.svc.List(ctx, domain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.AuditLogs)
}

func TestListFiltersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.Record(ctx, nil, domain.Entry{
			Action:     domain.ActionPaymentCreated,
			TargetType: "payment",
			TargetID:   fmt.Sprintf("p-%d", i),
		}))
		f.clock.Advance(time.Minute)
	}
	require.NoError(t, f.svc.Record(ctx, nil, domain.Entry{Action: domain.ActionPaymentVoided, TargetType: "payment", TargetID: "p-0"}))

	first, err := f.svc.List(ctx, domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		Action:     domain.ActionPaymentCreated,
	})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "p-2", *first.AuditLogs[0].TargetID)

	rest, err := f.svc.List(ctx, domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
		Action:     domain.ActionPaymentCreated,
	})
	require.NoError(t, err)
	require.Len(t, rest.AuditLogs, 1)
	assert.False(t, rest.HasMore)
	assert.Equal(t, "p-0", *rest.AuditLogs[0].TargetID)

	byTarget, err := f.svc.List(ctx, domain.ListAuditLogRequest{TargetID: "p-0"})
	require.NoError(t, err)
	assert.Len(t, byTarget.AuditLogs, 2)

	_, err = f.svc.List(ctx, domain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "not-a-token"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestListFiltersByActorAndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Record(ctx, nil, domain.Entry{Action: domain.ActionBatchIngested}))
	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.svc.Record(ctx, nil, domain.Entry{ActorType: domain.ActorTypeStaff, Action: domain.ActionTransactionReconciled}))

	staff, err := f.svc.List(ctx, domain.ListAuditLogRequest{ActorType: string(domain.ActorTypeStaff)})
	require.NoError(t, err)
	require.Len(t, staff.AuditLogs, 1)
	assert.Equal(t, domain.ActionTransactionReconciled, staff.AuditLogs[0].Action)

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	firstDay, err := f.svc.List(ctx, domain.ListAuditLogRequest{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, firstDay.AuditLogs, 1)
	assert.Equal(t, domain.ActionBatchIngested, firstDay.AuditLogs[0].Action)

	_, err = f.svc.List(ctx, domain.ListAuditLogRequest{From: &to, To: &from})
	assert.ErrorIs(t, err, domain.ErrInvalidDateRange)
}
