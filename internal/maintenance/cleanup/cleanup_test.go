package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idemmodels "courier/internal/idempotency/models"
	idemstore "courier/internal/idempotency/store"
	outbox "courier/internal/outbox/models"
	outboxstore "courier/internal/outbox/store"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
	"courier/pkg/testutil"
)

func TestRunOnce_Integration(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewSQLitePool(t)
	records := idemstore.New(pool.DB(), pool.Dialect())
	events := outboxstore.New(pool.DB(), pool.Dialect())
	runner := txcontext.NewRunner(pool.DB())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	expired := idemmodels.Key{Actor: testutil.TestIDs.ActorID1, Scope: "instruction.issue", Value: "old"}
	live := idemmodels.Key{Actor: testutil.TestIDs.ActorID1, Scope: "instruction.issue", Value: "new"}
	for _, rec := range []*idemmodels.Record{
		{Key: expired, RequestHash: "h", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{Key: live, RequestHash: "h", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		_, err := records.InsertOrGet(ctx, rec)
		require.NoError(t, err)
	}

	oldDone := outbox.NewEvent(outbox.TypeInstructionIssued, "old-done", outbox.CorrelationIDs{}, nil, now.Add(-10*24*time.Hour))
	recentDone := outbox.NewEvent(outbox.TypeInstructionIssued, "recent-done", outbox.CorrelationIDs{}, nil, now.Add(-time.Hour))
	oldPending := outbox.NewEvent(outbox.TypeInstructionIssued, "old-pending", outbox.CorrelationIDs{}, nil, now.Add(-10*24*time.Hour))
	// Deliver each "done" event at its creation time, before the pending one exists.
	for _, e := range []*outbox.Event{oldDone, recentDone} {
		_, err := events.Append(ctx, e)
		require.NoError(t, err)
		require.NoError(t, runner.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := events.Claim(ctx, e.CreatedAt, 1); err != nil {
				return err
			}
			return events.MarkDone(ctx, e.ID, e.CreatedAt)
		}))
	}
	_, err := events.Append(ctx, oldPending)
	require.NoError(t, err)

	svc, err := New(records, events, WithDoneRetention(7*24*time.Hour), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExpiredIdempotencyRecords)
	assert.Equal(t, int64(1), res.DeliveredEvents)

	_, err = records.Get(ctx, expired)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = records.Get(ctx, live)
	assert.NoError(t, err)

	_, err = events.Get(ctx, oldDone.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = events.Get(ctx, recentDone.ID)
	assert.NoError(t, err)
	_, err = events.Get(ctx, oldPending.ID)
	assert.NoError(t, err)
}

type stubRecords struct{ err error }

func (s stubRecords) DeleteExpired(context.Context, time.Time) (int64, error) { return 3, s.err }

type stubEvents struct {
	err    error
	cutoff time.Time
}

func (s *stubEvents) DeleteDoneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return 2, s.err
}

func TestRunOnce_JoinsErrors(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	events := &stubEvents{err: errors.New("outbox down")}
	svc, err := New(stubRecords{err: errors.New("records down")}, events,
		WithDoneRetention(time.Hour), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "records down")
	assert.Contains(t, err.Error(), "outbox down")
	assert.Zero(t, res.ExpiredIdempotencyRecords)
	assert.Equal(t, now.Add(-time.Hour), events.cutoff)
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(nil, &stubEvents{})
	assert.Error(t, err)
}

func TestStart_StopsOnCancel(t *testing.T) {
	svc, err := New(stubRecords{}, &stubEvents{}, WithInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Start(ctx), context.DeadlineExceeded)
}
