package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"courier/internal/outbox/models"
	"courier/internal/outbox/store"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
	"courier/pkg/testutil"
)

// outboxStoreSuite holds the dialect-independent cases.
type outboxStoreSuite struct {
	suite.Suite
	store  *store.SQLStore
	runner *txcontext.Runner
	now    time.Time
}

func (s *outboxStoreSuite) event(key string, age time.Duration) *models.Event {
	return models.NewEvent(models.TypeInstructionIssued, key,
		models.CorrelationIDs{TenantID: "t1", InstructionID: key},
		[]byte(`{"instructionId":"`+key+`"}`), s.now.Add(-age))
}

func (s *outboxStoreSuite) append(e *models.Event) {
	inserted, err := s.store.Append(context.Background(), e)
	s.Require().NoError(err)
	s.Require().True(inserted)
}

func (s *outboxStoreSuite) claim(limit int) []*models.Event {
	var claimed []*models.Event
	err := s.runner.RunInTx(context.Background(), func(ctx context.Context) error {
		var err error
		claimed, err = s.store.Claim(ctx, s.now, limit)
		return err
	})
	s.Require().NoError(err)
	return claimed
}

func ids(events []*models.Event) []id.EventID {
	out := make([]id.EventID, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func (s *outboxStoreSuite) TestAppendDedupe() {
	ctx := context.Background()
	first := s.event("a", 0)
	s.append(first)

	inserted, err := s.store.Append(ctx, s.event("a", 0))
	s.Require().NoError(err)
	s.False(inserted)

	got, err := s.store.GetByDedupeKey(ctx, "a")
	s.Require().NoError(err)
	s.Equal(first.ID, got.ID)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(0, got.RetryCount)
	s.Equal("t1", got.Correlation.TenantID)
	s.JSONEq(`{"instructionId":"a"}`, string(got.Payload))
	s.WithinDuration(first.CreatedAt, got.CreatedAt, time.Millisecond)
}

func (s *outboxStoreSuite) TestClaimOrderingAndLimit() {
	newest := s.event("newest", time.Second)
	oldest := s.event("oldest", 3*time.Second)
	middle := s.event("middle", 2*time.Second)
	s.append(newest)
	s.append(oldest)
	s.append(middle)

	claimed := s.claim(2)
	s.Equal([]id.EventID{oldest.ID, middle.ID}, ids(claimed))
	for _, e := range claimed {
		s.Equal(models.StatusProcessing, e.Status)
	}

	s.Equal([]id.EventID{newest.ID}, ids(s.claim(10)))
	s.Empty(s.claim(10), "processing events are not claimed again")
}

func (s *outboxStoreSuite) TestClaimSkipsEventsNotYetDue() {
	future := s.event("future", time.Second)
	future.NextRunAt = s.now.Add(time.Minute)
	s.append(future)

	s.Empty(s.claim(10))
}

func (s *outboxStoreSuite) TestClaimRequiresTransaction() {
	_, err := s.store.Claim(context.Background(), s.now, 10)
	s.ErrorIs(err, sentinel.ErrNoTx)
}

func (s *outboxStoreSuite) TestTransitions() {
	ctx := context.Background()
	e := s.event("a", time.Second)
	s.append(e)

	err := s.store.MarkDone(ctx, e.ID, s.now)
	s.ErrorIs(err, sentinel.ErrInvalidState, "pending events cannot complete")

	s.Require().Len(s.claim(1), 1)
	next := s.now.Add(30 * time.Second)
	s.Require().NoError(s.store.Reschedule(ctx, e.ID, 1, next, "NotificationHandler.v1:boom", s.now))

	got, err := s.store.Get(ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(1, got.RetryCount)
	s.Equal("NotificationHandler.v1:boom", got.LastError)
	s.WithinDuration(next, got.NextRunAt, time.Millisecond)

	s.now = next
	s.Require().Len(s.claim(1), 1)
	s.Require().NoError(s.store.MarkFailed(ctx, e.ID, 2, "still broken", s.now))

	got, err = s.store.Get(ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal(2, got.RetryCount)

	s.ErrorIs(s.store.MarkDone(ctx, e.ID, s.now), sentinel.ErrInvalidState)
}

func (s *outboxStoreSuite) TestMarkDoneClearsError() {
	ctx := context.Background()
	e := s.event("a", time.Second)
	s.append(e)
	s.Require().Len(s.claim(1), 1)
	s.Require().NoError(s.store.Reschedule(ctx, e.ID, 1, s.now, "transient", s.now))
	s.Require().Len(s.claim(1), 1)
	s.Require().NoError(s.store.MarkDone(ctx, e.ID, s.now))

	got, err := s.store.Get(ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDone, got.Status)
	s.Empty(got.LastError)
	s.Equal(1, got.RetryCount)
}

func (s *outboxStoreSuite) TestGetMissing() {
	_, err := s.store.Get(context.Background(), id.NewEventID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *outboxStoreSuite) TestCountsAndOldestPending() {
	ctx := context.Background()

	oldest, err := s.store.OldestPending(ctx)
	s.Require().NoError(err)
	s.True(oldest.IsZero())

	done := s.event("done", 5*time.Second)
	s.append(done)
	s.Require().Len(s.claim(1), 1)
	s.Require().NoError(s.store.MarkDone(ctx, done.ID, s.now))

	pending := s.event("pending", 2*time.Second)
	s.append(pending)
	s.append(s.event("pending-2", time.Second))

	counts, err := s.store.CountByStatus(ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), counts[models.StatusPending])
	s.Equal(int64(1), counts[models.StatusDone])
	s.Equal(int64(0), counts[models.StatusFailed])
	s.Contains(counts, models.StatusProcessing)

	oldest, err = s.store.OldestPending(ctx)
	s.Require().NoError(err)
	s.WithinDuration(pending.CreatedAt, oldest, time.Millisecond)
}

func (s *outboxStoreSuite) TestRequeue() {
	ctx := context.Background()
	failed := s.event("failed", 2*time.Second)
	pending := s.event("pending", time.Second)
	s.append(failed)
	s.append(pending)
	s.Require().Len(s.claim(1), 1)
	s.Require().NoError(s.store.MarkFailed(ctx, failed.ID, 5, "gave up", s.now))

	listed, err := s.store.ListFailed(ctx, 10)
	s.Require().NoError(err)
	s.Equal([]id.EventID{failed.ID}, ids(listed))

	n, err := s.store.Requeue(ctx, []id.EventID{failed.ID, pending.ID}, s.now)
	s.Require().NoError(err)
	s.Equal(int64(1), n, "pending events are left alone")

	got, err := s.store.Get(ctx, failed.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(0, got.RetryCount)
	s.Empty(got.LastError)
}

func (s *outboxStoreSuite) TestRequeueFailed() {
	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		e := s.event(key, time.Second)
		s.append(e)
		s.Require().Len(s.claim(1), 1)
		s.Require().NoError(s.store.MarkFailed(ctx, e.ID, 3, "gave up", s.now))
	}

	n, err := s.store.RequeueFailed(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(int64(2), n)
	s.Len(s.claim(10), 2)
}

func (s *outboxStoreSuite) TestDeleteDoneBefore() {
	ctx := context.Background()
	old := s.event("old", time.Hour)
	s.append(old)
	s.Require().Len(s.claim(1), 1)
	s.Require().NoError(s.store.MarkDone(ctx, old.ID, s.now.Add(-time.Hour)))
	_, err := s.store.StartConsumption(ctx, old.ID, "NotificationHandler.v1", s.now)
	s.Require().NoError(err)

	keep := s.event("keep", time.Minute)
	s.append(keep)

	n, err := s.store.DeleteDoneBefore(ctx, s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.store.Get(ctx, old.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.GetConsumption(ctx, old.ID, "NotificationHandler.v1")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Get(ctx, keep.ID)
	s.NoError(err)
}

func (s *outboxStoreSuite) TestRollbackDiscardsAppend() {
	ctx := context.Background()
	e := s.event("a", 0)
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.store.Append(ctx, e)
		s.Require().NoError(err)
		return sentinel.ErrConflict
	})
	s.ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.GetByDedupeKey(ctx, "a")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *outboxStoreSuite) TestConsumptionLifecycle() {
	ctx := context.Background()
	e := s.event("a", 0)
	s.append(e)
	const handler = "NotificationHandler.v1"

	claim, err := s.store.StartConsumption(ctx, e.ID, handler, s.now)
	s.Require().NoError(err)
	s.True(claim.Inserted)

	claim, err = s.store.StartConsumption(ctx, e.ID, handler, s.now)
	s.Require().NoError(err)
	s.False(claim.Inserted)
	s.Require().NotNil(claim.Existing)
	s.Equal(models.ConsumptionStarted, claim.Existing.Status)

	reclaimed, err := s.store.ReclaimConsumption(ctx, e.ID, handler, s.now)
	s.Require().NoError(err)
	s.False(reclaimed, "only failed records can be reclaimed")

	s.Require().NoError(s.store.FinishConsumption(ctx, e.ID, handler, models.ConsumptionFailed, "boom", s.now))
	got, err := s.store.GetConsumption(ctx, e.ID, handler)
	s.Require().NoError(err)
	s.Equal(models.ConsumptionFailed, got.Status)
	s.Equal("boom", got.LastError)

	reclaimed, err = s.store.ReclaimConsumption(ctx, e.ID, handler, s.now)
	s.Require().NoError(err)
	s.True(reclaimed)

	s.Require().NoError(s.store.FinishConsumption(ctx, e.ID, handler, models.ConsumptionDone, "", s.now))
	err = s.store.FinishConsumption(ctx, e.ID, handler, models.ConsumptionFailed, "late", s.now)
	s.ErrorIs(err, sentinel.ErrInvalidState)

	got, err = s.store.GetConsumption(ctx, e.ID, handler)
	s.Require().NoError(err)
	s.Equal(models.ConsumptionDone, got.Status)
	s.Empty(got.LastError)
}

type SQLiteStoreSuite struct {
	outboxStoreSuite
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) SetupTest() {
	pool := testutil.NewSQLitePool(s.T())
	s.store = store.New(pool.DB(), pool.Dialect())
	s.runner = txcontext.NewRunner(pool.DB())
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}
