package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"courier/internal/idempotency/cache"
	"courier/internal/idempotency/models"
	"courier/internal/idempotency/service/mocks"
	dErrors "courier/pkg/domain-errors"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
	"courier/pkg/testutil"
)

var errTxAborted = errors.New("abort")

type GuardSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	mockStore  *mocks.MockStore
	mockLocker *mocks.MockLocker
	mockCache  *mocks.MockCache
	runner     *txcontext.Runner
	now        time.Time
	guard      *Guard
	key        models.Key
}

func (s *GuardSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockStore = mocks.NewMockStore(s.ctrl)
	s.mockLocker = mocks.NewMockLocker(s.ctrl)
	s.mockCache = mocks.NewMockCache(s.ctrl)
	s.runner = txcontext.NewRunner(testutil.NewSQLitePool(s.T()).DB())
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.key = models.Key{Actor: testutil.TestIDs.ActorID1, Scope: "instruction.issue", Value: "k1"}

	var err error
	s.guard, err = New(s.mockStore, s.mockLocker, s.mockCache,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLockTTL(time.Minute),
		WithTakeoverMultiplier(2),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
}

// SetupSubTest gives every subtest fresh mocks and a fresh database.
func (s *GuardSuite) SetupSubTest() {
	s.SetupTest()
}

func (s *GuardSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

// inTx runs fn in a transaction that commits unless fn returns errTxAborted.
func (s *GuardSuite) inTx(fn func(ctx context.Context) error) error {
	err := s.runner.RunInTx(context.Background(), fn)
	if errors.Is(err, errTxAborted) {
		return nil
	}
	return err
}

func (s *GuardSuite) precheck(hash string) (models.Decision, error) {
	var d models.Decision
	err := s.inTx(func(ctx context.Context) error {
		var err error
		d, err = s.guard.PreCheck(ctx, s.key, hash)
		return err
	})
	return d, err
}

func (s *GuardSuite) pending(hash string, age time.Duration) *models.Record {
	return &models.Record{Key: s.key, RequestHash: hash, CreatedAt: s.now.Add(-age)}
}

func (s *GuardSuite) TestPreCheck() {
	s.Run("empty key proceeds without touching collaborators", func() {
		d, err := s.guard.PreCheck(context.Background(), models.Key{Actor: s.key.Actor, Scope: "x"}, "h1")
		s.Require().NoError(err)
		s.True(d.Proceed())
	})

	s.Run("requires a transaction", func() {
		_, err := s.guard.PreCheck(context.Background(), s.key, "h1")
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("cache hit replays without the store", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(&models.CachedResult{
			RequestHash: "h1",
			Result:      models.Result{StatusCode: http.StatusCreated, Body: []byte(`{"id":"a"}`)},
		}, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonReplayCached, d.Reason)
		s.Equal(http.StatusCreated, d.Replay.StatusCode)
		s.JSONEq(`{"id":"a"}`, string(d.Replay.Body))
	})

	s.Run("cache hit with another fingerprint is key reuse", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(&models.CachedResult{RequestHash: "h0"}, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonKeyReused, d.Reason)
		s.Equal(models.KeyReusedBody, d.Replay.Body)
	})

	s.Run("first attempt locks and releases after the transaction", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, rec *models.Record) (models.InsertResult, error) {
				s.Equal("h1", rec.RequestHash)
				s.Equal(s.now.Add(defaultRecordTTL), rec.ExpiresAt)
				return models.InsertResult{Outcome: models.Inserted}, nil
			})
		lockKey := cache.LockKey(s.key)
		gomock.InOrder(
			s.mockLocker.EXPECT().Acquire(gomock.Any(), lockKey, time.Minute).Return("tok", true, nil),
			s.mockLocker.EXPECT().ReleaseIfOwnedBy(gomock.Any(), lockKey, "tok").Return(true, nil),
		)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.True(d.Proceed())
		s.Equal(models.ReasonProceed, d.Reason)
	})

	s.Run("lock also released on rollback", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{Outcome: models.Inserted}, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return("tok", true, nil)
		s.mockLocker.EXPECT().ReleaseIfOwnedBy(gomock.Any(), gomock.Any(), "tok").Return(true, nil)

		err := s.inTx(func(ctx context.Context) error {
			d, err := s.guard.PreCheck(ctx, s.key, "h1")
			s.Require().NoError(err)
			s.True(d.Proceed())
			return errTxAborted
		})
		s.Require().NoError(err)
	})

	s.Run("release failure is not escalated", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{Outcome: models.Inserted}, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return("tok", true, nil)
		s.mockLocker.EXPECT().ReleaseIfOwnedBy(gomock.Any(), gomock.Any(), "tok").Return(false, errors.New("redis down"))

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.True(d.Proceed())
	})

	s.Run("lock not acquired within the wait is in progress", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{Outcome: models.Inserted}, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return("", false, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonInProgress, d.Reason)
		s.Equal(http.StatusConflict, d.Replay.StatusCode)
		s.Equal(models.InProgressBody, d.Replay.Body)
	})

	s.Run("lock backend failure is unavailable", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{Outcome: models.Inserted}, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return("", false, errors.New("dial tcp"))

		_, err := s.precheck("h1")
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("cache failure falls through to the store", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, errors.New("timeout"))
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{Outcome: models.Inserted}, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return("tok", true, nil)
		s.mockLocker.EXPECT().ReleaseIfOwnedBy(gomock.Any(), gomock.Any(), "tok").Return(true, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.True(d.Proceed())
	})
}

func (s *GuardSuite) TestPreCheckExistingRecord() {
	s.Run("different fingerprint is key reuse", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: s.pending("h0", time.Second),
		}, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonKeyReused, d.Reason)
		s.Equal(http.StatusConflict, d.Replay.StatusCode)
	})

	s.Run("completed record replays and warms the cache after commit", func() {
		done := &models.Record{Key: s.key, RequestHash: "h1", Completed: true, StatusCode: 201, Body: []byte(`{"id":"a"}`)}
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: done,
		}, nil)
		s.mockCache.EXPECT().Set(gomock.Any(), s.key, models.CachedResult{RequestHash: "h1", Result: done.Result()}, defaultRecordTTL).Return(nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonReplayStored, d.Reason)
		s.Equal(201, d.Replay.StatusCode)
		s.Equal(done.Body, d.Replay.Body)
	})

	s.Run("completed record does not warm the cache on rollback", func() {
		done := &models.Record{Key: s.key, RequestHash: "h1", Completed: true, StatusCode: 201}
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: done,
		}, nil)

		err := s.inTx(func(ctx context.Context) error {
			_, err := s.guard.PreCheck(ctx, s.key, "h1")
			s.Require().NoError(err)
			return errTxAborted
		})
		s.Require().NoError(err)
	})

	s.Run("held lock is in progress", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: s.pending("h1", time.Hour),
		}, nil)
		s.mockLocker.EXPECT().IsHeld(gomock.Any(), cache.LockKey(s.key)).Return(true, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonInProgress, d.Reason)
	})

	s.Run("unlocked but young record is in progress", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: s.pending("h1", 2*time.Minute),
		}, nil)
		s.mockLocker.EXPECT().IsHeld(gomock.Any(), gomock.Any()).Return(false, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonInProgress, d.Reason)
	})

	s.Run("unlocked stale record is taken over", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: s.pending("h1", 2*time.Minute+time.Second),
		}, nil)
		s.mockLocker.EXPECT().IsHeld(gomock.Any(), gomock.Any()).Return(false, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), cache.LockKey(s.key), time.Minute).Return("tok2", true, nil)
		s.mockLocker.EXPECT().ReleaseIfOwnedBy(gomock.Any(), gomock.Any(), "tok2").Return(true, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.True(d.Proceed())
		s.Equal(models.ReasonTakeover, d.Reason)
	})

	s.Run("takeover race lost is in progress", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{
			Outcome: models.AlreadyExists, Existing: s.pending("h1", time.Hour),
		}, nil)
		s.mockLocker.EXPECT().IsHeld(gomock.Any(), gomock.Any()).Return(false, nil)
		s.mockLocker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return("", false, nil)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonInProgress, d.Reason)
	})

	s.Run("record vanished after conflict is in progress", func() {
		s.mockCache.EXPECT().Get(gomock.Any(), s.key).Return(nil, nil)
		s.mockStore.EXPECT().InsertOrGet(gomock.Any(), gomock.Any()).Return(models.InsertResult{}, sentinel.ErrNotFound)

		d, err := s.precheck("h1")
		s.Require().NoError(err)
		s.Equal(models.ReasonInProgress, d.Reason)
	})
}

func (s *GuardSuite) TestComplete() {
	result := models.Result{StatusCode: 201, Body: []byte(`{"id":"a"}`)}

	s.Run("stores the result and caches it after commit", func() {
		s.mockStore.EXPECT().Complete(gomock.Any(), s.key, result).Return(&models.Record{
			Key: s.key, RequestHash: "h1", Completed: true, StatusCode: 201, Body: result.Body,
		}, nil)
		s.mockCache.EXPECT().Set(gomock.Any(), s.key, models.CachedResult{RequestHash: "h1", Result: result}, defaultRecordTTL).Return(nil)

		s.Require().NoError(s.inTx(func(ctx context.Context) error {
			return s.guard.Complete(ctx, s.key, result)
		}))
	})

	s.Run("nothing is cached when the transaction rolls back", func() {
		s.mockStore.EXPECT().Complete(gomock.Any(), s.key, result).Return(&models.Record{Key: s.key, RequestHash: "h1"}, nil)

		s.Require().NoError(s.inTx(func(ctx context.Context) error {
			s.Require().NoError(s.guard.Complete(ctx, s.key, result))
			return errTxAborted
		}))
	})

	s.Run("completing twice is an invariant violation", func() {
		s.mockStore.EXPECT().Complete(gomock.Any(), s.key, result).Return(nil, sentinel.ErrInvalidState)

		err := s.inTx(func(ctx context.Context) error {
			return s.guard.Complete(ctx, s.key, result)
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("empty key is a no-op", func() {
		s.Require().NoError(s.guard.Complete(context.Background(), models.Key{}, result))
	})
}

func (s *GuardSuite) TestStaleAfter() {
	s.Equal(2*time.Minute, s.guard.StaleAfter())

	short, err := New(s.mockStore, s.mockLocker, s.mockCache,
		WithLockTTL(100*time.Millisecond),
		WithTakeoverMultiplier(2),
	)
	s.Require().NoError(err)
	s.Equal(time.Second, short.StaleAfter(), "takeover never happens sooner than a second")
}
