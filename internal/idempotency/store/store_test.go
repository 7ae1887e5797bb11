package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"courier/internal/idempotency/models"
	"courier/internal/idempotency/store"
	"courier/pkg/platform/sentinel"
	txcontext "courier/pkg/platform/tx"
	"courier/pkg/testutil"
)

// recordStoreSuite runs against any dialect; the SQLite and Postgres suites
// only differ in how the database is obtained.
type recordStoreSuite struct {
	suite.Suite
	store  *store.SQLStore
	runner *txcontext.Runner
	now    time.Time
}

func (s *recordStoreSuite) key(value string) models.Key {
	return models.Key{Actor: testutil.TestIDs.ActorID1, Scope: "instruction.issue", Value: value}
}

func (s *recordStoreSuite) record(value, hash string) *models.Record {
	return &models.Record{
		Key:         s.key(value),
		RequestHash: hash,
		CreatedAt:   s.now,
		ExpiresAt:   s.now.Add(24 * time.Hour),
	}
}

func (s *recordStoreSuite) TestInsertOrGet() {
	ctx := context.Background()

	res, err := s.store.InsertOrGet(ctx, s.record("k1", "h1"))
	s.Require().NoError(err)
	s.Equal(models.Inserted, res.Outcome)
	s.Nil(res.Existing)

	res, err = s.store.InsertOrGet(ctx, s.record("k1", "h2"))
	s.Require().NoError(err)
	s.Equal(models.AlreadyExists, res.Outcome)
	s.Require().NotNil(res.Existing)
	s.Equal("h1", res.Existing.RequestHash)
	s.False(res.Existing.Completed)
	s.WithinDuration(s.now, res.Existing.CreatedAt, time.Millisecond)
}

func (s *recordStoreSuite) TestConflictKeepsTransactionUsable() {
	ctx := context.Background()
	_, err := s.store.InsertOrGet(ctx, s.record("k1", "h1"))
	s.Require().NoError(err)

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.store.InsertOrGet(ctx, s.record("k1", "h1"))
		s.Require().NoError(err)
		s.Equal(models.AlreadyExists, res.Outcome)

		_, err = s.store.InsertOrGet(ctx, s.record("k2", "h1"))
		return err
	})
	s.Require().NoError(err)

	_, err = s.store.Get(ctx, s.key("k2"))
	s.NoError(err)
}

func (s *recordStoreSuite) TestComplete() {
	ctx := context.Background()
	_, err := s.store.InsertOrGet(ctx, s.record("k1", "h1"))
	s.Require().NoError(err)

	body := []byte(`{"instructionId":"x"}`)
	rec, err := s.store.Complete(ctx, s.key("k1"), models.Result{StatusCode: 201, Body: body})
	s.Require().NoError(err)
	s.Equal("h1", rec.RequestHash)
	s.True(rec.Completed)

	got, err := s.store.Get(ctx, s.key("k1"))
	s.Require().NoError(err)
	s.True(got.Completed)
	s.Equal(201, got.StatusCode)
	s.Equal(body, got.Body)

	_, err = s.store.Complete(ctx, s.key("k1"), models.Result{StatusCode: 500})
	s.ErrorIs(err, sentinel.ErrInvalidState)

	got, err = s.store.Get(ctx, s.key("k1"))
	s.Require().NoError(err)
	s.Equal(201, got.StatusCode, "completed result is immutable")

	_, err = s.store.Complete(ctx, s.key("missing"), models.Result{StatusCode: 201})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *recordStoreSuite) TestRollbackDiscardsRecord() {
	ctx := context.Background()
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.store.InsertOrGet(ctx, s.record("k1", "h1"))
		s.Require().NoError(err)
		return sentinel.ErrConflict
	})
	s.ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.Get(ctx, s.key("k1"))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *recordStoreSuite) TestDeleteExpired() {
	ctx := context.Background()
	old := s.record("old", "h")
	old.ExpiresAt = s.now.Add(-time.Minute)
	_, err := s.store.InsertOrGet(ctx, old)
	s.Require().NoError(err)
	_, err = s.store.InsertOrGet(ctx, s.record("fresh", "h"))
	s.Require().NoError(err)

	n, err := s.store.DeleteExpired(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.store.Get(ctx, s.key("old"))
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Get(ctx, s.key("fresh"))
	s.NoError(err)
}

type SQLiteStoreSuite struct {
	recordStoreSuite
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
