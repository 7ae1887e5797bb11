package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"courier/internal/notification/models"
	"courier/internal/notification/store"
	id "courier/pkg/domain"
	"courier/pkg/platform/sentinel"
	"courier/pkg/testutil"
)

type StoreSuite struct {
	suite.Suite
	store *store.SQLStore
	now   time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	pool := testutil.NewSQLitePool(s.T())
	s.store = store.New(pool.DB(), pool.Dialect())
	s.now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) insert(link string, at time.Time) *models.Notification {
	n := &models.Notification{
		ID:          id.NewNotificationID(),
		TenantID:    testutil.TestIDs.TenantID1,
		RecipientID: testutil.TestIDs.ActorID1,
		Kind:        "Instruction.Issued",
		Title:       "New instruction issued",
		Body:        "body",
		Link:        link,
		MergeCount:  1,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	s.Require().NoError(s.store.Insert(context.Background(), n))
	return n
}

func (s *StoreSuite) TestFindMergeable() {
	ctx := context.Background()
	old := s.insert("/a", s.now.Add(-time.Hour))
	recent := s.insert("/a", s.now.Add(-time.Minute))
	s.insert("/b", s.now)

	got, err := s.store.FindMergeable(ctx, testutil.TestIDs.ActorID1, "Instruction.Issued", "/a", s.now.Add(-10*time.Minute))
	s.Require().NoError(err)
	s.Equal(recent.ID, got.ID)

	got, err = s.store.FindMergeable(ctx, testutil.TestIDs.ActorID1, "Instruction.Issued", "/a", s.now.Add(-2*time.Hour))
	s.Require().NoError(err)
	s.Equal(recent.ID, got.ID, "newest wins")
	s.NotEqual(old.ID, got.ID)

	_, err = s.store.FindMergeable(ctx, testutil.TestIDs.ActorID2, "Instruction.Issued", "/a", s.now.Add(-time.Hour))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestMergeAndRead() {
	ctx := context.Background()
	n := s.insert("/a", s.now)

	s.Require().NoError(s.store.Merge(ctx, n.ID, "updated", "new body", s.now.Add(time.Minute)))
	s.Require().NoError(s.store.MarkRead(ctx, testutil.TestIDs.ActorID1, n.ID, s.now.Add(2*time.Minute)))
	s.Require().NoError(s.store.MarkRead(ctx, testutil.TestIDs.ActorID1, n.ID, s.now.Add(3*time.Minute)))

	list, err := s.store.ListForRecipient(ctx, testutil.TestIDs.ActorID1, 10)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(2, list[0].MergeCount)
	s.Equal("updated", list[0].Title)
	s.False(list[0].Unread())
	s.True(list[0].ReadAt.Equal(s.now.Add(2*time.Minute)))

	_, err = s.store.FindMergeable(ctx, testutil.TestIDs.ActorID1, "Instruction.Issued", "/a", s.now.Add(-time.Hour))
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.ErrorIs(s.store.MarkRead(ctx, testutil.TestIDs.ActorID2, n.ID, s.now), sentinel.ErrNotFound)
	s.ErrorIs(s.store.Merge(ctx, id.NewNotificationID(), "t", "b", s.now), sentinel.ErrNotFound)
}
