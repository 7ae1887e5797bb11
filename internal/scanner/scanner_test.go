package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"courier/internal/outbox/models"
	"courier/internal/outbox/store"
	"courier/internal/outbox/writer"
	"courier/internal/scanner"
	txcontext "courier/pkg/platform/tx"
	"courier/pkg/testutil"
)

// staticRule reports one finding per subject in the day bucket of now.
type staticRule struct {
	name     string
	subjects []string
	err      error
}

func (r staticRule) Name() string { return r.name }

func (r staticRule) Scan(_ context.Context, now time.Time, loc *time.Location) ([]scanner.Finding, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]scanner.Finding, 0, len(r.subjects))
	for _, subject := range r.subjects {
		out = append(out, scanner.Finding{
			EventType:   models.TypeItemOverdueDaily,
			SubjectType: "item",
			SubjectID:   subject,
			Bucket:      scanner.DayBucket(now, loc),
			Correlation: models.CorrelationIDs{ItemID: subject},
			Payload:     map[string]string{"itemId": subject},
		})
	}
	return out, nil
}

type fakeLeader struct {
	ok       bool
	err      error
	released int
}

func (l *fakeLeader) TryAcquire(context.Context) (func(context.Context), bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func(context.Context) { l.released++ }, true, nil
}

type ScannerSuite struct {
	suite.Suite
	store  *store.SQLStore
	runner *txcontext.Runner
	writer *writer.Writer
	now    time.Time
	zone   *time.Location
}

func TestScannerSuite(t *testing.T) {
	suite.Run(t, new(ScannerSuite))
}

func (s *ScannerSuite) SetupTest() {
	pool := testutil.NewSQLitePool(s.T())
	s.store = store.New(pool.DB(), pool.Dialect())
	s.runner = txcontext.NewRunner(pool.DB())
	s.now = time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	s.writer = writer.New(s.store, writer.WithClock(func() time.Time { return s.now }))
	zone, err := time.LoadLocation("Asia/Shanghai")
	s.Require().NoError(err)
	s.zone = zone
}

func (s *ScannerSuite) scanner(rules []scanner.Rule, opts ...scanner.Option) *scanner.Scanner {
	opts = append(opts, scanner.WithZone(s.zone), scanner.WithClock(func() time.Time { return s.now }))
	sc, err := scanner.New(s.runner, s.writer, rules, opts...)
	s.Require().NoError(err)
	return sc
}

func (s *ScannerSuite) events() []*models.Event {
	events, err := s.store.ListByType(context.Background(), models.TypeItemOverdueDaily)
	s.Require().NoError(err)
	return events
}

func (s *ScannerSuite) TestRescanWithinBucketAppendsNothing() {
	sc := s.scanner([]scanner.Rule{staticRule{name: "overdue", subjects: []string{"a", "b"}}})

	report, err := sc.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(2, report.Findings["overdue"])

	s.now = s.now.Add(6 * time.Hour)
	_, err = sc.RunOnce(context.Background())
	s.Require().NoError(err)

	var keys []string
	for _, e := range s.events() {
		keys = append(keys, e.DedupeKey)
	}
	s.ElementsMatch([]string{
		"InstructionItem.OverdueDaily:item:a:20260301",
		"InstructionItem.OverdueDaily:item:b:20260301",
	}, keys)
}

func (s *ScannerSuite) TestNextBucketAppendsNewEvent() {
	sc := s.scanner([]scanner.Rule{staticRule{name: "overdue", subjects: []string{"a"}}})

	_, err := sc.RunOnce(context.Background())
	s.Require().NoError(err)
	// 16:00 UTC is midnight in the reference zone.
	s.now = time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)
	_, err = sc.RunOnce(context.Background())
	s.Require().NoError(err)

	events := s.events()
	s.Require().Len(events, 2)
	s.Equal("InstructionItem.OverdueDaily:item:a:20260301", events[0].DedupeKey)
	s.Equal("InstructionItem.OverdueDaily:item:a:20260302", events[1].DedupeKey)
}

func (s *ScannerSuite) TestFailingRuleDoesNotBlockOthers() {
	sc := s.scanner([]scanner.Rule{
		staticRule{name: "broken", err: errors.New("query failed")},
		staticRule{name: "overdue", subjects: []string{"a"}},
	})

	report, err := sc.RunOnce(context.Background())
	s.Require().Error(err)
	s.Contains(err.Error(), "rule broken")
	s.Equal(1, report.Findings["overdue"])
	s.Len(s.events(), 1)
}

func (s *ScannerSuite) TestLeader() {
	rules := []scanner.Rule{staticRule{name: "overdue", subjects: []string{"a"}}}

	s.Run("follower skips the tick", func() {
		leader := &fakeLeader{}
		report, err := s.scanner(rules, scanner.WithLeader(leader)).RunOnce(context.Background())
		s.Require().NoError(err)
		s.True(report.Skipped)
		s.Empty(s.events())
	})

	s.Run("leader scans and releases", func() {
		leader := &fakeLeader{ok: true}
		report, err := s.scanner(rules, scanner.WithLeader(leader)).RunOnce(context.Background())
		s.Require().NoError(err)
		s.False(report.Skipped)
		s.Equal(1, leader.released)
		s.Len(s.events(), 1)
	})

	s.Run("lock failure scans anyway", func() {
		s.now = s.now.Add(24 * time.Hour)
		leader := &fakeLeader{err: errors.New("redis down")}
		_, err := s.scanner(rules, scanner.WithLeader(leader)).RunOnce(context.Background())
		s.Require().NoError(err)
		s.Len(s.events(), 2)
	})
}

func (s *ScannerSuite) TestNewRequiresRules() {
	_, err := scanner.New(s.runner, s.writer, nil)
	s.Error(err)
}

func TestRedisLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := scanner.NewRedisLeader(client, "courier:scanner:leader", time.Minute)
	b := scanner.NewRedisLeader(client, "courier:scanner:leader", time.Minute)

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second process does not lead while the first holds the lock")

	release(ctx)
	releaseB, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB(ctx)
}
