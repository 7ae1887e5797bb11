// Package scanner turns time-based business conditions into outbox events.
// Each finding carries a dedupe key built from its subject and a time bucket,
// so rescanning within a bucket appends nothing and a new bucket appends a
// new event.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"courier/internal/outbox/models"
	"courier/internal/platform/tracer"
)

const (
	defaultInterval = time.Minute
	defaultZone     = "Asia/Shanghai"
)

// Finding is one condition a rule wants reported.
type Finding struct {
	EventType   models.EventType
	SubjectType string
	SubjectID   string
	Bucket      Bucket
	Correlation models.CorrelationIDs
	Payload     any
}

// DedupeKey is EventType:SubjectType:SubjectID:BucketKey.
func (f Finding) DedupeKey() string {
	return strings.Join([]string{f.EventType.String(), f.SubjectType, f.SubjectID, f.Bucket.Key()}, ":")
}

// Rule scans for one kind of condition. Scan runs inside the tick's
// transaction; now is the tick time and loc the reference zone for buckets.
type Rule interface {
	Name() string
	Scan(ctx context.Context, now time.Time, loc *time.Location) ([]Finding, error)
}

// Appender records events in the transaction carried by ctx.
type Appender interface {
	Append(ctx context.Context, eventType models.EventType, dedupeKey string, corr models.CorrelationIDs, payload any) error
}

// TxRunner opens the per-rule transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Leader serialises ticks across processes. ok is false when another process
// holds leadership.
type Leader interface {
	TryAcquire(ctx context.Context) (release func(context.Context), ok bool, err error)
}

// Report summarises one tick.
type Report struct {
	Skipped  bool
	Findings map[string]int
}

// Scanner runs its rules on an interval.
type Scanner struct {
	runner   TxRunner
	appender Appender
	rules    []Rule
	leader   Leader
	interval time.Duration
	zone     *time.Location
	logger   *slog.Logger
	tracer   tracer.Tracer
	now      func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

func WithInterval(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithZone sets the reference zone for time buckets.
func WithZone(loc *time.Location) Option {
	return func(s *Scanner) {
		if loc != nil {
			s.zone = loc
		}
	}
}

// WithLeader makes the scanner skip ticks while another process leads.
func WithLeader(l Leader) Option {
	return func(s *Scanner) {
		s.leader = l
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Scanner) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// New creates a Scanner over rules.
func New(runner TxRunner, appender Appender, rules []Rule, opts ...Option) (*Scanner, error) {
	if runner == nil || appender == nil {
		return nil, fmt.Errorf("runner and appender are required")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	s := &Scanner{
		runner:   runner,
		appender: appender,
		rules:    rules,
		interval: defaultInterval,
		logger:   slog.Default(),
		tracer:   tracer.NewNoop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.zone == nil {
		loc, err := time.LoadLocation(defaultZone)
		if err != nil {
			return nil, fmt.Errorf("load zone %s: %w", defaultZone, err)
		}
		s.zone = loc
	}
	return s, nil
}

// Start runs ticks until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "scanner tick failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce runs every rule once. Each rule scans and appends in its own
// transaction, so one failing rule does not hold back the others.
func (s *Scanner) RunOnce(ctx context.Context) (report Report, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanScannerTick)
	defer func() { span.End(err) }()

	if s.leader != nil {
		release, ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			// Dedupe keys keep concurrent ticks correct; only the work is duplicated.
			s.logger.WarnContext(ctx, "scanner leader lock unavailable, scanning anyway", "error", err)
		} else if !ok {
			s.logger.DebugContext(ctx, "scanner tick skipped, another process leads")
			return Report{Skipped: true}, nil
		} else {
			defer release(context.WithoutCancel(ctx))
		}
	}

	now := s.now()
	report.Findings = make(map[string]int, len(s.rules))
	var errs []error
	for _, rule := range s.rules {
		n, err := s.runRule(ctx, rule, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name(), err))
			continue
		}
		report.Findings[rule.Name()] = n
		span.AddEvent("rule_scanned", tracer.String(tracer.AttrRule, rule.Name()), tracer.Int(tracer.AttrFindings, n))
	}
	return report, errors.Join(errs...)
}

func (s *Scanner) runRule(ctx context.Context, rule Rule, now time.Time) (int, error) {
	var count int
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		findings, err := rule.Scan(ctx, now, s.zone)
		if err != nil {
			return err
		}
		for _, f := range findings {
			if err := s.appender.Append(ctx, f.EventType, f.DedupeKey(), f.Correlation, f.Payload); err != nil {
				return err
			}
		}
		count = len(findings)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.InfoContext(ctx, "scanner rule reported findings", "rule", rule.Name(), "findings", count)
	}
	return count, nil
}
