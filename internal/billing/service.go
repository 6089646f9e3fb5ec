// Package billing turns meter readings and tariff settings into bills and
// reconciles payments into the resident arrears balance, the ledger and
// bank balances. Every operation runs as one storage unit of work.
package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/storage"
)

// Receipt is handed to the Notifier after a payment commits.
type Receipt struct {
	Resident       storage.Resident
	Bill           storage.Bill
	Category       string
	Diff           int64
	ArrearsBalance int64
	IsEdit         bool
}

// Notifier is told about committed payments. Failures are logged only.
type Notifier interface {
	PaymentRecorded(ctx context.Context, r Receipt) error
}

// RecalcListener observes finished recalculation runs, successful or not.
type RecalcListener func(ctx context.Context, res RecalcResult, err error)

const (
	defaultBatchSize  = 20
	defaultBatchDelay = 50 * time.Millisecond
)

type Service struct {
	store    storage.Storage
	feed     changefeed.Feed
	notifier Notifier
	onRecalc RecalcListener
	logger   *zap.Logger

	now        func() time.Time
	loc        *time.Location
	batchSize  int
	batchDelay time.Duration
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithFeed(f changefeed.Feed) Option {
	return func(s *Service) {
		if f != nil {
			s.feed = f
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithRecalcListener(fn RecalcListener) Option {
	return func(s *Service) { s.onRecalc = fn }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the timezone used to decide which period is current.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.batchDelay = d
		}
	}
}

func NewService(st storage.Storage, opts ...Option) *Service {
	s := &Service{
		store:      st,
		feed:       changefeed.Nop{},
		logger:     zap.NewNop(),
		now:        time.Now,
		loc:        time.Local,
		batchSize:  defaultBatchSize,
		batchDelay: defaultBatchDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("billing")
	return s
}

// currentPeriod is "today" in the configured timezone.
func (s *Service) currentPeriod() Period {
	return PeriodOf(s.now(), s.loc)
}

// publish sends changes after a commit. Feed errors never fail the operation.
func (s *Service) publish(ctx context.Context, changes ...changefeed.Change) {
	if len(changes) == 0 {
		return
	}
	if err := s.feed.Publish(ctx, changes...); err != nil {
		s.logger.Warn("change feed publish failed", zap.Error(err))
	}
}

func change(collection, id string, op changefeed.Op) changefeed.Change {
	return changefeed.Change{Collection: collection, ID: id, Op: op}
}
