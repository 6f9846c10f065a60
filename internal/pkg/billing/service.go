package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/metrics"
	"gorm.io/gorm"
)

// Options configures a Service. Provider and WebhookSecret are required by
// the HTTP surface; everything else has a default.
type Options struct {
	Provider           Provider
	WebhookSecret      string
	WebhookTolerance   time.Duration
	TrialDays          int
	TrialCountdownDays int
	SweepBatchSize     int
	SummaryTTL         time.Duration
	Cache              JSONCache
	SweepLocker        SweepLocker
	Clock              Clock
}

// Service wires the synchronizer components over one repository.
type Service struct {
	repo       Repository
	clock      Clock
	cache      JSONCache
	summaryTTL time.Duration

	verifier   *Verifier
	ledger     *Ledger
	registry   *Registry
	dispatcher *Dispatcher
	enforcer   *Enforcer
	creator    *Creator
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = defaultClock
	}
	countdown := opts.TrialCountdownDays
	if countdown == 0 {
		countdown = DefaultTrialCountdownDays
	}
	ttl := opts.SummaryTTL
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}

	registry := NewRegistry(repo, opts.Provider)
	s := &Service{
		repo:       repo,
		clock:      clock,
		cache:      opts.Cache,
		summaryTTL: ttl,
		verifier:   NewVerifier(opts.WebhookSecret, opts.WebhookTolerance),
		ledger:     NewLedger(repo),
		registry:   registry,
		dispatcher: NewDispatcher(repo, clock),
		enforcer:   NewEnforcer(repo, opts.Provider, clock, opts.SweepBatchSize, countdown),
		creator:    NewCreator(repo, registry, opts.Provider, clock, opts.TrialDays),
	}
	if opts.SweepLocker != nil {
		s.enforcer.SetLocker(opts.SweepLocker)
	}

	s.dispatcher.OnCommit(s.committed("webhook"))
	s.enforcer.OnCommit(s.committed("sweep"))
	s.creator.OnCommit(s.committed("local"))
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, opts Options) *Service {
	return NewService(NewRepository(db), opts)
}

func (s *Service) committed(source string) CommitHook {
	return func(res Result) {
		s.invalidateSummary(res.UserID)
		if res.Changed() {
			metrics.TransitionsTotal.WithLabelValues(res.From, res.To, source).Inc()
		}
	}
}

// OnCommit registers a hook that runs after every committed state change,
// whether it came from a webhook, the sweep or a local trial start.
func (s *Service) OnCommit(hook CommitHook) {
	s.dispatcher.OnCommit(hook)
	s.enforcer.OnCommit(hook)
	s.creator.OnCommit(hook)
}

// Registry exposes the customer registry.
func (s *Service) Registry() *Registry { return s.registry }

// Ledger exposes the event ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Enforcer exposes the trial expiry enforcer for scheduling.
func (s *Service) Enforcer() *Enforcer { return s.enforcer }

// ProcessWebhook verifies, records and applies one webhook delivery.
// Verification errors come back before storage is touched. A returned
// storage error means nothing was committed and the provider should retry.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	env, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		return Result{}, err
	}

	status, _, err := s.ledger.RecordIfNew(ctx, env)
	if err != nil {
		return Result{EventID: env.EventID}, err
	}
	kind, _ := KindOf(env.Type)
	if status == AlreadySeen {
		metrics.WebhookOutcomesTotal.WithLabelValues(string(kind), string(OutcomeDuplicateEvent)).Inc()
		return Result{EventID: env.EventID, Kind: kind, Outcome: OutcomeDuplicateEvent}, nil
	}

	res, err := s.dispatcher.HandleEvent(ctx, env)
	if err != nil {
		return res, err
	}
	metrics.WebhookOutcomesTotal.WithLabelValues(string(kind), string(res.Outcome)).Inc()
	return res, nil
}

// HandleEvent applies an already verified and recorded event. Used to replay
// stuck ledger rows.
func (s *Service) HandleEvent(ctx context.Context, env Envelope) (Result, error) {
	return s.dispatcher.HandleEvent(ctx, env)
}

// StartTrial opens a trial for the user.
func (s *Service) StartTrial(ctx context.Context, userID uint, email string) (*models.BillingSubscription, error) {
	return s.creator.StartTrial(ctx, userID, email)
}

// CreateSubscriptionCheckout returns a provider checkout URL for the user.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, userID uint) (string, error) {
	return s.creator.CreateSubscriptionCheckout(ctx, userID)
}

// CreateBillingPortalSession returns a provider portal URL for the user.
func (s *Service) CreateBillingPortalSession(ctx context.Context, userID uint) (string, error) {
	return s.creator.CreateBillingPortalSession(ctx, userID)
}

// SweepTrials runs one trial expiry pass, honoring the sweep lock.
func (s *Service) SweepTrials(ctx context.Context) (SweepReport, error) {
	return s.enforcer.RunOnce(ctx)
}

// StuckEvents returns ledger rows older than age that never committed.
func (s *Service) StuckEvents(ctx context.Context, age time.Duration, limit int) ([]models.BillingWebhookEvent, error) {
	return s.ledger.ListUnprocessed(ctx, s.clock().Add(-age), limit)
}

// ReplayEvent re-runs a recorded but unprocessed event from its stored payload.
func (s *Service) ReplayEvent(ctx context.Context, event *models.BillingWebhookEvent) (Result, error) {
	env, err := envelopeFromPayload([]byte(event.PayloadJSON))
	if err != nil {
		return Result{EventID: event.EventID}, err
	}
	return s.dispatcher.HandleEvent(ctx, env)
}
