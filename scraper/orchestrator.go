// Package scraper drives acquisitions: it classifies responses, paces
// retries and walks the ranked strategy catalog until a payload is obtained
// or a budget runs out.
package scraper

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/identity"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/aluiziolira/go-acquire/session"
)

// Strategy is one ranked way of attempting an acquisition. Attempt never
// judges its own response; transport failures are reported in
// RawResponse.Err.
type Strategy interface {
	Name() string
	Rank() int
	Interactive() bool
	Attempt(ctx context.Context, sess *session.Session, target models.Target) models.RawResponse
}

// State is a node of the acquisition state machine.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateClassifying
	StateSucceeded
	StateEscalating
	StateRetrying
	StateRotatingIdentity
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateClassifying:
		return "classifying"
	case StateSucceeded:
		return "succeeded"
	case StateEscalating:
		return "escalating"
	case StateRetrying:
		return "retrying"
	case StateRotatingIdentity:
		return "rotating_identity"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for transition diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records attempts and outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPool shares an existing identity pool instead of building one from
// the configured catalog.
func WithPool(pool *identity.Pool) Option {
	return func(o *Orchestrator) { o.pool = pool }
}

// WithSleep replaces the context-aware inter-attempt pause.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithClock replaces time.Now for elapsed time and the wall-clock budget.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs one sequential attempt sequence per Acquire call. It is
// safe for concurrent use; only the identity pool is shared between calls.
type Orchestrator struct {
	cfg        *config.Config
	strategies []Strategy
	pool       *identity.Pool
	sessions   *session.Manager
	classifier *Classifier
	scheduler  *RetryScheduler
	metrics    *Metrics
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewOrchestrator validates cfg and the strategy catalog. Strategies are
// ordered by rank; ranks must be unique.
func NewOrchestrator(cfg *config.Config, strategies []Strategy, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, config.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, config.Errorf("no strategies configured")
	}

	sorted := slices.Clone(strategies)
	slices.SortStableFunc(sorted, func(a, b Strategy) int { return cmp.Compare(a.Rank(), b.Rank()) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Rank() == sorted[i-1].Rank() {
			return nil, config.Errorf("strategies %s and %s share rank %d", sorted[i-1].Name(), sorted[i].Name(), sorted[i].Rank())
		}
	}

	o := &Orchestrator{
		cfg:        cfg,
		strategies: sorted,
		sessions:   session.NewManager(cfg.TokenFields),
		classifier: NewClassifier(cfg),
		scheduler:  NewRetryScheduler(cfg),
		logger:     slog.Default(),
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.pool == nil {
		pool, err := identity.NewPool(cfg.Identities, identity.Options{
			Cooldown: cfg.IdentityCooldown,
			Proxies:  cfg.Proxies,
		})
		if err != nil {
			return nil, err
		}
		o.pool = pool
	}
	return o, nil
}

// Acquire is a one-shot convenience around NewOrchestrator and
// Orchestrator.Acquire.
func Acquire(ctx context.Context, cfg *config.Config, strategies []Strategy, target models.Target) (*models.AcquisitionResult, error) {
	o, err := NewOrchestrator(cfg, strategies)
	if err != nil {
		return nil, err
	}
	return o.Acquire(ctx, target)
}

// Acquire walks the strategy ladder for target. The only error returned is
// a *config.ConfigurationError for an unusable target; every other failure
// ends in an exhausted result carrying the full attempt log.
func (o *Orchestrator) Acquire(ctx context.Context, target models.Target) (*models.AcquisitionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := target.Validate(); err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}

	r := &run{
		o:      o,
		target: target,
		logger: o.logger.With(slog.String("target", target.Key())),
		result: &models.AcquisitionResult{
			Target:    target,
			Attempts:  []models.AttemptResult{},
			StartTime: o.now(),
		},
	}
	return r.execute(ctx), nil
}

// run holds the state owned by a single acquisition.
type run struct {
	o      *Orchestrator
	target models.Target
	logger *slog.Logger
	result *models.AcquisitionResult

	rank      int // index into o.strategies
	ident     identity.Identity
	sess      *session.Session
	hasIdent  bool
	retries   int
	malformed int
	rotations int
	last      models.Outcome
}

func (r *run) execute(parent context.Context) *models.AcquisitionResult {
	deadline := r.result.StartTime.Add(r.o.cfg.MaxDuration)
	ctx, cancel := context.WithTimeout(parent, r.o.cfg.MaxDuration)
	defer cancel()
	defer func() { r.retire(r.last.Kind == models.OutcomeBlocked) }()

	state := StateIdle
	for {
		switch state {
		case StateIdle:
			r.open()
			state = StateAttempting

		case StateAttempting:
			if reason, stop := r.budgetSpent(parent, ctx, deadline); stop {
				return r.exhaust(reason)
			}
			r.last = r.attempt(ctx)
			state = StateClassifying

		case StateClassifying:
			if r.last.Kind != models.OutcomeSuccess && ctx.Err() != nil {
				return r.exhaust(stopReason(parent))
			}
			state = r.decide()

		case StateSucceeded:
			return r.succeed()

		case StateRetrying:
			r.o.metrics.IncRetries()
			if err := r.pause(ctx); err != nil {
				return r.exhaust(stopReason(parent))
			}
			state = StateAttempting

		case StateRotatingIdentity:
			r.o.metrics.IncRotations()
			if err := r.pause(ctx); err != nil {
				return r.exhaust(stopReason(parent))
			}
			r.retire(true)
			r.open()
			state = StateAttempting

		case StateEscalating:
			next, ok := r.nextRank()
			if !ok {
				state = StateExhausted
				continue
			}
			r.o.metrics.IncEscalations()
			if err := r.pause(ctx); err != nil {
				return r.exhaust(stopReason(parent))
			}
			r.retire(r.last.Kind == models.OutcomeBlocked)
			r.rank = next
			r.retries, r.malformed, r.rotations = 0, 0, 0
			r.open()
			state = StateAttempting

		case StateExhausted:
			if r.last.Kind == models.OutcomeCaptcha {
				return r.exhaust(models.ReasonHumanIntervention)
			}
			return r.exhaust(models.ReasonStrategies)
		}
	}
}

// decide maps the last outcome onto the next state, consuming the per-rank
// budgets.
func (r *run) decide() State {
	cfg := r.o.cfg
	next := StateEscalating
	switch r.last.Kind {
	case models.OutcomeSuccess:
		next = StateSucceeded
	case models.OutcomeTransient:
		if r.retries < cfg.MaxRetries {
			r.retries++
			next = StateRetrying
		}
	case models.OutcomeMalformed:
		if r.malformed < cfg.MalformedRetries {
			r.malformed++
			next = StateRetrying
		}
	case models.OutcomeBlocked:
		if r.rotations < cfg.MaxRotations {
			r.rotations++
			next = StateRotatingIdentity
		}
	}
	r.logger.Debug("transition",
		slog.String("strategy", r.strategy().Name()),
		slog.String("outcome", r.last.Kind.String()),
		slog.String("detail", r.last.Detail),
		slog.String("next", next.String()),
	)
	return next
}

// nextRank returns the index of the next strategy to escalate to. After a
// captcha only interactive strategies qualify.
func (r *run) nextRank() (int, bool) {
	for i := r.rank + 1; i < len(r.o.strategies); i++ {
		if r.last.Kind != models.OutcomeCaptcha || r.o.strategies[i].Interactive() {
			return i, true
		}
	}
	return 0, false
}

func (r *run) strategy() Strategy {
	return r.o.strategies[r.rank]
}

func (r *run) attempt(ctx context.Context) models.Outcome {
	strat := r.strategy()
	start := r.o.now()

	raw := strat.Attempt(ctx, r.sess, r.target)
	elapsed := r.o.now().Sub(start)

	r.o.sessions.RecordResponse(r.sess, raw)
	outcome := r.o.classifier.Classify(raw)

	entry := models.AttemptResult{
		Attempt:      len(r.result.Attempts) + 1,
		StrategyRank: strat.Rank(),
		StrategyName: strat.Name(),
		IdentityID:   r.ident.ID,
		StatusCode:   raw.StatusCode,
		BodySample:   sample(raw.Body, r.o.cfg.BodySampleSize),
		ElapsedMs:    elapsed.Milliseconds(),
		Outcome:      outcome.Kind,
		Detail:       outcome.Detail,
		At:           start,
	}
	if raw.Err != nil {
		entry.NavigationError = raw.Err.Error()
	}
	r.result.Attempts = append(r.result.Attempts, entry)

	r.o.metrics.IncAttempt(strat.Name(), outcome.Kind.String())
	r.o.metrics.ObserveDuration(elapsed)
	r.logger.Debug("attempt classified",
		slog.Int("attempt", entry.Attempt),
		slog.Int("rank", entry.StrategyRank),
		slog.String("strategy", entry.StrategyName),
		slog.Int("status", entry.StatusCode),
		slog.String("outcome", outcome.Kind.String()),
		slog.Int64("elapsed_ms", entry.ElapsedMs),
	)
	return outcome
}

// budgetSpent reports whether another attempt may start.
func (r *run) budgetSpent(parent, ctx context.Context, deadline time.Time) (models.ExhaustReason, bool) {
	if parent.Err() != nil {
		return models.ReasonCancelled, true
	}
	if ctx.Err() != nil || !r.o.now().Before(deadline) {
		return models.ReasonTimeBudget, true
	}
	if len(r.result.Attempts) >= r.o.cfg.MaxAttempts {
		return models.ReasonAttemptBudget, true
	}
	return models.ReasonNone, false
}

func stopReason(parent context.Context) models.ExhaustReason {
	if parent.Err() != nil {
		return models.ReasonCancelled
	}
	return models.ReasonTimeBudget
}

func (r *run) pause(ctx context.Context) error {
	delay := r.o.scheduler.NextDelay(len(r.result.Attempts)+1, r.last.Kind)
	return r.o.sleep(ctx, delay)
}

// open checks out a fresh identity and session for the current rank.
func (r *run) open() {
	r.ident = r.o.pool.Next()
	r.hasIdent = true
	sess, err := r.o.sessions.Start(r.ident)
	if err != nil {
		// a nil session still lets strategies run without cookies
		r.logger.Warn("start session", slog.Any("error", err))
	}
	r.sess = sess
}

// retire closes the session and returns the identity to the pool. Burned
// identities are discarded rather than recycled.
func (r *run) retire(burned bool) {
	if r.sess != nil {
		r.o.sessions.Close(r.sess)
		r.sess = nil
	}
	if !r.hasIdent {
		return
	}
	if burned {
		r.o.pool.Discard(r.ident)
	} else {
		r.o.pool.Release(r.ident)
	}
	r.hasIdent = false
}

func (r *run) succeed() *models.AcquisitionResult {
	r.result.Status = models.StatusSucceeded
	r.result.Outcome = models.OutcomeSuccess
	r.result.Payload = r.last.Payload
	return r.finish()
}

func (r *run) exhaust(reason models.ExhaustReason) *models.AcquisitionResult {
	r.result.Status = models.StatusExhausted
	r.result.Outcome = r.last.Kind
	r.result.Reason = reason
	return r.finish()
}

func (r *run) finish() *models.AcquisitionResult {
	r.result.EndTime = r.o.now()
	r.o.metrics.IncAcquisition(string(r.result.Status), string(r.result.Reason))
	r.logger.Info("acquisition finished",
		slog.String("status", string(r.result.Status)),
		slog.String("reason", string(r.result.Reason)),
		slog.Int("attempts", len(r.result.Attempts)),
		slog.String("strategy", r.result.FinalStrategy()),
	)
	return r.result
}

func sample(body []byte, limit int) string {
	if limit <= 0 || len(body) == 0 {
		return ""
	}
	if len(body) > limit {
		body = body[:limit]
	}
	return strings.ToValidUTF8(string(body), "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
