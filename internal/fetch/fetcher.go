package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/go-scripts/perseus-capture/internal/dedup"
	"github.com/go-scripts/perseus-capture/internal/extract"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
	"github.com/go-scripts/perseus-capture/internal/writer"
)

// DefaultEndpoint is the platform GraphQL base URL
const DefaultEndpoint = "https://www.khanacademy.org/api/internal/graphql"

// Config controls the active fetcher
type Config struct {
	Endpoint       string
	Origin         string
	Concurrency    int
	MaxAttempts    int
	Delay          time.Duration
	MaxDelay       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns the settings used against the live platform
func DefaultConfig() Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		Origin:         "https://www.khanacademy.org",
		Concurrency:    3,
		MaxAttempts:    5,
		Delay:          500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Persister is where fetched records go
type Persister interface {
	Persist(sess *session.Session, rec types.QuestionRecord, src types.Source) (writer.Outcome, error)
}

// Report summarises one Fetch call
type Report struct {
	Requested int
	Skipped   int
	Succeeded []string
	Exhausted []string
	Abandoned []string
}

// Fetcher requests questions named by a manifest that were not captured
// passively. One Fetcher serves the whole session; its concurrency ceiling
// is shared by every manifest.
type Fetcher struct {
	cfg     Config
	client  *resty.Client
	pacer   *Pacer
	sem     *semaphore.Weighted
	seen    *dedup.Store
	sink    Persister
	sess    *session.Session
	logger  *log.Logger
	tmpl    queryTemplate
	limiter int

	mu        sync.Mutex
	states    map[string]State
	observers []func(Transition)
}

// New creates a Fetcher
func New(cfg Config, seen *dedup.Store, sink Persister, sess *session.Session, logger *log.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if logger == nil {
		logger = log.Default()
	}

	logger = logger.With("component", "fetch")

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetLogger(logger)

	return &Fetcher{
		cfg:     cfg,
		client:  client,
		pacer:   NewPacer(cfg.Delay, cfg.MaxDelay),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		seen:    seen,
		sink:    sink,
		sess:    sess,
		logger:  logger,
		limiter: cfg.Concurrency,
		states:  make(map[string]State),
	}
}

// Subscribe registers an observer for state transitions. It must not block.
func (f *Fetcher) Subscribe(o func(Transition)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// LearnQuery adopts the query of an observed getAssessmentItem request
func (f *Fetcher) LearnQuery(body []byte) {
	if f.tmpl.Learned() {
		return
	}
	if f.tmpl.Learn(body) {
		f.logger.Debug("learned item query from page traffic")
	}
}

// State returns the current state of id and whether it is tracked
func (f *Fetcher) State(id string) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

// Fetch requests every identifier of the manifest not yet seen or tracked
// and blocks until each one reached a terminal state
func (f *Fetcher) Fetch(ctx context.Context, m types.Manifest) Report {
	ids := m.Unique()
	report := Report{Requested: len(ids)}

	todo := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.seen.Settled(id) || !f.track(id) {
			report.Skipped++
			continue
		}
		todo = append(todo, id)
	}
	if len(todo) == 0 {
		return report
	}

	f.logger.Info("fetching missing questions", "manifest", m.Operation, "count", len(todo), "skipped", report.Skipped)

	results := make([]State, len(todo))
	var g errgroup.Group
	g.SetLimit(f.limiter)
	for i, id := range todo {
		i, id := i, id
		g.Go(func() error {
			results[i] = f.fetchOne(ctx, m.Context, id)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range todo {
		switch results[i] {
		case StateSucceeded:
			report.Succeeded = append(report.Succeeded, id)
		case StateExhausted:
			report.Exhausted = append(report.Exhausted, id)
		default:
			report.Abandoned = append(report.Abandoned, id)
		}
	}
	return report
}

// track claims id for this fetcher. Ids tracked by an earlier manifest,
// including exhausted ones, are never requested again.
func (f *Fetcher) track(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; ok {
		return false
	}
	f.states[id] = StatePending
	return true
}

func (f *Fetcher) move(id string, to State, attempt int, err error) State {
	f.mu.Lock()
	from := f.states[id]
	if !CanMove(from, to) {
		f.mu.Unlock()
		f.logger.Warn("illegal fetch transition", "id", id, "from", from, "to", to)
		return from
	}
	f.states[id] = to
	observers := make([]func(Transition), len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()

	t := Transition{ID: id, From: from, To: to, Attempt: attempt, Err: err}
	for _, o := range observers {
		o(t)
	}
	return to
}

func (f *Fetcher) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (f *Fetcher) fetchOne(ctx context.Context, sc types.SessionContext, id string) State {
	b := f.newBackoff()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return f.move(id, StateAbandoned, attempt, ctx.Err())
		}
		// another writer may hold the claim; only its finished file counts
		settled, err := f.awaitClaim(ctx, id)
		if err != nil {
			return f.move(id, StateAbandoned, attempt, err)
		}
		if settled {
			return f.move(id, StateSucceeded, attempt, nil)
		}

		if err := f.sem.Acquire(ctx, 1); err != nil {
			return f.move(id, StateAbandoned, attempt, err)
		}
		if err := f.pacer.Wait(ctx); err != nil {
			f.sem.Release(1)
			return f.move(id, StateAbandoned, attempt, err)
		}

		f.move(id, StateInFlight, attempt, nil)
		rec, err := f.request(ctx, sc, id)
		f.sem.Release(1)

		if err == nil {
			if perr := f.persist(ctx, rec); perr != nil {
				if ctx.Err() != nil {
					return f.move(id, StateAbandoned, attempt, ctx.Err())
				}
				f.sess.Exhausted(id, perr)
				return f.move(id, StateExhausted, attempt, perr)
			}
			return f.move(id, StateSucceeded, attempt, nil)
		}

		if ctx.Err() != nil {
			return f.move(id, StateAbandoned, attempt, ctx.Err())
		}

		if !retryable(err) || attempt >= f.cfg.MaxAttempts {
			f.logger.Warn("giving up on question", "id", id, "attempts", attempt, "err", err)
			f.sess.Exhausted(id, err)
			return f.move(id, StateExhausted, attempt, err)
		}

		wait := b.NextBackOff()
		f.logger.Debug("retrying question", "id", id, "attempt", attempt, "wait", wait, "err", err)
		f.move(id, StateRetrying, attempt, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return f.move(id, StateAbandoned, attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// persist hands rec to the sink. When another writer holds the claim it
// waits for that write and takes over if the claim is released.
func (f *Fetcher) persist(ctx context.Context, rec types.QuestionRecord) error {
	for {
		outcome, err := f.sink.Persist(f.sess, rec, types.SourceFetch)
		if err != nil || outcome == writer.OutcomeWritten {
			return err
		}
		f.logger.Debug("fetched question was claimed meanwhile", "id", rec.ID)
		settled, err := f.awaitClaim(ctx, rec.ID)
		if err != nil || settled {
			return err
		}
	}
}

// claimPoll is how often awaitClaim looks at a pending claim
const claimPoll = 10 * time.Millisecond

// awaitClaim waits while id is claimed but not yet on disk. It reports
// true once the file exists and false when the id is unclaimed.
func (f *Fetcher) awaitClaim(ctx context.Context, id string) (bool, error) {
	ticker := time.NewTicker(claimPoll)
	defer ticker.Stop()
	for {
		if f.seen.Settled(id) {
			return true, nil
		}
		if !f.seen.Seen(id) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// statusError is a non-2xx answer from the endpoint
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (f *Fetcher) request(ctx context.Context, sc types.SessionContext, id string) (types.QuestionRecord, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeaders(requestHeaders(sc, f.cfg.Origin)).
		SetBody(f.tmpl.Build(id)).
		Post("/" + itemOperation)
	if err != nil {
		return types.QuestionRecord{}, fmt.Errorf("request %s: %w", id, err)
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		interval := f.pacer.Slow()
		f.logger.Warn("rate limited, slowing down", "interval", interval)
	}
	if !resp.IsSuccess() {
		return types.QuestionRecord{}, &statusError{code: resp.StatusCode()}
	}

	item, err := extract.ExtractItem(itemOperation, resp.Body())
	if err != nil {
		return types.QuestionRecord{}, err
	}
	return item.Record, nil
}

// retryable reports whether another attempt could succeed. A response that
// parsed but lacks required fields will not improve on retry.
func retryable(err error) bool {
	return !errors.Is(err, extract.ErrMissingFields)
}
