package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-scripts/perseus-capture/internal/extract"
	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/flowfilter"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
	"github.com/go-scripts/perseus-capture/internal/writer"
)

// Options wires the pipeline's collaborators. Fetcher and Dumper are optional.
type Options struct {
	Filter    *flowfilter.Filter
	Persister *writer.Persister
	Fetcher   *fetch.Fetcher
	Dumper    *writer.Dumper
	Session   *session.Session
	Logger    *log.Logger
	Workers   int
}

// Pipeline turns observed exchanges into persisted question records.
// Handle may be called from any number of goroutines.
type Pipeline struct {
	filter  *flowfilter.Filter
	persist *writer.Persister
	fetcher *fetch.Fetcher
	dumper  *writer.Dumper
	sess    *session.Session
	logger  *log.Logger
	workers int

	fetches errgroup.Group
}

// New creates a Pipeline
func New(opts Options) *Pipeline {
	if opts.Filter == nil {
		opts.Filter = flowfilter.NewDefault()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Pipeline{
		filter:  opts.Filter,
		persist: opts.Persister,
		fetcher: opts.Fetcher,
		dumper:  opts.Dumper,
		sess:    opts.Session,
		logger:  opts.Logger,
		workers: opts.Workers,
	}
}

// Run consumes exchanges until in is closed or ctx is done, then waits for
// outstanding active fetches to finish
func (p *Pipeline) Run(ctx context.Context, in <-chan types.Exchange) error {
	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ex, ok := <-in:
					if !ok {
						return nil
					}
					p.Handle(ctx, ex)
				}
			}
		})
	}
	err := g.Wait()
	p.Wait()
	return err
}

// Wait blocks until every active fetch started by a manifest has finished
func (p *Pipeline) Wait() {
	_ = p.fetches.Wait()
}

// Handle processes one exchange. Failures are reported to the session and
// logged, never returned.
func (p *Pipeline) Handle(ctx context.Context, ex types.Exchange) {
	kind := p.filter.Classify(ex)
	p.sess.Observed(kind)
	if kind == types.KindIrrelevant {
		return
	}

	op := flowfilter.Operation(ex)
	logger := p.logger.With("op", op, "source", ex.Source)
	p.dump(ex, op, logger)

	switch kind {
	case types.KindItem:
		p.handleItem(ex, op, logger)
	case types.KindManifest:
		p.handleManifest(ctx, ex, logger)
	}
}

func (p *Pipeline) handleItem(ex types.Exchange, op string, logger *log.Logger) {
	if p.fetcher != nil && len(ex.RequestBody) > 0 {
		p.fetcher.LearnQuery(ex.RequestBody)
	}

	item, err := extract.ExtractItem(op, ex.Body)
	if err != nil {
		p.reject(err, logger)
		return
	}
	logger.Debug("extracted question", "id", item.Record.ID, "shape", item.Shape)

	// errors are already reported to the session by the persister
	_, _ = p.persist.Persist(p.sess, item.Record, ex.Source)
}

func (p *Pipeline) handleManifest(ctx context.Context, ex types.Exchange, logger *log.Logger) {
	m, err := extract.ExtractManifest(ex)
	if err != nil {
		p.reject(err, logger)
		return
	}
	unique := m.Unique()
	p.sess.Manifest(len(unique))
	logger.Info("manifest received", "questions", len(unique), "context", !m.Context.Empty())

	if p.fetcher == nil {
		return
	}
	p.fetches.Go(func() error {
		report := p.fetcher.Fetch(ctx, m)
		if report.Requested > report.Skipped {
			logger.Info("active fetch finished",
				"succeeded", len(report.Succeeded),
				"exhausted", len(report.Exhausted),
				"abandoned", len(report.Abandoned),
				"skipped", report.Skipped)
		}
		return nil
	})
}

func (p *Pipeline) reject(err error, logger *log.Logger) {
	kind := errorKind(err)
	p.sess.Rejected(kind, err)
	logger.Warn("rejected response", "kind", kind, "err", err)
}

func (p *Pipeline) dump(ex types.Exchange, op string, logger *log.Logger) {
	if p.dumper == nil {
		return
	}
	path, err := p.dumper.Dump(ex, strings.TrimSpace(op))
	if err != nil {
		logger.Warn("failed to dump response", "err", err)
		return
	}
	logger.Debug("dumped response", "path", path)
}

func errorKind(err error) session.ErrorKind {
	switch {
	case errors.Is(err, extract.ErrMissingFields):
		return session.MissingFields
	case errors.Is(err, extract.ErrUnexpectedNesting):
		return session.UnexpectedNesting
	default:
		return session.MalformedPayload
	}
}
