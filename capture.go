package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/go-scripts/perseus-capture/internal/config"
	"github.com/go-scripts/perseus-capture/internal/dedup"
	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/pipeline"
	"github.com/go-scripts/perseus-capture/internal/progress"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
	"github.com/go-scripts/perseus-capture/internal/writer"
	"github.com/go-scripts/perseus-capture/ui"
)

// source produces exchanges into out until it is exhausted or ctx is done
type source func(ctx context.Context, out chan<- types.Exchange) error

// app holds one capture session and its collaborators
type app struct {
	cfg       config.Config
	logger    *log.Logger
	sess      *session.Session
	seen      *dedup.Store
	persister *writer.Persister
	fetcher   *fetch.Fetcher
	pipeline  *pipeline.Pipeline
}

func newApp(fs afero.Fs, cfg config.Config, logger *log.Logger) (*app, error) {
	sess := session.New(cfg.Capture.MaxQuestions)
	seen := dedup.New()
	logger = logger.With("session", sess.ID[:8])

	persister, err := writer.New(fs, cfg.Output, seen, logger)
	if err != nil {
		return nil, err
	}
	if cfg.SkipExisting {
		ids, err := persister.Existing()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen.Settle(id)
		}
		logger.Info("skipping questions already on disk", "count", len(ids), "dir", cfg.Output)
	}

	var dumper *writer.Dumper
	if cfg.DumpDir != "" {
		if dumper, err = writer.NewDumper(fs, cfg.DumpDir); err != nil {
			return nil, err
		}
	}

	var fetcher *fetch.Fetcher
	if cfg.Fetch.Enabled {
		fetcher = fetch.New(cfg.FetcherConfig(), seen, persister, sess, logger)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		sess:      sess,
		seen:      seen,
		persister: persister,
		fetcher:   fetcher,
		pipeline: pipeline.New(pipeline.Options{
			Filter:    cfg.NewFilter(),
			Persister: persister,
			Fetcher:   fetcher,
			Dumper:    dumper,
			Session:   sess,
			Logger:    logger,
			Workers:   cfg.Capture.Workers,
		}),
	}, nil
}

// run feeds src into the pipeline and returns once src has stopped and
// every exchange and active fetch has been handled. Reaching the question
// target stops src.
func (a *app) run(ctx context.Context, src source) (session.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-a.sess.Done():
			a.logger.Info("question target reached", "target", a.sess.Target)
			cancel()
		case <-ctx.Done():
		}
	}()

	in := make(chan types.Exchange, 64)
	var g errgroup.Group
	g.Go(func() error {
		return a.pipeline.Run(ctx, in)
	})

	err := src(ctx, in)
	close(in)
	if perr := g.Wait(); err == nil {
		err = perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return a.sess.Summary(), err
}

// runWithProgress runs src with a live status line on w
func (a *app) runWithProgress(ctx context.Context, w io.Writer, src source) (session.Summary, error) {
	tracker := progress.New(w, a.sess.Target)
	a.sess.Subscribe(tracker.Observe)
	if a.fetcher != nil {
		a.fetcher.Subscribe(tracker.ObserveFetch)
	}
	tracker.Start()
	defer tracker.Stop()
	return a.run(ctx, src)
}

type runResult struct {
	summary session.Summary
	err     error
}

// runWithDashboard runs src behind the full-screen dashboard. Quitting the
// dashboard stops the capture.
func (a *app) runWithDashboard(ctx context.Context, src source) (session.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dash := ui.NewDashboard(a.sess, a.cfg.Fetch.Concurrency, cancel)
	relay := ui.NewRelay(1024)
	a.sess.Subscribe(relay.Session)
	if a.fetcher != nil {
		a.fetcher.Subscribe(relay.Fetch)
	}

	p := tea.NewProgram(dash, tea.WithAltScreen())
	go relay.Run(ctx, p)

	done := make(chan runResult, 1)
	go func() {
		sum, err := a.run(ctx, src)
		p.Send(ui.FinishedMsg{Summary: sum, Err: err})
		done <- runResult{summary: sum, err: err}
	}()

	_, perr := p.Run()
	cancel()
	r := <-done
	if perr != nil && r.err == nil {
		r.err = fmt.Errorf("dashboard: %w", perr)
	}
	return r.summary, r.err
}
