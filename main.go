package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/go-scripts/perseus-capture/internal/browser"
	"github.com/go-scripts/perseus-capture/internal/config"
	"github.com/go-scripts/perseus-capture/internal/har"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
)

// CLI is the command line
type CLI struct {
	Config   string `help:"Path to configuration file. capture.yaml is read if present when unset." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)" name:"log-level"`
	Output   string `help:"Directory for captured question files" short:"o"`
	DumpDir  string `help:"Also write every relevant raw response to this directory" name:"dump-dir"`

	Run    RunCmd    `cmd:"" help:"Capture questions from an exercise page in a browser"`
	Replay ReplayCmd `cmd:"" help:"Capture questions from a HAR archive"`
}

// CaptureFlags are shared by every capture command. Zero values keep the
// configuration file's setting.
type CaptureFlags struct {
	MaxQuestions int           `help:"Stop after this many questions" short:"n" name:"max-questions"`
	Timeout      time.Duration `help:"Stop after this long"`
	Concurrency  int           `help:"Concurrent active fetches" short:"c"`
	Attempts     int           `help:"Attempts per actively fetched question"`
	NoActive     bool          `help:"Do not fetch manifest questions that were not seen" name:"no-active"`
	SkipExisting bool          `help:"Treat questions already in the output directory as captured" name:"skip-existing"`
	TUI          bool          `help:"Show the full-screen dashboard" name:"tui"`
	NoProgress   bool          `help:"Do not show the status line" name:"no-progress"`
}

// RunCmd drives a browser through an exercise
type RunCmd struct {
	CaptureFlags

	URL      string `arg:"" name:"exercise-url" help:"Exercise page to capture from"`
	Headless *bool  `help:"Run the browser without a window"`
	Profile  string `help:"Browser profile directory, reuses an existing login" type:"path"`
}

// ReplayCmd feeds a recorded HAR archive through the pipeline
type ReplayCmd struct {
	CaptureFlags

	File string `arg:"" name:"file" help:"HAR archive exported from browser devtools" type:"existingfile"`
}

// defaultConfigFile is read when --config is not given
const defaultConfigFile = "capture.yaml"

func (c *CLI) load(fs afero.Fs, flags CaptureFlags) (config.Config, error) {
	// a missing default file is fine, a missing explicit one is not
	path, optional := c.Config, false
	if path == "" {
		path, optional = defaultConfigFile, true
	}
	cfg, err := config.Load(fs, path, optional)
	if err != nil {
		return config.Config{}, err
	}

	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Output != "" {
		cfg.Output = c.Output
	}
	if c.DumpDir != "" {
		cfg.DumpDir = c.DumpDir
	}
	if flags.MaxQuestions > 0 {
		cfg.Capture.MaxQuestions = flags.MaxQuestions
	}
	if flags.Timeout > 0 {
		cfg.Capture.Timeout = flags.Timeout
	}
	if flags.Concurrency > 0 {
		cfg.Fetch.Concurrency = flags.Concurrency
	}
	if flags.Attempts > 0 {
		cfg.Fetch.MaxAttempts = flags.Attempts
	}
	if flags.NoActive {
		cfg.Fetch.Enabled = false
	}
	if flags.SkipExisting {
		cfg.SkipExisting = true
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "capture",
	}), nil
}

// logOutput picks where logs go. The dashboard owns the terminal, so logs
// go to a file in the output directory instead.
func logOutput(fs afero.Fs, cfg config.Config, tui bool) (io.Writer, func(), error) {
	if !tui {
		return os.Stderr, func() {}, nil
	}
	if err := fs.MkdirAll(cfg.Output, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := fs.OpenFile(filepath.Join(cfg.Output, "capture.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// execute runs src under the capture flags and prints the summary to out
func execute(fs afero.Fs, cfg config.Config, flags CaptureFlags, out io.Writer, open func(*app) (source, func(), error)) (session.Summary, error) {
	w, closeLog, err := logOutput(fs, cfg, flags.TUI)
	if err != nil {
		return session.Summary{}, err
	}
	defer closeLog()

	logger, err := newLogger(w, cfg.LogLevel)
	if err != nil {
		return session.Summary{}, err
	}

	a, err := newApp(fs, cfg, logger)
	if err != nil {
		return session.Summary{}, err
	}

	src, closeSrc, err := open(a)
	if err != nil {
		return session.Summary{}, err
	}
	defer closeSrc()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Capture.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Capture.Timeout)
		defer cancel()
	}

	a.logger.Info("capture started",
		"target", cfg.Capture.MaxQuestions,
		"output", cfg.Output,
		"active_fetch", cfg.Fetch.Enabled,
	)

	var sum session.Summary
	switch {
	case flags.TUI:
		sum, err = a.runWithDashboard(ctx, src)
	case flags.NoProgress:
		sum, err = a.run(ctx, src)
	default:
		sum, err = a.runWithProgress(ctx, os.Stderr, src)
	}

	fmt.Fprint(out, sum.String())
	return sum, err
}

func (r *RunCmd) Run(cli *CLI) error {
	fs := afero.NewOsFs()
	cfg, err := cli.load(fs, r.CaptureFlags)
	if err != nil {
		return err
	}
	if r.Headless != nil {
		cfg.Browser.Headless = *r.Headless
	}
	if r.Profile != "" {
		cfg.Browser.UserDataDir = r.Profile
	}
	if err := browser.ValidateExerciseURL(r.URL, cfg.Filter.Host); err != nil {
		return err
	}

	_, err = execute(fs, cfg, r.CaptureFlags, os.Stdout, func(a *app) (source, func(), error) {
		br, err := browser.New(cfg.BrowserOptions(), a.logger)
		if err != nil {
			return nil, nil, err
		}
		capture := func(ctx context.Context, out chan<- types.Exchange) error {
			return br.Capture(ctx, r.URL, out, a.sess.Count)
		}
		return capture, br.Close, nil
	})
	return err
}

func (r *ReplayCmd) Run(cli *CLI) error {
	fs := afero.NewOsFs()
	cfg, err := cli.load(fs, r.CaptureFlags)
	if err != nil {
		return err
	}
	_, err = execute(fs, cfg, r.CaptureFlags, os.Stdout, replaySource(fs, r.File))
	return err
}

func replaySource(fs afero.Fs, path string) func(*app) (source, func(), error) {
	return func(a *app) (source, func(), error) {
		archive, err := har.Load(fs, path)
		if err != nil {
			return nil, nil, err
		}
		replay := func(ctx context.Context, out chan<- types.Exchange) error {
			n, err := har.Replay(ctx, archive, out)
			a.logger.Info("archive replayed", "file", path, "exchanges", n)
			return err
		}
		return replay, func() {}, nil
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("perseus-capture"),
		kong.Description("Capture Khan Academy Perseus questions from browser traffic."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
