package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// ErrInvalidExerciseURL is returned for URLs that do not point at an exercise
var ErrInvalidExerciseURL = errors.New("invalid exercise URL")

// ValidateExerciseURL checks that raw is an https exercise page on host
func ValidateExerciseURL(raw, host string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExerciseURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrInvalidExerciseURL)
	}
	h := strings.ToLower(u.Hostname())
	if host != "" && h != host && !strings.HasSuffix(h, "."+host) {
		return fmt.Errorf("%w: host %s is not %s", ErrInvalidExerciseURL, h, host)
	}
	if !strings.Contains(u.Path, "/e/") {
		return fmt.Errorf("%w: path has no /e/ segment", ErrInvalidExerciseURL)
	}
	return nil
}

// Config controls the driven browser
type Config struct {
	Headless     bool
	UserDataDir  string
	UserAgent    string
	StartButton  string
	ReloadAfter  time.Duration
	NavTimeout   time.Duration
	URLSubstring string
}

// Browser drives a Chrome instance and turns its network traffic into exchanges
type Browser struct {
	cfg           Config
	logger        *log.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New starts a browser process
func New(cfg Config, logger *log.Logger) (*Browser, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.URLSubstring == "" {
		cfg.URLSubstring = "/api/internal/graphql/"
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.WindowSize(1280, 900),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// start the browser now so a missing binary fails early
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Browser{
		cfg:           cfg,
		logger:        logger.With("component", "browser"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down
func (b *Browser) Close() {
	b.browserCancel()
	b.allocCancel()
}

// Capture opens exerciseURL and streams matching exchanges to out until ctx
// is done. progress reports the number of captured questions; when it stays
// unchanged for ReloadAfter the page is reloaded. Capture returns after every
// body fetch it started has finished, so the caller may close out afterwards.
func (b *Browser) Capture(ctx context.Context, exerciseURL string, out chan<- types.Exchange, progress func() int) error {
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	defer cancel()

	// stop the tab when the caller is done
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-tabCtx.Done():
		}
	}()

	asm := newAssembler(func(u string) bool {
		return strings.Contains(u, b.cfg.URLSubstring)
	})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed bool
	)
	defer func() {
		cancel()
		mu.Lock()
		closed = true
		mu.Unlock()
		wg.Wait()
	}()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		p := asm.handle(ev)
		if p == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.complete(tabCtx, p, out)
		}()
	})

	navCtx, navCancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	err := chromedp.Run(navCtx,
		network.Enable(),
		chromedp.Navigate(exerciseURL),
		chromedp.WaitReady("body"),
	)
	navCancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", exerciseURL, err)
	}
	b.logger.Info("exercise page loaded", "url", exerciseURL)

	b.clickStart(tabCtx)
	return b.watch(ctx, tabCtx, asm, progress)
}

// watch reloads the page when no question arrived for a while
func (b *Browser) watch(ctx, tabCtx context.Context, asm *assembler, progress func() int) error {
	if b.cfg.ReloadAfter <= 0 || progress == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(b.cfg.ReloadAfter)
	defer ticker.Stop()
	last := progress()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tabCtx.Done():
			return nil
		case <-ticker.C:
			if n := asm.expire(b.cfg.ReloadAfter); n > 0 {
				b.logger.Debug("dropped stale requests", "count", n)
			}
			now := progress()
			if now != last {
				last = now
				continue
			}
			b.logger.Info("no new questions, reloading page", "captured", now)
			reloadCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
			err := chromedp.Run(reloadCtx, chromedp.Reload(), chromedp.WaitReady("body"))
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Warn("reload failed", "err", err)
				continue
			}
			b.clickStart(tabCtx)
		}
	}
}

// clickStart presses the configured start button if it shows up
func (b *Browser) clickStart(tabCtx context.Context) {
	if b.cfg.StartButton == "" {
		return
	}
	clickCtx, cancel := context.WithTimeout(tabCtx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(clickCtx, chromedp.Click(b.cfg.StartButton, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		b.logger.Debug("start button not clicked", "selector", b.cfg.StartButton, "err", err)
		return
	}
	b.logger.Info("clicked start button", "selector", b.cfg.StartButton)
}

// complete fetches the response body and post data of a finished request
func (b *Browser) complete(tabCtx context.Context, p *partial, out chan<- types.Exchange) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	body, err := network.GetResponseBody(p.id).Do(execCtx)
	if err != nil {
		if tabCtx.Err() == nil {
			b.logger.Debug("failed to read response body", "url", p.url, "err", err)
		}
		return
	}
	if p.hasPost && len(p.postData) == 0 {
		if post, err := network.GetRequestPostData(p.id).Do(execCtx); err == nil {
			p.postData = []byte(post)
		}
	}
	if p.header.Get("Cookie") == "" {
		if cookies, err := network.GetCookies().WithUrls([]string{p.url}).Do(execCtx); err == nil && len(cookies) > 0 {
			parts := make([]string, 0, len(cookies))
			for _, ck := range cookies {
				parts = append(parts, ck.Name+"="+ck.Value)
			}
			p.header.Set("Cookie", strings.Join(parts, "; "))
		}
	}

	select {
	case out <- p.exchange(body):
	case <-tabCtx.Done():
	}
}
