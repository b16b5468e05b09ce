package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/netstats"
)

// Result is the outcome of one page load.
type Result struct {
	Stats    model.PageStats
	Err      error // navigation failure; Stats then hold the partial counts
	Duration time.Duration
}

// Driver runs one page load per job.
type Driver struct {
	browser Browser
	log     *slog.Logger
}

// NewDriver creates a Driver on top of browser.
func NewDriver(browser Browser, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{browser: browser, log: log}
}

// Run loads job.URL in a fresh page and returns its statistics. Navigation
// failures are reported in Result.Err, not as the returned error; the
// returned error means no page could be opened at all.
func (d *Driver) Run(ctx context.Context, job model.Job) (Result, error) {
	if d.browser == nil {
		return Result{}, ErrBrowserUnavailable
	}
	start := time.Now()
	log := d.log.With("url", job.URL, "label", job.Label)

	page, err := d.browser.NewPage(ctx, job)
	if err != nil {
		return Result{}, fmt.Errorf("open page for %s: %w", job.URL, err)
	}
	closed := false
	closePage := func() {
		if closed {
			return
		}
		closed = true
		if err := page.Close(); err != nil {
			log.Warn("close page", "error", err)
		}
	}
	defer closePage()

	var c netstats.Collector
	page.OnLogicalLoad(func(ev model.LogicalLoadEvent) {
		if cat := c.AddLogical(ev); cat != model.CategoryIgnored {
			log.Debug("response", "request_id", ev.RequestID, "resource", ev.URL, "status", ev.Status, "category", string(cat))
		}
	})
	page.OnTransportBytes(c.AddBytes)

	var res Result
	navErr := page.Navigate(ctx, job.URL, NavigateOptions{Timeout: job.Timeout, WaitPolicy: WaitNetworkIdle})
	if navErr != nil {
		res.Err = navErr
		log.Error("navigation failed, keeping partial stats", "error", navErr)
	} else if job.WaitAfterLoad > 0 {
		select {
		case <-time.After(job.WaitAfterLoad):
		case <-ctx.Done():
		}
	}

	// No events are delivered once the page is closed, so everything the
	// resolver needs is in the collector from here on.
	closePage()

	logical, bytes := c.Len()
	res.Stats = c.Stats()
	res.Duration = time.Since(start)
	log.Debug("page load finished", "logical_events", logical, "byte_events", bytes, "duration", res.Duration)
	return res, nil
}
