package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/session"
)

// Page is one target in its own browser context.
type Page struct {
	conn      *Conn
	log       *slog.Logger
	targetID  string
	contextID string
	sessionID string
	events    *queue

	onBytes   func(model.TransportByteEvent)
	onLogical func(model.LogicalLoadEvent)

	mu      sync.Mutex
	idle    map[string]bool // loader ids that reached networkIdle
	crashed bool
	wake    chan struct{}

	started   sync.Once
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

var _ session.Page = (*Page)(nil)

type step struct {
	method string
	params any
}

// newPage creates and configures an isolated page for job.
func newPage(ctx context.Context, conn *Conn, job model.Job, log *slog.Logger) (p *Page, err error) {
	p = &Page{
		conn: conn,
		log:  log,
		idle: make(map[string]bool),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	var bc struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := conn.Call(ctx, "", "Target.createBrowserContext", map[string]any{"disposeOnDetach": true}, &bc); err != nil {
		return nil, err
	}
	p.contextID = bc.BrowserContextID

	defer func() {
		if err == nil {
			return
		}
		if p.events != nil {
			conn.unsubscribe(p.sessionID)
		}
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := p.release(cctx); rerr != nil {
			log.Debug("cdp: cleanup after failed setup", "error", rerr)
		}
		p = nil
	}()

	var tgt struct {
		TargetID string `json:"targetId"`
	}
	if err := conn.Call(ctx, "", "Target.createTarget", map[string]any{
		"url":              "about:blank",
		"browserContextId": p.contextID,
	}, &tgt); err != nil {
		return p, err
	}
	p.targetID = tgt.TargetID

	var att struct {
		SessionID string `json:"sessionId"`
	}
	if err := conn.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": p.targetID,
		"flatten":  true,
	}, &att); err != nil {
		return p, err
	}
	p.sessionID = att.SessionID
	if p.events, err = conn.subscribe(p.sessionID); err != nil {
		return p, err
	}

	steps := []step{
		{"Network.enable", map[string]any{}},
		{"Network.setCacheDisabled", map[string]any{"cacheDisabled": true}},
		{"Page.enable", nil},
		{"Page.setLifecycleEventsEnabled", map[string]any{"enabled": true}},
		{"Inspector.enable", nil},
	}
	if job.UserAgent != "" {
		steps = append(steps, step{"Emulation.setUserAgentOverride", map[string]any{"userAgent": job.UserAgent}})
	}
	if job.Viewport.Width > 0 && job.Viewport.Height > 0 {
		steps = append(steps, step{"Emulation.setDeviceMetricsOverride", map[string]any{
			"width":             job.Viewport.Width,
			"height":            job.Viewport.Height,
			"deviceScaleFactor": 1,
			"mobile":            false,
		}})
	}
	if len(job.Block) > 0 {
		patterns := make([]fetchPattern, 0, len(job.Block))
		for _, b := range job.Block {
			patterns = append(patterns, fetchPattern{URLPattern: b})
		}
		steps = append(steps, step{"Fetch.enable", map[string]any{"patterns": patterns}})
	}
	for _, s := range steps {
		if err := conn.Call(ctx, p.sessionID, s.method, s.params, nil); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (p *Page) OnTransportBytes(fn func(model.TransportByteEvent)) { p.onBytes = fn }
func (p *Page) OnLogicalLoad(fn func(model.LogicalLoadEvent))      { p.onLogical = fn }

// start launches the event dispatcher. Handlers must be registered first.
func (p *Page) start() {
	p.started.Do(func() { go p.dispatch() })
}

// dispatch delivers session events in order on a single goroutine.
func (p *Page) dispatch() {
	defer close(p.done)
	totals := byteTotals{}
	for {
		m, ok := p.events.next()
		if !ok {
			return
		}
		switch m.Method {
		case "Network.responseReceived":
			var ev responseReceived
			if p.decode(m, &ev) && p.onLogical != nil {
				p.onLogical(logicalLoad(ev))
			}
		case "Network.dataReceived":
			var ev dataReceived
			if p.decode(m, &ev) && p.onBytes != nil {
				p.onBytes(totals.data(ev))
			}
		case "Network.loadingFinished":
			var ev loadingFinished
			if p.decode(m, &ev) && p.onBytes != nil {
				p.onBytes(totals.finished(ev))
			}
		case "Page.lifecycleEvent":
			var ev lifecycleEvent
			if p.decode(m, &ev) && ev.Name == string(session.WaitNetworkIdle) {
				p.mu.Lock()
				p.idle[ev.LoaderID] = true
				p.mu.Unlock()
				p.signal()
			}
		case "Inspector.targetCrashed":
			p.mu.Lock()
			p.crashed = true
			p.mu.Unlock()
			p.signal()
		case "Fetch.requestPaused":
			var ev requestPaused
			if p.decode(m, &ev) {
				go p.block(ev)
			}
		}
	}
}

func (p *Page) decode(m *message, v any) bool {
	if err := codec.Unmarshal(m.Params, v); err != nil {
		p.log.Warn("cdp: bad event params", "method", m.Method, "error", err)
		return false
	}
	return true
}

func (p *Page) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// block fails a request matched by one of the job's block patterns.
func (p *Page) block(ev requestPaused) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.conn.Call(ctx, p.sessionID, "Fetch.failRequest", map[string]any{
		"requestId":   ev.RequestID,
		"errorReason": "BlockedByClient",
	}, nil)
	if err != nil {
		p.log.Debug("cdp: block request", "resource", ev.Request.URL, "error", err)
	}
}

// Navigate loads url and waits until its document reached network idle.
func (p *Page) Navigate(ctx context.Context, url string, opts session.NavigateOptions) error {
	if p.isClosed() {
		return session.ErrPageClosed
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	p.start()

	var res navigateResult
	if err := p.conn.Call(ctx, p.sessionID, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
		return p.navError(ctx, url, err)
	}
	if res.ErrorText != "" {
		return session.NewNavigationError(session.NavNetwork, url, errors.New(res.ErrorText))
	}
	if res.LoaderID == "" || opts.WaitPolicy == "" {
		// same-document navigation or nothing to wait for
		return nil
	}
	for {
		p.mu.Lock()
		idle, crashed := p.idle[res.LoaderID], p.crashed
		p.mu.Unlock()
		switch {
		case crashed:
			return session.NewNavigationError(session.NavCrashed, url, errors.New("target crashed"))
		case idle:
			return nil
		}
		select {
		case <-p.wake:
		case <-p.done:
			return session.NewNavigationError(session.NavCrashed, url, ErrConnClosed)
		case <-ctx.Done():
			return p.navError(ctx, url, ctx.Err())
		}
	}
}

func (p *Page) navError(ctx context.Context, url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return session.NewNavigationError(session.NavTimeout, url, err)
	}
	if errors.Is(err, ErrConnClosed) {
		return session.NewNavigationError(session.NavCrashed, url, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return session.NewNavigationError(session.NavNetwork, url, err)
}

func (p *Page) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close destroys the target and its browser context. It returns after the
// last event handler finished.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.closeErr = p.release(ctx)
		if p.events == nil {
			close(p.done)
			return
		}
		p.conn.unsubscribe(p.sessionID)
		p.start()
		<-p.done
	})
	return p.closeErr
}

// release closes the target and disposes its context.
func (p *Page) release(ctx context.Context) error {
	var errs []error
	if p.targetID != "" {
		if err := p.conn.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if p.contextID != "" {
		if err := p.conn.Call(ctx, "", "Target.disposeBrowserContext", map[string]any{"browserContextId": p.contextID}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release page %s: %w", p.targetID, err)
	}
	return nil
}
