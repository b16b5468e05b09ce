// Package sessiontest provides an in-process Browser that replays scripted
// network events.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/session"
)

// Script is what a fake page emits when navigated.
type Script struct {
	Logical []model.LogicalLoadEvent
	Bytes   []model.TransportByteEvent
	// BytesFirst emits all byte events before the logical ones.
	BytesFirst bool
	// NavErr is returned by Navigate after the events were delivered.
	NavErr error
	// Block makes Navigate wait for its context (after delivering events).
	Block bool
}

// Browser hands out fake pages scripted per URL.
type Browser struct {
	mu      sync.Mutex
	scripts map[string]Script
	pages   []*Page
	OpenErr error
}

// NewBrowser creates a Browser with scripts keyed by URL.
func NewBrowser(scripts map[string]Script) *Browser {
	return &Browser{scripts: scripts}
}

func (b *Browser) NewPage(_ context.Context, job model.Job) (session.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	p := &Page{script: b.scripts[job.URL], Job: job}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *Browser) Close() error { return nil }

// Pages returns every page opened so far.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// Page replays a Script.
type Page struct {
	Job    model.Job
	script Script

	mu        sync.Mutex
	onBytes   func(model.TransportByteEvent)
	onLogical func(model.LogicalLoadEvent)
	closes    int
	navOpts   session.NavigateOptions
	// LateEvents counts events that arrived after Close.
	LateEvents int
}

func (p *Page) OnTransportBytes(fn func(model.TransportByteEvent)) { p.onBytes = fn }
func (p *Page) OnLogicalLoad(fn func(model.LogicalLoadEvent))      { p.onLogical = fn }

func (p *Page) Navigate(ctx context.Context, _ string, opts session.NavigateOptions) error {
	p.mu.Lock()
	p.navOpts = opts
	p.mu.Unlock()

	if p.script.BytesFirst {
		p.emitBytes()
		p.emitLogical()
	} else {
		p.emitLogical()
		p.emitBytes()
	}
	if p.script.Block {
		<-ctx.Done()
		return session.NewNavigationError(session.NavTimeout, p.Job.URL, ctx.Err())
	}
	return p.script.NavErr
}

func (p *Page) emitBytes() {
	for _, b := range p.script.Bytes {
		if p.isClosed() {
			p.late()
			continue
		}
		if p.onBytes != nil {
			p.onBytes(b)
		}
	}
}

func (p *Page) emitLogical() {
	for _, ev := range p.script.Logical {
		if p.isClosed() {
			p.late()
			continue
		}
		if p.onLogical != nil {
			p.onLogical(ev)
		}
	}
}

func (p *Page) late() {
	p.mu.Lock()
	p.LateEvents++
	p.mu.Unlock()
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes > 0
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// Closes reports how many times Close was called.
func (p *Page) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// NavigateOptions returns the options of the last Navigate call.
func (p *Page) NavigateOptions() session.NavigateOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navOpts
}

// ErrDNS is a canned network failure.
var ErrDNS = session.NewNavigationError(session.NavNetwork, "", errors.New("net::ERR_NAME_NOT_RESOLVED"))
