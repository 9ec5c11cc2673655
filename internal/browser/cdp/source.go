// Package cdp feeds Chrome DevTools Protocol network events from an existing
// browser into the expect package.
package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/omnicloud/beaconcheck/internal/expect"
)

// Request is a network request observed over CDP.
type Request struct {
	ID     network.RequestID
	method string
	url    string
	body   string
}

func (r *Request) Method() string            { return r.method }
func (r *Request) URL() string               { return r.url }
func (r *Request) PostData() (string, error) { return r.body, nil }

// Source implements expect.EventSource on top of a chromedp tab context.
// Network.enable must have been issued on that tab.
type Source struct {
	ctx    context.Context
	listen func(ctx context.Context, fn func(ev interface{}))
}

var _ expect.EventSource = (*Source)(nil)

func NewSource(ctx context.Context) *Source {
	return &Source{ctx: ctx, listen: chromedp.ListenTarget}
}

// Subscribe registers a target listener that lives until unsubscribe is called.
func (s *Source) Subscribe(onInitiated, onCompleted func(expect.Request)) func() {
	ctx, cancel := context.WithCancel(s.ctx)

	var (
		mu       sync.Mutex
		inFlight = make(map[network.RequestID]*Request)
	)
	s.listen(ctx, func(ev interface{}) {
		if ctx.Err() != nil {
			return
		}
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Request == nil {
				return
			}
			req := &Request{
				ID:     e.RequestID,
				method: e.Request.Method,
				url:    e.Request.URL + e.Request.URLFragment,
				body:   postData(e.Request),
			}
			mu.Lock()
			inFlight[e.RequestID] = req
			mu.Unlock()
			onInitiated(req)
		case *network.EventLoadingFinished:
			mu.Lock()
			req, ok := inFlight[e.RequestID]
			delete(inFlight, e.RequestID)
			mu.Unlock()
			if ok {
				onCompleted(req)
			}
		case *network.EventLoadingFailed:
			mu.Lock()
			delete(inFlight, e.RequestID)
			mu.Unlock()
		}
	})

	return cancel
}

// postData joins the decoded post data entries of req.
func postData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		sb.Write(raw)
	}
	return sb.String()
}

// Tab is a connection to one page of a remote browser.
type Tab struct {
	Ctx      context.Context
	TargetID target.ID
	URL      string
	cancel   []context.CancelFunc
}

// Close detaches from the tab without closing it in the browser.
func (t *Tab) Close() {
	for i := len(t.cancel) - 1; i >= 0; i-- {
		t.cancel[i]()
	}
}

// Attach connects to the browser at wsURL and attaches to the first page whose
// URL contains match. An empty match selects the first page. When no page
// matches, a new tab is opened.
func Attach(ctx context.Context, wsURL, match string) (*Tab, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	tab := &Tab{cancel: []context.CancelFunc{allocCancel, browserCancel}}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		tab.Close()
		return nil, fmt.Errorf("failed to list targets at %s: %w", wsURL, err)
	}

	var opts []chromedp.ContextOption
	if info := pickTarget(targets, match); info != nil {
		opts = append(opts, chromedp.WithTargetID(info.TargetID))
		tab.TargetID = info.TargetID
		tab.URL = info.URL
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, opts...)
	tab.cancel = append(tab.cancel, tabCancel)
	tab.Ctx = tabCtx

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tab.Close()
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}
	return tab, nil
}

func pickTarget(targets []*target.Info, match string) *target.Info {
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		if match == "" || strings.Contains(t.URL, match) {
			return t
		}
	}
	return nil
}
