// Package expect waits for network requests that satisfy a set of expectations.
//
// A Wait observes request lifecycle events from an EventSource, keeps a pool of
// initiated requests for one endpoint, and offers them to each pending
// expectation whenever a request to that endpoint completes. Validators decide
// satisfaction and call Done; the Wait settles once every expectation is met.
package expect

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Request is the view of an in-flight request that validators see.
type Request interface {
	Method() string
	URL() string
	PostData() (string, error)
}

// Done marks the expectation under validation as met and consumes the request
// it was called for. The name is only used for logging and may be empty.
type Done func(name string)

// Expectation pairs an HTTP method with a validator.
type Expectation struct {
	// Name identifies the expectation in Unmet reports.
	Name     string
	Method   string
	Validate func(req Request, done Done)
}

// EventSource delivers request-initiated and request-completed notifications.
// The returned function removes both handlers.
type EventSource interface {
	Subscribe(onInitiated, onCompleted func(Request)) (unsubscribe func())
}

// Resolution records which request met an expectation.
type Resolution struct {
	Index  int       `json:"index"`
	Name   string    `json:"name,omitempty"`
	Label  string    `json:"label,omitempty"`
	Method string    `json:"method"`
	URL    string    `json:"url"`
	At     time.Time `json:"at"`
}

// Option configures Listen.
type Option func(*Wait)

// WithLogger sets the logger used for resolution messages.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Wait) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithResolveHook registers fn to be called after each expectation resolves.
func WithResolveHook(fn func(Resolution)) Option {
	return func(w *Wait) {
		w.onResolve = fn
	}
}

type signal struct {
	ch   chan struct{}
	once sync.Once
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// fire closes the channel and reports whether this call did it.
func (s *signal) fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

type entry struct {
	req      Request
	consumed bool
}

// Wait is the aggregate wait returned by Listen.
type Wait struct {
	endpoint     string
	expectations []Expectation
	logger       *slog.Logger
	onResolve    func(Resolution)

	scanMu sync.Mutex // serialises event handling

	mu          sync.Mutex
	pool        []*entry
	resolved    []*signal
	remaining   int
	resolutions []Resolution

	all       *signal
	closeOnce sync.Once
	release   func()
}

// Listen subscribes to src and returns a Wait that settles once every
// expectation has been met by a request whose URL contains endpoint.
// An empty expectation list settles immediately.
func Listen(src EventSource, endpoint string, expectations []Expectation, opts ...Option) *Wait {
	w := &Wait{
		endpoint:     endpoint,
		expectations: append([]Expectation(nil), expectations...),
		logger:       slog.Default(),
		resolved:     make([]*signal, len(expectations)),
		remaining:    len(expectations),
		all:          newSignal(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for i := range w.resolved {
		w.resolved[i] = newSignal()
	}
	if w.remaining == 0 {
		w.all.fire()
	}

	w.release = src.Subscribe(w.handleInitiated, w.handleCompleted)
	return w
}

func (w *Wait) matchesEndpoint(raw string) bool {
	if u, err := url.Parse(raw); err == nil {
		raw = u.String()
	}
	return strings.Contains(raw, w.endpoint)
}

func (w *Wait) handleInitiated(req Request) {
	if !w.matchesEndpoint(req.URL()) {
		return
	}

	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	w.mu.Lock()
	w.pool = append(w.pool, &entry{req: req})
	w.mu.Unlock()
}

func (w *Wait) handleCompleted(req Request) {
	if !w.matchesEndpoint(req.URL()) {
		return
	}

	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	for i, exp := range w.expectations {
		if exp.Validate == nil || w.isResolved(i) {
			continue
		}

		for _, e := range w.snapshot() {
			if w.isResolved(i) {
				break
			}
			if e.req.Method() != exp.Method || w.isConsumed(e) {
				continue
			}
			exp.Validate(e.req, w.doneFor(i, e))
		}
	}
}

func (w *Wait) snapshot() []*entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*entry(nil), w.pool...)
}

func (w *Wait) isResolved(i int) bool {
	select {
	case <-w.resolved[i].ch:
		return true
	default:
		return false
	}
}

func (w *Wait) isConsumed(e *entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return e.consumed
}

func (w *Wait) doneFor(i int, e *entry) Done {
	return func(name string) {
		w.resolve(i, e, name)
	}
}

func (w *Wait) resolve(i int, e *entry, label string) {
	w.mu.Lock()
	// A request already consumed by another expectation cannot resolve this one.
	if e.consumed || !w.resolved[i].fire() {
		w.mu.Unlock()
		return
	}

	e.consumed = true
	for idx, pooled := range w.pool {
		if pooled == e {
			w.pool = append(w.pool[:idx], w.pool[idx+1:]...)
			break
		}
	}

	res := Resolution{
		Index:  i,
		Name:   w.expectations[i].Name,
		Label:  label,
		Method: e.req.Method(),
		URL:    e.req.URL(),
		At:     time.Now(),
	}
	w.resolutions = append(w.resolutions, res)
	w.remaining--
	settled := w.remaining == 0
	w.mu.Unlock()

	if label != "" {
		w.logger.Info(label+" expectation met", "method", res.Method, "url", res.URL)
	}
	if w.onResolve != nil {
		w.onResolve(res)
	}
	if settled {
		w.all.fire()
	}
}

// Done returns a channel that is closed once every expectation is met.
func (w *Wait) Done() <-chan struct{} {
	return w.all.ch
}

// Wait blocks until every expectation is met or ctx ends, then releases the
// subscription. On cancellation it returns an *UnmetError.
func (w *Wait) Wait(ctx context.Context) error {
	defer w.Close()

	select {
	case <-w.all.ch:
		return nil
	case <-ctx.Done():
		select {
		case <-w.all.ch:
			return nil
		default:
		}
		return &UnmetError{Unmet: w.Unmet(), Err: ctx.Err()}
	}
}

// Close removes the event handlers. It is safe to call more than once.
func (w *Wait) Close() {
	w.closeOnce.Do(func() {
		if w.release != nil {
			w.release()
		}
	})
}

// Unmet lists the expectations that have not resolved yet.
func (w *Wait) Unmet() []string {
	var unmet []string
	for i, exp := range w.expectations {
		if w.isResolved(i) {
			continue
		}
		unmet = append(unmet, exp.displayName(i))
	}
	return unmet
}

// Resolutions returns the resolutions so far in the order they happened.
func (w *Wait) Resolutions() []Resolution {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Resolution(nil), w.resolutions...)
}

// Pending returns the number of captured requests not yet consumed.
func (w *Wait) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pool)
}

func (e Expectation) displayName(i int) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("#%d %s", i, e.Method)
}

// UnmetError is returned by Wait when ctx ends before every expectation is met.
type UnmetError struct {
	Unmet []string
	Err   error
}

func (e *UnmetError) Error() string {
	return fmt.Sprintf("unmet expectations [%s]: %v", strings.Join(e.Unmet, ", "), e.Err)
}

func (e *UnmetError) Unwrap() error {
	return e.Err
}
