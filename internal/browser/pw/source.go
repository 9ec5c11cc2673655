// Package pw adapts playwright-go pages to the expect package and drives them
// with suite actions.
package pw

import (
	"sort"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/omnicloud/beaconcheck/internal/expect"
)

const (
	eventRequest         = "request"
	eventRequestFinished = "requestfinished"
)

// EventPage is the part of playwright.Page the Source needs.
type EventPage interface {
	OnRequest(fn func(playwright.Request))
	OnRequestFinished(fn func(playwright.Request))
	RemoveListener(name string, handler interface{})
}

type subscriber struct {
	onInitiated func(expect.Request)
	onCompleted func(expect.Request)
}

// Source fans page request events out to subscribers. The page listeners are
// attached on the first subscription and removed when the last one leaves.
type Source struct {
	page EventPage

	// attachMu serialises listener registration with the page. Handlers never
	// take it, so page calls are made without mu held.
	attachMu sync.Mutex
	mu       sync.Mutex
	nextID   int
	subs     map[int]subscriber
	attached bool

	onRequest  func(playwright.Request)
	onFinished func(playwright.Request)
}

var _ expect.EventSource = (*Source)(nil)

// NewSource returns an event source for page.
func NewSource(page EventPage) *Source {
	s := &Source{
		page: page,
		subs: make(map[int]subscriber),
	}
	s.onRequest = func(r playwright.Request) {
		for _, sub := range s.snapshot() {
			sub.onInitiated(r)
		}
	}
	s.onFinished = func(r playwright.Request) {
		for _, sub := range s.snapshot() {
			sub.onCompleted(r)
		}
	}
	return s
}

// Subscribe implements expect.EventSource.
func (s *Source) Subscribe(onInitiated, onCompleted func(expect.Request)) func() {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscriber{onInitiated: onInitiated, onCompleted: onCompleted}
	attach := !s.attached
	s.attached = true
	s.mu.Unlock()

	if attach {
		s.page.OnRequest(s.onRequest)
		s.page.OnRequestFinished(s.onFinished)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

// unsubscribe must not hold mu while calling into the page: playwright holds
// its event lock while our handlers run, and the handlers take mu.
func (s *Source) unsubscribe(id int) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	delete(s.subs, id)
	detach := len(s.subs) == 0 && s.attached
	if detach {
		s.attached = false
	}
	s.mu.Unlock()

	if detach {
		s.page.RemoveListener(eventRequest, s.onRequest)
		s.page.RemoveListener(eventRequestFinished, s.onFinished)
	}
}

// snapshot returns subscribers in subscription order.
func (s *Source) snapshot() []subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]subscriber, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}
