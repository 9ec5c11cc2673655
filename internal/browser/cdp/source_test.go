package cdp

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/beaconcheck/internal/expect"
)

const endpoint = "https://staging.omnicloud.tech/collect"

type fakeTarget struct {
	listeners []func(ev interface{})
}

func (f *fakeTarget) listen(_ context.Context, fn func(ev interface{})) {
	f.listeners = append(f.listeners, fn)
}

func (f *fakeTarget) emit(ev interface{}) {
	for _, fn := range f.listeners {
		fn(ev)
	}
}

func (f *fakeTarget) request(id, method, url, body string) {
	req := &network.Request{Method: method, URL: url}
	if body != "" {
		req.HasPostData = true
		req.PostDataEntries = []*network.PostDataEntry{{Bytes: base64.StdEncoding.EncodeToString([]byte(body))}}
	}
	f.emit(&network.EventRequestWillBeSent{RequestID: network.RequestID(id), Request: req})
}

func (f *fakeTarget) finish(id string) {
	f.emit(&network.EventLoadingFinished{RequestID: network.RequestID(id)})
}

func newTestSource(f *fakeTarget) *Source {
	return &Source{ctx: context.Background(), listen: f.listen}
}

func TestSourceCorrelatesByRequestID(t *testing.T) {
	f := &fakeTarget{}
	src := newTestSource(f)

	var initiated, completed []string
	unsubscribe := src.Subscribe(
		func(r expect.Request) { initiated = append(initiated, r.Method()+" "+r.URL()) },
		func(r expect.Request) {
			body, _ := r.PostData()
			completed = append(completed, r.Method()+" "+body)
		},
	)

	f.request("1", "GET", endpoint+"?t=pageview", "")
	f.request("2", "POST", endpoint, "t=pageview")
	f.finish("2")
	f.finish("1")
	f.finish("1")
	f.finish("unknown")

	assert.Equal(t, []string{"GET " + endpoint + "?t=pageview", "POST " + endpoint}, initiated)
	assert.Equal(t, []string{"POST t=pageview", "GET "}, completed)

	unsubscribe()
	f.request("3", "GET", endpoint, "")
	assert.Len(t, initiated, 2)
}

func TestSourceDropsFailedRequests(t *testing.T) {
	f := &fakeTarget{}
	completed := 0
	newTestSource(f).Subscribe(func(expect.Request) {}, func(expect.Request) { completed++ })

	f.request("1", "GET", endpoint, "")
	f.emit(&network.EventLoadingFailed{RequestID: "1"})
	f.finish("1")

	assert.Equal(t, 0, completed)
}

func TestSourceDrivesMatcher(t *testing.T) {
	f := &fakeTarget{}
	w := expect.Listen(newTestSource(f), endpoint, []expect.Expectation{
		{Name: "home", Method: "GET", Validate: expect.QueryEquals("t", "pageview", "home pageview")},
		{Name: "search", Method: "POST", Validate: expect.BodyEquals("t", "pageview", "search pageview")},
	})

	f.request("a", "POST", endpoint, "v=1&t=pageview")
	f.request("b", "GET", endpoint+"?t=pageview", "")
	f.finish("a")
	f.finish("b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func TestPostDataJoinsEntries(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	req := &network.Request{
		HasPostData: true,
		PostDataEntries: []*network.PostDataEntry{
			{Bytes: enc("t=page")},
			nil,
			{Bytes: "!!not base64"},
			{Bytes: enc("view")},
		},
	}
	assert.Equal(t, "t=pageview", postData(req))
	assert.Equal(t, "", postData(&network.Request{}))
}

func TestPickTarget(t *testing.T) {
	targets := []*target.Info{
		{TargetID: "w", Type: "service_worker", URL: "https://shop.example/sw.js"},
		{TargetID: "a", Type: "page", URL: "https://other.example/"},
		{TargetID: "b", Type: "page", URL: "https://shop.example/search?q=toy"},
	}

	assert.Equal(t, target.ID("a"), pickTarget(targets, "").TargetID)
	assert.Equal(t, target.ID("b"), pickTarget(targets, "shop.example").TargetID)
	assert.Nil(t, pickTarget(targets, "nowhere"))
}
