package expect

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// check runs validate against req and returns the label it resolved with.
func check(validate func(Request, Done), req Request) (string, bool) {
	var (
		label string
		hit   bool
	)
	validate(req, func(name string) {
		label = name
		hit = true
	})
	return label, hit
}

func strPtr(s string) *string { return &s }

func TestParams(t *testing.T) {
	req := &fakeRequest{
		method: "POST",
		url:    collectURL + "?t=event&ec=cart",
		body:   "t=pageview&dl=https%3A%2F%2Fshop.example%2Fsearch",
	}

	query := Params(req, SourceQuery)
	assert.Equal(t, "event", query.Get("t"))
	assert.Equal(t, "cart", query.Get("ec"))

	body := Params(req, SourceBody)
	assert.Equal(t, "pageview", body.Get("t"))
	assert.Equal(t, "https://shop.example/search", body.Get("dl"))

	assert.Empty(t, Params(&fakeRequest{method: "GET", url: collectURL}, SourceBody))
}

func TestQueryEquals(t *testing.T) {
	validate := QueryEquals("t", "pageview", "home pageview")

	label, ok := check(validate, &fakeRequest{method: "GET", url: collectURL + "?t=pageview"})
	assert.True(t, ok)
	assert.Equal(t, "home pageview", label)

	_, ok = check(validate, &fakeRequest{method: "GET", url: collectURL + "?t=event"})
	assert.False(t, ok)

	_, ok = check(QueryEquals("t", "", ""), &fakeRequest{method: "GET", url: collectURL})
	assert.False(t, ok, "a missing parameter never equals the empty string")
}

func TestBodyEquals(t *testing.T) {
	validate := BodyEquals("t", "pageview", "search pageview")

	_, ok := check(validate, &fakeRequest{method: "POST", url: collectURL, body: "v=1&t=pageview"})
	assert.True(t, ok)

	_, ok = check(validate, &fakeRequest{method: "POST", url: collectURL + "?t=pageview", body: "t=event"})
	assert.False(t, ok, "body validators ignore the query string")
}

func TestQueryJSONEquals(t *testing.T) {
	validate := QueryJSONEquals("el", map[string]interface{}{"search_string": "toy"}, "search string")

	el := url.QueryEscape(`{ "search_string" : "toy" }`)
	_, ok := check(validate, &fakeRequest{method: "GET", url: collectURL + "?el=" + el})
	assert.True(t, ok)

	el = url.QueryEscape(`{"search_string":"car"}`)
	_, ok = check(validate, &fakeRequest{method: "GET", url: collectURL + "?el=" + el})
	assert.False(t, ok)

	_, ok = check(validate, &fakeRequest{method: "GET", url: collectURL + "?el=not-json"})
	assert.False(t, ok)
}

func TestJQ(t *testing.T) {
	validate, err := JQ(SourceQuery, "el", ".search_string", "toy", "search string")
	require.NoError(t, err)

	el := url.QueryEscape(`{"search_string":"toy","page":1}`)
	_, ok := check(validate, &fakeRequest{method: "GET", url: collectURL + "?el=" + el})
	assert.True(t, ok)

	validate, err = JQ(SourceQuery, "el", ".page", 1, "")
	require.NoError(t, err)
	_, ok = check(validate, &fakeRequest{method: "GET", url: collectURL + "?el=" + el})
	assert.True(t, ok)

	_, err = JQ(SourceQuery, "el", ".[", nil, "")
	assert.Error(t, err)

	_, err = JQ(SourceQuery, "el", ".page", func() {}, "")
	assert.Error(t, err)
}

func TestJQComparesJSONValues(t *testing.T) {
	el := url.QueryEscape(`{"total":1e+08,"tags":["a","b"],"ids":"[1 2]"}`)
	req := &fakeRequest{method: "GET", url: collectURL + "?el=" + el}

	validate, err := JQ(SourceQuery, "el", ".total", 100000000, "total")
	require.NoError(t, err)
	_, ok := check(validate, req)
	assert.True(t, ok)

	validate, err = JQ(SourceQuery, "el", ".tags", []string{"a", "b"}, "tags")
	require.NoError(t, err)
	_, ok = check(validate, req)
	assert.True(t, ok)

	validate, err = JQ(SourceQuery, "el", ".tags | length", 2, "count")
	require.NoError(t, err)
	_, ok = check(validate, req)
	assert.True(t, ok)

	// a string that prints like the expected array must not match it
	validate, err = JQ(SourceQuery, "el", ".ids", []int{1, 2}, "ids")
	require.NoError(t, err)
	_, ok = check(validate, req)
	assert.False(t, ok)
}

func TestScript(t *testing.T) {
	validate, err := Script(`method === "POST" && body.t === "pageview"`, "search pageview")
	require.NoError(t, err)

	_, ok := check(validate, &fakeRequest{method: "POST", url: collectURL, body: "t=pageview"})
	assert.True(t, ok)

	_, ok = check(validate, &fakeRequest{method: "POST", url: collectURL, body: "t=event"})
	assert.False(t, ok)

	throwing, err := Script(`throw new Error("boom")`, "")
	require.NoError(t, err)
	_, ok = check(throwing, &fakeRequest{method: "GET", url: collectURL})
	assert.False(t, ok)

	_, err = Script(`method ===`, "")
	assert.Error(t, err)
}

func TestScriptIsInterrupted(t *testing.T) {
	prev := ScriptTimeout
	ScriptTimeout = 50 * time.Millisecond
	t.Cleanup(func() { ScriptTimeout = prev })

	validate, err := Script(`while (true) {}`, "never")
	require.NoError(t, err)

	finished := make(chan bool, 1)
	go func() {
		_, ok := check(validate, &fakeRequest{method: "GET", url: collectURL})
		finished <- ok
	}()

	select {
	case ok := <-finished:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("script validator was not interrupted")
	}
}

func TestExpr(t *testing.T) {
	validate, err := Expr(`method == "GET" && query.t == "pageview"`, "home pageview")
	require.NoError(t, err)

	_, ok := check(validate, &fakeRequest{method: "GET", url: collectURL + "?t=pageview"})
	assert.True(t, ok)

	_, ok = check(validate, &fakeRequest{method: "GET", url: collectURL + "?t=event"})
	assert.False(t, ok)

	_, err = Expr(`method +`, "")
	assert.Error(t, err)
}

func TestSpecBuild(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		req     *fakeRequest
		want    bool
		wantErr string
	}{
		{
			name: "equals defaults to query for GET",
			spec: Spec{Name: "home pageview", Method: "get", Param: "t", Equals: strPtr("pageview")},
			req:  &fakeRequest{method: "GET", url: collectURL + "?t=pageview"},
			want: true,
		},
		{
			name: "equals defaults to body for POST",
			spec: Spec{Name: "search pageview", Method: "POST", Param: "t", Equals: strPtr("pageview")},
			req:  &fakeRequest{method: "POST", url: collectURL + "?t=pageview", body: "t=event"},
			want: false,
		},
		{
			name: "explicit source",
			spec: Spec{Method: "POST", Source: "query", Param: "t", Equals: strPtr("pageview")},
			req:  &fakeRequest{method: "POST", url: collectURL + "?t=pageview"},
			want: true,
		},
		{
			name: "json",
			spec: Spec{Method: "GET", Param: "el", JSON: map[string]interface{}{"search_string": "toy"}},
			req:  &fakeRequest{method: "GET", url: collectURL + "?el=" + url.QueryEscape(`{"search_string":"toy"}`)},
			want: true,
		},
		{
			name: "expr",
			spec: Spec{Method: "GET", Expr: `query.t == "pageview"`},
			req:  &fakeRequest{method: "GET", url: collectURL + "?t=pageview"},
			want: true,
		},
		{
			name:    "missing method",
			spec:    Spec{Param: "t", Equals: strPtr("pageview")},
			wantErr: "method is required",
		},
		{
			name:    "two matchers",
			spec:    Spec{Method: "GET", Param: "t", Equals: strPtr("pageview"), Expr: "true"},
			wantErr: "exactly one of",
		},
		{
			name:    "no matcher",
			spec:    Spec{Method: "GET", Param: "t"},
			wantErr: "exactly one of",
		},
		{
			name:    "missing param",
			spec:    Spec{Method: "GET", Equals: strPtr("pageview")},
			wantErr: "param is required",
		},
		{
			name:    "unknown source",
			spec:    Spec{Method: "GET", Source: "header", Param: "t", Equals: strPtr("x")},
			wantErr: "unknown source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := tt.spec.Build()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.spec.Name, exp.Name)

			_, ok := check(exp.Validate, tt.req)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestBuildAllReportsIndex(t *testing.T) {
	_, err := BuildAll([]Spec{
		{Method: "GET", Param: "t", Equals: strPtr("pageview")},
		{Method: ""},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expectation 1")
}
