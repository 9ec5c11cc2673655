package expect

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/expr-lang/expr"
	"github.com/itchyny/gojq"
)

// Source selects where a validator reads parameters from.
type Source string

const (
	SourceQuery Source = "query"
	SourceBody  Source = "body"
)

// Params returns the parameters of req from the given source. Body parameters
// are parsed as application/x-www-form-urlencoded.
func Params(req Request, source Source) url.Values {
	switch source {
	case SourceBody:
		body, err := req.PostData()
		if err != nil || body == "" {
			return url.Values{}
		}
		values, err := url.ParseQuery(body)
		if err != nil {
			return url.Values{}
		}
		return values
	default:
		u, err := url.Parse(req.URL())
		if err != nil {
			return url.Values{}
		}
		return u.Query()
	}
}

// QueryEquals resolves when the query parameter equals want.
func QueryEquals(param, want, label string) func(Request, Done) {
	return paramEquals(SourceQuery, param, want, label)
}

// BodyEquals resolves when the form-encoded body parameter equals want.
func BodyEquals(param, want, label string) func(Request, Done) {
	return paramEquals(SourceBody, param, want, label)
}

func paramEquals(source Source, param, want, label string) func(Request, Done) {
	return func(req Request, done Done) {
		values := Params(req, source)
		if !values.Has(param) {
			return
		}
		if values.Get(param) == want {
			done(label)
		}
	}
}

// QueryJSONEquals resolves when the query parameter holds JSON equal to want,
// ignoring key order and whitespace.
func QueryJSONEquals(param string, want interface{}, label string) func(Request, Done) {
	return jsonEquals(SourceQuery, param, want, label)
}

func jsonEquals(source Source, param string, want interface{}, label string) func(Request, Done) {
	expected, err := normalizeJSON(want)
	return func(req Request, done Done) {
		if err != nil {
			return
		}
		raw := Params(req, source).Get(param)
		if raw == "" {
			return
		}
		var actual interface{}
		if json.Unmarshal([]byte(raw), &actual) != nil {
			return
		}
		if reflect.DeepEqual(actual, expected) {
			done(label)
		}
	}
}

func normalizeJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode expected JSON: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode expected JSON: %w", err)
	}
	return out, nil
}

// JQ resolves when the first result of the jq expression, run against the JSON
// held in param, is JSON-equal to expected.
func JQ(source Source, param, expression string, expected interface{}, label string) (func(Request, Done), error) {
	want, err := normalizeJSON(expected)
	if err != nil {
		return nil, err
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq expression %q: %w", expression, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression %q: %w", expression, err)
	}

	return func(req Request, done Done) {
		raw := Params(req, source).Get(param)
		if raw == "" {
			return
		}
		var input interface{}
		if json.Unmarshal([]byte(raw), &input) != nil {
			return
		}

		iter := code.Run(input)
		v, ok := iter.Next()
		if !ok {
			return
		}
		if _, isErr := v.(error); isErr {
			return
		}
		got, err := normalizeJSON(v)
		if err != nil {
			return
		}
		if reflect.DeepEqual(got, want) {
			done(label)
		}
	}, nil
}

// requestEnv is the environment exposed to script and expression validators.
func requestEnv(req Request) map[string]interface{} {
	rawBody, _ := req.PostData()
	return map[string]interface{}{
		"method":  req.Method(),
		"url":     req.URL(),
		"query":   firstValues(Params(req, SourceQuery)),
		"body":    firstValues(Params(req, SourceBody)),
		"rawBody": rawBody,
	}
}

func firstValues(values url.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

// ScriptTimeout bounds a single run of a script validator. Validators run on
// the request dispatch path, so a runaway script is interrupted.
var ScriptTimeout = 5 * time.Second

// Script resolves when the JavaScript program's completion value is truthy.
// The program sees method, url, query, body and rawBody as globals.
func Script(code, label string) (func(Request, Done), error) {
	program, err := goja.Compile("expectation", code, false)
	if err != nil {
		return nil, fmt.Errorf("javascript syntax error: %w", err)
	}

	return func(req Request, done Done) {
		rt := goja.New()
		for k, v := range requestEnv(req) {
			_ = rt.Set(k, v)
		}
		timer := time.AfterFunc(ScriptTimeout, func() {
			rt.Interrupt("javascript execution timeout")
		})
		result, err := rt.RunProgram(program)
		timer.Stop()
		if err != nil {
			return
		}
		if result.ToBoolean() {
			done(label)
		}
	}, nil
}

// Expr resolves when the boolean expression evaluates to true.
func Expr(code, label string) (func(Request, Done), error) {
	env := map[string]interface{}{
		"method":  "",
		"url":     "",
		"query":   map[string]interface{}{},
		"body":    map[string]interface{}{},
		"rawBody": "",
	}
	program, err := expr.Compile(code, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}

	return func(req Request, done Done) {
		out, err := expr.Run(program, requestEnv(req))
		if err != nil {
			return
		}
		if ok, _ := out.(bool); ok {
			done(label)
		}
	}, nil
}

// Spec is the declarative form of an expectation used in suite files.
type Spec struct {
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Method   string      `json:"method" yaml:"method"`
	Source   string      `json:"source,omitempty" yaml:"source,omitempty"`
	Param    string      `json:"param,omitempty" yaml:"param,omitempty"`
	Equals   *string     `json:"equals,omitempty" yaml:"equals,omitempty"`
	JSON     interface{} `json:"json,omitempty" yaml:"json,omitempty"`
	JQ       string      `json:"jq,omitempty" yaml:"jq,omitempty"`
	Expected interface{} `json:"expected,omitempty" yaml:"expected,omitempty"`
	Script   string      `json:"script,omitempty" yaml:"script,omitempty"`
	Expr     string      `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Build turns the spec into an Expectation. Exactly one of equals, json, jq,
// script or expr must be set.
func (s Spec) Build() (Expectation, error) {
	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "" {
		return Expectation{}, fmt.Errorf("expectation %q: method is required", s.Name)
	}

	source := Source(strings.ToLower(s.Source))
	switch source {
	case "":
		source = SourceBody
		if method == "GET" {
			source = SourceQuery
		}
	case SourceQuery, SourceBody:
	default:
		return Expectation{}, fmt.Errorf("expectation %q: unknown source %q", s.Name, s.Source)
	}

	set := 0
	for _, present := range []bool{s.Equals != nil, s.JSON != nil, s.JQ != "", s.Script != "", s.Expr != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return Expectation{}, fmt.Errorf("expectation %q: exactly one of equals, json, jq, script or expr is required", s.Name)
	}

	needsParam := s.Equals != nil || s.JSON != nil || s.JQ != ""
	if needsParam && s.Param == "" {
		return Expectation{}, fmt.Errorf("expectation %q: param is required", s.Name)
	}

	var (
		validate func(Request, Done)
		err      error
	)
	switch {
	case s.Equals != nil:
		validate = paramEquals(source, s.Param, *s.Equals, s.Name)
	case s.JSON != nil:
		if _, err := normalizeJSON(s.JSON); err != nil {
			return Expectation{}, fmt.Errorf("expectation %q: %w", s.Name, err)
		}
		validate = jsonEquals(source, s.Param, s.JSON, s.Name)
	case s.JQ != "":
		validate, err = JQ(source, s.Param, s.JQ, s.Expected, s.Name)
	case s.Script != "":
		validate, err = Script(s.Script, s.Name)
	case s.Expr != "":
		validate, err = Expr(s.Expr, s.Name)
	}
	if err != nil {
		return Expectation{}, fmt.Errorf("expectation %q: %w", s.Name, err)
	}

	return Expectation{Name: s.Name, Method: method, Validate: validate}, nil
}

// BuildAll builds every spec, stopping at the first error.
func BuildAll(specs []Spec) ([]Expectation, error) {
	out := make([]Expectation, 0, len(specs))
	for i, spec := range specs {
		exp, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("expectation %d: %w", i, err)
		}
		out = append(out, exp)
	}
	return out, nil
}
