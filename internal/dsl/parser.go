package dsl

import (
	"fmt"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/omnicloud/beaconcheck/internal/expect"
)

const (
	SupportedVersion = "v1.0.0"
	DefaultTimeout   = 60 * time.Second
)

type Suite struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string                 `json:"version" yaml:"version"`
	Vars        map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
	Tests       []Test                 `json:"tests" yaml:"tests"`
}

type Test struct {
	Name string `json:"name" yaml:"name"`
	// Endpoint is matched as a substring of every observed request URL.
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	Timeout      string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Browser      BrowserConfig `json:"browser,omitempty" yaml:"browser,omitempty"`
	Expectations []expect.Spec `json:"expectations" yaml:"expectations"`
	Steps        []Step        `json:"steps" yaml:"steps"`
}

type BrowserConfig struct {
	Type     string   `json:"type,omitempty" yaml:"type,omitempty"`
	Headless *bool    `json:"headless,omitempty" yaml:"headless,omitempty"`
	SlowMoMS int      `json:"slow_mo_ms,omitempty" yaml:"slow_mo_ms,omitempty"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// IsHeadless defaults to true.
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

const (
	ActionGoto  = "goto"
	ActionClick = "click"
	ActionFill  = "fill"
	ActionPress = "press"
	ActionWait  = "wait"
)

type Step struct {
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Action   string   `json:"action" yaml:"action"`
	URL      string   `json:"url,omitempty" yaml:"url,omitempty"`
	Locator  *Locator `json:"locator,omitempty" yaml:"locator,omitempty"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	Key      string   `json:"key,omitempty" yaml:"key,omitempty"`
	Duration string   `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Locator finds an element by exactly one of label, role, placeholder, text or
// selector, optionally inside another locator.
type Locator struct {
	Label       string   `json:"label,omitempty" yaml:"label,omitempty"`
	Role        string   `json:"role,omitempty" yaml:"role,omitempty"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Placeholder string   `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Text        string   `json:"text,omitempty" yaml:"text,omitempty"`
	Selector    string   `json:"selector,omitempty" yaml:"selector,omitempty"`
	Exact       bool     `json:"exact,omitempty" yaml:"exact,omitempty"`
	Within      *Locator `json:"within,omitempty" yaml:"within,omitempty"`
}

// Kind returns which strategy the locator uses, or "" if none or several are set.
func (l Locator) Kind() string {
	kind := ""
	for name, v := range map[string]string{
		"label":       l.Label,
		"role":        l.Role,
		"placeholder": l.Placeholder,
		"text":        l.Text,
		"selector":    l.Selector,
	} {
		if v == "" {
			continue
		}
		if kind != "" {
			return ""
		}
		kind = name
	}
	return kind
}

func (l Locator) String() string {
	var s string
	switch l.Kind() {
	case "label":
		s = fmt.Sprintf("label=%q", l.Label)
	case "role":
		s = fmt.Sprintf("role=%s", l.Role)
		if l.Name != "" {
			s += fmt.Sprintf("[name=%q]", l.Name)
		}
	case "placeholder":
		s = fmt.Sprintf("placeholder=%q", l.Placeholder)
	case "text":
		s = fmt.Sprintf("text=%q", l.Text)
	case "selector":
		s = l.Selector
	default:
		s = "<invalid>"
	}
	if l.Within != nil {
		s = l.Within.String() + " >> " + s
	}
	return s
}

func (l Locator) validate() error {
	if l.Kind() == "" {
		return fmt.Errorf("locator needs exactly one of label, role, placeholder, text or selector")
	}
	if l.Name != "" && l.Role == "" {
		return fmt.Errorf("locator name is only valid with role")
	}
	if l.Within != nil {
		if err := l.Within.validate(); err != nil {
			return fmt.Errorf("within: %w", err)
		}
	}
	return nil
}

// DisplayName returns the step name, or a description built from the action.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Action {
	case ActionGoto:
		return "goto " + s.URL
	case ActionWait:
		return "wait " + s.Duration
	case ActionPress:
		if s.Locator == nil {
			return "press " + s.Key
		}
	}
	if s.Locator != nil {
		return s.Action + " " + s.Locator.String()
	}
	return s.Action
}

// Validate checks that the step carries the fields its action needs.
func (s Step) Validate() error {
	switch s.Action {
	case ActionGoto:
		if s.URL == "" {
			return fmt.Errorf("goto requires url")
		}
	case ActionClick, ActionFill:
		if s.Locator == nil {
			return fmt.Errorf("%s requires a locator", s.Action)
		}
		if err := s.Locator.validate(); err != nil {
			return err
		}
	case ActionPress:
		if s.Key == "" {
			return fmt.Errorf("press requires key")
		}
		if s.Locator != nil {
			if err := s.Locator.validate(); err != nil {
				return err
			}
		}
	case ActionWait:
		if _, err := time.ParseDuration(s.Duration); err != nil {
			return fmt.Errorf("invalid wait duration %q: %w", s.Duration, err)
		}
	case "":
		return fmt.Errorf("an action is required")
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// TimeoutDuration parses the test timeout, falling back to DefaultTimeout.
func (t Test) TimeoutDuration() (time.Duration, error) {
	if t.Timeout == "" {
		return DefaultTimeout, nil
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0, fmt.Errorf("test %q: invalid timeout %q: %w", t.Name, t.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("test %q: timeout must be positive", t.Name)
	}
	return d, nil
}

// BuildExpectations builds the matcher expectations declared by the test.
func (t Test) BuildExpectations() ([]expect.Expectation, error) {
	exps, err := expect.BuildAll(t.Expectations)
	if err != nil {
		return nil, fmt.Errorf("test %q: %w", t.Name, err)
	}
	return exps, nil
}

func ParseYAML(yamlPayload []byte) (Suite, error) {
	var suite Suite
	if err := yaml.Unmarshal(yamlPayload, &suite); err != nil {
		return Suite{}, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if suite.Version != SupportedVersion {
		return Suite{}, fmt.Errorf("unsupported version: %q", suite.Version)
	}

	if len(suite.Tests) == 0 {
		return Suite{}, fmt.Errorf("no tests defined")
	}

	for i, test := range suite.Tests {
		if test.Name == "" {
			return Suite{}, fmt.Errorf("test %d: a name is required for each test", i)
		}
		if test.Endpoint == "" {
			return Suite{}, fmt.Errorf("test %q: an endpoint is required", test.Name)
		}
		if len(test.Expectations) == 0 {
			return Suite{}, fmt.Errorf("test %q: no expectations defined for this test", test.Name)
		}
		if len(test.Steps) == 0 {
			return Suite{}, fmt.Errorf("test %q: no steps defined for this test", test.Name)
		}
		if _, err := test.TimeoutDuration(); err != nil {
			return Suite{}, err
		}
		if _, err := test.BuildExpectations(); err != nil {
			return Suite{}, err
		}
		for j, step := range test.Steps {
			if err := step.Validate(); err != nil {
				return Suite{}, fmt.Errorf("test %q: step %d: %w", test.Name, j, err)
			}
		}
	}

	return suite, nil
}

// FindTest returns the test with the given name.
func (s Suite) FindTest(name string) (Test, bool) {
	for _, t := range s.Tests {
		if t.Name == name {
			return t, true
		}
	}
	return Test{}, false
}
