package dsl

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

var (
	escapedHandlebarsRegex = regexp.MustCompile(`(\\+)(\{\{[^}]*\}\})`)
	safeEscapedRegex       = regexp.MustCompile(`\{_\{([^}]*?)\}_\}`)
)

// TemplateContext holds the values a suite can reference.
type TemplateContext struct {
	Vars map[string]interface{} // accessed via {{ .vars.key }}
	Env  map[string]string      // accessed via {{ .env.KEY }}; OS env takes precedence
}

func getEnvironmentVariables() map[string]interface{} {
	envVars := make(map[string]interface{})
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envVars[parts[0]] = parts[1]
		}
	}
	return envVars
}

func (c TemplateContext) data() map[string]interface{} {
	env := make(map[string]interface{}, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	for k, v := range getEnvironmentVariables() {
		env[k] = v
	}
	vars := c.Vars
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return map[string]interface{}{"vars": vars, "env": env}
}

// ProcessTemplate renders {{ .vars.* }} and {{ .env.* }} references in input.
// Escaped handlebars (\{{ }}) are emitted as literal {{ }}. Referencing a
// missing variable is an error.
func ProcessTemplate(input string, ctx TemplateContext) (string, error) {
	if !IsTemplateString(input) {
		return input, nil
	}
	return processWithData(input, ctx.data())
}

func processWithData(input string, data map[string]interface{}) (string, error) {
	processed := handleAllEscapedHandlebars(input)

	tmpl, err := template.New("beaconcheck").Option("missingkey=error").Parse(processed)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return restoreSafeEscapedHandlebars(buf.String()), nil
}

// ProcessRecursive renders every string inside a decoded YAML or JSON value.
func ProcessRecursive(value interface{}, ctx TemplateContext) (interface{}, error) {
	return processRecursive(value, ctx.data())
}

func processRecursive(value interface{}, data map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !IsTemplateString(v) {
			return v, nil
		}
		return processWithData(v, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			processed, err := processRecursive(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = processed
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			processed, err := processRecursive(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = processed
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderTest returns a copy of the test with every template reference resolved.
func RenderTest(test Test, ctx TemplateContext) (Test, error) {
	raw, err := yaml.Marshal(test)
	if err != nil {
		return Test{}, fmt.Errorf("failed to encode test %q: %w", test.Name, err)
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Test{}, fmt.Errorf("failed to decode test %q: %w", test.Name, err)
	}

	rendered, err := ProcessRecursive(generic, ctx)
	if err != nil {
		return Test{}, fmt.Errorf("test %q: %w", test.Name, err)
	}

	raw, err = yaml.Marshal(rendered)
	if err != nil {
		return Test{}, fmt.Errorf("failed to encode rendered test %q: %w", test.Name, err)
	}
	var out Test
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return Test{}, fmt.Errorf("failed to decode rendered test %q: %w", test.Name, err)
	}
	return out, nil
}

// RenderSuite resolves every test of the suite. vars are merged over the
// suite's own vars before rendering.
func RenderSuite(suite Suite, cliVars map[string]string, env map[string]string) (Suite, error) {
	ctx := TemplateContext{
		Vars: MergeVariables(suite.Vars, cliVars),
		Env:  env,
	}

	out := suite
	out.Vars = ctx.Vars
	out.Tests = make([]Test, 0, len(suite.Tests))
	for _, test := range suite.Tests {
		rendered, err := RenderTest(test, ctx)
		if err != nil {
			return Suite{}, err
		}
		out.Tests = append(out.Tests, rendered)
	}
	return out, nil
}

func IsTemplateString(s string) bool {
	return strings.Contains(s, "{{") && strings.Contains(s, "}}")
}

// MergeVariables merges CLI variables with YAML vars, with CLI taking precedence
func MergeVariables(yamlVars map[string]interface{}, cliVars map[string]string) map[string]interface{} {
	result := deepCopyMap(yamlVars)
	for k, v := range cliVars {
		setNestedValue(result, k, v)
	}
	return result
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// setNestedValue sets a value in a nested map using dot notation
// e.g., "store.password" sets m["store"]["password"] = value
func setNestedValue(m map[string]interface{}, key string, value interface{}) {
	keys := strings.Split(key, ".")
	current := m

	for i := 0; i < len(keys)-1; i++ {
		k := keys[i]
		nested, ok := current[k].(map[string]interface{})
		if !ok {
			nested = make(map[string]interface{})
			current[k] = nested
		}
		current = nested
	}

	current[keys[len(keys)-1]] = value
}

// handleAllEscapedHandlebars rewrites backslash-escaped handlebars so the
// template engine leaves them alone. An odd run of backslashes makes the
// handlebars literal; an even run keeps them live. Half the backslashes remain.
//
//	\{{ x }}   -> {{ x }} (literal)
//	\\{{ x }}  -> \ followed by the rendered x
func handleAllEscapedHandlebars(input string) string {
	return escapedHandlebarsRegex.ReplaceAllStringFunc(input, func(match string) string {
		submatch := escapedHandlebarsRegex.FindStringSubmatch(match)
		if len(submatch) < 3 {
			return match
		}
		backslashes, handlebars := submatch[1], submatch[2]

		out := strings.Repeat("\\", len(backslashes)/2)
		if len(backslashes)%2 == 1 {
			out += "{_{" + handlebars[2:len(handlebars)-2] + "}_}"
		} else {
			out += handlebars
		}
		return out
	})
}

func restoreSafeEscapedHandlebars(input string) string {
	return safeEscapedRegex.ReplaceAllString(input, "{{$1}}")
}
