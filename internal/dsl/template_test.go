package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTemplate(t *testing.T) {
	t.Setenv("BEACONCHECK_TEST_TOKEN", "from-os")

	tests := []struct {
		name     string
		input    string
		ctx      TemplateContext
		expected string
	}{
		{
			name:     "plain string",
			input:    "https://shop.example",
			expected: "https://shop.example",
		},
		{
			name:     "config var",
			input:    "{{ .vars.store_url }}/search",
			ctx:      TemplateContext{Vars: map[string]interface{}{"store_url": "https://shop.example"}},
			expected: "https://shop.example/search",
		},
		{
			name:     "nested var",
			input:    "{{ .vars.store.password }}",
			ctx:      TemplateContext{Vars: map[string]interface{}{"store": map[string]interface{}{"password": "hunter2"}}},
			expected: "hunter2",
		},
		{
			name:     "context env",
			input:    "{{ .env.ONLY_IN_FILE }}",
			ctx:      TemplateContext{Env: map[string]string{"ONLY_IN_FILE": "file"}},
			expected: "file",
		},
		{
			name:     "os env wins over context env",
			input:    "{{ .env.BEACONCHECK_TEST_TOKEN }}",
			ctx:      TemplateContext{Env: map[string]string{"BEACONCHECK_TEST_TOKEN": "from-file"}},
			expected: "from-os",
		},
		{
			name:     "escaped handlebars stay literal",
			input:    `{{ .vars.a }} and \{{ .vars.b }}`,
			ctx:      TemplateContext{Vars: map[string]interface{}{"a": "1"}},
			expected: `1 and {{ .vars.b }}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProcessTemplate(tt.input, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestProcessTemplateMissingVariable(t *testing.T) {
	_, err := ProcessTemplate("{{ .vars.nope }}", TemplateContext{Vars: map[string]interface{}{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute template")

	_, err = ProcessTemplate("{{ .vars.a ", TemplateContext{})
	assert.NoError(t, err, "an unterminated reference is not a template")

	_, err = ProcessTemplate("{{ .vars.a }} {{ if }}", TemplateContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}

func TestMultiLevelEscapedHandlebars(t *testing.T) {
	ctx := TemplateContext{Vars: map[string]interface{}{"x": "value"}}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single escape", `\{{ .vars.x }}`, `{{ .vars.x }}`},
		{"double escape", `\\{{ .vars.x }}`, `\value`},
		{"triple escape", `\\\{{ .vars.x }}`, `\{{ .vars.x }}`},
		{"quadruple escape", `\\\\{{ .vars.x }}`, `\\value`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProcessTemplate(tt.input, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMergeVariables(t *testing.T) {
	yamlVars := map[string]interface{}{
		"search_term": "toy",
		"store":       map[string]interface{}{"url": "https://a", "password": "x"},
	}

	merged := MergeVariables(yamlVars, map[string]string{
		"search_term":    "car",
		"store.password": "y",
		"new.deep.key":   "z",
	})

	assert.Equal(t, "car", merged["search_term"])
	store := merged["store"].(map[string]interface{})
	assert.Equal(t, "https://a", store["url"])
	assert.Equal(t, "y", store["password"])
	assert.Equal(t, "z", merged["new"].(map[string]interface{})["deep"].(map[string]interface{})["key"])

	// the input is not mutated
	assert.Equal(t, "x", yamlVars["store"].(map[string]interface{})["password"])
}

func TestRenderSuite(t *testing.T) {
	t.Setenv("BEACONCHECK_STORE_PASSWORD", "secret")

	suite, err := ParseYAML([]byte(storefrontYAML))
	require.NoError(t, err)

	rendered, err := RenderSuite(suite, map[string]string{"store_url": "https://other.example/password"}, nil)
	require.NoError(t, err)

	steps := rendered.Tests[0].Steps
	assert.Equal(t, "https://other.example/password", steps[0].URL)
	assert.Equal(t, "secret", steps[1].Value)
	assert.Equal(t, "Enter store password", steps[1].Locator.Label)

	// the parsed suite keeps its templates
	assert.Equal(t, "{{ .vars.store_url }}", suite.Tests[0].Steps[0].URL)

	_, err = rendered.Tests[0].BuildExpectations()
	require.NoError(t, err)
	assert.Equal(t, "toy", rendered.Tests[0].Expectations[2].JSON.(map[string]interface{})["search_string"])
}

func TestRenderSuiteMissingVariable(t *testing.T) {
	suite, err := ParseYAML([]byte(storefrontYAML))
	require.NoError(t, err)
	suite.Vars = nil

	_, err = RenderSuite(suite, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `test "storefront"`)
}
