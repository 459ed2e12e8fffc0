package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_StagePrompts(t *testing.T) {
	ClearCache()

	keys, err := List(StagesFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis", "critique", "ideation", "research", "writing"}, keys)

	for _, key := range keys {
		prompt, err := Get(StagesFile, key)
		require.NoError(t, err, key)
		assert.Contains(t, prompt, "{{.Theme}}", key)
		assert.Contains(t, prompt, "{{.Schema}}", key)
	}
}

func TestGet_Errors(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "research")
	assert.ErrorContains(t, err, "failed to read prompt file")

	_, err = Get(StagesFile, "publishing")
	assert.ErrorContains(t, err, "not found")
}

func TestMustGet(t *testing.T) {
	ClearCache()

	assert.Panics(t, func() { MustGet("nonexistent.json", "some-key") })
	assert.NotPanics(t, func() { assert.NotEmpty(t, MustGet(StagesFile, "research")) })
}

func TestStagePlaceholders(t *testing.T) {
	tests := []struct {
		key  string
		want []string
	}{
		{"research", []string{"Schema", "Theme"}},
		{"ideation", []string{"Research", "Schema", "Theme"}},
		{"critique", []string{"Ideas", "Research", "Schema", "Theme"}},
		{"analysis", []string{"Critiques", "Ideas", "Schema", "Theme"}},
		{"writing", []string{"Analysis", "Research", "Schema", "Theme"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Placeholders(MustGet(StagesFile, tt.key)))
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		template string
		data     map[string]string
		want     string
	}{
		{"replaces", "Theme: {{.Theme}} / {{.Theme}}", map[string]string{"Theme": "go"}, "Theme: go / go"},
		{"leaves unknown", "{{.Theme}} {{.Other}}", map[string]string{"Theme": "go"}, "go {{.Other}}"},
		{"no data", "{{.Theme}}", nil, "{{.Theme}}"},
		{"value containing placeholder is not expanded again", "{{.A}}", map[string]string{"A": "{{.B}}", "B": "x"}, "{{.B}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.template, tt.data))
		})
	}
}

func TestRender(t *testing.T) {
	out, err := Render(StagesFile, "research", map[string]string{"Theme": "green energy", "Schema": "{}"})
	require.NoError(t, err)
	assert.Contains(t, out, "Theme: green energy")
	assert.NotContains(t, out, "{{.")
}
