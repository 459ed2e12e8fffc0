package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageSchemas_ValidJSON(t *testing.T) {
	for _, stage := range []string{"research", "ideation", "critique", "analysis", "writing"} {
		t.Run(stage, func(t *testing.T) {
			raw, err := StageSchema(stage)
			require.NoError(t, err)

			var v map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(raw), &v), "schema should be valid JSON")
			assert.Equal(t, "object", v["type"])
		})
	}
}

func TestStageSchema_Unknown(t *testing.T) {
	_, err := StageSchema("publishing")
	require.Error(t, err)

	var loadErr *SchemaLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "publishing", loadErr.Path)
}

func TestValidateStage(t *testing.T) {
	tests := []struct {
		name      string
		stage     string
		doc       string
		wantError bool
	}{
		{
			name:  "valid research",
			stage: "research",
			doc:   `{"summary":"s","findings":[{"topic":"t","insight":"i"}]}`,
		},
		{
			name:      "research missing findings",
			stage:     "research",
			doc:       `{"summary":"s"}`,
			wantError: true,
		},
		{
			name:  "valid ideation",
			stage: "ideation",
			doc:   `{"ideas":[{"id":"1","title":"Idea"}]}`,
		},
		{
			name:      "critique score out of range",
			stage:     "critique",
			doc:       `{"critiques":[{"idea_id":"1","score":42}]}`,
			wantError: true,
		},
		{
			name:  "valid analysis",
			stage: "analysis",
			doc:   `{"selected_idea_id":"1","outline":["intro"]}`,
		},
		{
			name:      "writing wrong type",
			stage:     "writing",
			doc:       `{"title":"t","content":12}`,
			wantError: true,
		},
		{
			name:      "malformed document",
			stage:     "writing",
			doc:       `{ not json`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStage(tt.stage, []byte(tt.doc))
			if !tt.wantError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			validationErr, ok := err.(*ValidationError)
			require.True(t, ok, "error should be ValidationError type, got %T", err)
			assert.NotEmpty(t, validationErr.Messages())
		})
	}
}

func TestValidateJSONString_Valid(t *testing.T) {
	schemaContent := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"}
		}
	}`
	err := ValidateJSONString(schemaContent, `{"name": "test"}`)
	assert.NoError(t, err)
}

func TestValidateJSONString_Invalid(t *testing.T) {
	schemaContent := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"}
		}
	}`
	err := ValidateJSONString(schemaContent, `{"age": 30}`)
	require.Error(t, err)

	validationErr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Greater(t, len(validationErr.Errors), 0)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Errors: []FieldError{
			{Field: "name", Message: "is required"},
			{Field: "age", Message: "must be a number"},
		},
	}

	errorMsg := err.Error()
	assert.Contains(t, errorMsg, "validation failed")
	assert.Contains(t, errorMsg, "name")
	assert.Contains(t, errorMsg, "age")
	assert.Equal(t, []string{"name: is required", "age: must be a number"}, err.Messages())
}
