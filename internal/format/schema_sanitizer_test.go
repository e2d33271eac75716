package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSchemaEmptyGetsPlaceholder(t *testing.T) {
	out := SanitizeSchema(nil)
	require.Equal(t, "object", out["type"])
	props := out["properties"].(map[string]any)
	require.Contains(t, props, "reason")
}

func TestSanitizeSchemaAllowlist(t *testing.T) {
	out := SanitizeSchema(map[string]any{
		"type":        "object",
		"description": "d",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "pattern": "^a"},
		},
		"required":             []any{"name"},
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
	})

	require.NotContains(t, out, "additionalProperties")
	require.NotContains(t, out, "$schema")
	name := out["properties"].(map[string]any)["name"].(map[string]any)
	require.NotContains(t, name, "pattern")
	require.Equal(t, "string", name["type"])
}

func TestSanitizeSchemaConstBecomesEnum(t *testing.T) {
	out := SanitizeSchema(map[string]any{"type": "string", "const": "fixed"})
	require.Equal(t, []any{"fixed"}, out["enum"])
	require.NotContains(t, out, "const")
}

func TestCleanSchemaTypeArrayFlattening(t *testing.T) {
	out := CleanSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"opt": map[string]any{"type": []any{"string", "null"}},
		},
		"required": []any{"opt"},
	})

	props := out["properties"].(map[string]any)
	opt := props["opt"].(map[string]any)
	require.Equal(t, "STRING", opt["type"])
	// Nullable properties drop out of required.
	require.NotContains(t, out, "required")
}

func TestCleanSchemaGoogleTypes(t *testing.T) {
	out := CleanSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"n": map[string]any{"type": "integer"},
			"b": map[string]any{"type": "boolean"},
			"a": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
		},
	})
	props := out["properties"].(map[string]any)
	require.Equal(t, "INTEGER", props["n"].(map[string]any)["type"])
	require.Equal(t, "BOOLEAN", props["b"].(map[string]any)["type"])
	a := props["a"].(map[string]any)
	require.Equal(t, "ARRAY", a["type"])
	require.Equal(t, "NUMBER", a["items"].(map[string]any)["type"])
}

func TestCleanSchemaRefBecomesHint(t *testing.T) {
	out := CleanSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"item": map[string]any{"$ref": "#/$defs/Item"},
		},
	})
	item := out["properties"].(map[string]any)["item"].(map[string]any)
	require.Equal(t, "OBJECT", item["type"])
	require.Contains(t, item["description"], "See: Item")
	require.NotContains(t, item, "$ref")
}

func TestCleanSchemaAllOfMerge(t *testing.T) {
	out := CleanSchema(map[string]any{
		"allOf": []any{
			map[string]any{
				"type":       "object",
				"properties": map[string]any{"a": map[string]any{"type": "string"}},
				"required":   []any{"a"},
			},
			map[string]any{
				"properties": map[string]any{"b": map[string]any{"type": "integer"}},
				"required":   []any{"b"},
			},
		},
	})

	require.NotContains(t, out, "allOf")
	props := out["properties"].(map[string]any)
	require.Contains(t, props, "a")
	require.Contains(t, props, "b")
	require.ElementsMatch(t, []any{"a", "b"}, out["required"].([]any))
}

func TestCleanSchemaAnyOfPicksBestOption(t *testing.T) {
	out := CleanSchema(map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{
				"type":       "object",
				"properties": map[string]any{"x": map[string]any{"type": "string"}},
			},
		},
	})

	require.NotContains(t, out, "anyOf")
	require.Equal(t, "OBJECT", out["type"])
	require.Contains(t, out["properties"].(map[string]any), "x")
	require.Contains(t, out["description"], "Accepts: string | object")
}

func TestCleanSchemaConstraintsBecomeHints(t *testing.T) {
	out := CleanSchema(map[string]any{
		"type":      "string",
		"minLength": 3,
		"maxLength": 10,
	})
	require.NotContains(t, out, "minLength")
	require.NotContains(t, out, "maxLength")
	require.Contains(t, out["description"], "minLength: 3")
	require.Contains(t, out["description"], "maxLength: 10")
}

func TestCleanSchemaPrunesUnknownRequired(t *testing.T) {
	out := CleanSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"known": map[string]any{"type": "string"},
		},
		"required": []any{"known", "phantom"},
	})
	require.Equal(t, []any{"known"}, out["required"])
}
