package extraction

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// recipeSchema is the JSON schema the extraction payload must satisfy: an
// array of recipe objects. It is embedded in the prompt and enforced locally
// against whatever the model returns.
var recipeSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Recipe title exactly as printed in the book",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Introductory text for the recipe, verbatim, if any",
			},
			"recipeIngredients": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
				"description": "Ordered ingredient lines, verbatim",
			},
			"recipeInstructions": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
				"description": "Ordered instruction steps, verbatim",
			},
			"recipeYield": map[string]any{
				"type":        "string",
				"description": "Yield or serving text, e.g. 'Serves 4'",
			},
			"image": map[string]any{
				"type":        []string{"string", "null"},
				"description": "Relative path of the recipe's image as shown in the EPUB file structure (e.g. '../images/recipe.jpg'), or null",
			},
			"keywords": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tags describing the dish, UK English terms only",
			},
		},
		"required":             []string{"name", "recipeIngredients", "recipeInstructions"},
		"additionalProperties": false,
	},
}

var (
	recipeSchemaJSON     json.RawMessage
	compiledRecipeSchema *jsonschema.Schema
)

func init() {
	data, err := json.Marshal(recipeSchema)
	if err != nil {
		panic(fmt.Sprintf("marshal recipe schema: %v", err))
	}
	recipeSchemaJSON = data

	compiled, err := jsonschema.CompileString("recipes.json", string(data))
	if err != nil {
		panic(fmt.Sprintf("compile recipe schema: %v", err))
	}
	compiledRecipeSchema = compiled
}

// RecipeSchemaJSON returns the serialized recipe array schema.
func RecipeSchemaJSON() json.RawMessage {
	return recipeSchemaJSON
}

// validateRecipePayload checks a decoded payload against the recipe schema.
func validateRecipePayload(payload any) error {
	return compiledRecipeSchema.Validate(payload)
}
