package generation

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gardenlens/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ParamsValidator checks area parameters against the JSON schema of the job kind.
type ParamsValidator struct {
	schemas map[models.JobKind]*jsonschema.Schema
}

// NewParamsValidator compiles the embedded per-kind schemas.
func NewParamsValidator() (*ParamsValidator, error) {
	schemas := make(map[models.JobKind]*jsonschema.Schema)
	for _, kind := range []models.JobKind{models.JobKindLandscape, models.JobKindHoliday} {
		path := "schemas/" + string(kind) + ".json"
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		id := "https://gardenlens.app/schemas/" + string(kind) + ".params"
		schemas[kind], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile params schema %q: %w", kind, err)
		}
	}
	return &ParamsValidator{schemas: schemas}, nil
}

// Validate rejects params that do not match the kind's schema. Empty params
// are validated as an empty object.
func (v *ParamsValidator) Validate(kind models.JobKind, params json.RawMessage) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("%w: params are not valid JSON: %v", ErrInvalidRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
