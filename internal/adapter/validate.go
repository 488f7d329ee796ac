package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validation schemas for the configuration shapes the runner probes.
// Bounds live in the schema so the error message names the violated
// constraint.
const idempotentProducerSchema = `{
	"type": "object",
	"properties": {
		"epoch": {"type": "integer", "minimum": 0},
		"maxBatchBytes": {"type": "integer", "minimum": 1}
	}
}`

const retryOptionsSchema = `{
	"type": "object",
	"properties": {
		"maxRetries": {"type": "integer", "minimum": 0},
		"initialDelayMs": {"type": "integer", "minimum": 1},
		"maxDelayMs": {"type": "integer", "minimum": 1},
		"multiplier": {"type": "number", "minimum": 1.0}
	}
}`

var validationSchemas = map[string]*jsonschema.Schema{
	"idempotent-producer": jsonschema.MustCompileString("idempotent-producer.json", idempotentProducerSchema),
	"retry-options":       jsonschema.MustCompileString("retry-options.json", retryOptionsSchema),
}

func (a *Adapter) handleValidate(cmd Command) Result {
	if cmd.Target == nil {
		return errorResult("validate", "PARSE_ERROR", "missing target")
	}

	schema, ok := validationSchemas[cmd.Target.Target]
	if !ok {
		return errorResult("validate", "NOT_SUPPORTED", "unknown validation target: "+cmd.Target.Target)
	}

	if err := schema.Validate(targetDocument(cmd.Target)); err != nil {
		return errorResult("validate", "INVALID_ARGUMENT", validationMessage(err))
	}
	return Result{Type: "validate", Success: true}
}

// targetDocument converts the decoded target into the generic document
// form the schema validator consumes. Absent fields stay absent so the
// schema's defaults-are-valid semantics hold.
func targetDocument(t *ValidationTarget) map[string]any {
	doc := map[string]any{}
	put := func(key string, v *int64) {
		if v != nil {
			doc[key] = json.Number(fmt.Sprintf("%d", *v))
		}
	}
	put("epoch", t.Epoch)
	put("maxBatchBytes", t.MaxBatchBytes)
	put("maxRetries", t.MaxRetries)
	put("initialDelayMs", t.InitialDelayMS)
	put("maxDelayMs", t.MaxDelayMS)
	if t.Multiplier != nil {
		doc["multiplier"] = *t.Multiplier
	}
	return doc
}

func validationMessage(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}
