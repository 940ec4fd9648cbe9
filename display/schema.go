package display

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

// payloadTableSchema validates a display's state-to-payload map: every
// key a known logical state, every value a non-empty hex string of whole
// bytes.
const payloadTableSchema = `{
	"type": "object",
	"minProperties": 1,
	"propertyNames": {
		"enum": ["out_of_service", "blocked", "reserved", "reserved_soon", "occupied", "free", "maintenance"]
	},
	"additionalProperties": {
		"type": "string",
		"pattern": "^([0-9a-fA-F]{2})+$"
	}
}`

// policySchema validates a display policy document before it is saved.
const policySchema = `{
	"type": "object",
	"required": ["tenant_id", "reserved_soon_threshold_sec", "sensor_unknown_timeout_sec", "debounce_window_sec", "colors"],
	"properties": {
		"tenant_id": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 0},
		"reserved_soon_threshold_sec": {"type": "integer", "minimum": 0},
		"sensor_unknown_timeout_sec": {"type": "integer", "minimum": 1},
		"debounce_window_sec": {"type": "integer", "minimum": 1},
		"colors": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {"type": "string", "minLength": 1}
		},
		"blink": {
			"type": "object",
			"additionalProperties": {"type": "boolean"}
		},
		"allow_sensor_override": {"type": "boolean"}
	}
}`

var (
	payloadTableLoader = gojsonschema.NewStringLoader(payloadTableSchema)
	policyLoader       = gojsonschema.NewStringLoader(policySchema)
)

// ValidatePayloadTable checks a display's payload table against the
// schema. Called before a display registration is persisted.
func ValidatePayloadTable(table map[string]string) error {
	return validateAgainst(payloadTableLoader, table, "display", "ValidatePayloadTable")
}

// ValidatePolicy checks a display policy document against the schema.
func ValidatePolicy(policy *storage.DisplayPolicy) error {
	return validateAgainst(policyLoader, policy, "display", "ValidatePolicy")
}

func validateAgainst(schema gojsonschema.JSONLoader, doc any, component, method string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, component, method, "document marshal")
	}
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapInvalid(err, component, method, "schema validation")
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, first.String()),
			component, method, "schema validation")
	}
	return nil
}

// Save validates, persists, and version-bumps a policy so every cached
// copy across instances revalidates on next use.
func (pc *PolicyCache) Save(ctx context.Context, policy *storage.DisplayPolicy) error {
	if err := ValidatePolicy(policy); err != nil {
		return err
	}
	version, err := pc.BumpVersion(ctx, policy.TenantID)
	if err != nil {
		return err
	}
	policy.Version = version
	if err := pc.store.SavePolicy(ctx, policy); err != nil {
		return errors.WrapTransient(err, "display", "PolicyCache.Save", "policy save")
	}
	pc.logger.Info("display policy saved", "tenant_id", policy.TenantID, "version", version)
	return nil
}
