package validation

import (
	"encoding/base64"
	"strings"
	"unicode"

	"github.com/shardkv/hintedhandoff/internal/errors"
)

const (
	// MaxTableNameSize bounds the table identifier a hint is recorded
	// against.
	MaxTableNameSize = 256
	// MaxSchemaVersionSize bounds the schema version tag cached by the
	// sender's per-segment resolution step.
	MaxSchemaVersionSize = 64
	// MaxMutationSize bounds a single hinted mutation. A mutation this
	// large would dominate the shard's in-progress budget on its own, so
	// admission refuses it outright rather than let it starve every other
	// endpoint's fair share.
	MaxMutationSize = 16 * 1024 * 1024
)

// Validator validates hints before they are admitted to an endpoint
// writer.
type Validator struct {
	maxTableNameSize     int
	maxSchemaVersionSize int
	maxMutationSize      int
}

// NewValidator creates a new validator with default limits.
func NewValidator() *Validator {
	return &Validator{
		maxTableNameSize:     MaxTableNameSize,
		maxSchemaVersionSize: MaxSchemaVersionSize,
		maxMutationSize:      MaxMutationSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits.
func NewValidatorWithLimits(maxTableNameSize, maxSchemaVersionSize, maxMutationSize int) *Validator {
	return &Validator{
		maxTableNameSize:     maxTableNameSize,
		maxSchemaVersionSize: maxSchemaVersionSize,
		maxMutationSize:      maxMutationSize,
	}
}

// ValidateHint validates a hint's fields before it reaches the endpoint
// writer's admission accounting.
func (v *Validator) ValidateHint(table, schemaVersion string, mutation []byte) error {
	if err := v.ValidateTable(table); err != nil {
		return err
	}
	if err := v.ValidateSchemaVersion(schemaVersion); err != nil {
		return err
	}
	return v.ValidateMutation(mutation)
}

// ValidateTable validates a table name.
func (v *Validator) ValidateTable(table string) error {
	if table == "" {
		return errors.AdmissionRefused("table name cannot be empty")
	}
	if len(table) > v.maxTableNameSize {
		return errors.AdmissionRefused("table name exceeds maximum size")
	}
	if strings.Contains(table, "\x00") {
		return errors.AdmissionRefused("table name cannot contain null bytes")
	}
	for _, r := range table {
		if unicode.IsControl(r) {
			return errors.AdmissionRefused("table name cannot contain control characters")
		}
	}
	return nil
}

// ValidateSchemaVersion validates a schema version tag. An empty version is
// allowed: it means the caller has no schema-evolution concern for this
// mutation.
func (v *Validator) ValidateSchemaVersion(schemaVersion string) error {
	if len(schemaVersion) > v.maxSchemaVersionSize {
		return errors.AdmissionRefused("schema version exceeds maximum size")
	}
	if strings.Contains(schemaVersion, "\x00") {
		return errors.AdmissionRefused("schema version cannot contain null bytes")
	}
	return nil
}

// ValidateMutation validates a mutation payload. A nil or empty mutation is
// valid; hinted tombstones carry no payload.
func (v *Validator) ValidateMutation(mutation []byte) error {
	if mutation == nil {
		return nil
	}
	if len(mutation) > v.maxMutationSize {
		return errors.AdmissionRefused("mutation exceeds maximum size")
	}
	return nil
}

// EstimateHintSize estimates the on-disk footprint of a hint, including the
// segment framing and JSON payload overhead, used by callers deciding
// whether to risk a write against the shard's admission budget before
// calling StoreHint.
func EstimateHintSize(table, schemaVersion string, mutation []byte) uint64 {
	const frameOverhead = 16 // length + crc32 + replay position header
	const jsonOverhead = 96  // field names, quotes, braces, timestamp
	return uint64(frameOverhead + jsonOverhead + len(table) + len(schemaVersion) + base64.StdEncoding.EncodedLen(len(mutation)))
}
