package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardkv/hintedhandoff/internal/errors"
)

func TestValidateTable(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTable("users"))

	err := v.ValidateTable("")
	assert.Error(t, err)
	assert.Equal(t, errors.KindAdmissionRefused, errors.GetKind(err))

	err = v.ValidateTable(strings.Repeat("x", MaxTableNameSize+1))
	assert.Error(t, err)

	err = v.ValidateTable("bad\x00name")
	assert.Error(t, err)

	err = v.ValidateTable("bad\nname")
	assert.Error(t, err)
}

func TestValidateSchemaVersion(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchemaVersion(""), "empty schema version is allowed")
	assert.NoError(t, v.ValidateSchemaVersion("v1"))

	err := v.ValidateSchemaVersion(strings.Repeat("v", MaxSchemaVersionSize+1))
	assert.Error(t, err)

	err = v.ValidateSchemaVersion("v\x001")
	assert.Error(t, err)
}

func TestValidateMutation(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMutation(nil), "nil mutation represents a tombstone")
	assert.NoError(t, v.ValidateMutation([]byte("payload")))

	err := v.ValidateMutation(make([]byte, MaxMutationSize+1))
	assert.Error(t, err)
	assert.Equal(t, errors.KindAdmissionRefused, errors.GetKind(err))
}

func TestValidateHintDelegatesInOrder(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateHint("users", "v1", []byte("m")))
	assert.Error(t, v.ValidateHint("", "v1", []byte("m")))
	assert.Error(t, v.ValidateHint("users", strings.Repeat("v", MaxSchemaVersionSize+1), []byte("m")))
	assert.Error(t, v.ValidateHint("users", "v1", make([]byte, MaxMutationSize+1)))
}

func TestNewValidatorWithLimits(t *testing.T) {
	v := NewValidatorWithLimits(4, 4, 4)

	assert.NoError(t, v.ValidateTable("abcd"))
	assert.Error(t, v.ValidateTable("abcde"))
}

func TestEstimateHintSize(t *testing.T) {
	size := EstimateHintSize("users", "v1", []byte("payload"))
	assert.Greater(t, size, uint64(len("users")+len("v1")+len("payload")))
}
