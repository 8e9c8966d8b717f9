package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestKindToGRPCCodeMapping(t *testing.T) {
	cases := []struct {
		build func() *HintError
		want  codes.Code
	}{
		{func() *HintError { return AdmissionRefused("quota") }, codes.ResourceExhausted},
		{func() *HintError { return DurabilityError("append failed", nil) }, codes.Internal},
		{func() *HintError { return SendTransient("peer unavailable", nil) }, codes.Unavailable},
		{func() *HintError { return SendPermanentDrop("expired") }, codes.Aborted},
		{func() *HintError { return TopologyRetarget("not natural anymore") }, codes.FailedPrecondition},
	}

	for _, c := range cases {
		he := c.build()
		assert.Equal(t, c.want, he.ToGRPCStatus().Code())
	}
}

func TestGetKindOnNonHintError(t *testing.T) {
	assert.Equal(t, KindUnknown, GetKind(errors.New("plain error")))
	assert.False(t, IsHintError(errors.New("plain error")))
}

func TestHintErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	he := DurabilityError("failed to sync segment", cause)

	assert.True(t, IsHintError(he))
	assert.ErrorIs(t, he, cause)
	assert.Contains(t, he.Error(), "disk full")
}

func TestWithDetail(t *testing.T) {
	he := AdmissionRefused("over budget").WithDetail("endpoint", "10.0.0.1:9042")
	assert.Equal(t, "10.0.0.1:9042", he.Details["endpoint"])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "admission-refused", KindAdmissionRefused.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
