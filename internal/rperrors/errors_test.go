package rperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodecErrorString(t *testing.T) {
	e := NewCodecError(CodecProtocolError, "chunked-content-length", 400)
	assert.Contains(t, e.Error(), "CodecProtocolError")
	assert.Contains(t, e.Error(), "chunked-content-length")
	assert.Contains(t, e.Error(), "400")
}

func TestResetReasonResponseStatus(t *testing.T) {
	assert.Equal(t, 502, ProtocolError.ResponseStatus())
	assert.Equal(t, 503, Overflow.ResponseStatus())
	assert.Equal(t, 503, ConnectionTimeout.ResponseStatus())
}

func TestFlagForResetReason(t *testing.T) {
	assert.Equal(t, UpstreamProtocolError, FlagForResetReason(ProtocolError))
	assert.Equal(t, UpstreamOverflow, FlagForResetReason(Overflow))
	assert.Equal(t, FlagLocalReset, FlagForResetReason(LocalReset))
}

func TestWrapPopulatesEssentialFields(t *testing.T) {
	he := Wrap(404, "route_not_found", errors.New("no match"))
	assert.Equal(t, 404, he.StatusCode)
	assert.Equal(t, "route_not_found", he.Details)
	assert.NotEmpty(t, he.ID)
	assert.Contains(t, he.Error(), "route_not_found")
}

func TestWrapMergesExistingHandlerError(t *testing.T) {
	inner := HandlerError{StatusCode: 503, Details: "cluster_not_found"}
	he := Wrap(404, "route_not_found", inner)
	// existing non-zero fields win; StatusCode was already set on inner.
	assert.Equal(t, 503, he.StatusCode)
	assert.Equal(t, "cluster_not_found", he.Details)
}
