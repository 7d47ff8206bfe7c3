package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAddsContext(t *testing.T) {
	err := Wrap(ErrNotConnected, "connection", "SendCoT", "frame write")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection.SendCoT: frame write failed")
	assert.True(t, Is(err, ErrNotConnected))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"malformed event is invalid", ErrMalformedEvent, ErrorInvalid},
		{"auth failure is invalid", ErrAuthenticationFailed, ErrorInvalid},
		{"server error is transient", ErrServerError, ErrorTransient},
		{"connect timeout is transient", ErrConnectTimeout, ErrorTransient},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"unknown defaults transient", fmt.Errorf("boom"), ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifiedWrapSurvivesFurtherWrapping(t *testing.T) {
	inner := WrapInvalid(ErrMalformedEvent, "cot", "Decode", "attribute parse")
	outer := fmt.Errorf("reading frame: %w", inner)

	assert.True(t, IsInvalid(outer))
	assert.False(t, IsTransient(outer))

	var ce *ClassifiedError
	require.True(t, As(outer, &ce))
	assert.Equal(t, "cot", ce.Component)
	assert.Equal(t, "Decode", ce.Operation)
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
