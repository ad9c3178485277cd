package common

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKindOf ensures every constructor is classified correctly, including
// through pkg/errors wrapping.
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"config", ConfigErrorf("batch size must be positive, got %d", 0), KindConfig},
		{"device", DeviceErrorf("no device"), KindDevice},
		{"io", IOErrorf("missing"), KindIO},
		{"wrapped io", errors.Wrap(WrapIO(errors.New("eof"), "list.txt"), "reading list"), KindIO},
		{"decode", &DecodeError{Scale: 1, Expected: 10, Actual: 9}, KindDecode},
		{"wrapped decode", errors.Wrapf(&DecodeError{Scale: 2}, "image %s", "dog"), KindDecode},
		{"wrapped device", WrapDevice(errors.New("cuda"), "probe"), KindDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
			if tt.want != KindUnknown {
				assert.True(t, IsKind(tt.err, tt.want))
			}
		})
	}
}

// TestDecodeErrorContext ensures the scale index and sizes are in the message.
func TestDecodeErrorContext(t *testing.T) {
	err := errors.Wrap(&DecodeError{Scale: 2, Expected: 1200, Actual: 1100}, "decode")

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 2, de.Scale)
	assert.Contains(t, err.Error(), "scale 2")
	assert.Contains(t, err.Error(), "expected 1200")
	assert.Contains(t, err.Error(), "got 1100")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, WrapIO(nil, "x"))
	assert.NoError(t, WrapDevice(nil, "x"))
}

func TestErrorMessage(t *testing.T) {
	err := WrapIO(errors.New("no such file"), "labels.txt")
	assert.Equal(t, "io error: labels.txt: no such file", err.Error())
	assert.Equal(t, "no such file", errors.Cause(err).Error())
}
