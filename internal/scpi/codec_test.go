// internal/scpi/codec_test.go
package scpi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAppendsTerminator(t *testing.T) {
	assert.Equal(t, []byte("MEAS?\n"), Encode("MEAS?"))
	assert.Equal(t, []byte("CONF:VOLT:DC AUTO\n"), Encode("CONF:VOLT:DC AUTO"))
}

func TestDecodeMeasurementFrame(t *testing.T) {
	tok, err := Decode([]byte("2.35E-03\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "2.35E-03", tok.Raw)
	assert.Equal(t, []string{"2.35E-03"}, tok.Fields)
	assert.False(t, tok.Quoted)
}

func TestDecodeQuotedFunctionFrame(t *testing.T) {
	tok, err := Decode([]byte("\"VOLT AC\"\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "VOLT AC", tok.Raw)
	assert.True(t, tok.Quoted)
}

func TestDecodeIdentityFields(t *testing.T) {
	tok, err := Decode([]byte("OWON,XDM1041,21000101,V4.2.0\r\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"OWON", "XDM1041", "21000101", "V4.2.0"}, tok.Fields)
}

func TestDecodeBareNewlineTerminator(t *testing.T) {
	tok, err := Decode([]byte("1.0E0\n"))
	require.NoError(t, err)
	assert.Equal(t, "1.0E0", tok.Raw)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte("2.35E-03"))

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, ErrTruncated, decodeErr.Kind)
}

func TestDecodeEmptyFrame(t *testing.T) {
	for _, raw := range []string{"\r\n", "\"\"\r\n"} {
		_, err := Decode([]byte(raw))

		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr), "frame %q", raw)
		assert.Equal(t, ErrMalformed, decodeErr.Kind)
	}
}

func TestDecodeNonPrintableBytes(t *testing.T) {
	_, err := Decode([]byte("1.0\x00E0\r\n"))

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, ErrMalformed, decodeErr.Kind)
}
