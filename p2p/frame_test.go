package p2p

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/params"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f, err := BuildFrame(Body{Code: CodePing, Data: []byte(`{}`)}, k)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, CodePing, got.Body.Code)
}

func TestReadFrameRejectsUnknownCode(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	f, err := BuildFrame(Body{Code: "BOGUS", Data: []byte(`{}`)}, k)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))
	_, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrUnknownCode)
}

func TestReadFrameRejectsTamperedSignature(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	f, err := BuildFrame(Body{Code: CodePing, Data: []byte(`{}`)}, k)
	require.NoError(t, err)
	f.SignatureHex = "00" + f.SignatureHex[2:]

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))
	_, err = ReadFrame(&buf)
	require.Error(t, err)
}

func TestWriteFrameRejectsOversizedFrame(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	huge := []byte(`"` + strings.Repeat("a", params.MaxFrameSize+1) + `"`)
	f, err := BuildFrame(Body{Code: CodePing, Data: huge}, k)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WriteFrame(&buf, f)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
