package scrypto_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stm-shell/stm/internal/stest"
	"github.com/stm-shell/stm/scrypto"
)

func TestKey_stringRoundTrip(t *testing.T) {
	t.Parallel()

	k, err := scrypto.NewKey(nil)
	require.NoError(t, err)

	s := k.String()
	require.Len(t, s, 22)

	back, err := scrypto.ParseKey(s)
	require.NoError(t, err)
	require.Equal(t, k, back)
}

func TestParseKey_rejectsWrongLength(t *testing.T) {
	t.Parallel()

	_, err := scrypto.ParseKey("c2hvcnQ")
	require.Error(t, err)
}

func TestSession_sealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	k, err := scrypto.NewKey(nil)
	require.NoError(t, err)

	sender, err := scrypto.NewSession(k)
	require.NoError(t, err)
	receiver, err := scrypto.NewSession(k)
	require.NoError(t, err)

	pt := stest.RandomDataForTest(t, 200)

	dgram, err := sender.Seal(scrypto.ToServer, pt)
	require.NoError(t, err)

	got, err := receiver.Open(scrypto.ToServer, dgram)
	require.NoError(t, err)
	require.Equal(t, pt, got)
}

func TestSession_openRejectsWrongDirection(t *testing.T) {
	t.Parallel()

	k, err := scrypto.NewKey(nil)
	require.NoError(t, err)

	s, err := scrypto.NewSession(k)
	require.NoError(t, err)

	dgram, err := s.Seal(scrypto.ToServer, []byte("hello"))
	require.NoError(t, err)

	_, err = s.Open(scrypto.ToClient, dgram)
	require.ErrorIs(t, err, scrypto.ErrOpenFailed)
}

func TestSession_openRejectsTamper(t *testing.T) {
	t.Parallel()

	k, err := scrypto.NewKey(nil)
	require.NoError(t, err)

	s, err := scrypto.NewSession(k)
	require.NoError(t, err)

	dgram, err := s.Seal(scrypto.ToClient, []byte("hello"))
	require.NoError(t, err)

	dgram[len(dgram)-1] ^= 0x01

	_, err = s.Open(scrypto.ToClient, dgram)
	require.ErrorIs(t, err, scrypto.ErrOpenFailed)
}

func TestSession_openRejectsShortDatagram(t *testing.T) {
	t.Parallel()

	k, err := scrypto.NewKey(nil)
	require.NoError(t, err)

	s, err := scrypto.NewSession(k)
	require.NoError(t, err)

	_, err = s.Open(scrypto.ToClient, []byte{1, 2, 3})
	require.ErrorIs(t, err, scrypto.ErrOpenFailed)
}

func TestSession_noncesNeverRepeat(t *testing.T) {
	t.Parallel()

	k, err := scrypto.NewKey(nil)
	require.NoError(t, err)

	s, err := scrypto.NewSession(k)
	require.NoError(t, err)

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		var dir scrypto.Direction
		if i%2 == 0 {
			dir = scrypto.ToServer
		} else {
			dir = scrypto.ToClient
		}

		dgram, err := s.Seal(dir, []byte("x"))
		require.NoError(t, err)

		nonce := binary.BigEndian.Uint64(dgram[:scrypto.WireNonceSize])
		require.False(t, seen[nonce], "nonce %x repeated", nonce)
		seen[nonce] = true
	}
}
