package lorawan

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func mustKey(t *testing.T, s string) AES128Key {
	t.Helper()
	k, err := ParseAES128Key(s)
	require.NoError(t, err)
	return k
}

// RFC 4493 test vectors, appendix "Test Vectors".
func TestCMACRFC4493Vectors(t *testing.T) {
	key := mustKey(t, "2b7e151628aed2a6abf7158809cf4f3c")

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{
			name: "empty",
			msg:  "",
			want: "bb1d6929e95937287fa37d129b756746",
		},
		{
			name: "16 bytes",
			msg:  "6bc1bee22e409f96e93d7e117393172a",
			want: "070a16b46b4d4144f79bdd9dd04a287c",
		},
		{
			name: "40 bytes",
			msg: "6bc1bee22e409f96e93d7e117393172a" +
				"ae2d8a571e03ac9c9eb76fac45af8e51" +
				"30c81c46a35ce411",
			want: "dfa66747de9ae63030ca32611497c827",
		},
		{
			name: "64 bytes",
			msg: "6bc1bee22e409f96e93d7e117393172a" +
				"ae2d8a571e03ac9c9eb76fac45af8e51" +
				"30c81c46a35ce411e5fbc1191a0a52ef" +
				"f69f2445df4f9b17ad2b417be66c3710",
			want: "51f0bebf7e3b9d92fc49741779363cfe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CMAC(key, mustHex(t, tt.msg))
			assert.Equal(t, tt.want, hex.EncodeToString(got[:]))
		})
	}
}

func TestCalculateMICTruncation(t *testing.T) {
	key := mustKey(t, "2b7e151628aed2a6abf7158809cf4f3c")
	msg := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")

	full := CMAC(key, msg)
	mic := CalculateMIC(key, msg)

	assert.Equal(t, full[0:4], mic[:])
}

func TestCMACArbitraryLengths(t *testing.T) {
	key := mustKey(t, "00112233445566778899aabbccddeeff")

	// The primitive must be total for any message size up to the LoRa
	// maximum; spot-check that boundary sizes do not panic and differ.
	seen := make(map[[16]byte]bool)
	for _, n := range []int{1, 15, 16, 17, 31, 32, 33, 250} {
		msg := make([]byte, n)
		for i := range msg {
			msg[i] = byte(i)
		}
		mac := CMAC(key, msg)
		assert.False(t, seen[mac], "collision at length %d", n)
		seen[mac] = true
	}
}
