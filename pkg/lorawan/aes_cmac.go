package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
)

// aesCMAC implements AES-CMAC according to RFC 4493.
//
// Key size is fixed at 16 bytes, so aes.NewCipher cannot fail; the
// primitive is total.
func aesCMAC(key AES128Key, data []byte) [16]byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("lorawan: aes cipher with 16-byte key: " + err.Error())
	}

	k1, k2 := generateSubkeys(block)

	// Build the last block: complete blocks XOR K1, padded blocks XOR K2.
	n := len(data)
	numBlocks := (n + 15) / 16
	if numBlocks == 0 {
		numBlocks = 1
	}

	var mLast [16]byte
	if n > 0 && n%16 == 0 {
		copy(mLast[:], data[(numBlocks-1)*16:])
		for i := 0; i < 16; i++ {
			mLast[i] ^= k1[i]
		}
	} else {
		rem := copy(mLast[:], data[(numBlocks-1)*16:])
		mLast[rem] = 0x80
		for i := 0; i < 16; i++ {
			mLast[i] ^= k2[i]
		}
	}

	var x, y [16]byte
	for i := 0; i < numBlocks-1; i++ {
		for j := 0; j < 16; j++ {
			y[j] = x[j] ^ data[i*16+j]
		}
		block.Encrypt(x[:], y[:])
	}

	for j := 0; j < 16; j++ {
		y[j] = x[j] ^ mLast[j]
	}
	block.Encrypt(x[:], y[:])

	return x
}

// generateSubkeys generates K1 and K2 for AES-CMAC
func generateSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	k0 := make([]byte, 16)
	block.Encrypt(k0, make([]byte, 16))

	k1 = leftShift(k0)
	if k0[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

// leftShift performs a left shift on a byte slice
func leftShift(b []byte) []byte {
	result := make([]byte, len(b))
	overflow := byte(0)

	for i := len(b) - 1; i >= 0; i-- {
		result[i] = b[i]<<1 | overflow
		overflow = (b[i] & 0x80) >> 7
	}

	return result
}

// CMAC computes the full 16-byte AES-CMAC of msg.
func CMAC(key AES128Key, msg []byte) [16]byte {
	return aesCMAC(key, msg)
}

// CalculateMIC computes the 4-byte MIC: the first four bytes of the
// AES-CMAC over data.
func CalculateMIC(key AES128Key, data []byte) [4]byte {
	var mic [4]byte
	hash := aesCMAC(key, data)
	copy(mic[:], hash[0:4])
	return mic
}
