package lorawan

import (
	"crypto/aes"
	"encoding/binary"
)

// aesEncryptBlock runs a single AES-128 ECB block operation.
func aesEncryptBlock(key AES128Key, in []byte, out []byte) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("lorawan: aes cipher with 16-byte key: " + err.Error())
	}
	block.Encrypt(out, in)
}

// EncryptBlock encrypts one 16-byte block with AES-128 ECB.
func EncryptBlock(key AES128Key, in [16]byte) [16]byte {
	var out [16]byte
	aesEncryptBlock(key, in[:], out[:])
	return out
}

// DeriveSessionKeys derives session keys according to LoRaWAN 1.0.x:
//
//	NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
//	AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
//
// AppNonce, NetID and DevNonce are laid out little-endian, as received in
// the Join-Accept.
func DeriveSessionKeys(appKey AES128Key, appNonce [3]byte, netID [3]byte, devNonce uint16) (nwkSKey, appSKey AES128Key) {
	var msg [16]byte
	copy(msg[1:4], appNonce[:])
	copy(msg[4:7], netID[:])
	binary.LittleEndian.PutUint16(msg[7:9], devNonce)

	msg[0] = 0x01
	aesEncryptBlock(appKey, msg[:], nwkSKey[:])

	msg[0] = 0x02
	aesEncryptBlock(appKey, msg[:], appSKey[:])

	return nwkSKey, appSKey
}

// DecryptJoinAccept reverses the network's Join-Accept encryption. The
// network encrypts with an AES decrypt operation, so the device recovers
// the plaintext by encrypting each 16-byte block. MHDR stays cleartext;
// only the bytes after it are passed here.
func DecryptJoinAccept(key AES128Key, encrypted []byte) ([]byte, error) {
	if len(encrypted)%16 != 0 {
		return nil, ErrTooShort
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("lorawan: aes cipher with 16-byte key: " + err.Error())
	}

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += 16 {
		block.Encrypt(decrypted[i:i+16], encrypted[i:i+16])
	}

	return decrypted, nil
}

// EncryptFRMPayload applies the LoRaWAN AES-CTR payload cipher. The
// keystream is generated from block-A templates
//
//	0x01 | 0x00*4 | Dir | DevAddr(LE) | FCnt(LE,4) | 0x00 | Bi
//
// with the block counter Bi starting at 1. Encryption and decryption are
// the same operation.
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}

	k := (len(payload) + 15) / 16

	var ai [16]byte
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	copy(ai[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("lorawan: aes cipher with 16-byte key: " + err.Error())
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai[:])
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}

	return out
}
