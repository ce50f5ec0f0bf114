package sso

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Struct header constants of the USR SSO S response blob. These values are
// fixed by the wire format.
const (
	mbiHeaderSize = 28
	mbiCryptMode  = 1      // CRYPT_MODE_CBC
	mbiCipherType = 0x6603 // CALG_3DES
	mbiHashType   = 0x8004 // CALG_SHA1
	mbiIVLen      = 8
	mbiHashLen    = 20
	mbiCipherLen  = 72
)

// Response computes the base64 blob sent in `USR SSO S`, proving possession
// of the clear ticket's binary secret over the server-supplied nonce.
func Response(nonce, binarySecret string) (string, error) {
	key1, err := base64.StdEncoding.DecodeString(binarySecret)
	if err != nil {
		return "", fmt.Errorf("decode binary secret: %w", err)
	}

	key2 := deriveKey(key1, []byte("WS-SecureConversationSESSION KEY HASH"))
	key3 := deriveKey(key1, []byte("WS-SecureConversationSESSION KEY ENCRYPTION"))

	mac := hmac.New(sha1.New, key2)
	mac.Write([]byte(nonce))
	hash := mac.Sum(nil)

	// Pad the nonce with eight 0x08 bytes, 3DES-CBC under key3.
	padded := append([]byte(nonce), []byte{8, 8, 8, 8, 8, 8, 8, 8}...)
	iv := make([]byte, mbiIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	block, err := des.NewTripleDESCipher(key3)
	if err != nil {
		return "", fmt.Errorf("init 3des: %w", err)
	}
	if len(padded)%block.BlockSize() != 0 {
		return "", fmt.Errorf("nonce length %d not cipher-block aligned", len(nonce))
	}
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	blob := make([]byte, 0, mbiHeaderSize+mbiIVLen+mbiHashLen+len(encrypted))
	for _, v := range []uint32{mbiHeaderSize, mbiCryptMode, mbiCipherType, mbiHashType, mbiIVLen, mbiHashLen, uint32(len(encrypted))} {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], v)
		blob = append(blob, word[:]...)
	}
	blob = append(blob, iv...)
	blob = append(blob, hash...)
	blob = append(blob, encrypted...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// deriveKey implements the WS-SecureConversation key derivation: chained
// HMAC-SHA1 over the magic string, truncated to a 24-byte 3DES key.
func deriveKey(key, magic []byte) []byte {
	hash1 := hmacSHA1(key, magic)
	hash2 := hmacSHA1(key, append(append([]byte{}, hash1...), magic...))
	hash3 := hmacSHA1(key, hash1)
	hash4 := hmacSHA1(key, append(append([]byte{}, hash3...), magic...))

	derived := make([]byte, 0, 24)
	derived = append(derived, hash2...)
	derived = append(derived, hash4[:4]...)
	return derived
}

func hmacSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
