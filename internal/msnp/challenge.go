package msnp

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// Client identification used when answering server CHL challenges. The pair
// must match a product registration the server accepts; these identify a
// WLM 2009 era client.
const (
	ProductID  = "PROD0120PW!CCV9@"
	ProductKey = "C1BX{V4W}Q3*10SM"
)

// ChallengeResponse computes the 32-hex-digit QRY answer for a CHL nonce.
// The scheme is MD5 over nonce+key, followed by a 64-bit modular
// multiply-add over the nonce+product-id string, XORed back into the MD5
// halves.
func ChallengeResponse(challenge string) string {
	sum := md5.Sum([]byte(challenge + ProductKey))

	var md5Parts [4]uint64
	for i := 0; i < 4; i++ {
		md5Parts[i] = uint64(binary.LittleEndian.Uint32(sum[i*4:])) & 0x7FFFFFFF
	}

	chl := challenge + ProductID
	for len(chl)%8 != 0 {
		chl += "0"
	}
	ints := make([]uint64, 0, len(chl)/4)
	for i := 0; i < len(chl); i += 4 {
		ints = append(ints, uint64(binary.LittleEndian.Uint32([]byte(chl[i:i+4]))))
	}

	var high, low uint64
	for i := 0; i < len(ints); i += 2 {
		temp := ints[i]
		temp = (0x0E79A9C1 * temp) % 0x7FFFFFFF
		temp += high
		temp = (md5Parts[0]*temp + md5Parts[1]) % 0x7FFFFFFF

		high = ints[i+1]
		high = (high + temp) % 0x7FFFFFFF
		high = (md5Parts[2]*high + md5Parts[3]) % 0x7FFFFFFF

		low = low + high + temp
	}
	high = (high + md5Parts[1]) % 0x7FFFFFFF
	low = (low + md5Parts[3]) % 0x7FFFFFFF

	key := (high << 32) | (low & 0xFFFFFFFF)

	var hashHigh, hashLow uint64
	for i := 0; i < 8; i++ {
		hashHigh = hashHigh<<8 | uint64(sum[i])
		hashLow = hashLow<<8 | uint64(sum[i+8])
	}
	// The md5 halves are XORed as the byte-swapped hex representation.
	hashHigh = swap64(hashHigh) ^ key
	hashLow = swap64(hashLow) ^ key

	return fmt.Sprintf("%016x%016x", swap64(hashHigh), swap64(hashLow))
}

func swap64(v uint64) uint64 {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return binary.LittleEndian.Uint64(b)
}
