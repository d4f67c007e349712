package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

func hmacSHA512Hex(secret, data string) string {
	return hmacHex(sha512.New, secret, data)
}

func hmacSHA256Hex(secret, data string) string {
	return hmacHex(sha256.New, secret, data)
}

func hmacHex(h func() hash.Hash, secret, data string) string {
	mac := hmac.New(h, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// equalHex compares two hex digests in constant time, ignoring case.
func equalHex(expected, received string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(expected))
	if err != nil || len(want) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(received))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
