// Package obfuscate implements the XOR-with-key + base64 encoding applied to
// the refresh token before it is written to client-side storage.
//
// This is deliberately not encryption: the key ships with the client, so the
// scheme only defeats casual inspection of the stored value. Revocation on
// the backend is the real security boundary.
package obfuscate

import (
	"encoding/base64"
	"fmt"
)

// Encode XORs plain with key and returns the base64 encoding of the result.
// An empty key returns the base64 of plain unchanged.
func Encode(plain, key string) string {
	return base64.StdEncoding.EncodeToString(xor([]byte(plain), []byte(key)))
}

// Decode reverses Encode. It returns an error if enc is not valid base64.
func Decode(enc, key string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decoding obfuscated value: %w", err)
	}
	return string(xor(raw, []byte(key))), nil
}

func xor(data, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
