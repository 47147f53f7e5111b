package captcha

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

const (
	tokenSize = 24 // 192-bit digest, 48 hex chars
	saltBytes = 16
)

// NewSalt returns a fresh random salt for one challenge.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Obfuscate maps an icon at a display position to an opaque token. The
// position is part of the input so every token in a challenge is distinct.
func Obfuscate(iconID, position int, salt string) string {
	key := []byte(salt)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	// Size and key length are both in range, New cannot fail.
	h, _ := blake2b.New(tokenSize, key)
	h.Write([]byte("icon-" + strconv.Itoa(iconID) + "-" + strconv.Itoa(position)))
	return hex.EncodeToString(h.Sum(nil))
}
