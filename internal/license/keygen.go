package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const keyEntropyBytes = 16

// KeyGenerator produces candidate license keys. Uniqueness is enforced by the store.
type KeyGenerator interface {
	NewKey() (string, error)
}

// RandomKeyGenerator formats 128 random bits as PREFIX-XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX.
type RandomKeyGenerator struct {
	Prefix string
	Reader io.Reader // crypto/rand when nil
}

func NewRandomKeyGenerator(prefix string) *RandomKeyGenerator {
	return &RandomKeyGenerator{Prefix: strings.ToUpper(strings.TrimSpace(prefix))}
}

func (g *RandomKeyGenerator) NewKey() (string, error) {
	r := g.Reader
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, keyEntropyBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(buf))

	groups := make([]string, 0, 5)
	if g.Prefix != "" {
		groups = append(groups, g.Prefix)
	}
	for i := 0; i < len(h); i += 8 {
		groups = append(groups, h[i:i+8])
	}
	return strings.Join(groups, "-"), nil
}

// MaskKey keeps the prefix and the last four characters so keys can appear in logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	head := key[:4]
	if i := strings.IndexByte(key, '-'); i > 0 && i < len(key)-4 {
		head = key[:i]
	}
	return head + "-****" + key[len(key)-4:]
}
