package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidHash = errors.New("invalid hash format")

// Params defines Argon2id parameters
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultParams = &Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  1,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPassword generates an Argon2id hash of the password with DefaultParams.
func HashPassword(password string) (string, error) {
	return DefaultParams.Hash(password)
}

// Hash encodes password as $argon2id$v=19$m=65536,t=1,p=4$salt$hash
func (p *Params) Hash(password string) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, p.Memory, p.Iterations, p.Parallelism, b64Salt, b64Hash), nil
}

// CheckPassword compares a password against an encoded hash. Unsalted hex
// SHA-256 digests from the previous admin store are accepted too.
func CheckPassword(password, encodedHash string) (bool, error) {
	if IsLegacyHash(encodedHash) {
		sum := sha256.Sum256([]byte(password))
		want, _ := hex.DecodeString(strings.ToLower(encodedHash))
		return subtle.ConstantTimeCompare(sum[:], want) == 1, nil
	}

	p, salt, decodedHash, err := decode(encodedHash)
	if err != nil {
		return false, err
	}

	otherHash := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return subtle.ConstantTimeCompare(decodedHash, otherHash) == 1, nil
}

// NeedsRehash reports whether encodedHash should be replaced on next login.
func NeedsRehash(encodedHash string) bool {
	if IsLegacyHash(encodedHash) {
		return true
	}
	p, _, _, err := decode(encodedHash)
	if err != nil {
		return true
	}
	return p.Memory < DefaultParams.Memory || p.Iterations < DefaultParams.Iterations
}

// IsLegacyHash matches a 64 character hex digest.
func IsLegacyHash(encodedHash string) bool {
	if len(encodedHash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(encodedHash)
	return err == nil
}

func decode(encodedHash string) (*Params, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, nil, nil, ErrInvalidHash
	}
	if parts[1] != "argon2id" {
		return nil, nil, nil, errors.New("incompatible variant")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, err
	}
	if version != argon2.Version {
		return nil, nil, nil, errors.New("incompatible version")
	}

	p := &Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return nil, nil, nil, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, err
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, err
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(decodedHash))
	return p, salt, decodedHash, nil
}
