// Package credgen produces the random credential material kred writes into
// managed secrets. Values come from the platform CSPRNG, use a URL-safe
// alphabet, and are guaranteed to differ from the value they replace.
package credgen

import (
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// MinLength is the floor enforced on every generated value.
const MinLength = 32

// 64 characters so a random byte maps to an index without modulo bias.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// regenerating more than a handful of times means the entropy source is
// returning repeated data; give up rather than loop.
const maxRegenerations = 5

// GenerationError reports that credential material could not be produced.
// It is fatal: callers must not retry, and the error never includes the
// partial material.
type GenerationError struct {
	Key string
	Err error
}

func (e *GenerationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("generate credential for key %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("generate credential: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Spec describes the credential set to generate.
type Spec struct {
	Keys   []string
	Length int // minimum length; raised to MinLength when smaller
}

// Generator draws credential material from a random source.
type Generator struct {
	rand io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{rand: cryptorand.Reader}
}

// Generate returns a fresh value for every key in spec. When previous holds a
// value for a key, the replacement is regenerated until its fingerprint
// differs, so a rotation always changes the credential.
func (g *Generator) Generate(spec Spec, previous map[string]string) (map[string]string, error) {
	length := spec.Length
	if length < MinLength {
		length = MinLength
	}
	out := make(map[string]string, len(spec.Keys))
	for _, key := range spec.Keys {
		prevPrint := ""
		if prev, ok := previous[key]; ok && prev != "" {
			prevPrint = Fingerprint(prev)
		}
		var value string
		for attempt := 0; ; attempt++ {
			if attempt >= maxRegenerations {
				return nil, &GenerationError{Key: key, Err: fmt.Errorf("candidate matched previous value %d times", attempt)}
			}
			candidate, err := g.random(length)
			if err != nil {
				return nil, &GenerationError{Key: key, Err: err}
			}
			if prevPrint != "" && Fingerprint(candidate) == prevPrint {
				continue
			}
			value = candidate
			break
		}
		out[key] = value
	}
	return out, nil
}

func (g *Generator) random(length int) (string, error) {
	source := g.rand
	if source == nil {
		source = cryptorand.Reader
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(source, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)&(len(alphabet)-1)]
	}
	return string(buf), nil
}

// Fingerprint returns the hex SHA-256 of a credential value. Comparisons and
// logs use fingerprints so the value itself never leaves the rotation path.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
