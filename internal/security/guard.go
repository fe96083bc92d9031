package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrCiphertext is returned for undecodable or unauthenticated ciphertext.
	ErrCiphertext = errors.New("INVALID_CIPHERTEXT")

	// ErrKey is returned for unusable key material.
	ErrKey = errors.New("INVALID_KEY")
)

// DefaultMaxInputLength bounds validated input in bytes.
const DefaultMaxInputLength = 1024

// MinKeyLength is the shortest accepted passphrase.
const MinKeyLength = 16

var defaultBlockedPatterns = []string{
	"DROP TABLE", "DELETE FROM", "INSERT INTO", "UPDATE SET",
	"<script", "javascript:", "vbscript:", "onload=", "onerror=",
	"../", "..\\", "%2e%2e", "passwd", "/etc/", "\\system32",
}

var sqlInjection = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|UNION)\b`),
	regexp.MustCompile(`(--|#|/\*|\*/)`),
	regexp.MustCompile(`[;|&]`),
	regexp.MustCompile(`(?i)(\bOR\b|\bAND\b).*[=<>]`),
	regexp.MustCompile(`(?i)'.*(\bOR\b|\bAND\b).*'`),
}

var scriptInjection = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script.*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<.*\s+src\s*=`),
}

// Options configures a Guard.
type Options struct {
	// Key is the passphrase both keys are derived from. Empty means a random
	// per-process key, so ciphertext and hashes do not survive a restart.
	Key            string
	MaxInputLength int
	// BlockedPatterns replaces the default case-insensitive substring list when non-nil.
	BlockedPatterns []string
}

// Stats counts Guard operations.
type Stats struct {
	EncryptionOperations uint64 `json:"encryptionOperations"`
	DecryptionOperations uint64 `json:"decryptionOperations"`
	ValidationFailures   uint64 `json:"validationFailures"`
	BlockedInputs        uint64 `json:"blockedInputs"`
}

// Guard is safe for concurrent use.
type Guard struct {
	maxLen  int
	blocked []string

	encKey [chacha20poly1305.KeySize]byte
	// keyed prototype, cloned per digest
	hasher *blake3.Hasher

	encryptions atomic.Uint64
	decryptions atomic.Uint64
	failures    atomic.Uint64
	blockedIn   atomic.Uint64
}

// NewGuard derives the encryption and hashing keys from opts.Key via HKDF-SHA256.
func NewGuard(opts Options) (*Guard, error) {
	secret := []byte(opts.Key)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKey, err)
		}
	} else if len(secret) < MinKeyLength {
		return nil, fmt.Errorf("%w: key must be at least %d bytes", ErrKey, MinKeyLength)
	}

	g := &Guard{
		maxLen:  opts.MaxInputLength,
		blocked: opts.BlockedPatterns,
	}
	if g.maxLen <= 0 {
		g.maxLen = DefaultMaxInputLength
	}
	if g.blocked == nil {
		g.blocked = defaultBlockedPatterns
	}
	g.blocked = upperAll(g.blocked)

	if err := derive(secret, "pmc payload encryption v1", g.encKey[:]); err != nil {
		return nil, err
	}
	var hashKey [32]byte
	if err := derive(secret, "pmc integrity hash v1", hashKey[:]); err != nil {
		return nil, err
	}
	h, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKey, err)
	}
	g.hasher = h
	return g, nil
}

func derive(secret []byte, info string, out []byte) error {
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return fmt.Errorf("%w: derive %s: %w", ErrKey, info, err)
	}
	return nil
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

// ValidateInput reports whether input is within the length limit and free of
// injection and blocked patterns.
func (g *Guard) ValidateInput(input string) bool {
	if len(input) > g.maxLen {
		g.reject()
		return false
	}
	for _, re := range sqlInjection {
		if re.MatchString(input) {
			g.reject()
			return false
		}
	}
	for _, re := range scriptInjection {
		if re.MatchString(input) {
			g.reject()
			return false
		}
	}
	upper := strings.ToUpper(input)
	for _, p := range g.blocked {
		if strings.Contains(upper, p) {
			g.reject()
			return false
		}
	}
	return true
}

func (g *Guard) reject() {
	g.failures.Add(1)
	g.blockedIn.Add(1)
}

// SanitizeInput keeps ASCII letters, digits, space and . - _ @, escapes what
// remains for HTML and truncates to the input limit.
func (g *Guard) SanitizeInput(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" .-_@", r)) {
			b.WriteRune(r)
		}
	}
	out := html.EscapeString(b.String())
	if len(out) > g.maxLen {
		out = out[:g.maxLen]
	}
	return out
}

// EncryptData returns hex(nonce || ciphertext). Empty input encrypts to "".
func (g *Guard) EncryptData(data string) (string, error) {
	if data == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(g.encKey[:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKey, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(data), nil)
	g.encryptions.Add(1)
	return hex.EncodeToString(sealed), nil
}

// DecryptData reverses EncryptData.
func (g *Guard) DecryptData(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	raw, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCiphertext, err)
	}
	aead, err := chacha20poly1305.NewX(g.encKey[:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKey, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrCiphertext, len(raw))
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCiphertext, err)
	}
	g.decryptions.Add(1)
	return string(plain), nil
}

// GenerateHash returns the hex keyed BLAKE3 digest of data.
func (g *Guard) GenerateHash(data string) string {
	h := g.hasher.Clone()
	_, _ = h.WriteString(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHash compares in constant time.
func (g *Guard) VerifyHash(data, hash string) bool {
	expected := g.GenerateHash(data)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(hash))) == 1
}

// Stats returns a snapshot of the operation counters.
func (g *Guard) Stats() Stats {
	return Stats{
		EncryptionOperations: g.encryptions.Load(),
		DecryptionOperations: g.decryptions.Load(),
		ValidationFailures:   g.failures.Load(),
		BlockedInputs:        g.blockedIn.Load(),
	}
}
