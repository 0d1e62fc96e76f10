package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/pocketledger/pocketledger/internal/apperror"
	"github.com/pocketledger/pocketledger/internal/sanitize"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
	minNameLength     = 2
	maxNameLength     = 100
	maxEmailLength    = 255

	// passwordSpecials is the set of symbols a password must draw from.
	passwordSpecials = "@$!%*?&"

	// singleUseTokenBytes is the entropy of reset and verification tokens.
	// 32 bytes = 256 bits, hex-encoded to 64 characters.
	singleUseTokenBytes = 32
)

// commonPasswords are rejected outright (compared case-insensitively).
var commonPasswords = map[string]bool{
	"12345678":    true,
	"123456789":   true,
	"1234567890":  true,
	"password":    true,
	"password1":   true,
	"password123": true,
	"qwerty123":   true,
	"admin123":    true,
	"abcd1234":    true,
	"senha123":    true,
	"letmein1":    true,
	"welcome1":    true,
}

// bannedSequences may not appear anywhere in a password.
var bannedSequences = []string{"123456", "abcdef", "qwerty", "654321"}

// emailValidator checks email syntax for service-level input.
var emailValidator = validator.New()

// PasswordHasher hashes and verifies passwords with bcrypt.
type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordHasher creates a hasher with the given bcrypt cost. Costs
// outside bcrypt's range fall back to bcrypt.DefaultCost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns the bcrypt hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash.
func (h *PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns the same time as a real Verify. Used when the account
// does not exist so response timing does not reveal registered emails.
func (h *PasswordHasher) VerifyDummy(password string) {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}

// CheckPasswordPolicy returns a message describing the first rule the
// password breaks, or "" when it is acceptable.
func CheckPasswordPolicy(password string) string {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength || n > maxPasswordLength {
		return fmt.Sprintf("must be between %d and %d characters", minPasswordLength, maxPasswordLength)
	}

	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !lower || !upper || !digit || !special {
		return "must contain a lowercase letter, an uppercase letter, a digit and one of " + passwordSpecials
	}

	lowered := strings.ToLower(password)
	if commonPasswords[lowered] {
		return "is too common"
	}
	for _, seq := range bannedSequences {
		if strings.Contains(lowered, seq) {
			return "must not contain predictable sequences"
		}
	}

	return ""
}

// normalizeEmail trims and lowercases an email address.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// checkEmail returns a message for a malformed email, or "".
func checkEmail(email string) string {
	if email == "" {
		return "is required"
	}
	if len(email) > maxEmailLength {
		return fmt.Sprintf("must be at most %d characters", maxEmailLength)
	}
	if err := emailValidator.Var(email, "email"); err != nil {
		return "must be a valid email address"
	}
	return ""
}

// cleanName strips markup from a display name and checks its length.
// Returns the cleaned name and a message, which is "" when valid.
func cleanName(raw string) (string, string) {
	name := sanitize.Text(raw)
	n := utf8.RuneCountInString(name)
	if n < minNameLength || n > maxNameLength {
		return name, fmt.Sprintf("must be between %d and %d characters", minNameLength, maxNameLength)
	}
	return name, ""
}

// newSingleUseToken returns a random hex token for reset and verification.
func newSingleUseToken() (string, error) {
	b := make([]byte, singleUseTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// maskToken shortens a secret for logs and audit details.
func maskToken(token string) string {
	if len(token) <= 10 {
		return "..."
	}
	return token[:10] + "..."
}

// fieldErrors collects per-field validation messages.
type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if msg != "" {
		if _, exists := f[field]; !exists {
			f[field] = msg
		}
	}
}

// err returns a ValidationError, or nil when nothing was recorded.
func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return apperror.NewFieldValidation(f)
}
