package ghost

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

const (
	adminAudience      = "/admin/"
	adminTokenLifetime = 5 * time.Minute
	adminTokenRefresh  = 4 * time.Minute
)

var adminKeyPattern = regexp.MustCompile(`^[a-z0-9]+:[a-z0-9]+$`)

type TokenProvider func(ctx context.Context) (string, error)

// AdminKey is an Admin API key in its "<id>:<secret>" form, split apart.
type AdminKey struct {
	ID     string
	Secret string
}

func ParseAdminKey(credential string) (AdminKey, error) {
	credential = strings.TrimSpace(credential)
	if !adminKeyPattern.MatchString(credential) {
		return AdminKey{}, errors.Errorf("%w: expected <id>:<secret>", ErrInvalidCredential)
	}
	id, secret, _ := strings.Cut(credential, ":")
	return AdminKey{ID: id, Secret: secret}, nil
}

type AdminTokenSource struct {
	key AdminKey
	now func() time.Time

	mu        sync.Mutex
	token     string
	refreshAt time.Time
}

func NewAdminTokenSource(key AdminKey) *AdminTokenSource {
	return &AdminTokenSource{key: key, now: time.Now}
}

// Token returns a signed admin token, reusing the previous one until a minute
// before it expires.
func (s *AdminTokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Before(s.refreshAt) {
		return s.token, nil
	}
	token, err := signAdminToken(s.key, now)
	if err != nil {
		return "", err
	}
	s.token = token
	s.refreshAt = now.Add(adminTokenRefresh)
	return token, nil
}

func (s *AdminTokenSource) Provider() TokenProvider {
	return s.Token
}

func signAdminToken(key AdminKey, now time.Time) (string, error) {
	secret, err := hex.DecodeString(key.Secret)
	if err != nil {
		return "", errors.Errorf("%w: secret is not hex encoded", ErrInvalidCredential)
	}
	header, err := json.Marshal(map[string]string{
		"alg": "HS256",
		"kid": key.ID,
		"typ": "JWT",
	})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"iat": now.Unix(),
		"exp": now.Add(adminTokenLifetime).Unix(),
		"aud": adminAudience,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
