package vonage

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const apiTokenTTL = 5 * time.Minute

// parsePrivateKey accepts PKCS#1 and PKCS#8 PEM encoded RSA keys.
func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

// apiToken signs a short-lived application JWT for the Voice API.
func (p *Provider) apiToken() (string, error) {
	now := p.cfg.Now()
	claims := jwt.MapClaims{
		"iat":            now.Unix(),
		"exp":            now.Add(apiTokenTTL).Unix(),
		"jti":            uuid.NewString(),
		"application_id": p.cfg.ApplicationID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("vonage: sign jwt: %w", err)
	}
	return signed, nil
}

// verifySignedWebhook checks the HS256 bearer token Vonage attaches to
// signed webhooks and, when present, its payload_hash over the body.
func verifySignedWebhook(authorization, secret string, body []byte, now func() time.Time) error {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || raw == "" {
		return errors.New("missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(now), jwt.WithLeeway(time.Minute))
	if err != nil {
		return err
	}

	hash, _ := claims["payload_hash"].(string)
	if hash == "" || len(body) == 0 {
		return nil
	}
	sum := sha256.Sum256(body)
	if !strings.EqualFold(hash, hex.EncodeToString(sum[:])) {
		return errors.New("payload hash mismatch")
	}
	return nil
}
