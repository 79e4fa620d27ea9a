package coinbase

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenMinter signs short-lived ES256 bearer tokens for the Advanced Trade
// API. Tokens are valid for two minutes and are minted fresh per request.
type TokenMinter struct {
	keyName    string
	privateKey *ecdsa.PrivateKey
}

// NewTokenMinter parses the PEM-encoded EC private key and returns a minter
func NewTokenMinter(keyName, privateKeyPEM string) (*TokenMinter, error) {
	if keyName == "" {
		return nil, fmt.Errorf("api key name is empty")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse EC private key: %w", err)
	}
	return &TokenMinter{keyName: keyName, privateKey: key}, nil
}

// MintREST returns a bearer token scoped to one REST request
func (m *TokenMinter) MintREST(method, host, path string) (string, error) {
	uri := fmt.Sprintf("%s %s%s", method, host, path)
	return m.mint(uri)
}

// MintWebsocket returns a bearer token for a websocket subscribe message
func (m *TokenMinter) MintWebsocket() (string, error) {
	return m.mint("")
}

func (m *TokenMinter) mint(uri string) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": m.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	if uri != "" {
		claims["uri"] = uri
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = m.keyName
	token.Header["nonce"] = nonce

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hostOf strips the scheme from a base URL for the uri claim
func hostOf(baseURL string) string {
	host := strings.TrimPrefix(baseURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}
