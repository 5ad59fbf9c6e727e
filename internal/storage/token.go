package storage

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	jwtGrantType          = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	urlencodedContentType = "application/x-www-form-urlencoded"

	// tokenLifetime is the lifetime requested in the signed assertion.
	tokenLifetime = 3600 * time.Second
)

// DefaultScopes are requested when the config lists none.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/bigquery",
	"https://www.googleapis.com/auth/cloud-platform",
}

// ServiceAccount holds the fields of a JSON service account key file used for signing.
type ServiceAccount struct {
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads a service account key file.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "not able to read service file: %v", path)
	}
	var sa ServiceAccount
	if err := jsoniter.Unmarshal(data, &sa); err != nil {
		return nil, errors.Wrapf(err, "not able to parse service file: %v", path)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" || sa.TokenURI == "" {
		return nil, errors.Errorf("service file %v misses client_email, private_key or token_uri", path)
	}
	return &sa, nil
}

// TokenProvider mints short lived bearer tokens by exchanging a signed JWT assertion.
// Tokens are refreshed synchronously on demand, never in the background.
type TokenProvider struct {
	rest     *connector.REST
	account  *ServiceAccount
	key      *rsa.PrivateKey
	tokenURL string
	scopes   string
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type tokenResp struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewTokenProvider creates a provider for the service account.
// An empty tokenURL uses the account's token_uri, empty scopes use DefaultScopes.
func NewTokenProvider(rest *connector.REST, account *ServiceAccount, tokenURL string, scopes []string) (*TokenProvider, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, failure.Auth("parse private key", err)
	}
	if tokenURL == "" {
		tokenURL = account.TokenURI
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &TokenProvider{
		rest:     rest,
		account:  account,
		key:      key,
		tokenURL: tokenURL,
		scopes:   strings.Join(scopes, " "),
		now:      time.Now,
	}, nil
}

// assertion signs the JWT used for the token exchange.
func (p *TokenProvider) assertion(iat time.Time, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"aud":   p.tokenURL,
		"iss":   p.account.ClientEmail,
		"iat":   iat.Unix(),
		"exp":   exp.Unix(),
		"scope": p.scopes,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if p.account.PrivateKeyID != "" {
		t.Header["kid"] = p.account.PrivateKeyID
	}
	return t.SignedString(p.key)
}

// Acquire exchanges a fresh assertion for an access token.
// The stored token and expiry change only when the exchange succeeds.
func (p *TokenProvider) Acquire(ctx context.Context) (string, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquire(ctx)
}

func (p *TokenProvider) acquire(ctx context.Context) (string, time.Time, error) {
	iat := p.now()
	exp := iat.Add(tokenLifetime)
	signed, err := p.assertion(iat, exp)
	if err != nil {
		return "", time.Time{}, failure.Auth("sign assertion", err)
	}

	form := url.Values{}
	form.Set("assertion", signed)
	form.Set("grant_type", jwtGrantType)

	req, err := p.rest.Post(ctx, p.tokenURL, urlencodedContentType, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, failure.Auth("token request", err)
	}
	resp, err := p.rest.Do(req)
	if err != nil {
		return "", time.Time{}, failure.Auth("token exchange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, failure.Auth("token exchange", errors.Errorf("code : %v, status : %v, body : %s", resp.StatusCode, resp.Status, body))
	}

	tr := tokenResp{}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, failure.Auth("token decode", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, failure.Auth("token decode", errors.New("response has no access_token"))
	}

	p.token = tr.AccessToken
	p.expiry = exp
	log.Debug().Str("issuer", p.account.ClientEmail).Time("expiry", exp).Msg("bearer token acquired")
	return p.token, p.expiry, nil
}

// IsValid reports whether the stored token can still be used at now.
// There is no grace margin, a token is invalid from its expiry instant on.
func (p *TokenProvider) IsValid(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isValid(now)
}

func (p *TokenProvider) isValid(now time.Time) bool {
	return p.token != "" && now.Before(p.expiry)
}

// Token returns a valid token, acquiring a new one first if the stored one expired.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isValid(p.now()) {
		return p.token, nil
	}
	token, _, err := p.acquire(ctx)
	return token, err
}
