package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is the leeway applied to lifetime checks.
const clockSkew = time.Minute

// Principal is the authenticated caller identity derived from a bearer token.
// A nil Principal means the caller is anonymous.
type Principal struct {
	UserID    string
	Email     string
	Name      string
	Roles     []string
	ExpiresAt time.Time
}

// HasAnyRole reports whether the principal holds at least one of the given
// roles. An empty required set always passes.
func (p *Principal) HasAnyRole(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Config controls which token checks run. Each Validate* flag gates its check.
type Config struct {
	SecretKey                string
	Issuer                   string
	Audience                 string
	ValidateIssuer           bool
	ValidateAudience         bool
	ValidateLifetime         bool
	ValidateIssuerSigningKey bool
}

// Validator verifies HS256 bearer tokens and maps claims onto a Principal.
// With no secret configured the validator is disabled and every caller is
// anonymous; the route table decides whether that is acceptable.
type Validator struct {
	cfg     Config
	secret  []byte
	keyFunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewValidator creates a validator from config.
func NewValidator(cfg Config) *Validator {
	v := &Validator{
		cfg:    cfg,
		secret: []byte(cfg.SecretKey),
	}
	v.keyFunc = func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}
	// Claims are validated by hand below so each check can be gated by its
	// config flag; the parser only verifies shape and signature.
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithoutClaimsValidation(),
	)
	return v
}

// Enabled reports whether token validation is active.
func (v *Validator) Enabled() bool {
	return len(v.secret) > 0
}

// Authenticate extracts and validates the bearer token on r. It returns the
// Principal on success, (nil, nil) when no token is present, and (nil, err)
// when a token is present but invalid. Callers treat both nil cases as
// anonymous; the error is for logging only.
func (v *Validator) Authenticate(r *http.Request) (*Principal, error) {
	raw := extractBearer(r)
	if raw == "" {
		return nil, nil
	}
	return v.Validate(raw)
}

// Validate checks one raw token string.
func (v *Validator) Validate(raw string) (*Principal, error) {
	if !v.Enabled() {
		return nil, nil
	}

	var token *jwt.Token
	var err error
	if v.cfg.ValidateIssuerSigningKey {
		token, err = v.parser.Parse(raw, v.keyFunc)
	} else {
		token, _, err = v.parser.ParseUnverified(raw, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	if v.cfg.ValidateLifetime {
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return nil, fmt.Errorf("token has no usable exp claim")
		}
		if time.Now().Add(-clockSkew).After(exp.Time) {
			return nil, fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339))
		}
		if nbf, _ := claims.GetNotBefore(); nbf != nil {
			if time.Now().Add(clockSkew).Before(nbf.Time) {
				return nil, fmt.Errorf("token not valid before %s", nbf.Time.Format(time.RFC3339))
			}
		}
	}

	if v.cfg.ValidateIssuer {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, fmt.Errorf("issuer %q does not match", iss)
		}
	}

	if v.cfg.ValidateAudience {
		aud, _ := claims.GetAudience()
		if !containsAudience(aud, v.cfg.Audience) {
			return nil, fmt.Errorf("audience does not match")
		}
	}

	return principalFromClaims(claims), nil
}

// principalFromClaims maps token claims to a Principal. The users service
// issues tokens with .NET-style claim names, so nameid and unique_name are
// accepted as fallbacks.
func principalFromClaims(claims jwt.MapClaims) *Principal {
	p := &Principal{}

	if sub, _ := claims.GetSubject(); sub != "" {
		p.UserID = sub
	} else if id, ok := claims["nameid"].(string); ok {
		p.UserID = id
	}

	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}

	if name, ok := claims["name"].(string); ok {
		p.Name = name
	} else if name, ok := claims["unique_name"].(string); ok {
		p.Name = name
	}

	p.Roles = rolesFromClaims(claims)

	if exp, _ := claims.GetExpirationTime(); exp != nil {
		p.ExpiresAt = exp.Time
	}

	return p
}

// rolesFromClaims reads role or roles, each either a string or an array.
func rolesFromClaims(claims jwt.MapClaims) []string {
	var out []string
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			out = append(out, v)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

func containsAudience(tokenAud []string, expected string) bool {
	for _, a := range tokenAud {
		if a == expected {
			return true
		}
	}
	return false
}

// GenerateToken mints an HS256 token with the given claims, used by tests and
// development tooling.
func (v *Validator) GenerateToken(claims map[string]interface{}) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("no secret configured")
	}
	mapClaims := jwt.MapClaims{}
	for k, val := range claims {
		mapClaims[k] = val
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(v.secret)
}
