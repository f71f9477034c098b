package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// KeyRule is a structural check on one credential key.
type KeyRule struct {
	Name     string
	Pattern  *regexp.Regexp
	Required bool
}

// DefaultRules are the checks for the platform's session cookies: a
// 40-character hex auth token and a CSRF token of at least 32 alphanumerics.
func DefaultRules() []KeyRule {
	return []KeyRule{
		{Name: "auth_token", Pattern: regexp.MustCompile(`^[0-9a-f]{40}$`), Required: true},
		{Name: "ct0", Pattern: regexp.MustCompile(`^[A-Za-z0-9]{32,}$`), Required: true},
	}
}

// Artifact is an exported login session: an ordered list of domain-scoped
// cookie lines. Its String and LogValue forms only ever show a fingerprint.
type Artifact struct {
	cookies []*http.Cookie
}

// NewArtifact wraps cookies in an Artifact.
func NewArtifact(cookies []*http.Cookie) Artifact {
	return Artifact{cookies: cookies}
}

// ParseArtifact reads one cookie per line in Set-Cookie attribute syntax.
// Blank lines and lines starting with # are skipped.
func ParseArtifact(text string) (Artifact, error) {
	var cookies []*http.Cookie
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ck, err := http.ParseSetCookie(line)
		if err != nil {
			return Artifact{}, fmt.Errorf("auth: artifact line %d: %w", i+1, err)
		}
		cookies = append(cookies, ck)
	}
	if len(cookies) == 0 {
		return Artifact{}, errors.New("auth: artifact has no credential lines")
	}
	return Artifact{cookies: cookies}, nil
}

// Cookies returns the artifact's cookies in order.
func (a Artifact) Cookies() []*http.Cookie { return a.cookies }

// Empty reports whether the artifact holds no cookies.
func (a Artifact) Empty() bool { return len(a.cookies) == 0 }

// Get returns the value of the first cookie named name.
func (a Artifact) Get(name string) (string, bool) {
	for _, ck := range a.cookies {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// Encode renders the artifact in its line-oriented storage form.
func (a Artifact) Encode() string {
	var b strings.Builder
	for _, ck := range a.cookies {
		if line := ck.String(); line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Fingerprint is a short blake2b digest of the encoded artifact, safe to log.
func (a Artifact) Fingerprint() string {
	sum := blake2b.Sum256([]byte(a.Encode()))
	return hex.EncodeToString(sum[:8])
}

func (a Artifact) String() string { return "artifact:" + a.Fingerprint() }

// LogValue keeps credential values out of structured logs.
func (a Artifact) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("fingerprint", a.Fingerprint()),
		slog.Int("keys", len(a.cookies)),
	)
}

// Validate checks required keys, per-key patterns, cookie expiry and the
// expiry claim of any JWT-shaped value. It never contacts the platform.
func (a Artifact) Validate(rules []KeyRule, now time.Time) error {
	if a.Empty() {
		return errors.New("auth: empty artifact")
	}
	var errs []error
	for _, r := range rules {
		v, ok := a.Get(r.Name)
		if !ok {
			if r.Required {
				errs = append(errs, fmt.Errorf("missing %s", r.Name))
			}
			continue
		}
		if r.Pattern != nil && !r.Pattern.MatchString(v) {
			errs = append(errs, fmt.Errorf("malformed %s", r.Name))
		}
	}
	for _, ck := range a.cookies {
		if !ck.Expires.IsZero() && !ck.Expires.After(now) {
			errs = append(errs, fmt.Errorf("%s expired at %s", ck.Name, ck.Expires.Format(time.RFC3339)))
		}
		if looksLikeJWT(ck.Value) {
			if err := checkJWTExpiry(ck.Value, now); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ck.Name, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("auth: invalid artifact: %w", errors.Join(errs...))
	}
	return nil
}

func looksLikeJWT(v string) bool {
	return strings.HasPrefix(v, "eyJ") && strings.Count(v, ".") == 2
}

// checkJWTExpiry decodes the token without verifying its signature; only the
// platform can do that. An exp claim in the past marks the artifact stale.
func checkJWTExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("undecodable token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("bad exp claim: %w", err)
	}
	if exp != nil && !exp.After(now) {
		return fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	}
	return nil
}
