package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// msThreshold separates epoch seconds from epoch milliseconds.
const msThreshold = 1_000_000_000_000

// Issued is a credential set with its expiries resolved.
type Issued struct {
	APIKey               string
	AccessToken          string
	RespID               string
	APIKeyExpiresAt      time.Time
	AccessTokenExpiresAt time.Time
}

// IssuedCredentials derives the expiries for a successful login made at now.
// The api key lives until midnight after issuance in loc. The access token
// expiry comes from exp, then from the token's own exp claim, and otherwise
// matches the api key.
func IssuedCredentials(result *LoginResult, now time.Time, loc *time.Location) Issued {
	apiKeyExp := NextMidnight(now, loc)

	tokenExp, ok := parseExp(result.Exp)
	if !ok {
		tokenExp, ok = jwtExpiry(result.AccessToken)
	}
	if !ok {
		tokenExp = apiKeyExp
	}

	return Issued{
		APIKey:               result.APIKey,
		AccessToken:          result.AccessToken,
		RespID:               result.RespID,
		APIKeyExpiresAt:      apiKeyExp.UTC(),
		AccessTokenExpiresAt: tokenExp.UTC(),
	}
}

// NextMidnight returns 00:00 of the day after now, in loc.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func parseExp(raw json.RawMessage) (time.Time, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epoch(n), n > 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(int64(f)), f > 0
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func epoch(n int64) time.Time {
	if n >= msThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is the provider's, we only need its lifetime.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
