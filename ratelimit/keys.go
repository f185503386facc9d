package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// KeyFunc replaces the default key composition for callers that need custom
// bucketing granularity.
type KeyFunc func(r *Request) string

const keyScope = "rl"

// HashIP one-way hashes an IP address before it is used in keys or block
// records, so raw addresses never reach storage.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// NormalizeRoute folds path parameters so that /user/123 and /user/456 land
// in the same bucket, and flattens the result into a key-safe token.
func NormalizeRoute(method, route string) string {
	segments := strings.Split(route, "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) {
			segments[i] = "_"
		}
	}
	endpoint := method + ":" + strings.Join(segments, "/")
	return unsafeKeyChars.ReplaceAllString(endpoint, "_")
}

// subjectFor identifies the caller for block records: authenticated callers
// by user ID, anonymous ones by hashed IP.
func subjectFor(r *Request) string {
	if r.UserID != "" {
		return "user:" + r.UserID
	}
	return "ip:" + HashIP(r.IP)
}

// buildKey derives the stable rate-limit key for a request. Two logically
// distinct (identity, endpoint) pairs never collide; the same pair always
// maps to the same key.
func buildKey(r *Request) string {
	return keyScope + ":" + subjectFor(r) + ":" + NormalizeRoute(r.Method, r.Route)
}
