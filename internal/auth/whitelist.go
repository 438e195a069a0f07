package auth

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"
)

// whitelistOverrideKey holds a JSON array of extra patterns that can be
// pushed at runtime without redeploying; it is merged with the static set on
// every lookup.
const whitelistOverrideKey = "white_apis"

var uuidSegment = regexp.MustCompile(`[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}`)

const idPlaceholder = ":id"

// NormalizePath replaces every UUID-shaped path segment with the :id
// placeholder, so permission templates match regardless of the concrete id.
func NormalizePath(path string) string {
	return uuidSegment.ReplaceAllString(path, idPlaceholder)
}

// InWhiteList matches path against the given patterns. A pattern without a
// wildcard must match exactly. A trailing wildcard matches any path with the
// given prefix. A single interior wildcard stands for exactly one path
// segment between its prefix and suffix. Patterns with more than one
// wildcard never match.
func InWhiteList(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			if path == pattern {
				return true
			}
			continue
		}

		parts := strings.Split(pattern, "*")
		if len(parts) != 2 {
			continue
		}
		prefix, suffix := parts[0], parts[1]

		if suffix == "" {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}

		if len(path) < len(prefix)+len(suffix) {
			continue
		}
		if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
			continue
		}
		middle := path[len(prefix) : len(path)-len(suffix)]
		if !strings.Contains(middle, "/") {
			return true
		}
	}
	return false
}

// Whitelist is a two-source allow-list: a static base set from configuration
// plus a dynamic override set cached in the TTL store.
type Whitelist struct {
	rdb    redis.UniversalClient
	static []string
}

func NewWhitelist(rdb redis.UniversalClient, static []string) *Whitelist {
	return &Whitelist{rdb: rdb, static: static}
}

// Patterns returns the merged pattern set. An unreadable or malformed
// override degrades to the static set alone; the allow-list is a bypass, so
// shrinking it on store trouble is the safe direction.
func (w *Whitelist) Patterns(ctx context.Context) []string {
	raw, err := w.rdb.Get(ctx, whitelistOverrideKey).Bytes()
	if err != nil {
		// redis.Nil and infrastructure errors alike: no override.
		return w.static
	}

	var override []string
	if err := json.Unmarshal(raw, &override); err != nil {
		return w.static
	}

	merged := make([]string, 0, len(override)+len(w.static))
	merged = append(merged, override...)
	merged = append(merged, w.static...)
	return merged
}

func (w *Whitelist) Match(ctx context.Context, path string) bool {
	return InWhiteList(path, w.Patterns(ctx))
}
