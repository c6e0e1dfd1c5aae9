// Package hardening refuses to start exportd with insecure production settings.
package hardening

import (
	"fmt"
	"strings"
)

const minSaltLength = 16

// Options carries raw environment values; empty means unset.
type Options struct {
	Service             string
	Environment         string
	StrictProdSecurity  string
	DatabaseRequireTLS  string
	RedisAddr           string
	RedisRequireTLS     string
	AuditHashSalt       string
	ObjectStoreEndpoint string
	RateLimitEnabled    string
}

// ValidateProduction is a no-op outside prod/staging or when
// STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "exportd"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: strict production hardening %s", service, fmt.Sprintf(format, args...))
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisRequireTLS, false) {
		return fail("requires REDIS_REQUIRE_TLS=true")
	}
	if len(strings.TrimSpace(o.AuditHashSalt)) < minSaltLength {
		return fail("requires AUDIT_HASH_SALT of at least %d characters", minSaltLength)
	}
	if ep := strings.ToLower(strings.TrimSpace(o.ObjectStoreEndpoint)); ep != "" && !strings.HasPrefix(ep, "https://") {
		return fail("requires an https OBJECT_STORE_ENDPOINT, got %q", o.ObjectStoreEndpoint)
	}
	if !isTrue(o.RateLimitEnabled, true) {
		return fail("forbids RATE_LIMIT_ENABLED=false")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
