package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:             "exportd",
		Environment:         "production",
		DatabaseRequireTLS:  "true",
		RedisAddr:           "redis:6379",
		RedisRequireTLS:     "true",
		AuditHashSalt:       "0123456789abcdef",
		ObjectStoreEndpoint: "https://s3.internal",
	}
	if err := ValidateProduction(base); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"db_tls", func(o *Options) { o.DatabaseRequireTLS = "false" }, "DATABASE_REQUIRE_TLS"},
		{"redis_tls", func(o *Options) { o.RedisRequireTLS = "" }, "REDIS_REQUIRE_TLS"},
		{"short_salt", func(o *Options) { o.AuditHashSalt = "salt" }, "AUDIT_HASH_SALT"},
		{"plain_object_store", func(o *Options) { o.ObjectStoreEndpoint = "http://minio:9000" }, "OBJECT_STORE_ENDPOINT"},
		{"rate_limit_off", func(o *Options) { o.RateLimitEnabled = "false" }, "RATE_LIMIT_ENABLED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %s error, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateProductionSkips(t *testing.T) {
	insecure := Options{Environment: "development", DatabaseRequireTLS: "false"}
	if err := ValidateProduction(insecure); err != nil {
		t.Fatalf("non-production must skip: %v", err)
	}
	insecure.Environment = "staging"
	insecure.StrictProdSecurity = "false"
	if err := ValidateProduction(insecure); err != nil {
		t.Fatalf("strict=false must skip: %v", err)
	}
	noRedis := Options{Environment: "prod", DatabaseRequireTLS: "TRUE", AuditHashSalt: strings.Repeat("s", 32)}
	if err := ValidateProduction(noRedis); err != nil {
		t.Fatalf("redis checks only apply when configured: %v", err)
	}
}
