package auth

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestHashSecretRoundTrip(t *testing.T) {
	for _, algorithm := range []string{"sha1", "sha256", "sha512"} {
		encoded, err := HashSecret(algorithm, 50, "correct horse")
		if err != nil {
			t.Fatalf("%s: %v", algorithm, err)
		}
		if !strings.HasPrefix(encoded, algorithm+"$50$") {
			t.Fatalf("%s: unexpected encoding %q", algorithm, encoded)
		}
		parsed, err := ParseSecretHash(encoded)
		if err != nil {
			t.Fatalf("%s: parse: %v", algorithm, err)
		}
		if parsed.String() != encoded {
			t.Fatalf("%s: String() = %q want %q", algorithm, parsed.String(), encoded)
		}
		if !parsed.Matches("correct horse") {
			t.Fatalf("%s: expected match", algorithm)
		}
		if parsed.Matches("correct horse ") {
			t.Fatalf("%s: unexpected match", algorithm)
		}
	}
}

func TestHashSecretSaltLength(t *testing.T) {
	want := map[string]int{"sha1": 16, "sha256": 16, "sha512": 32}
	for algorithm, n := range want {
		encoded, err := HashSecret(algorithm, 5, "pw")
		if err != nil {
			t.Fatalf("%s: %v", algorithm, err)
		}
		parsed, err := ParseSecretHash(encoded)
		if err != nil {
			t.Fatalf("%s: parse: %v", algorithm, err)
		}
		raw, err := base64.URLEncoding.DecodeString(parsed.Salt)
		if err != nil {
			t.Fatalf("%s: salt not url-safe base64: %v", algorithm, err)
		}
		if len(raw) != n {
			t.Fatalf("%s: salt has %d bytes, want %d", algorithm, len(raw), n)
		}
	}
}

func TestHashSecretSaltsDiffer(t *testing.T) {
	a, _ := HashSecret("sha256", 10, "same")
	b, _ := HashSecret("sha256", 10, "same")
	if a == b {
		t.Fatal("expected random salts to produce different encodings")
	}
}

func TestParseSecretHashRejectsBadInput(t *testing.T) {
	bad := []string{
		"",
		"sha256$1000$hash",
		"md5$1000$hash$salt",
		"sha256$zero$hash$salt",
		"sha256$-1$hash$salt",
		"sha256$1000$hash$salt$extra",
	}
	for _, in := range bad {
		if _, err := ParseSecretHash(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
	if _, err := HashSecret("md5", 10, "x"); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
	if _, err := HashSecret("sha256", 0, "x"); err == nil {
		t.Fatal("expected invalid iterations error")
	}
}

func TestGenerateKeyIsWellFormed(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !wellFormedCredential(key) {
		t.Fatalf("generated key %q fails the credential alphabet", key)
	}
}
