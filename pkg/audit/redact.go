package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const Sanitized = "sanitized"

var credentialParams = map[string]bool{
	"access_key": true,
	"accesskey":  true,
	"secret_key": true,
	"secretkey":  true,
}

var manifestParams = map[string]bool{
	"registry": true,
	"manifest": true,
}

// Redactor hides credentials and bulky or sensitive values before request
// parameters reach the audit trail.
type Redactor struct {
	Salt []byte
}

// AccessKey returns the salted hash stored in place of the raw access key.
func (r Redactor) AccessKey(key string) string {
	if key == "" {
		return ""
	}
	return hashString(key, r.Salt)
}

// Params renders request parameters as JSON. Credential values become
// "sanitized"; manifests are replaced by a salted hash of their text.
func (r Redactor) Params(params map[string][]string) json.RawMessage {
	out := make(map[string]any, len(params))
	for name, values := range params {
		key := strings.ToLower(name)
		switch {
		case credentialParams[key]:
			out[name] = Sanitized
		case manifestParams[key]:
			hashes := make([]string, 0, len(values))
			for _, v := range values {
				hashes = append(hashes, "sha256:"+hashString(v, r.Salt))
			}
			out[name] = hashes
		default:
			out[name] = values
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		payload := map[string]any{"redaction_error": "invalid_params"}
		b, _ = json.Marshal(payload)
	}
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
