// Package registry computes delta exports against a caller-held manifest.
package registry

import (
	"bytes"
	"encoding/json"

	"dataexport/pkg/apierr"
	"dataexport/pkg/records"
)

// Manifest maps content path to content hash for files the caller already holds.
// A nil Manifest means a full export.
type Manifest map[string]string

// ParseManifest decodes a JSON object of path to hash. Duplicate keys keep the last value.
func ParseManifest(raw string) (Manifest, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if !json.Valid(trimmed) {
		return nil, apierr.New(apierr.MalformedManifest, "bad registry")
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apierr.New(apierr.MalformedManifest, "bad registry dict")
	}
	m := Manifest{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, apierr.Wrap(apierr.MalformedManifest, "bad registry dict", err)
	}
	return m, nil
}

// Excludes reports whether the caller already holds exactly this content.
func (m Manifest) Excludes(s records.Stub) bool {
	if m == nil {
		return false
	}
	hash, ok := m[s.ContentPath]
	return ok && hash == s.ContentHash
}

// Diff returns the stubs the caller does not already hold, in input order.
func Diff(stubs []records.Stub, m Manifest) []records.Stub {
	if m == nil {
		return stubs
	}
	out := make([]records.Stub, 0, len(stubs))
	for _, s := range stubs {
		if !m.Excludes(s) {
			out = append(out, s)
		}
	}
	return out
}

// Differ applies a manifest one page at a time.
type Differ struct {
	Manifest Manifest
	excluded int
}

// FilterPage drops held records from page, reusing its backing array.
func (d *Differ) FilterPage(page []records.Stub) ([]records.Stub, error) {
	if d.Manifest == nil {
		return page, nil
	}
	out := page[:0]
	for _, s := range page {
		if d.Manifest.Excludes(s) {
			d.excluded++
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Excluded is the number of records dropped so far.
func (d *Differ) Excluded() int { return d.excluded }
