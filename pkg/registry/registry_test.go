package registry

import (
	"context"
	"errors"
	"testing"

	"dataexport/pkg/apierr"
	"dataexport/pkg/paginate"
	"dataexport/pkg/records"
)

func stubs() []records.Stub {
	return []records.Stub{
		{ID: 1, ContentPath: "p1/gps/a.csv", ContentHash: "h1"},
		{ID: 2, ContentPath: "p1/gps/b.csv", ContentHash: "h2"},
		{ID: 3, ContentPath: "p1/wifi/c.csv", ContentHash: "h3"},
		{ID: 4, ContentPath: "p1/wifi/d.csv", ContentHash: "h4"},
	}
}

func ids(in []records.Stub) []int64 {
	var out []int64
	for _, s := range in {
		out = append(out, s.ID)
	}
	return out
}

func TestDiffExclusionRule(t *testing.T) {
	m := Manifest{
		"p1/gps/a.csv":   "h1",    // held, same hash: excluded
		"p1/gps/b.csv":   "stale", // held, changed: kept
		"p1/moved/c.csv": "h3",    // same hash, different path: kept
		"p1/gone.csv":    "hX",    // not in result: ignored
	}
	got := Diff(stubs(), m)
	want := []int64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", ids(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("got %v want %v", ids(got), want)
		}
	}
}

func TestDiffIsSubsetAndNilManifestIsIdentity(t *testing.T) {
	all := stubs()
	if got := Diff(all, nil); len(got) != len(all) {
		t.Fatal("nil manifest must return the input unchanged")
	}
	if got := Diff(all, Manifest{}); len(got) != len(all) {
		t.Fatal("empty manifest excludes nothing")
	}
	everything := Manifest{}
	for _, s := range all {
		everything[s.ContentPath] = s.ContentHash
	}
	if got := Diff(all, everything); len(got) != 0 {
		t.Fatalf("expected everything excluded, got %v", ids(got))
	}
}

func TestHashComparisonIsByteExact(t *testing.T) {
	m := Manifest{"p1/gps/a.csv": "H1"}
	if len(Diff(stubs()[:1], m)) != 1 {
		t.Fatal("hash comparison must be case sensitive")
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(`{"a":"1","b":"2","a":"3"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m["a"] != "3" || m["b"] != "2" {
		t.Fatalf("unexpected manifest %v", m)
	}
	empty, err := ParseManifest(` {} `)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty object should parse to an empty manifest: %v %v", empty, err)
	}

	for _, raw := range []string{"", "not json", `{"a":`, `["a","b"]`, `"a"`, `null`, `42`, `{"a":1}`, `{"a":{"b":"c"}}`} {
		if _, err := ParseManifest(raw); !errors.Is(err, apierr.ErrMalformedManifest) {
			t.Fatalf("%q: expected malformed manifest, got %v", raw, err)
		}
	}
}

type sliceSource struct{ rows []records.Stub }

func (s sliceSource) PageIDs(_ context.Context, after int64, limit int) ([]int64, error) {
	var out []int64
	for _, r := range s.rows {
		if r.ID > after && len(out) < limit {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (s sliceSource) Fetch(_ context.Context, want []int64) ([]records.Stub, error) {
	var out []records.Stub
	for _, r := range s.rows {
		for _, id := range want {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func TestFilterPageMatchesDiff(t *testing.T) {
	m := Manifest{"p1/gps/a.csv": "h1", "p1/wifi/d.csv": "h4"}
	d := &Differ{Manifest: m}
	pages := paginate.New[records.Stub](sliceSource{rows: stubs()}, records.StubID,
		paginate.WithPageSize[records.Stub](2), paginate.WithTransform(d.FilterPage))
	var got []records.Stub
	for pages.Next(context.Background()) {
		got = append(got, pages.Page()...)
	}
	if err := pages.Err(); err != nil {
		t.Fatalf("paginate: %v", err)
	}
	want := Diff(stubs(), m)
	if len(got) != len(want) || got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("got %v want %v", ids(got), ids(want))
	}
	if d.Excluded() != 2 {
		t.Fatalf("expected 2 exclusions, got %d", d.Excluded())
	}
}
