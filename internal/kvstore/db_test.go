package kvstore

import (
	"testing"

	"github.com/fabricd/fabricd/pkg/model"
)

func TestAreaDBMergeInstallsOnlyWhenExceeding(t *testing.T) {
	db := newAreaDB()
	installed, ok := db.merge("k1", rec(1, "n1", "v1"))
	if !ok || installed.Version != 1 {
		t.Fatalf("expected first write to install, got ok=%v rec=%+v", ok, installed)
	}
	_, ok = db.merge("k1", rec(1, "n1", "v1-again"))
	if ok {
		t.Fatalf("a record that does not exceed the stored one under the merge order must not reinstall")
	}
	installed, ok = db.merge("k1", rec(2, "n1", "v2"))
	if !ok || string(installed.Value) != "v2" {
		t.Fatalf("higher version must install, got ok=%v rec=%+v", ok, installed)
	}
}

func TestAreaDBDeleteAndGet(t *testing.T) {
	db := newAreaDB()
	db.merge("k1", rec(1, "n1", "v1"))
	if _, ok := db.get("k1"); !ok {
		t.Fatalf("expected k1 present")
	}
	db.delete("k1")
	if _, ok := db.get("k1"); ok {
		t.Fatalf("expected k1 deleted")
	}
}

func TestAreaDBDumpFiltersByPrefixOriginatorAndHash(t *testing.T) {
	db := newAreaDB()
	db.merge("a/1", rec(1, "n1", "v1"))
	db.merge("a/2", rec(1, "n2", "v2"))
	db.merge("b/1", rec(1, "n1", "v3"))

	out := db.dump("a/", nil, nil, false)
	if len(out) != 2 {
		t.Fatalf("expected 2 keys under prefix a/, got %d", len(out))
	}

	out = db.dump("a/", []string{"n1"}, nil, false)
	if len(out) != 1 || out[0].Key != "a/1" {
		t.Fatalf("expected only a/1 for originator n1, got %+v", out)
	}

	existing, _ := db.get("a/1")
	out = db.dump("", nil, map[string]model.Hash{"a/1": existing.ComputeHash()}, false)
	for _, kv := range out {
		if kv.Key == "a/1" {
			t.Fatalf("matching hash must be excluded from dump, got %+v", out)
		}
	}
}

func TestAreaDBDumpHashesOnlyStripsValue(t *testing.T) {
	db := newAreaDB()
	db.merge("k1", rec(1, "n1", "v1"))
	out := db.dump("", nil, nil, true)
	if len(out) != 1 {
		t.Fatalf("expected one entry, got %d", len(out))
	}
	if out[0].Record.HasValue || out[0].Record.Value != nil {
		t.Fatalf("hashesOnly dump must strip value, got %+v", out[0].Record)
	}
}

func TestMatchesOriginatorsEmptyMeansNoFilter(t *testing.T) {
	r := model.Record{OriginatorId: "n1"}
	if !matchesOriginators(r, nil) {
		t.Fatalf("empty originators filter must match everything")
	}
	if matchesOriginators(r, []string{"n2"}) {
		t.Fatalf("non-matching originator must be excluded")
	}
}
