package session

import "testing"

func rev(n uint64) *uint64 { return &n }

func TestDiagnosticStoreGating(t *testing.T) {
	store := NewDiagnosticStore()
	uri := PathToURI("/tmp/a.go")

	if !store.Set(uri, rev(3), []Diagnostic{{Message: "first", Severity: SeverityError}}) {
		t.Fatal("fresh publish rejected")
	}

	// Stale: computed against an older revision than the cache.
	if store.Set(uri, rev(2), []Diagnostic{{Message: "stale"}}) {
		t.Error("stale publish accepted")
	}
	entry, _ := store.Get(uri)
	if entry.Items[0].Message != "first" {
		t.Errorf("cache overwritten by stale publish: %q", entry.Items[0].Message)
	}

	// Same revision replaces (the server re-ran on the same text).
	if !store.Set(uri, rev(3), []Diagnostic{{Message: "second"}}) {
		t.Error("same-revision publish rejected")
	}

	// Newer revision replaces.
	if !store.Set(uri, rev(5), nil) {
		t.Error("newer publish rejected")
	}
	entry, _ = store.Get(uri)
	if len(entry.Items) != 0 || entry.Revision != 5 {
		t.Errorf("entry = %+v, want empty at revision 5", entry)
	}
}

func TestDiagnosticStoreUnversioned(t *testing.T) {
	store := NewDiagnosticStore()
	uri := PathToURI("/tmp/b.go")

	store.Set(uri, rev(9), []Diagnostic{{Message: "versioned"}})
	// An unversioned publish always wins; the peer stopped versioning.
	if !store.Set(uri, nil, []Diagnostic{{Message: "unversioned"}}) {
		t.Fatal("unversioned publish rejected")
	}
	entry, _ := store.Get(uri)
	if entry.HasRevision {
		t.Error("entry still claims a revision")
	}
}

func TestDiagnosticStoreClearAndCounts(t *testing.T) {
	store := NewDiagnosticStore()
	a, b := PathToURI("/a.go"), PathToURI("/b.go")

	store.Set(a, nil, []Diagnostic{
		{Message: "e1", Severity: SeverityError},
		{Message: "w1", Severity: SeverityWarning},
	})
	store.Set(b, nil, []Diagnostic{{Message: "e2", Severity: SeverityError}})

	if errs, warns := store.Counts(); errs != 2 || warns != 1 {
		t.Errorf("counts = %d errors, %d warnings; want 2, 1", errs, warns)
	}

	store.Clear(b)
	if _, ok := store.Get(b); ok {
		t.Error("cleared document still cached")
	}
	if errs, _ := store.Counts(); errs != 1 {
		t.Errorf("errors after clear = %d, want 1", errs)
	}
}
