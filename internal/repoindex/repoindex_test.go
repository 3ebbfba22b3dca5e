package repoindex

import (
	"strings"
	"testing"
)

const sample = `# comment line
openssl|1.0,1.1|zlib|libssl
curl|1.0|libssl >= 1.0|
zlib|1.2:abcdef||
`

func TestParseAndFind(t *testing.T) {
	idx, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rec, ok := idx.Find("openssl")
	if !ok || rec.Version != "1.1" {
		t.Fatalf("got %+v ok=%v", rec, ok)
	}

	rec, ok = idx.FindVersion("openssl", "1.0")
	if !ok || rec.Version != "1.0" {
		t.Fatalf("got %+v ok=%v", rec, ok)
	}

	rec, ok = idx.FindVersion("zlib", "1.2")
	if !ok || rec.Hash != "abcdef" {
		t.Fatalf("got %+v ok=%v", rec, ok)
	}

	curl, ok := idx.Find("curl")
	if !ok || len(curl.Deps) != 1 || curl.Deps[0].Name != "libssl" {
		t.Fatalf("got %+v", curl)
	}
}

func TestFindProviderDeterministicOrder(t *testing.T) {
	idx, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	name, ok := idx.FindProvider("libssl")
	if !ok || name != "openssl" {
		t.Fatalf("got %q ok=%v", name, ok)
	}
}

func TestFindBest(t *testing.T) {
	idx, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rec, ok := idx.FindBest("openssl", ">=", "1.1")
	if !ok || rec.Version != "1.1" {
		t.Fatalf("got %+v ok=%v", rec, ok)
	}
	_, ok = idx.FindBest("openssl", ">=", "2.0")
	if ok {
		t.Fatal("expected no match")
	}
}

func TestParseNoDuplicateInsertion(t *testing.T) {
	idx, err := Parse(strings.NewReader("foo|1.0||\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(idx.byName["foo"]) != 1 {
		t.Fatalf("expected exactly one record per (name,version), got %d", len(idx.byName["foo"]))
	}
}
