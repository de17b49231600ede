package idgen_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/dsprof/idgen"
)

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("ds_", idgen.Default)
	id := gen()
	if !strings.HasPrefix(id, "ds_") {
		t.Fatalf("got %q, want ds_ prefix", id)
	}
	if len(id) != len("ds_")+36 {
		t.Fatalf("got length %d, want prefix + 36-char UUID", len(id))
	}
}

func TestUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := idgen.Job()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestEntityPrefixes(t *testing.T) {
	cases := []struct {
		gen    idgen.Generator
		prefix string
	}{
		{idgen.Dataset, "ds_"},
		{idgen.Job, "job_"},
		{idgen.Report, "rpt_"},
		{idgen.Message, "msg_"},
	}
	for _, c := range cases {
		if id := c.gen(); !strings.HasPrefix(id, c.prefix) {
			t.Errorf("got %q, want prefix %q", id, c.prefix)
		}
	}
}
