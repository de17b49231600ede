package blobstore_test

import (
	"context"
	"testing"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/fault"
)

func TestKeys(t *testing.T) {
	got := blobstore.UploadKey("ds_1", "sales.csv")
	if got != "datasets/ds_1/source/sales.csv" {
		t.Fatalf("upload key = %q", got)
	}
	got = blobstore.ReportKey("ds_1")
	if got != "datasets/ds_1/report/report.json" {
		t.Fatalf("report key = %q", got)
	}
}

func TestBasenameStripsDirectories(t *testing.T) {
	cases := map[string]string{
		"sales.csv":            "sales.csv",
		"a/b/sales.csv":        "sales.csv",
		`C:\files\sales.csv`:   "sales.csv",
		"../../../etc/passwd":  "passwd",
		`mixed/style\name.csv`: "name.csv",
	}
	for in, want := range cases {
		if got := blobstore.Basename(in); got != want {
			t.Errorf("Basename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	s := blobstore.NewMemory()

	if err := s.EnsureBucket(ctx, "uploads"); err != nil {
		t.Fatal(err)
	}
	etag, err := s.Put(ctx, "uploads", "k", []byte("body"), "text/csv")
	if err != nil {
		t.Fatal(err)
	}
	if etag == "" {
		t.Fatal("etag must not be empty")
	}

	body, err := s.Get(ctx, "uploads", "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "body" {
		t.Fatalf("got %q", body)
	}
}

func TestMemoryMissingObject(t *testing.T) {
	s := blobstore.NewMemory()
	_, err := s.Get(context.Background(), "uploads", "missing")
	if fault.KindOf(err) != fault.StorageUnavailable {
		t.Fatalf("got %v, want StorageUnavailable", err)
	}
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := blobstore.NewMemory()
	s.FailPuts = true
	if _, err := s.Put(ctx, "b", "k", nil, ""); fault.KindOf(err) != fault.StorageUnavailable {
		t.Fatalf("got %v, want StorageUnavailable", err)
	}
	s.FailPuts = false
	s.FailGets = true
	if _, err := s.Get(ctx, "b", "k"); fault.KindOf(err) != fault.StorageUnavailable {
		t.Fatalf("got %v, want StorageUnavailable", err)
	}
}
