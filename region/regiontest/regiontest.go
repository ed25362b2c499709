// Package regiontest holds a conformance suite every region.Region adapter
// is expected to pass.
package regiontest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/loadguard/region"
)

// Run exercises r through the Region contract. r must start empty and is
// closed when Run returns.
func Run(t *testing.T, r region.Region) {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Close(ctx) })

	if _, ok, err := r.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}

	want := []byte{0x00, 0x01, 0xfe, 0xff}
	ok, err := r.Put(ctx, "k1", want, time.Minute)
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	got, ok, err := r.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("get after put: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes changed: got %x want %x", got, want)
	}

	if _, err := r.Put(ctx, "k1", []byte("v2"), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _, _ := r.Get(ctx, "k1"); string(got) != "v2" {
		t.Fatalf("overwrite not visible: %q", got)
	}

	if err := r.Remove(ctx, "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := r.Get(ctx, "k1"); ok {
		t.Fatal("removed key still readable")
	}
	if err := r.Remove(ctx, "k1"); err != nil {
		t.Fatalf("remove missing key: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if _, err := r.Put(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if err := r.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, ok, _ := r.Get(ctx, k); ok {
			t.Fatalf("%s survived clear", k)
		}
	}
}
