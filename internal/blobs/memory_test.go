package blobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreListsByPrefix(t *testing.T) {
	store := NewMemoryStore("drops/a/map.png", "drops/a/notes.txt", "drops/b/other.txt")
	objects, err := store.List(context.Background(), "drops/a/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objects))
	}
	if objects[0].Name != "map.png" || objects[1].Name != "notes.txt" {
		t.Fatalf("unexpected objects %+v", objects)
	}
}

func TestMemoryStoreSignsExistingObjects(t *testing.T) {
	store := NewMemoryStore("drops/a/map.png")
	store.clock = func() time.Time { return time.Unix(1700000000, 0) }

	signed, err := store.SignedReadURL(context.Background(), "drops/a/map.png", 15*time.Minute)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !strings.HasSuffix(signed, "?expires=1700000900") {
		t.Fatalf("unexpected signed url %q", signed)
	}
	if _, err := store.SignedReadURL(context.Background(), "drops/a/missing.png", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore("drops/a/map.png")
	if err := store.Delete(context.Background(), "drops/a/map.png"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	objects, _ := store.List(context.Background(), "drops/")
	if len(objects) != 0 {
		t.Fatalf("expected no objects after delete")
	}
}
