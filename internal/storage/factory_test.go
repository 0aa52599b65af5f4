package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
}

func TestNewStoreFileAndBadger(t *testing.T) {
	if _, err := NewStore("file", ""); err == nil {
		t.Fatal("expected file store to require a directory")
	}
	store, err := NewStore("file", t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	store, err = NewStore("badger", "")
	if err != nil {
		t.Fatalf("new badger store: %v", err)
	}
	if _, ok := store.(*BadgerStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}
