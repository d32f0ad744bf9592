package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"engagementcore/internal/blob/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestFilesystemLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	info, err := s.Put(ctx, "engagements/e1/documents/abc/memo.pdf", strings.NewReader("%PDF"), core.PutOptions{ContentType: "application/pdf"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "engagements/e1/documents/abc/memo.pdf" || info.Size != 4 || len(info.ETag) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, info.Key, strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := s.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "%PDF" || got.ContentType != "application/pdf" || got.ETag != info.ETag {
		t.Fatalf("unexpected get %q %+v", body, got)
	}
	url, err := s.PresignURL(ctx, info.Key, core.SignedURLOptions{})
	if err != nil || !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "memo.pdf") {
		t.Fatalf("unexpected url %q (%v)", url, err)
	}
	list, err := s.List(ctx, "engagements/e1/")
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
	existed, err := s.Delete(ctx, info.Key)
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "engagements/e1/documents/abc/memo.pdf.meta")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("sidecar should be removed, stat err=%v", err)
	}
	if _, err := s.Head(ctx, info.Key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if existed, _ := s.Delete(ctx, info.Key); existed {
		t.Fatalf("delete of missing blob should report false")
	}
}

func TestFilesystemRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "x.meta"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestFilesystemGetMissing(t *testing.T) {
	_, _, err := newStore(t).Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFilesystemListIgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if err := os.WriteFile(filepath.Join(s.Root(), ".tmp-123"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Put(ctx, "a", strings.NewReader("1"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := s.List(ctx, "")
	if err != nil || len(list) != 1 || list[0].Key != "a" {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
}
