package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"engagementcore/internal/blob/core"
)

// fakeS3 serves the subset of the S3 REST API the store uses, path-style.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	methods []string
}

type fakeObject struct {
	body        []byte
	contentType string
}

func (f *fakeS3) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, req.Method)
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		return respond(http.StatusOK, nil, objectHeaders(obj)), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, nil, http.Header{"Etag": {`"etag"`}}), nil
	case http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			body := []byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return respond(http.StatusNotFound, body, http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return respond(http.StatusOK, obj.body, objectHeaders(obj)), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (f *fakeS3) list(prefix string) *http.Response {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func objectHeaders(obj fakeObject) http.Header {
	return http.Header{
		"Content-Length": {fmt.Sprintf("%d", len(obj.body))},
		"Content-Type":   {obj.contentType},
		"Etag":           {`"etag123"`},
		"Last-Modified":  {time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
	}
}

func respond(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(bytes.NewReader(body)), ContentLength: int64(len(body))}
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	store, err := New(context.Background(), Config{
		Bucket:          "docs",
		Endpoint:        "http://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      fake,
	})
	require.NoError(t, err)
	return store, fake
}

func TestS3PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)
	require.Equal(t, core.DriverS3, store.Driver())
	require.Equal(t, "docs", store.Bucket())

	info, err := store.Put(ctx, "engagements/e1/documents/abc/plan.pdf", strings.NewReader("content"), core.PutOptions{ContentType: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, int64(7), info.Size)
	require.Equal(t, "etag123", info.ETag)
	require.Equal(t, "application/pdf", info.ContentType)

	_, err = store.Put(ctx, "engagements/e1/documents/abc/plan.pdf", strings.NewReader("x"), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)

	_, rc, err := store.Get(ctx, "engagements/e1/documents/abc/plan.pdf")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	require.Equal(t, "content", string(body))

	existed, err := store.Delete(ctx, "engagements/e1/documents/abc/plan.pdf")
	require.NoError(t, err)
	require.True(t, existed)
	existed, err = store.Delete(ctx, "engagements/e1/documents/abc/plan.pdf")
	require.NoError(t, err)
	require.False(t, existed)
	require.Contains(t, fake.methods, http.MethodDelete)
}

func TestS3NotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Head(ctx, "missing")
	require.True(t, errors.Is(err, core.ErrNotFound), "head: %v", err)
	_, _, err = store.Get(ctx, "missing")
	require.True(t, errors.Is(err, core.ErrNotFound), "get: %v", err)
}

func TestS3ListAndPresign(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, k := range []string{"b/2", "a/1", "b/1"} {
		_, err := store.Put(ctx, k, strings.NewReader(k), core.PutOptions{})
		require.NoError(t, err)
	}
	list, err := store.List(ctx, "b/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "b/1", list[0].Key)

	url, err := store.PresignURL(ctx, "a/1", core.SignedURLOptions{Expiry: time.Minute})
	require.NoError(t, err)
	require.Contains(t, url, "X-Amz-Signature")
	require.Contains(t, url, "X-Amz-Expires=60")

	_, err = store.PresignURL(ctx, "a/1", core.SignedURLOptions{Method: "PUT"})
	require.ErrorIs(t, err, core.ErrUnsupported)
}

func TestS3RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket required")
}
