package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"engagementcore/internal/blob"
	"engagementcore/internal/ingest"
	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

// UploadDocument stores content under a checksum-addressed key and records
// it as an UploadedDocument through the manual ingestion path. Uploading the
// same bytes again updates the existing record instead of adding one.
func (s *Session) UploadDocument(ctx context.Context, name, contentType, category string, content io.Reader) (doc domain.UploadedDocument, err error) {
	ctx, span := s.tracer.Start(ctx, "session.UploadDocument")
	defer s.track(ctx, "upload_document")(&err)
	defer func() { telemetry.EndSpan(span, err) }()

	if s.blobs == nil {
		return domain.UploadedDocument{}, ErrNoBlobStore
	}
	if strings.TrimSpace(name) == "" {
		return domain.UploadedDocument{}, errors.New("document name required")
	}
	if err := s.checkOpen(); err != nil {
		return domain.UploadedDocument{}, err
	}

	var buf bytes.Buffer
	sum := sha256.New()
	size, err := io.Copy(io.MultiWriter(&buf, sum), content)
	if err != nil {
		return domain.UploadedDocument{}, fmt.Errorf("read %s: %w", name, err)
	}
	checksum := hex.EncodeToString(sum.Sum(nil))
	key := blob.DocumentKey(s.id, checksum, name)
	span.SetAttributes(attribute.String("blob.key", key), attribute.Int64("blob.size", size))

	_, err = s.blobs.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"engagement": s.id, "checksum": checksum},
	})
	switch {
	case errors.Is(err, blob.ErrExists):
		s.logger.Debug("document content already stored", "key", key)
	case err != nil:
		return domain.UploadedDocument{}, fmt.Errorf("store %s: %w", name, err)
	}

	report, err := s.ingestor.Ingest(ctx, ingest.NewManual(domain.UploadedDocument{
		Name:        name,
		ContentType: contentType,
		Category:    category,
		Size:        size,
		Checksum:    checksum,
		BlobKey:     key,
	}))
	if err != nil {
		return domain.UploadedDocument{}, err
	}
	stored, ok := s.store.Get(domain.KindDocument, report.IDs[0])
	if !ok {
		return domain.UploadedDocument{}, domain.NotFoundError{Kind: domain.KindDocument, ID: report.IDs[0]}
	}
	return stored.(domain.UploadedDocument), nil
}

// DocumentURL returns a download URL for the document's content. Filesystem
// and memory stores return a stable URL; S3 returns a presigned one valid for
// expiry (zero means the store default).
func (s *Session) DocumentURL(ctx context.Context, documentID string, expiry time.Duration) (url string, err error) {
	defer s.track(ctx, "document_url")(&err)
	if s.blobs == nil {
		return "", ErrNoBlobStore
	}
	e, ok := s.store.Get(domain.KindDocument, documentID)
	if !ok {
		return "", domain.NotFoundError{Kind: domain.KindDocument, ID: documentID}
	}
	doc := e.(domain.UploadedDocument)
	if doc.BlobKey == "" {
		return "", fmt.Errorf("document %s has no stored content", documentID)
	}
	return s.blobs.PresignURL(ctx, doc.BlobKey, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
}
