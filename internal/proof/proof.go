// Package proof validates and stores payment-proof artifacts.
//
// Validation is pure: an artifact is judged on its size and media type
// alone, before any storage backend is contacted.
package proof

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/tradehub-ng/tradehub/internal/idgen"
	"github.com/tradehub-ng/tradehub/internal/metrics"
)

var (
	ErrEmptyFile       = errors.New("uploaded file is empty")
	ErrTooLarge        = errors.New("uploaded file exceeds the size limit")
	ErrUnsupportedType = errors.New("unsupported file type")
)

// MaxSizeBytes is the artifact size ceiling.
const MaxSizeBytes = 5 << 20

// DefaultBucket is where payment proofs live.
const DefaultBucket = "payment-proofs"

// allowedTypes maps accepted media types to their canonical extension.
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Artifact describes a stored payment proof.
type Artifact struct {
	URL        string    `json:"url"`
	MIMEType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// BlobStore persists raw artifact bytes and serves them by URL.
type BlobStore interface {
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error)
	PublicURL(bucket, objectPath string) string
}

// Validate judges an artifact without touching storage. Returns the
// canonical media type on success.
func Validate(contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if len(data) > MaxSizeBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxSizeBytes)
	}

	mediaType := normalizeType(contentType)
	if _, ok := allowedTypes[mediaType]; !ok {
		// Browsers sometimes omit or mangle the declared type; fall back
		// to content sniffing before rejecting.
		mediaType = normalizeType(http.DetectContentType(data))
		if _, ok := allowedTypes[mediaType]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
		}
	}
	return mediaType, nil
}

func normalizeType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// Service validates artifacts and hands accepted ones to the blob store.
type Service struct {
	blobs  BlobStore
	bucket string
}

// NewService creates a proof service.
func NewService(blobs BlobStore, bucket string) *Service {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Service{blobs: blobs, bucket: bucket}
}

// Accept validates an artifact and stores it under the trade's folder.
func (s *Service) Accept(ctx context.Context, tradeID, filename, contentType string, data []byte) (*Artifact, error) {
	mediaType, err := Validate(contentType, data)
	if err != nil {
		metrics.ProofRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	objectPath := path.Join(tradeID, idgen.WithPrefix("prf_")+allowedTypes[mediaType])
	url, err := s.blobs.Upload(ctx, s.bucket, objectPath, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to store proof: %w", err)
	}

	metrics.ProofUploadsTotal.Inc()
	return &Artifact{
		URL:        url,
		MIMEType:   mediaType,
		SizeBytes:  int64(len(data)),
		UploadedAt: time.Now(),
	}, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrEmptyFile):
		return "empty"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	}
	return "other"
}
