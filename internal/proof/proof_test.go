package proof

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        []byte
		wantType    string
		wantErr     error
	}{
		{"png", "image/png", pngHeader, "image/png", nil},
		{"jpeg", "image/jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, "image/jpeg", nil},
		{"jpg alias", "image/jpg", []byte{0xff, 0xd8, 0xff, 0xe0}, "image/jpg", nil},
		{"webp", "image/webp", []byte("RIFF....WEBP"), "image/webp", nil},
		{"pdf", "application/pdf", []byte("%PDF-1.4"), "application/pdf", nil},
		{"type with params", "image/png; charset=binary", pngHeader, "image/png", nil},
		{"sniffed pdf with no declared type", "", []byte("%PDF-1.4 something"), "application/pdf", nil},
		{"empty", "image/png", nil, "", ErrEmptyFile},
		{"executable", "application/octet-stream", []byte{0x7f, 'E', 'L', 'F'}, "", ErrUnsupportedType},
		{"text", "text/plain", []byte("not a receipt"), "", ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.contentType, tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if got != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, got)
			}
		})
	}
}

func TestValidate_SizeLimit(t *testing.T) {
	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, MaxSizeBytes)...)
	if _, err := Validate("image/png", big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge, got %v", err)
	}

	// Exactly at the limit is accepted.
	exact := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, MaxSizeBytes-len(pngHeader))...)
	if _, err := Validate("image/png", exact); err != nil {
		t.Errorf("File at the limit should be accepted: %v", err)
	}
}

func TestAccept_StoresUnderTradeFolder(t *testing.T) {
	blobs := NewMemoryBlobStore()
	svc := NewService(blobs, "")

	artifact, err := svc.Accept(context.Background(), "trd_abc", "receipt.png", "image/png", pngHeader)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if artifact.MIMEType != "image/png" || artifact.SizeBytes != int64(len(pngHeader)) {
		t.Errorf("Artifact metadata wrong: %+v", artifact)
	}
	if !strings.Contains(artifact.URL, "payment-proofs/trd_abc/") {
		t.Errorf("Artifact should live under the trade folder: %s", artifact.URL)
	}
	if !strings.HasSuffix(artifact.URL, ".png") {
		t.Errorf("Artifact should keep a canonical extension: %s", artifact.URL)
	}
}

func TestAccept_RejectsBeforeStorage(t *testing.T) {
	blobs := NewMemoryBlobStore()
	svc := NewService(blobs, "")

	if _, err := svc.Accept(context.Background(), "trd_abc", "virus.exe", "application/octet-stream", []byte{0x4d, 0x5a}); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("Expected ErrUnsupportedType, got %v", err)
	}

	// Nothing reached the blob store.
	blobs.mu.Lock()
	n := len(blobs.blobs)
	blobs.mu.Unlock()
	if n != 0 {
		t.Errorf("Rejected artifact reached storage: %d blobs", n)
	}
}

func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	store := NewDiskStore(dir, "https://blobs.local/")

	url, err := store.Upload(context.Background(), "payment-proofs", "trd_1/prf_x.png", pngHeader, "image/png")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if url != "https://blobs.local/payment-proofs/trd_1/prf_x.png" {
		t.Errorf("Unexpected URL: %s", url)
	}
}
