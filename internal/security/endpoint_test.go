package security

import (
	"strings"
	"testing"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string // substring; empty means accepted
	}{
		{"public ip http", "http://93.184.216.34/receipt.png", ""},
		{"public ip https", "https://93.184.216.34/receipt.png", ""},
		{"bad scheme", "ftp://example.com/x", "scheme"},
		{"no host", "https:///x", "host"},
		{"garbage", "://", "invalid URL"},
		{"localhost", "http://localhost/x", "not allowed"},
		{"localhost case", "http://LOCALHOST/x", "not allowed"},
		{"gcp metadata", "http://metadata.google.internal/computeMetadata", "not allowed"},
		{"loopback literal", "http://127.0.0.1/x", "loopback"},
		{"private literal", "http://10.0.0.5/x", "private"},
		{"private 192", "http://192.168.1.1/x", "private"},
		{"link local", "http://169.254.169.254/latest/meta-data", "link-local"},
		{"unspecified", "http://0.0.0.0/x", "unspecified"},
		{"loopback v6", "http://[::1]/x", "loopback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateEndpointURL(%q) = %v, want accept", tt.url, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateEndpointURL(%q) = %v, want error containing %q", tt.url, err, tt.wantErr)
			}
		})
	}
}
