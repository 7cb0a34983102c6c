package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateEndpointURL_Schemes(t *testing.T) {
	if err := ValidateEndpointURL("https://api.example.com/v1", false); err != nil {
		t.Errorf("https: got %v, want nil", err)
	}
	if err := ValidateEndpointURL("ftp://api.example.com", false); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("ftp: got %v, want ErrUnsafeScheme", err)
	}
	if err := ValidateEndpointURL("file:///etc/passwd", false); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("file: got %v, want ErrUnsafeScheme", err)
	}
}

func TestValidateEndpointURL_PrivateAddresses(t *testing.T) {
	if err := ValidateEndpointURL("http://127.0.0.1:11434", false); !errors.Is(err, ErrSSRF) {
		t.Errorf("loopback strict: got %v, want ErrSSRF", err)
	}
	if err := ValidateEndpointURL("http://127.0.0.1:11434", true); err != nil {
		t.Errorf("loopback allowed: got %v, want nil", err)
	}
	if err := ValidateEndpointURL("http://192.168.1.10", false); !errors.Is(err, ErrSSRF) {
		t.Errorf("rfc1918: got %v, want ErrSSRF", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("under limit: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("data: got %q, want %q", data, "hello")
	}

	if _, err := LimitedReadAll(strings.NewReader(strings.Repeat("x", 11)), 10); err == nil {
		t.Error("over limit: got nil, want error")
	}
}
