package smtp

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestNewServer_Defaults(t *testing.T) {
	t.Parallel()

	backend := quietBackend(&routeRecorder{}, "relay", "secret")
	server := NewServer(backend, ServerConfig{Addr: ":2525", Hostname: "relay.example.com"})

	if server.Addr != ":2525" {
		t.Errorf("Addr: got %q, want %q", server.Addr, ":2525")
	}
	if server.Domain != "relay.example.com" {
		t.Errorf("Domain: got %q, want %q", server.Domain, "relay.example.com")
	}
	if server.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("MaxMessageBytes: got %d, want %d", server.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if server.MaxRecipients != DefaultMaxRecipients {
		t.Errorf("MaxRecipients: got %d, want %d", server.MaxRecipients, DefaultMaxRecipients)
	}
	if server.ReadTimeout != DefaultReadTimeout {
		t.Errorf("ReadTimeout: got %v, want %v", server.ReadTimeout, DefaultReadTimeout)
	}
	if server.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("WriteTimeout: got %v, want %v", server.WriteTimeout, DefaultWriteTimeout)
	}
	if server.MaxLineLength != defaultMaxLineLength {
		t.Errorf("MaxLineLength: got %d, want %d", server.MaxLineLength, defaultMaxLineLength)
	}
	if !server.AllowInsecureAuth {
		t.Error("AllowInsecureAuth: got false, want true without TLS")
	}
}

func TestNewServer_EmptyHostname(t *testing.T) {
	t.Parallel()

	server := NewServer(quietBackend(&routeRecorder{}, "", ""), ServerConfig{Addr: ":2525"})

	if server.Domain != "localhost" {
		t.Errorf("Domain: got %q, want %q", server.Domain, "localhost")
	}
}

func TestNewServer_CustomLimits(t *testing.T) {
	t.Parallel()

	server := NewServer(quietBackend(&routeRecorder{}, "relay", "secret"), ServerConfig{
		Addr:            ":1587",
		Hostname:        "relay.example.com",
		MaxMessageBytes: 5 * 1024 * 1024,
		MaxRecipients:   10,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    45 * time.Second,
	})

	if server.MaxMessageBytes != 5*1024*1024 {
		t.Errorf("MaxMessageBytes: got %d, want %d", server.MaxMessageBytes, 5*1024*1024)
	}
	if server.MaxRecipients != 10 {
		t.Errorf("MaxRecipients: got %d, want 10", server.MaxRecipients)
	}
	if server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout: got %v, want 30s", server.ReadTimeout)
	}
	if server.WriteTimeout != 45*time.Second {
		t.Errorf("WriteTimeout: got %v, want 45s", server.WriteTimeout)
	}
}

func TestNewServer_TLSDisablesInsecureAuth(t *testing.T) {
	t.Parallel()

	server := NewServer(quietBackend(&routeRecorder{}, "relay", "secret"), ServerConfig{
		Addr:      ":1587",
		Hostname:  "relay.example.com",
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	})

	if server.TLSConfig == nil {
		t.Fatal("TLSConfig: got nil, want configured")
	}
	if server.AllowInsecureAuth {
		t.Error("AllowInsecureAuth: got true, want false with TLS")
	}
}

func TestBackend_AuthRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"both set", "relay", "secret", true},
		{"missing password", "relay", "", false},
		{"missing username", "", "secret", false},
		{"unconfigured", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend := quietBackend(&routeRecorder{}, tt.username, tt.password)
			if got := backend.AuthRequired(); got != tt.want {
				t.Errorf("AuthRequired: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackend_CheckCredentials(t *testing.T) {
	t.Parallel()

	backend := quietBackend(&routeRecorder{}, "relay", "secret")

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"valid", "relay", "secret", true},
		{"wrong username", "other", "secret", false},
		{"wrong password", "relay", "other", false},
		{"swapped", "secret", "relay", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := backend.checkCredentials(tt.username, tt.password); got != tt.want {
				t.Errorf("checkCredentials(%q, %q): got %v, want %v", tt.username, tt.password, got, tt.want)
			}
		})
	}
}
