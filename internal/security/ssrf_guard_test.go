package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewGuard_Ports(t *testing.T) {
	g := NewGuard(8443, 443, 0, -1)
	want := []int{80, 443, 8443}
	if len(g.ports) != len(want) {
		t.Fatalf("ports = %v, want %v", g.ports, want)
	}
	for i, p := range want {
		if g.ports[i] != p {
			t.Errorf("ports[%d] = %d, want %d", i, g.ports[i], p)
		}
	}
}

func TestNewSafeClient_Timeout(t *testing.T) {
	client := NewGuard().NewSafeClient(5*time.Second, 1024)
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want %v", client.Timeout, 5*time.Second)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("expected a dedicated transport")
	}
}

// httptestサーバーは127.0.0.1で起動するためsafeurlに拒否される。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewGuard().NewSafeClient(5*time.Second, 1024)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback request, got nil")
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewGuard()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://nitter.net/golang/rss", false},
		{"https://pbs.twimg.com/media/abc.jpg", false},
		{"http://example.org/feed", false},
		{"", true},
		{"not-a-url", true},
		{"ftp://example.com/file", true},
		{"file:///etc/passwd", true},
		{"http://10.0.0.1/rss", true},
		{"http://172.16.0.1/rss", true},
		{"http://192.168.1.100/rss", true},
		{"http://127.0.0.1/rss", true},
		{"http://localhost/rss", true},
		{"http://api.localhost/rss", true},
		{"http://169.254.169.254/latest/meta-data/", true},
		{"http://[::1]/rss", true},
		{"http://0.0.0.0/rss", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
