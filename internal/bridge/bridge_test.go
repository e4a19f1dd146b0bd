package bridge

import (
	"os"
	"strings"
	"testing"
)

func TestRenderConfigNoAuth(t *testing.T) {
	conf, err := renderConfig(19999, "broker.example.com", 1883, "dev1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"port 19999",
		"connection mal-bridge-dev1",
		"address broker.example.com:1883",
		"topic mqtt-malaria/# out 1",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}
	if strings.Contains(conf, "bridge_psk") {
		t.Errorf("config should not contain a psk block when auth is empty:\n%s", conf)
	}
}

func TestRenderConfigWithAuth(t *testing.T) {
	conf, err := renderConfig(20000, "broker.example.com", 8883, "dev2", "dev2:deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"bridge_identity dev2",
		"bridge_psk deadbeef",
		"bridge_tls_version tlsv1",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}
}

func TestRenderConfigMalformedAuth(t *testing.T) {
	if _, err := renderConfig(20001, "host", 1883, "dev3", "not-a-valid-auth-string"); err == nil {
		t.Fatal("expected error for malformed auth string without a ':' separator")
	}
}

func TestFreeListenPort(t *testing.T) {
	port, err := freeListenPort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Errorf("port %d out of valid range", port)
	}
}

func TestWriteTempConfigRoundTrip(t *testing.T) {
	path, err := writeTempConfig("hello bridge config\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil {
			t.Errorf("cleanup failed: %v", rmErr)
		}
	}()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back temp config: %v", err)
	}
	if string(data) != "hello bridge config\n" {
		t.Errorf("round-tripped content = %q, want %q", data, "hello bridge config\n")
	}
}
