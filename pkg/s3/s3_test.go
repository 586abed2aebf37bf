package s3

import (
	"context"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	digest, size, err := FileSHA256(path)
	if err != nil {
		t.Fatalf("FileSHA256() error = %v", err)
	}
	if digest != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" || size != 3 {
		t.Fatalf("FileSHA256() = %s, %d", digest, size)
	}
	if _, _, err := FileSHA256(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("FileSHA256(missing) expected error")
	}
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if err != nil {
		t.Fatalf("encodeSHA256() error = %v", err)
	}
	if got != "ungWv48Bz+pBQUDeXa4iI7ADYaOWF3qctBD/YfIAFa0=" {
		t.Fatalf("encodeSHA256() = %s", got)
	}
	for _, bad := range []string{"", "zz"} {
		if _, err := encodeSHA256(bad); err == nil {
			t.Fatalf("encodeSHA256(%q) expected error", bad)
		}
	}
}

func TestNewClientRejectsHalfCredentials(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{AccessKey: "key"}); err == nil {
		t.Fatalf("NewClient() expected error")
	}
}

func TestNewClientWithCABundle(t *testing.T) {
	tlsSrv := httptest.NewTLSServer(http.NotFoundHandler())
	defer tlsSrv.Close()
	bundle := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: tlsSrv.Certificate().Raw}
	if err := os.WriteFile(bundle, pem.EncodeToMemory(block), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	t.Setenv("AWS_CA_BUNDLE", bundle)

	if _, err := NewClient(context.Background(), Config{AccessKey: "key", SecretKey: "secret"}); err != nil {
		t.Fatalf("NewClient() with AWS_CA_BUNDLE error = %v", err)
	}
}

func TestPutFile(t *testing.T) {
	var method, path, meta string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		meta = r.Header.Get("X-Amz-Meta-Sha256")
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{
		Endpoint:       srv.URL,
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	file := filepath.Join(t.TempDir(), "a.csv")
	if err := os.WriteFile(file, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.PutFile(context.Background(), "exports", "static/a.csv", file); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}
	if method != http.MethodPut || path != "/exports/static/a.csv" {
		t.Fatalf("request = %s %s", method, path)
	}
	if meta != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256 metadata = %q", meta)
	}
}
