package listener

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wudi/eventrelay/internal/config"
)

// writeTestCert writes a self-signed certificate with the given serial.
func writeTestCert(t *testing.T, certFile, keyFile string, serial int64) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
}

// generateTestCert creates a temporary self-signed certificate for testing.
func generateTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	writeTestCert(t, certFile, keyFile, 1)
	return
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func stopListener(t *testing.T, l Listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("failed to stop listener: %v", err)
	}
}

func TestHTTPListenerStartStop(t *testing.T) {
	var mu sync.Mutex
	var states []http.ConnState

	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "test",
		Address: "127.0.0.1:0",
		Handler: okHandler(),
		ConnState: func(_ net.Conn, s http.ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.Protocol() != "http" {
		t.Errorf("expected protocol http, got %s", l.Protocol())
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.Addr() == "127.0.0.1:0" {
		t.Fatal("expected Addr to report the bound port")
	}

	resp, err := http.Get("http://" + l.Addr() + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("expected body ok, got %q", body)
	}

	stopListener(t, l)

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != http.StateNew || states[1] != http.StateActive {
		t.Errorf("expected ConnState hook to see new then active, got %v", states)
	}

	if _, err := net.DialTimeout("tcp", l.Addr(), time.Second); err == nil {
		t.Error("expected listener to refuse connections after Stop")
	}
}

func TestHTTPListenerStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "busy",
		Address: ln.Addr().String(),
		Handler: okHandler(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Fatal("expected bind error for an address in use")
	}
}

func TestHTTPListenerTLS(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "tls",
		Address: "127.0.0.1:0",
		Handler: okHandler(),
		TLS:     config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.Protocol() != "https" {
		t.Errorf("expected protocol https, got %s", l.Protocol())
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopListener(t, l)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + l.Addr() + "/")
	if err != nil {
		t.Fatalf("TLS request failed: %v", err)
	}
	resp.Body.Close()
	if resp.TLS == nil {
		t.Error("expected a TLS connection")
	}
}

func TestHTTPListenerBadCertificate(t *testing.T) {
	dir := t.TempDir()
	_, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "bad",
		Address: "127.0.0.1:0",
		Handler: okHandler(),
		TLS: config.TLSConfig{
			CertFile: filepath.Join(dir, "missing.pem"),
			KeyFile:  filepath.Join(dir, "missing.key"),
		},
	})
	if err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}

func TestHTTPListenerReloadTLSCert(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "reload",
		Address: "127.0.0.1:0",
		Handler: okHandler(),
		TLS:     config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	before := l.CertPtr()

	writeTestCert(t, certFile, keyFile, 2)
	if err := l.ReloadTLSCert(certFile, keyFile); err != nil {
		t.Fatal(err)
	}
	after := l.CertPtr()
	if bytes.Equal(before.Certificate[0], after.Certificate[0]) {
		t.Error("expected certificate to change after reload")
	}

	if err := l.ReloadTLSCert(certFile, filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected reload error for a missing key")
	}
	if l.CertPtr() != after {
		t.Error("failed reload must keep the previous certificate")
	}
}

func TestHTTPListenerWatchesCertificate(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "watch",
		Address: "127.0.0.1:0",
		Handler: okHandler(),
		TLS:     config.TLSConfig{CertFile: certFile, KeyFile: keyFile, Watch: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	l.watcher.SetDebounce(20 * time.Millisecond)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopListener(t, l)

	before := l.CertPtr().Certificate[0]
	writeTestCert(t, certFile, keyFile, 3)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !bytes.Equal(l.CertPtr().Certificate[0], before) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded after the files changed")
}

func TestHTTPListenerStopWaitsForActiveRequest(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "slow",
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			w.Write([]byte("done"))
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	result := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + l.Addr() + "/")
		if err != nil {
			result <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		result <- string(body)
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- l.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := <-result; got != "done" {
		t.Errorf("expected in-flight request to complete, got %q", got)
	}
}
