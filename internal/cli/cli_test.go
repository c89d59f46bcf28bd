package cli

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spiderbutter/spiderbutter/internal/cert"
	"github.com/spiderbutter/spiderbutter/internal/config"
	"github.com/spiderbutter/spiderbutter/internal/domain"
	ilog "github.com/spiderbutter/spiderbutter/internal/log"
	"github.com/spiderbutter/spiderbutter/internal/store/sqlite"
)

func clearEnvVarsForTest(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SPIDERBUTTER_PORT",
		"SPIDERBUTTER_DOMAINS",
		"SPIDERBUTTER_STATE_DIR",
		"SPIDERBUTTER_DB_PATH",
		"OTHER_VAR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	clearEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("export SPIDERBUTTER_DOMAINS=\"from-file.example.com\"\nOTHER_VAR=skip\n# SPIDERBUTTER_PORT=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("SPIDERBUTTER_DOMAINS"); got != "from-file.example.com" {
		t.Fatalf("expected SPIDERBUTTER_DOMAINS loaded from file, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected foreign var not to be loaded, got %q", got)
	}
	if got := os.Getenv("SPIDERBUTTER_PORT"); got != "" {
		t.Fatalf("expected commented var not to be loaded, got %q", got)
	}
}

func TestLoadEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearEnvVarsForTest(t)
	t.Setenv("SPIDERBUTTER_PORT", "9000")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("SPIDERBUTTER_PORT=9100\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("SPIDERBUTTER_PORT"); got != "9000" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestConfigPrefersFlagsOverDotEnv(t *testing.T) {
	clearEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("SPIDERBUTTER_PORT=9100\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)
	cfg, err := config.ParseServerFlags([]string{"--port", "9200"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("expected CLI port to win, got %d", cfg.Port)
	}
}

func TestRunDispatch(t *testing.T) {
	if code := Run([]string{"version"}); code != 0 {
		t.Fatalf("version exit code = %d", code)
	}
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("help exit code = %d", code)
	}
	if code := Run([]string{"no-such-command"}); code != 2 {
		t.Fatalf("unknown command exit code = %d", code)
	}
	if code := Run([]string{"serve", "--workers", "0"}); code != 2 {
		t.Fatalf("invalid config exit code = %d", code)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestServeMappingFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	mappings := filepath.Join(dir, "mappings.sb")
	if err := os.WriteFile(mappings, []byte("/ => index.html [text/html]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.ServerConfig{
		Port:         freePort(t),
		Workers:      2,
		MappingsFile: mappings,
		RenewalDays:  7,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ilog.Discard()) }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	var resp string
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			_, _ = io.WriteString(c, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
			_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, _ := io.ReadAll(bufio.NewReader(c))
			_ = c.Close()
			resp = string(b)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never listened: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "<h1>hi</h1>") {
		t.Fatalf("unexpected response %q", resp)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeFailsOnBrokenMappings(t *testing.T) {
	mappings := filepath.Join(t.TempDir(), "mappings.sb")
	if err := os.WriteFile(mappings, []byte("not a mapping\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.ServerConfig{Port: freePort(t), Workers: 1, MappingsFile: mappings}
	if err := serve(context.Background(), cfg, ilog.Discard()); err == nil {
		t.Fatal("expected error for broken mappings")
	}
}

func writeTestBundle(t *testing.T, stateDir string, lifetime time.Duration) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(lifetime),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	b := &cert.Bundle{
		Certificate:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Intermediate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKey:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}),
	}
	if err := cert.Save(cert.PathsFor(stateDir, false), b); err != nil {
		t.Fatal(err)
	}
}

func TestPrintCerts(t *testing.T) {
	stateDir := t.TempDir()
	dbPath := filepath.Join(stateDir, "state.db")
	writeTestBundle(t, stateDir, 20*24*time.Hour)

	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	notAfter := time.Now().Add(20 * 24 * time.Hour)
	if _, err := store.RecordEvent(context.Background(), domain.CertEvent{
		Domains:  []string{"example.com"},
		Outcome:  domain.CertOutcomeIssued,
		NotAfter: &notAfter,
	}); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	var out bytes.Buffer
	if err := printCerts(context.Background(), &out, stateDir, dbPath, false, 5, time.Now()); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "days left") {
		t.Fatalf("expected expiry line, got %q", got)
	}
	if !strings.Contains(got, domain.CertOutcomeIssued) || !strings.Contains(got, "example.com") {
		t.Fatalf("expected history entry, got %q", got)
	}
}

func TestPrintCertsEmptyState(t *testing.T) {
	stateDir := t.TempDir()
	var out bytes.Buffer
	if err := printCerts(context.Background(), &out, stateDir, filepath.Join(stateDir, "state.db"), false, 5, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "none stored") || !strings.Contains(out.String(), "history: none") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
