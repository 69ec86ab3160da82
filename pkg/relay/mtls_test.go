package relay

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sakost/betcode/pkg/identity"
)

func TestGenerateCA(t *testing.T) {
	certPEM, keyPEM, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if len(certPEM) == 0 {
		t.Error("expected non-empty CA cert PEM")
	}
	if len(keyPEM) == 0 {
		t.Error("expected non-empty CA key PEM")
	}
}

func TestGenerateServerCert(t *testing.T) {
	caCert, caKey, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	serverCert, serverKey, err := GenerateServerCert(caCert, caKey, []string{"localhost", "127.0.0.1"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	if len(serverCert) == 0 {
		t.Error("expected non-empty server cert PEM")
	}
	if len(serverKey) == 0 {
		t.Error("expected non-empty server key PEM")
	}

	_, err = tls.X509KeyPair(serverCert, serverKey)
	if err != nil {
		t.Fatalf("server cert/key pair invalid: %v", err)
	}
}

func TestGenerateMachineCert(t *testing.T) {
	caCert, caKey, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	machineCert, machineKey, err := GenerateMachineCert(caCert, caKey, "host-01", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateMachineCert: %v", err)
	}
	if len(machineCert) == 0 {
		t.Error("expected non-empty machine cert PEM")
	}
	if len(machineKey) == 0 {
		t.Error("expected non-empty machine key PEM")
	}

	_, err = tls.X509KeyPair(machineCert, machineKey)
	if err != nil {
		t.Fatalf("machine cert/key pair invalid: %v", err)
	}
}

func TestWriteCertFiles(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	if err := WriteCertFiles(certPath, keyPath, certPEM, keyPEM); err != nil {
		t.Fatalf("WriteCertFiles: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestServerTLSConfig_mTLS(t *testing.T) {
	dir := t.TempDir()

	caCert, caKey, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	caPath := filepath.Join(dir, "ca.pem")
	os.WriteFile(caPath, caCert, 0644)

	serverCertPEM, serverKeyPEM, err := GenerateServerCert(caCert, caKey, []string{"localhost"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	serverCertPath := filepath.Join(dir, "server.pem")
	serverKeyPath := filepath.Join(dir, "server-key.pem")
	os.WriteFile(serverCertPath, serverCertPEM, 0644)
	os.WriteFile(serverKeyPath, serverKeyPEM, 0600)

	cfg := MTLSConfig{
		CACertFile:        caPath,
		ServerCertFile:    serverCertPath,
		ServerKeyFile:     serverKeyPath,
		RequireClientCert: true,
	}

	tlsCfg, err := ServerTLSConfig(cfg)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	if tlsCfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", tlsCfg.ClientAuth)
	}
	if tlsCfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %v, want TLS 1.3", tlsCfg.MinVersion)
	}
	if tlsCfg.ClientCAs == nil {
		t.Error("expected non-nil ClientCAs pool")
	}
}

func TestClientTLSConfig_mTLS(t *testing.T) {
	dir := t.TempDir()

	caCert, caKey, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	caPath := filepath.Join(dir, "ca.pem")
	os.WriteFile(caPath, caCert, 0644)

	machineCertPEM, machineKeyPEM, err := GenerateMachineCert(caCert, caKey, "host-01", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateMachineCert: %v", err)
	}
	machineCertPath := filepath.Join(dir, "machine.pem")
	machineKeyPath := filepath.Join(dir, "machine-key.pem")
	os.WriteFile(machineCertPath, machineCertPEM, 0644)
	os.WriteFile(machineKeyPath, machineKeyPEM, 0600)

	cfg := MTLSConfig{
		CACertFile:     caPath,
		ClientCertFile: machineCertPath,
		ClientKeyFile:  machineKeyPath,
	}

	tlsCfg, err := ClientTLSConfig(cfg)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	if tlsCfg.RootCAs == nil {
		t.Error("expected non-nil RootCAs pool")
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("expected 1 client certificate, got %d", len(tlsCfg.Certificates))
	}
	if tlsCfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %v, want TLS 1.3", tlsCfg.MinVersion)
	}
}

func TestVerifyClientCert_FingerprintMatchesIdentityFormat(t *testing.T) {
	caCert, caKey, err := GenerateCA("test-org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	machineCertPEM, _, err := GenerateMachineCert(caCert, caKey, "host-01", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateMachineCert: %v", err)
	}
	block, _ := pem.Decode(machineCertPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse machine cert: %v", err)
	}

	id, err := VerifyClientCert(&tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}})
	if err != nil {
		t.Fatalf("VerifyClientCert: %v", err)
	}
	if id.MachineID != "host-01" {
		t.Errorf("MachineID = %q, want host-01", id.MachineID)
	}
	want := identity.FingerprintBytes(cert.Raw)
	if id.Fingerprint != want {
		t.Errorf("Fingerprint = %q, want %q", id.Fingerprint, want)
	}
	if !strings.Contains(id.Fingerprint, ":") {
		t.Errorf("Fingerprint %q does not look colon-hex like pkg/identity.Fingerprint", id.Fingerprint)
	}
}

func TestVerifyClientCert_NilState(t *testing.T) {
	_, err := VerifyClientCert(nil)
	if err == nil {
		t.Error("expected error for nil state")
	}
}

func TestVerifyClientCert_NoPeerCerts(t *testing.T) {
	_, err := VerifyClientCert(&tls.ConnectionState{})
	if err == nil {
		t.Error("expected error for no peer certs")
	}
}
