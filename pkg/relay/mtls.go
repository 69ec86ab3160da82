// Package relay — mutual TLS for the daemon↔relay tunnel fabric
// (spec.md §6, §4.3's "operator may prefer certificates over bearer
// tokens" note).
//
// A tunnel-side mTLS handshake and the §4.3 identity/ECDH handshake
// solve different problems and BetCode runs both: mTLS authenticates
// the *transport* (so the relay's websocket upgrade knows which
// machine_id is dialing before any application frame arrives), while
// the X25519 exchange in pkg/identity secures the *session payloads*
// so the relay can forward them without reading them. VerifyClientCert
// renders the cert's fingerprint the same colon-hex SHA-256 way
// pkg/identity.Fingerprint does, so an operator comparing a machine's
// mTLS fingerprint against its TOFU-recorded identity fingerprint is
// comparing like with like even though the two are derived from
// different key material (the mTLS keypair is ECDSA P-256; the
// identity keypair is X25519).
//
// Certificate hierarchy:
//
//	root CA
//	 ├─ relay server cert   (CN = relay hostname/IP, ExtKeyUsage: server auth)
//	 └─ machine client cert (CN = machine_id,         ExtKeyUsage: client auth)
//
// betcode-relay cert-gen drives GenerateCA/GenerateServerCert/GenerateMachineCert;
// WriteCertFiles persists the resulting PEM pairs.
package relay

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/sakost/betcode/pkg/identity"
)

// MTLSConfig locates the key material for a relay's tunnel listener
// (server side) and/or a daemon's outbound tunnel dial (client side),
// plus the trust policy between them.
type MTLSConfig struct {
	CACertFile     string `json:"ca_cert_file"`
	ServerCertFile string `json:"server_cert_file"` // relay only
	ServerKeyFile  string `json:"server_key_file"`  // relay only
	ClientCertFile string `json:"client_cert_file"` // daemon only
	ClientKeyFile  string `json:"client_key_file"`  // daemon only

	RequireClientCert  bool `json:"require_client_cert"`
	AllowTokenFallback bool `json:"allow_token_fallback"` // accept a bearer JWT when no client cert was presented
}

// ServerTLSConfig builds the relay's listener-side *tls.Config: it
// presents ServerCertFile/Key and demands (or, with RequireClientCert
// false, merely accepts) a CA-signed machine certificate from dialers.
func ServerTLSConfig(cfg MTLSConfig) (*tls.Config, error) {
	caPool, err := loadCAPool(cfg.CACertFile)
	if err != nil {
		return nil, err
	}
	serverCert, err := tls.LoadX509KeyPair(cfg.ServerCertFile, cfg.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load relay cert/key: %w", err)
	}

	clientAuth := tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		clientAuth = tls.RequireAndVerifyClientCert
	}
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    caPool,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds a daemon's dial-side *tls.Config: it presents
// ClientCertFile/Key (the machine's cert) and verifies the relay's
// server cert against the shared CA.
func ClientTLSConfig(cfg MTLSConfig) (*tls.Config, error) {
	caPool, err := loadCAPool(cfg.CACertFile)
	if err != nil {
		return nil, err
	}
	clientCert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load machine cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}

// ClientIdentity is what the tunnel's websocket upgrade handler learns
// from a verified mTLS client certificate: the dialing machine's id
// (the cert's CN) and a fingerprint rendered in the same format as
// pkg/identity's X25519 identity fingerprints.
type ClientIdentity struct {
	MachineID    string    `json:"machine_id"`
	Fingerprint  string    `json:"fingerprint"`
	Organization string    `json:"organization"`
	ValidUntil   time.Time `json:"valid_until"`
}

// VerifyClientCert validates the leaf certificate of an established
// mTLS connection and extracts the machine identity it asserts. It
// does not re-run chain verification — crypto/tls already did that
// against ServerTLSConfig's ClientCAs during the handshake — it only
// checks the application-level invariants (non-empty CN, still inside
// its validity window).
func VerifyClientCert(state *tls.ConnectionState) (*ClientIdentity, error) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no client certificate presented")
	}
	cert := state.PeerCertificates[0]

	machineID := cert.Subject.CommonName
	if machineID == "" {
		return nil, fmt.Errorf("client certificate has empty Common Name")
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("client certificate for %q not valid now (window %s to %s)",
			machineID, cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}

	org := ""
	if len(cert.Subject.Organization) > 0 {
		org = cert.Subject.Organization[0]
	}
	return &ClientIdentity{
		MachineID:    machineID,
		Fingerprint:  identity.FingerprintBytes(cert.Raw),
		Organization: org,
		ValidUntil:   cert.NotAfter,
	}, nil
}

// ------------------------------------------------------------------
// Certificate issuance (betcode-relay cert-gen)
// ------------------------------------------------------------------

// GenerateCA creates a self-signed ECDSA P-256 CA with a path length of
// zero (it may only sign leaf certs, never intermediates).
func GenerateCA(org string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{org}, CommonName: org + " CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	return signAndEncode(template, template, key, key)
}

// GenerateServerCert issues the relay's own TLS server certificate,
// valid for every host/IP a daemon might dial it as.
func GenerateServerCert(caCertPEM, caKeyPEM []byte, hosts []string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate relay key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return signAndEncode(template, caCert, key, caKey)
}

// GenerateMachineCert issues a client certificate identifying one
// daemon's machine_id as the CN, the value handleDaemonConnect matches
// against the tunnel registration frame.
func GenerateMachineCert(caCertPEM, caKeyPEM []byte, machineID string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate machine key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: machineID, Organization: []string{"betcode"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return signAndEncode(template, caCert, key, caKey)
}

// WriteCertFiles persists a PEM cert/key pair, the cert world-readable
// and the key owner-only.
func WriteCertFiles(certPath, keyPath string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write cert %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", keyPath, err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// signAndEncode signs template (whose subject owns key) under signer
// using signerKey — signer is template itself and signerKey is key for
// a self-signed CA — and PEM-encodes the resulting certificate plus
// the subject's own EC private key.
func signAndEncode(template, signer *x509.Certificate, key *ecdsa.PrivateKey, signerKey *ecdsa.PrivateKey) (certPEM, keyPEM []byte, err error) {
	certDER, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate for %q: %w", template.Subject.CommonName, err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key for %q: %w", template.Subject.CommonName, err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func parseCA(caCertPEM, caKeyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("decode CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("decode CA key PEM")
	}
	caKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}
	return caCert, caKey, nil
}
