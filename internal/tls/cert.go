// Package tls manages the server certificate used when HTTPS/WSS is
// enabled. A self-signed certificate is generated on first start when the
// configured files are missing; operators can drop in a real one later.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default file names inside <config-dir>/certs.
const (
	DefaultCertFile = "server.crt"
	DefaultKeyFile  = "server.key"
)

// CertConfig holds configuration for certificate generation.
type CertConfig struct {
	// Dir is the config directory. Empty paths default to
	// <Dir>/certs/server.crt and <Dir>/certs/server.key.
	Dir string

	// CertPath and KeyPath override the default locations. Relative paths
	// are resolved against Dir.
	CertPath string
	KeyPath  string

	// Hosts are the SANs of a generated certificate. Defaults to
	// localhost, the loopback addresses and the machine hostname.
	Hosts []string

	// ValidDuration of a generated certificate. Defaults to 825 days.
	ValidDuration time.Duration
}

// CertInfo describes a loaded or generated certificate.
type CertInfo struct {
	CertPath string
	KeyPath  string

	// Fingerprint is the SHA-256 fingerprint as colon-separated uppercase
	// hex bytes (e.g., "AA:BB:CC:...").
	Fingerprint string

	NotBefore time.Time
	NotAfter  time.Time

	// IsGenerated is true when the certificate was created by this call.
	IsGenerated bool
}

// Paths resolves the certificate and key paths of cfg.
func (cfg CertConfig) Paths() (certPath, keyPath string) {
	resolve := func(p, def string) string {
		if p == "" {
			return filepath.Join(cfg.Dir, "certs", def)
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cfg.Dir, p)
	}
	return resolve(cfg.CertPath, DefaultCertFile), resolve(cfg.KeyPath, DefaultKeyFile)
}

// EnsureCertificate loads the configured certificate, generating a
// self-signed one if either file is missing.
func EnsureCertificate(cfg CertConfig) (*CertInfo, error) {
	certPath, keyPath := cfg.Paths()
	if fileExists(certPath) && fileExists(keyPath) {
		info, err := LoadCertificate(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		return info, nil
	}

	cfg.CertPath, cfg.KeyPath = certPath, keyPath
	info, err := GenerateCertificate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return info, nil
}

// LoadCertificate loads an existing pair and computes its fingerprint.
func LoadCertificate(certPath, keyPath string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &CertInfo{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: ComputeFingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}, nil
}

func defaultHosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
		hosts = append(hosts, name)
	}
	return hosts
}

// GenerateCertificate writes a new self-signed ECDSA P-256 certificate to
// cfg.CertPath and cfg.KeyPath (both required).
func GenerateCertificate(cfg CertConfig) (*CertInfo, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, fmt.Errorf("certificate and key paths are required")
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = defaultHosts()
	}
	valid := cfg.ValidDuration
	if valid == 0 {
		valid = 825 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sleepy"},
			CommonName:   "sleepy server",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(valid),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	for _, p := range []string{cfg.CertPath, cfg.KeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create certificate directory: %w", err)
		}
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(cfg.CertPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(cfg.KeyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return &CertInfo{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Fingerprint: ComputeFingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		IsGenerated: true,
	}, nil
}

// ComputeFingerprint returns the SHA-256 fingerprint of cert as
// colon-separated uppercase hex bytes.
func ComputeFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, hexStr[i:i+2])
	}
	return strings.Join(parts, ":")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
