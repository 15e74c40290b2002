// Package tls builds the control API's TLS configuration, generating a
// self-signed certificate on demand.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Options is the [server.tls] config section. Explicit cert/key files win
// over Dir; with AutoGenerate a missing pair in Dir is created.
type Options struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3" (default)
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// safeReadFile reads p only when it lies inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificateFunc reloads the pair on every handshake so a rotated
// certificate is picked up without a restart.
func getCertificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup returns the server TLS config for opts, or nil when TLS is off.
func Setup(opts Options) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}
	minVer := uint16(tls.VersionTLS13)
	if opts.MinVersion != "" {
		v, ok := parseTLSVersion(opts.MinVersion)
		if !ok {
			return nil, fmt.Errorf("unsupported TLS min_version %q", opts.MinVersion)
		}
		minVer = v
	}

	certPath, keyPath := opts.CertFile, opts.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case opts.Dir != "":
		certPath = filepath.Join(opts.Dir, tlsCrt)
		keyPath = filepath.Join(opts.Dir, tlsKey)
		if opts.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(opts); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	if !certificatesExist(certPath, keyPath) {
		return nil, fmt.Errorf("TLS certificate %s or key %s missing", certPath, keyPath)
	}

	return &tls.Config{
		GetCertificate: getCertificateFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(opts Options) error {
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	dnsNames := opts.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	validDays := opts.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   dnsNames[0],
		Organization: "tether",
		DNSNames:     dnsNames,
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(opts.Dir, tlsCrt),
		KeyPath:      filepath.Join(opts.Dir, tlsKey),
		CACertPath:   filepath.Join(opts.Dir, tlsCaCrt),
	})
}
