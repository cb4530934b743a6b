package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSOptions locates the listener's key material. Leaving both the
// certificate and key empty serves plaintext, which is only accepted when
// AllowInsecure is set.
type TLSOptions struct {
	CertFile         string
	KeyFile          string
	ClientCAFile     string
	AllowInsecure    bool
	MTLSRequired     bool
	AllowedClientCNs []string
}

// TLSConfig builds the listener TLS configuration. A nil config with a nil
// error means plaintext.
func TLSConfig(opts TLSOptions) (*tls.Config, error) {
	certPath := strings.TrimSpace(opts.CertFile)
	keyPath := strings.TrimSpace(opts.KeyFile)
	requireClientCert := opts.MTLSRequired || len(opts.AllowedClientCNs) > 0

	if certPath == "" || keyPath == "" {
		if requireClientCert {
			return nil, fmt.Errorf("mtls requires server certificate, key, and client ca configuration")
		}
		if opts.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if caPath := strings.TrimSpace(opts.ClientCAFile); caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if requireClientCert {
		if cfg.ClientCAs == nil {
			return nil, fmt.Errorf("client ca bundle required for mtls")
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if allowed := allowedNames(opts.AllowedClientCNs); len(allowed) > 0 {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			for _, chain := range cs.VerifiedChains {
				if len(chain) > 0 {
					if _, ok := allowed[strings.TrimSpace(chain[0].Subject.CommonName)]; ok {
						return nil
					}
				}
			}
			return fmt.Errorf("client certificate common name not allowed")
		}
	}
	return cfg, nil
}

func allowedNames(names []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return allowed
}
