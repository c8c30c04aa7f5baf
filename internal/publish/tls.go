package publish

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds the TLS settings shared by the HTTPS registry
// client and the FTPS transport.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version,omitempty"`
	MaxVersion         string   `toml:"max_version,omitempty"`
	CACertFile         string   `toml:"ca_cert_file,omitempty"`
	ClientCertFile     string   `toml:"client_cert_file,omitempty"`
	ClientKeyFile      string   `toml:"client_key_file,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty"`
	ServerName         string   `toml:"server_name,omitempty"`
	CipherSuites       []string `toml:"cipher_suites,omitempty"`
}

func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	case "":
		return 0, nil
	default:
		return 0, errors.New("unsupported TLS version: " + version)
	}
}

// Validate checks the TLS configuration for consistency.
func (c *TLSConfig) Validate() error {
	minVersion, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return err
	}
	maxVersion, err := parseTLSVersion(c.MaxVersion)
	if err != nil {
		return err
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return errors.New("min_version cannot be greater than max_version")
	}

	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}

	if c.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled")
	}

	return nil
}

// BuildTLSConfig produces a *tls.Config from the settings. The
// minimum version defaults to TLS 1.2.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	minVersion, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	maxVersion, err := parseTLSVersion(c.MaxVersion)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - explicit operator opt-in via config
	}

	if len(c.CipherSuites) > 0 {
		suites, err := parseCipherSuites(c.CipherSuites)
		if err != nil {
			return nil, err
		}
		tlsConfig.CipherSuites = suites
	}

	if c.CACertFile != "" {
		caCert, err := os.ReadFile(c.CACertFile) // #nosec G304 - path comes from operator config
		if err != nil {
			return nil, errors.Wrap(err, "ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates found in " + c.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if c.ClientCertFile != "" || c.ClientKeyFile != "" {
		if c.ClientCertFile == "" || c.ClientKeyFile == "" {
			return nil, errors.New("both client_cert_file and client_key_file must be specified")
		}
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func parseCipherSuites(names []string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}

	var ids []uint16
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, errors.New("unknown cipher suite: " + name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
