package publish

import (
	"net/url"
	"time"

	"github.com/channelctl/channelctl/internal/channel"
)

// Connection is the capability a remote channel transport offers:
// fetching channel-relative paths and merging a local subset into the
// remote channel.
type Connection interface {
	channel.Downloader

	// UploadLocalData publishes the entries of local matching
	// name/version and returns the channel-relative paths uploaded.
	UploadLocalData(local *channel.Data, name, version string) ([]string, error)

	// Close tears the session down. It must be called even when an
	// operation failed.
	Close() error
}

// ConnectOptions carries the transport settings Connect needs beyond
// the source record itself.
type ConnectOptions struct {
	Endpoints   []string
	Tool        string
	Lock        LockConfig
	TLS         *TLSConfig
	DialTimeout time.Duration
	Quiet       bool

	// overridable for tests
	dial      ftpDialer
	publisher Publisher
}

// ConnectOptions derives transport settings from the configuration.
func (c *Config) ConnectOptions(quiet bool) *ConnectOptions {
	return &ConnectOptions{
		Endpoints:   c.Registry.Endpoints(),
		Tool:        c.Registry.Tool,
		Lock:        c.Lock,
		TLS:         &c.TLS,
		DialTimeout: c.DialTimeout.Duration,
		Quiet:       quiet,
	}
}

var requiredSourceKeys = []string{"pkg_name", "uri", "channel"}

type sourceRecord struct {
	uri      string
	channel  string
	username string
	password string
}

// checkSource validates a source configuration record: the required
// keys must be present and nothing beyond the known optional keys may
// remain.
func checkSource(source map[string]string) (*sourceRecord, error) {
	remaining := make(map[string]string, len(source))
	for k, v := range source {
		remaining[k] = v
	}

	record := &sourceRecord{
		username: remaining["user"],
		password: remaining["pass"],
	}
	delete(remaining, "user")
	delete(remaining, "pass")
	delete(remaining, "regex")

	for _, key := range requiredSourceKeys {
		if _, ok := remaining[key]; !ok {
			return nil, &ConfigError{Key: key, Reason: "missing"}
		}
	}
	record.uri = remaining["uri"]
	record.channel = remaining["channel"]
	for _, key := range requiredSourceKeys {
		delete(remaining, key)
	}
	for key := range remaining {
		return nil, &ConfigError{Key: key, Reason: "unknown"}
	}
	return record, nil
}

type variant int

const (
	variantRegistry variant = iota
	variantFTP
	variantFTPS
)

// selectVariant picks the transport for a URI: registry for an exact
// endpoint match, file transfer for ftp/ftps schemes.
func selectVariant(uri string, endpoints []string) (variant, *url.URL, error) {
	for _, endpoint := range endpoints {
		if uri == endpoint {
			return variantRegistry, nil, nil
		}
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return 0, nil, &UnsupportedURIError{URI: uri}
	}
	switch parsed.Scheme {
	case "ftp":
		return variantFTP, parsed, nil
	case "ftps":
		return variantFTPS, parsed, nil
	default:
		return 0, nil, &UnsupportedURIError{URI: uri}
	}
}

// CheckSource validates a source record without opening a connection.
func CheckSource(source map[string]string, endpoints []string) error {
	record, err := checkSource(source)
	if err != nil {
		return err
	}
	_, _, err = selectVariant(record.uri, endpoints)
	return err
}

// Connect validates a source configuration record and opens the
// transport variant its URI selects.
func Connect(source map[string]string, opts *ConnectOptions) (Connection, error) {
	record, err := checkSource(source)
	if err != nil {
		return nil, err
	}

	v, parsed, err := selectVariant(record.uri, opts.Endpoints)
	if err != nil {
		return nil, err
	}
	switch v {
	case variantRegistry:
		return newRegistryConnection(record.uri, record.channel, record.username, record.password, opts)
	case variantFTPS:
		return newFileTransferConnection(parsed, record.channel, record.username, record.password, true, opts)
	default:
		return newFileTransferConnection(parsed, record.channel, record.username, record.password, false, opts)
	}
}
