package publish

import (
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/channelctl/channelctl/internal/channel"
)

const userAgent = "channelctl/1.0"

// Publisher is the external publishing tool collaborator. The real
// implementation shells out to the configured executable; tests
// substitute a fake.
type Publisher interface {
	Login(username, password string) error
	Upload(user, label string, files []string) error
	Logout() error
}

// RegistryConnection publishes to an HTTP package registry through an
// external publishing tool. Downloads go straight over HTTP.
type RegistryConnection struct {
	baseURI   string
	channel   string
	user      string
	label     string
	client    *http.Client
	publisher Publisher
}

// newRegistryConnection opens a scoped session: when a username is
// supplied, the external tool's login runs immediately; Close always
// runs its logout.
func newRegistryConnection(uri, channelName, username, password string, opts *ConnectOptions) (*RegistryConnection, error) {
	user := strings.Split(channelName, "/")[0]
	label := "main"
	if strings.Contains(channelName, "label") {
		parts := strings.Split(channelName, "/")
		label = parts[len(parts)-1]
	}

	publisher := opts.publisher
	if publisher == nil {
		publisher = &execPublisher{tool: opts.Tool}
	}

	conn := &RegistryConnection{
		baseURI:   uri,
		channel:   channelName,
		user:      user,
		label:     label,
		client:    clonedTransport(opts.TLS),
		publisher: publisher,
	}

	if username != "" {
		if err := publisher.Login(username, password); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// Download fetches <base>/<channel>/<path> and streams the body into
// sink. A 404 is reported as a not-found condition, not a fault.
func (c *RegistryConnection) Download(p string, sink io.Writer) error {
	url := c.baseURI + "/" + c.channel + "/" + p
	slog.Debug("registry download", "url", url)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "download", Path: p, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: "download", Path: p, Err: err}
	}
	defer closeRespBody(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Path: p}
	case resp.StatusCode != http.StatusOK:
		return &TransportError{Op: "download", Path: p, Err: errors.Newf("status %d", resp.StatusCode)}
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		return &TransportError{Op: "download", Path: p, Err: err}
	}
	return nil
}

// UploadLocalData hands the matching files of the local channel to the
// external tool's upload operation and returns their relative paths.
func (c *RegistryConnection) UploadLocalData(local *channel.Data, name, version string) ([]string, error) {
	root, err := local.Root()
	if err != nil {
		return nil, err
	}

	relpaths := local.Paths(name, version)
	files := make([]string, 0, len(relpaths))
	for _, relpath := range relpaths {
		files = append(files, filepath.Join(root, filepath.FromSlash(relpath)))
	}

	if err := c.publisher.Upload(c.user, c.label, files); err != nil {
		return nil, err
	}
	return relpaths, nil
}

// Close always invokes the external tool's logout, even after a
// failed operation.
func (c *RegistryConnection) Close() error {
	return c.publisher.Logout()
}

func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates an HTTP client with pooled transport
// settings and the configured TLS parameters.
func clonedTransport(tlsConfig *TLSConfig) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			slog.Error("failed to build TLS config, using defaults", "error", err)
		} else {
			tr.TLSClientConfig = customTLSConfig
		}
	}

	return &http.Client{
		Transport: tr,
	}
}

var _ Connection = (*RegistryConnection)(nil)
