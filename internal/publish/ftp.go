package publish

import (
	"bytes"
	"crypto/tls"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/gonzalop/ftp"

	"github.com/channelctl/channelctl/internal/channel"
)

// ftpSession is the subset of FTP commands the transport composes.
// *ftp.Client satisfies it; tests substitute a fake.
type ftpSession interface {
	Login(user, password string) error
	ChangeDir(p string) error
	MakeDir(p string) error
	RemoveDir(p string) error
	Retrieve(p string, sink io.Writer) error
	Store(p string, contents io.Reader) error
	Quit() error
}

type ftpDialer func(addr string, tlsConfig *tls.Config, timeout time.Duration) (ftpSession, error)

func dialFTP(addr string, tlsConfig *tls.Config, timeout time.Duration) (ftpSession, error) {
	if tlsConfig != nil {
		return ftp.Dial(addr, ftp.WithTimeout(timeout), ftp.WithExplicitTLS(tlsConfig))
	}
	return ftp.Dial(addr, ftp.WithTimeout(timeout))
}

// isPermError reports whether err is a permanent-failure protocol
// response (5xx). FTP servers answer both "no such file" and
// "directory exists" this way.
func isPermError(err error) bool {
	var protoErr *ftp.ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}
	return false
}

// FileTransferConnection publishes to a channel served over FTP or
// FTPS. Uploads run under a remote directory lock so concurrent
// publishers cannot interleave their index rewrites.
type FileTransferConnection struct {
	session ftpSession
	channel string
	lock    LockConfig
	quiet   bool
}

// newFileTransferConnection dials host[:port] from the URI, logs in
// and changes into the channel directory, creating the hierarchy on
// first use.
func newFileTransferConnection(uri *url.URL, channelName, username, password string, useTLS bool, opts *ConnectOptions) (*FileTransferConnection, error) {
	addr := uri.Host
	if uri.Port() == "" {
		addr += ":21"
	}

	var tlsConfig *tls.Config
	if useTLS {
		var err error
		tlsConfig, err = opts.TLS.BuildTLSConfig()
		if err != nil {
			return nil, err
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = uri.Hostname()
		}
	}

	dial := opts.dial
	if dial == nil {
		dial = dialFTP
	}
	session, err := dial(addr, tlsConfig, opts.DialTimeout)
	if err != nil {
		return nil, &TransportError{Op: "dial", Path: addr, Err: err}
	}

	conn := &FileTransferConnection{
		session: session,
		channel: channelName,
		lock:    opts.Lock,
		quiet:   opts.Quiet,
	}

	if err := session.Login(username, password); err != nil {
		conn.quit()
		return nil, &TransportError{Op: "login", Path: addr, Err: err}
	}

	if err := session.ChangeDir(channelName); err != nil {
		conn.mkpath(channelName)
		if err := session.ChangeDir(channelName); err != nil {
			conn.quit()
			return nil, &TransportError{Op: "cwd", Path: channelName, Err: err}
		}
	}
	return conn, nil
}

// mkpath creates a directory hierarchy segment by segment, tolerating
// segments that already exist.
func (c *FileTransferConnection) mkpath(p string) {
	var existing []string
	for _, segment := range strings.Split(p, "/") {
		existing = append(existing, segment)
		if err := c.session.MakeDir(strings.Join(existing, "/")); err != nil {
			// directory already exists
			slog.Debug("mkd failed", "path", strings.Join(existing, "/"), "error", err)
		}
	}
}

// Download retrieves a channel-relative path in binary mode. A
// permanent-failure response means the path is absent.
func (c *FileTransferConnection) Download(p string, sink io.Writer) error {
	err := c.session.Retrieve(p, sink)
	switch {
	case err == nil:
		return nil
	case isPermError(err):
		return &NotFoundError{Path: p}
	default:
		return &TransportError{Op: "retrieve", Path: p, Err: err}
	}
}

// UploadLocalData merges the matching local entries into the remote
// channel under the channel lock:
//
//  1. load a fresh snapshot of the remote repodata
//  2. merge the matching local entries into it
//  3. store every package binary, creating directories as needed
//  4. store the merged repodata (plain and compressed) last
//
// The index never advertises a package whose binary has not landed.
func (c *FileTransferConnection) UploadLocalData(local *channel.Data, name, version string) ([]string, error) {
	root, err := local.Root()
	if err != nil {
		return nil, err
	}

	if err := c.acquireLock(); err != nil {
		return nil, err
	}
	defer c.releaseLock()

	merged, err := channel.LoadRemote(c)
	if err != nil {
		return nil, err
	}

	relpaths := local.Paths(name, version)
	for filename, spec := range local.Entries(name, version) {
		if err := merged.Add(filename, spec); err != nil {
			return nil, err
		}
	}

	for _, relpath := range relpaths {
		if dir := path.Dir(relpath); dir != "." {
			if err := c.session.MakeDir(dir); err != nil {
				// directory already exists
				slog.Debug("mkd failed", "path", dir, "error", err)
			}
		}
		if err := c.storeLocalFile(root, relpath); err != nil {
			return nil, err
		}
	}

	files, err := merged.RepodataFiles()
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if err := c.session.Store(file.Path, bytes.NewReader(file.Contents)); err != nil {
			return nil, &TransportError{Op: "store", Path: file.Path, Err: err}
		}
	}

	return relpaths, nil
}

func (c *FileTransferConnection) storeLocalFile(root, relpath string) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(relpath))) // #nosec G304 - path is the channel root plus an indexed entry
	if err != nil {
		return errors.Wrap(err, relpath)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close local file", "path", relpath, "error", err)
		}
	}()

	var contents io.Reader = f
	var bar *pb.ProgressBar
	if !c.quiet {
		if st, err := f.Stat(); err == nil {
			bar = pb.Full.Start64(st.Size())
			bar.Set("prefix", relpath+" ")
			contents = bar.NewProxyReader(f)
		}
	}

	err = c.session.Store(relpath, contents)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return &TransportError{Op: "store", Path: relpath, Err: err}
	}
	return nil
}

// acquireLock takes the channel lock by creating the lock directory,
// relying on the server's atomic "create if absent" MKD semantics.
// While another publisher holds it, MKD answers with a permanent
// failure; we retry at a fixed interval up to the configured ceiling.
func (c *FileTransferConnection) acquireLock() error {
	start := time.Now()
	for {
		err := c.session.MakeDir(c.lock.Dirname)
		if err == nil {
			slog.Debug("acquired channel lock", "dir", c.lock.Dirname)
			return nil
		}
		if !isPermError(err) {
			return &TransportError{Op: "mkd", Path: c.lock.Dirname, Err: err}
		}
		if time.Since(start) > c.lock.Timeout.Duration {
			return &LockTimeoutError{Dir: c.lock.Dirname, Wait: c.lock.Timeout.Duration}
		}
		time.Sleep(c.lock.RetryInterval.Duration)
	}
}

// releaseLock removes the lock directory. It runs whether the guarded
// section succeeded or failed; a failure here only warns, since the
// publish outcome is already decided.
func (c *FileTransferConnection) releaseLock() {
	if err := c.session.RemoveDir(c.lock.Dirname); err != nil {
		slog.Warn("failed to remove channel lock", "dir", c.lock.Dirname, "error", err)
	}
}

// Close quits the FTP session.
func (c *FileTransferConnection) Close() error {
	return c.session.Quit()
}

func (c *FileTransferConnection) quit() {
	if err := c.session.Quit(); err != nil {
		slog.Warn("failed to quit ftp session", "error", err)
	}
}

var _ Connection = (*FileTransferConnection)(nil)
