package publish

import (
	"bytes"
	stdbzip2 "compress/bzip2"
	"crypto/tls"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gonzalop/ftp"

	"github.com/channelctl/channelctl/internal/channel"
)

func permErr(command string) *ftp.ProtocolError {
	return &ftp.ProtocolError{Command: command, Response: "550 permission denied", Code: 550}
}

type ftpOp struct {
	cmd  string
	path string
}

// fakeFTPSession emulates just enough server behavior for the
// transport: directories that exist, files that can be retrieved and
// a record of every command in order.
type fakeFTPSession struct {
	addr      string
	tlsConfig *tls.Config

	files  map[string][]byte
	stored map[string][]byte
	dirs   map[string]bool
	ops    []ftpOp

	lockBusy  bool
	failStore bool

	loginUser  string
	loginPass  string
	quitCalled bool
}

func newFakeFTPSession() *fakeFTPSession {
	return &fakeFTPSession{
		files:  make(map[string][]byte),
		stored: make(map[string][]byte),
		dirs: map[string]bool{
			"packages":        true,
			"packages/stable": true,
		},
	}
}

func (s *fakeFTPSession) record(cmd, p string) {
	s.ops = append(s.ops, ftpOp{cmd: cmd, path: p})
}

func (s *fakeFTPSession) Login(user, password string) error {
	s.loginUser = user
	s.loginPass = password
	return nil
}

func (s *fakeFTPSession) ChangeDir(p string) error {
	s.record("CWD", p)
	if !s.dirs[p] {
		return permErr("CWD")
	}
	return nil
}

func (s *fakeFTPSession) MakeDir(p string) error {
	s.record("MKD", p)
	if s.lockBusy && p == ".lock" {
		return permErr("MKD")
	}
	if s.dirs[p] {
		return permErr("MKD")
	}
	s.dirs[p] = true
	return nil
}

func (s *fakeFTPSession) RemoveDir(p string) error {
	s.record("RMD", p)
	delete(s.dirs, p)
	return nil
}

func (s *fakeFTPSession) Retrieve(p string, sink io.Writer) error {
	s.record("RETR", p)
	contents, ok := s.files[p]
	if !ok {
		return permErr("RETR")
	}
	_, err := sink.Write(contents)
	return err
}

func (s *fakeFTPSession) Store(p string, contents io.Reader) error {
	s.record("STOR", p)
	if s.failStore {
		return errors.New("disk full")
	}
	data, err := io.ReadAll(contents)
	if err != nil {
		return err
	}
	s.stored[p] = data
	return nil
}

func (s *fakeFTPSession) Quit() error {
	s.quitCalled = true
	return nil
}

// localChannel builds a local root holding one indexed package file.
func localChannel(t *testing.T) *channel.Data {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "linux-64")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "foo-1.0-0.tar.bz2"), []byte("binary payload"), 0644); err != nil {
		t.Fatal(err)
	}

	rd := map[string]any{
		"info": map[string]any{},
		"packages": map[string]any{
			"foo-1.0-0.tar.bz2": map[string]any{
				"name": "foo", "version": "1.0", "subdir": "linux-64",
			},
		},
	}
	contents, err := json.Marshal(rd)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "repodata.json"), contents, 0644); err != nil {
		t.Fatal(err)
	}

	local, err := channel.LoadLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	return local
}

func connectFTP(t *testing.T, session *fakeFTPSession, opts *ConnectOptions) Connection {
	t.Helper()

	conn, err := Connect(testSource(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Error(err)
		}
		if !session.quitCalled {
			t.Error("Close should quit the session")
		}
	})
	return conn
}

func TestFTPDownload(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	session.files["linux-64/repodata.json"] = []byte(`{"info":{},"packages":{}}`)
	conn := connectFTP(t, session, testOptions(session))

	buf := new(bytes.Buffer)
	if err := conn.Download("linux-64/repodata.json", buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != `{"info":{},"packages":{}}` {
		t.Errorf("downloaded %q", buf.String())
	}

	err := conn.Download("osx-64/repodata.json", io.Discard)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Path != "osx-64/repodata.json" {
		t.Errorf("Path = %q", notFound.Path)
	}
	if !errors.Is(err, channel.ErrNotFound) {
		t.Error("NotFoundError should match the data model's absence sentinel")
	}
}

func TestFTPLogin(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	connectFTP(t, session, testOptions(session))

	if session.loginUser != "ftpuser" || session.loginPass != "hunter2" {
		t.Errorf("login = %q/%q", session.loginUser, session.loginPass)
	}
}

func TestFTPPathAutoCreation(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	source := testSource()
	source["channel"] = "deep/new/location"

	conn, err := Connect(source, testOptions(session))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for _, dir := range []string{"deep", "deep/new", "deep/new/location"} {
		if !session.dirs[dir] {
			t.Errorf("directory %q was not created", dir)
		}
	}

	// creation runs segment by segment in order
	var mkds []string
	for _, op := range session.ops {
		if op.cmd == "MKD" {
			mkds = append(mkds, op.path)
		}
	}
	if !reflect.DeepEqual(mkds, []string{"deep", "deep/new", "deep/new/location"}) {
		t.Errorf("MKD sequence = %v", mkds)
	}
}

func TestFTPUploadLocalData(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	// the remote already has a package in the same subdir that the
	// merged index must retain
	existing := map[string]any{
		"info": map[string]any{},
		"packages": map[string]any{
			"bar-2.0-0.tar.bz2": map[string]any{
				"name": "bar", "version": "2.0", "subdir": "linux-64",
			},
		},
	}
	contents, err := json.Marshal(existing)
	if err != nil {
		t.Fatal(err)
	}
	session.files["linux-64/repodata.json"] = contents

	conn := connectFTP(t, session, testOptions(session))

	relpaths, err := conn.UploadLocalData(localChannel(t), "foo", "1.0")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(relpaths, []string{"linux-64/foo-1.0-0.tar.bz2"}) {
		t.Errorf("relpaths = %v", relpaths)
	}

	if !bytes.Equal(session.stored["linux-64/foo-1.0-0.tar.bz2"], []byte("binary payload")) {
		t.Error("binary was not stored")
	}

	var merged channel.Repodata
	if err := json.Unmarshal(session.stored["linux-64/repodata.json"], &merged); err != nil {
		t.Fatal(err)
	}
	if _, ok := merged.Packages["foo-1.0-0.tar.bz2"]; !ok {
		t.Error("merged repodata lost the new package")
	}
	if _, ok := merged.Packages["bar-2.0-0.tar.bz2"]; !ok {
		t.Error("merged repodata lost the existing remote package")
	}

	decompressed, err := io.ReadAll(stdbzip2.NewReader(bytes.NewReader(session.stored["linux-64/repodata.json.bz2"])))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, session.stored["linux-64/repodata.json"]) {
		t.Error("compressed repodata twin does not match")
	}
}

func TestFTPUploadOrdering(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	conn := connectFTP(t, session, testOptions(session))

	if _, err := conn.UploadLocalData(localChannel(t), "foo", "1.0"); err != nil {
		t.Fatal(err)
	}

	// the lock spans the whole sequence, and every binary store
	// precedes every repodata store
	var sawLock, sawBinary, sawRepodata, sawUnlock bool
	for _, op := range session.ops {
		switch {
		case op.cmd == "MKD" && op.path == ".lock":
			sawLock = true
		case op.cmd == "STOR" && strings.Contains(op.path, "repodata.json"):
			if !sawLock {
				t.Error("repodata stored outside the lock")
			}
			if !sawBinary {
				t.Error("repodata stored before its binary")
			}
			sawRepodata = true
		case op.cmd == "STOR":
			if !sawLock {
				t.Error("binary stored outside the lock")
			}
			if sawRepodata {
				t.Error("binary stored after a repodata store")
			}
			sawBinary = true
		case op.cmd == "RMD" && op.path == ".lock":
			if !sawRepodata {
				t.Error("lock released before the repodata landed")
			}
			sawUnlock = true
		}
	}
	if !sawLock || !sawBinary || !sawRepodata || !sawUnlock {
		t.Errorf("incomplete publish sequence: %v", session.ops)
	}
}

func TestFTPLockTimeout(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	session.lockBusy = true

	opts := testOptions(session)
	opts.Lock.Timeout = tomlDuration{10 * time.Millisecond}
	opts.Lock.RetryInterval = tomlDuration{time.Millisecond}

	conn := connectFTP(t, session, opts)

	_, err := conn.UploadLocalData(localChannel(t), "foo", "1.0")
	var lockErr *LockTimeoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
	if lockErr.Dir != ".lock" {
		t.Errorf("Dir = %q", lockErr.Dir)
	}

	// no remote writes happened
	for _, op := range session.ops {
		if op.cmd == "STOR" {
			t.Errorf("unexpected %s %s during failed lock acquisition", op.cmd, op.path)
		}
	}
}

func TestFTPLockReleasedOnFailure(t *testing.T) {
	t.Parallel()

	session := newFakeFTPSession()
	session.failStore = true

	conn := connectFTP(t, session, testOptions(session))

	_, err := conn.UploadLocalData(localChannel(t), "foo", "1.0")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}

	released := false
	for _, op := range session.ops {
		if op.cmd == "RMD" && op.path == ".lock" {
			released = true
		}
	}
	if !released {
		t.Error("lock must be released even when the guarded section fails")
	}
	if session.dirs[".lock"] {
		t.Error("lock directory still present")
	}
}
