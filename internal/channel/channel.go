package channel

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/dsnet/compress/bzip2"
)

const (
	// RepodataName is the per-subdir index filename.
	RepodataName = "repodata.json"

	// CompressExt is the suffix of the compressed repodata twin.
	CompressExt = ".bz2"
)

// Subdirs is the fixed set of architecture subdirectories a channel
// carries. A Data always holds a record for every one of them.
var Subdirs = []string{"noarch", "osx-64", "linux-64", "linux-32", "win-64", "win-32"}

// ErrNotFound marks "remote path does not exist" errors. Transports
// translate their protocol-level absence responses into errors that
// match this sentinel so that missing repodata can be told apart from
// genuine transport faults.
var ErrNotFound = errors.New("not found")

// Downloader fetches a channel-relative path into a sink.
type Downloader interface {
	Download(p string, sink io.Writer) error
}

// PackageSpec is a single package's metadata record as stored in
// repodata. It is kept as a generic map so unknown fields survive a
// load, merge and re-serialize round trip unchanged.
type PackageSpec map[string]any

func (s PackageSpec) str(key string) string {
	v, _ := s[key].(string)
	return v
}

// Name returns the package name, or "" if absent.
func (s PackageSpec) Name() string { return s.str("name") }

// Version returns the package version, or "" if absent.
func (s PackageSpec) Version() string { return s.str("version") }

// Subdir returns the architecture subdirectory, or "" if absent.
func (s PackageSpec) Subdir() string { return s.str("subdir") }

// Check verifies that the spec carries the required fields and that
// its subdir is one of the supported architectures.
func (s PackageSpec) Check() error {
	for _, key := range []string{"name", "version", "subdir"} {
		if s.str(key) == "" {
			return &ShapeError{Value: s, Want: "package spec with key " + key}
		}
	}
	for _, subdir := range Subdirs {
		if s.Subdir() == subdir {
			return nil
		}
	}
	return &ShapeError{Value: s, Want: "supported subdir"}
}

// Repodata is the index of one architecture subdirectory.
type Repodata struct {
	Info     map[string]any         `json:"info"`
	Packages map[string]PackageSpec `json:"packages"`
}

func emptyRepodata() *Repodata {
	return &Repodata{
		Info:     make(map[string]any),
		Packages: make(map[string]PackageSpec),
	}
}

// Data aggregates the per-subdir repodata of one channel.
//
// A Data comes from exactly one source: a remote connection
// (LoadRemote) or a local channel root (LoadLocal). Only a locally
// sourced Data has a root directory.
type Data struct {
	root     string
	repodata map[string]*Repodata
}

// LoadLocal reads the channel rooted at dir. A subdir without a
// repodata.json is an expected "not yet published" state and yields an
// empty record; a malformed repodata.json is an error.
func LoadLocal(dir string) (*Data, error) {
	d := &Data{
		root:     dir,
		repodata: make(map[string]*Repodata),
	}
	for _, subdir := range Subdirs {
		p := filepath.Join(dir, subdir, RepodataName)
		content, err := os.ReadFile(p) // #nosec G304 - p is the channel root plus fixed components
		switch {
		case os.IsNotExist(err):
			d.repodata[subdir] = emptyRepodata()
			continue
		case err != nil:
			return nil, errors.Wrap(err, subdir)
		}
		rd := emptyRepodata()
		if err := json.Unmarshal(content, rd); err != nil {
			return nil, errors.Wrap(err, p)
		}
		d.repodata[subdir] = rd
	}
	return d, nil
}

// LoadRemote downloads the channel's repodata through conn. Paths the
// transport reports as absent (ErrNotFound) yield an empty record.
func LoadRemote(conn Downloader) (*Data, error) {
	d := &Data{
		repodata: make(map[string]*Repodata),
	}
	for _, subdir := range Subdirs {
		p := path.Join(subdir, RepodataName)
		buf := new(bytes.Buffer)
		err := conn.Download(p, buf)
		switch {
		case errors.Is(err, ErrNotFound):
			d.repodata[subdir] = emptyRepodata()
			continue
		case err != nil:
			return nil, errors.Wrap(err, subdir)
		}
		rd := emptyRepodata()
		if err := json.Unmarshal(buf.Bytes(), rd); err != nil {
			return nil, errors.Wrap(err, p)
		}
		d.repodata[subdir] = rd
	}
	return d, nil
}

// NewData returns an empty, remote-less Data covering all subdirs.
// It is used to build delta stores for merging.
func NewData() *Data {
	d := &Data{
		repodata: make(map[string]*Repodata),
	}
	for _, subdir := range Subdirs {
		d.repodata[subdir] = emptyRepodata()
	}
	return d
}

// Root returns the local channel root. It fails for a remotely
// sourced Data.
func (d *Data) Root() (string, error) {
	if d.root == "" {
		return "", errors.New("not locally sourced channel data, no root")
	}
	return d.root, nil
}

// Add inserts or overwrites spec under its subdir's packages mapping.
// spec.Subdir() must name a supported subdir.
func (d *Data) Add(filename string, spec PackageSpec) error {
	rd, ok := d.repodata[spec.Subdir()]
	if !ok {
		return &ShapeError{Value: spec, Want: "supported subdir"}
	}
	rd.Packages[filename] = spec
	return nil
}

// Entries iterates (filename, spec) pairs across all subdirs,
// filtered by exact name/version when non-empty. The sequence is
// restartable.
func (d *Data) Entries(name, version string) iter.Seq2[string, PackageSpec] {
	return func(yield func(string, PackageSpec) bool) {
		for _, subdir := range Subdirs {
			for filename, spec := range d.repodata[subdir].Packages {
				if name != "" && name != spec.Name() {
					continue
				}
				if version != "" && version != spec.Version() {
					continue
				}
				if !yield(filename, spec) {
					return
				}
			}
		}
	}
}

// Paths lists the channel-relative paths of matching entries, such as
// "linux-64/foo-1.0-0.tar.bz2".
func (d *Data) Paths(name, version string) []string {
	var paths []string
	for filename, spec := range d.Entries(name, version) {
		paths = append(paths, path.Join(spec.Subdir(), filename))
	}
	return paths
}

// Names returns the distinct package names in the channel.
func (d *Data) Names() map[string]struct{} {
	names := make(map[string]struct{})
	for _, spec := range d.Entries("", "") {
		names[spec.Name()] = struct{}{}
	}
	return names
}

// Versions returns the distinct versions of the named package.
func (d *Data) Versions(name string) map[string]struct{} {
	versions := make(map[string]struct{})
	for _, spec := range d.Entries(name, "") {
		versions[spec.Version()] = struct{}{}
	}
	return versions
}

// RepodataFile is one serialized index file to be published.
type RepodataFile struct {
	Path     string
	Contents []byte
}

// RepodataFiles serializes the index of every non-empty subdir, in
// plain and bzip2-compressed form. The compressed twin decompresses to
// exactly the plain bytes.
func (d *Data) RepodataFiles() ([]RepodataFile, error) {
	var files []RepodataFile
	for _, subdir := range Subdirs {
		rd := d.repodata[subdir]
		if len(rd.Packages) == 0 {
			continue
		}
		relpath := path.Join(subdir, RepodataName)
		contents, err := json.Marshal(rd)
		if err != nil {
			return nil, errors.Wrap(err, relpath)
		}
		compressed, err := compress(contents)
		if err != nil {
			return nil, errors.Wrap(err, relpath+CompressExt)
		}
		files = append(files, RepodataFile{Path: relpath, Contents: contents})
		files = append(files, RepodataFile{Path: relpath + CompressExt, Contents: compressed})
	}
	return files, nil
}

func compress(contents []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w, err := bzip2.NewWriter(buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(contents); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
