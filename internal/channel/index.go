package channel

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"crypto/md5" // #nosec G501 - md5 is part of the repodata format, not used for security
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

const metadataName = "info/index.json"

// BuildIndex scans every supported subdir of a local channel root for
// package archives (.tar.bz2 and .conda), extracts each package's
// metadata record and rewrites the subdir's repodata.json plus its
// compressed twin. Archives whose metadata cannot be read are skipped
// with a warning.
func BuildIndex(root string) error {
	for _, subdir := range Subdirs {
		dir := filepath.Join(root, subdir)
		dirEntries, err := os.ReadDir(dir)
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			return errors.Wrap(err, subdir)
		}

		rd := emptyRepodata()
		for _, dirEntry := range dirEntries {
			name := dirEntry.Name()
			if dirEntry.IsDir() || !isPackageFile(name) {
				continue
			}
			spec, err := indexPackage(filepath.Join(dir, name), subdir)
			if err != nil {
				slog.Warn("skipping unreadable package", "subdir", subdir, "file", name, "error", err)
				continue
			}
			rd.Packages[name] = spec
		}

		if err := writeRepodata(dir, rd); err != nil {
			return errors.Wrap(err, subdir)
		}
		slog.Info("indexed subdir", "subdir", subdir, "packages", len(rd.Packages))
	}
	return nil
}

func isPackageFile(name string) bool {
	return strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".conda")
}

// indexPackage extracts the metadata record from one package archive
// and enriches it with size and checksums. The subdir field always
// reflects the directory being scanned.
func indexPackage(p, subdir string) (PackageSpec, error) {
	var spec PackageSpec
	var err error
	if strings.HasSuffix(p, ".conda") {
		spec, err = readCondaMetadata(p)
	} else {
		spec, err = readTarballMetadata(p)
	}
	if err != nil {
		return nil, err
	}

	spec["subdir"] = subdir

	size, md5sum, sha256sum, err := hashFile(p)
	if err != nil {
		return nil, err
	}
	spec["size"] = size
	spec["md5"] = md5sum
	spec["sha256"] = sha256sum

	if err := spec.Check(); err != nil {
		return nil, err
	}
	return spec, nil
}

// readTarballMetadata reads info/index.json from a bzip2-compressed
// tarball package.
func readTarballMetadata(p string) (PackageSpec, error) {
	f, err := os.Open(p) // #nosec G304 - p comes from scanning the channel root
	if err != nil {
		return nil, err
	}
	defer closeQuietly(f, p)

	return findMetadata(tar.NewReader(bzip2.NewReader(f)))
}

// readCondaMetadata reads info/index.json from a .conda package, which
// is a zip archive of zstd-compressed tarballs.
func readCondaMetadata(p string) (PackageSpec, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(zr, p)

	for _, entry := range zr.File {
		if !strings.HasPrefix(entry.Name, "info-") || !strings.HasSuffix(entry.Name, ".tar.zst") {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, err
		}
		defer closeQuietly(rc, entry.Name)

		zstdReader, err := zstd.NewReader(rc)
		if err != nil {
			return nil, err
		}
		defer zstdReader.Close()

		return findMetadata(tar.NewReader(zstdReader))
	}
	return nil, errors.New("no info archive in " + p)
}

func findMetadata(tr *tar.Reader) (PackageSpec, error) {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errors.New("no " + metadataName + " in archive")
		}
		if err != nil {
			return nil, err
		}
		if filepath.Clean(hdr.Name) != metadataName {
			continue
		}
		spec := make(PackageSpec)
		if err := json.NewDecoder(tr).Decode(&spec); err != nil {
			return nil, errors.Wrap(err, metadataName)
		}
		return spec, nil
	}
}

func hashFile(p string) (size int64, md5sum, sha256sum string, err error) {
	f, err := os.Open(p) // #nosec G304 - p comes from scanning the channel root
	if err != nil {
		return 0, "", "", err
	}
	defer closeQuietly(f, p)

	md5h := md5.New() // #nosec G401 - md5 is part of the repodata format
	sha256h := sha256.New()
	size, err = io.Copy(io.MultiWriter(md5h, sha256h), f)
	if err != nil {
		return 0, "", "", err
	}
	return size, hex.EncodeToString(md5h.Sum(nil)), hex.EncodeToString(sha256h.Sum(nil)), nil
}

// writeRepodata atomically replaces dir's repodata.json and its
// compressed twin: temp file, rename, then fsync on the directory.
func writeRepodata(dir string, rd *Repodata) error {
	contents, err := json.Marshal(rd)
	if err != nil {
		return err
	}
	compressed, err := compress(contents)
	if err != nil {
		return err
	}

	if err := replaceFile(dir, RepodataName, contents); err != nil {
		return err
	}
	if err := replaceFile(dir, RepodataName+CompressExt, compressed); err != nil {
		return err
	}
	return DirSync(dir)
}

func replaceFile(dir, name string, contents []byte) error {
	f, err := os.CreateTemp(dir, "_tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	if _, err := f.Write(contents); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil { // #nosec G302 - repodata files are served publicly
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

func closeQuietly(c io.Closer, name string) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "name", name, "error", err)
	}
}
