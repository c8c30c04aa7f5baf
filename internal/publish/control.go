package publish

import (
	"context"
	"log/slog"
	"regexp"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/channelctl/channelctl/internal/channel"
)

// Run publishes the local channel to the selected sources, one
// connection per source, concurrently.
//
// sourceIDs names entries of config.Sources; an empty list selects all
// of them. version, when non-empty, publishes exactly that version;
// otherwise each source's regex (or, absent that, every local version
// of its package) decides.
func Run(config *Config, sourceIDs []string, version string, quiet bool) error {
	local, err := channel.LoadLocal(config.Dir)
	if err != nil {
		return errors.Wrap(err, "loading local channel")
	}

	if len(sourceIDs) == 0 {
		for id := range config.Sources {
			sourceIDs = append(sourceIDs, id)
		}
		sort.Strings(sourceIDs)
	}

	for _, id := range sourceIDs {
		if !IsValidID(id) {
			return errors.New("invalid source ID: " + id)
		}
		if _, ok := config.Sources[id]; !ok {
			return errors.New("no such source: " + id)
		}
	}

	slog.Info("publish starts", "sources", len(sourceIDs))

	group, _ := errgroup.WithContext(context.Background())
	for _, id := range sourceIDs {
		id := id
		source := config.Sources[id]
		group.Go(func() error {
			return errors.Wrap(publishSource(config, id, source, local, version, quiet), id)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	slog.Info("publish ends")
	return nil
}

// publishSource opens one connection and runs one UploadLocalData per
// selected version.
func publishSource(config *Config, id string, source *Source, local *channel.Data, version string, quiet bool) error {
	versions, err := selectVersions(local, source, version)
	if err != nil {
		return err
	}

	conn, err := Connect(source.Map(), config.ConnectOptions(quiet))
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("connection teardown failed", "source", id, "error", err)
		}
	}()

	for _, v := range versions {
		relpaths, err := conn.UploadLocalData(local, source.PkgName, v)
		if err != nil {
			return err
		}
		slog.Info("published", "source", id, "package", source.PkgName, "version", v, "files", len(relpaths))
	}
	return nil
}

// selectVersions decides which versions of the source's package to
// publish: an explicit version wins, else the source's regex selects
// among the local versions, else all of them.
func selectVersions(local *channel.Data, source *Source, explicit string) ([]string, error) {
	if explicit != "" {
		return []string{explicit}, nil
	}

	var versions []string
	for v := range local.Versions(source.PkgName) {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	if source.Regex != "" {
		re, err := regexp.Compile(source.Regex)
		if err != nil {
			return nil, errors.Wrap(err, "source regex")
		}
		var matched []string
		for _, v := range versions {
			if re.MatchString(v) {
				matched = append(matched, v)
			}
		}
		versions = matched
	}

	if len(versions) == 0 {
		return nil, errors.New("no local versions of package " + source.PkgName)
	}
	return versions, nil
}
