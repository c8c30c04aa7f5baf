package publish

import (
	"reflect"
	"strings"
	"testing"

	"github.com/channelctl/channelctl/internal/channel"
)

func versionedChannel(t *testing.T) *channel.Data {
	t.Helper()

	data := channel.NewData()
	for _, entry := range []struct{ filename, name, version string }{
		{"foo-1.0-0.tar.bz2", "foo", "1.0"},
		{"foo-2.0-0.tar.bz2", "foo", "2.0"},
		{"foo-2.1-0.tar.bz2", "foo", "2.1"},
		{"bar-3.0-0.tar.bz2", "bar", "3.0"},
	} {
		spec := channel.PackageSpec{
			"name":    entry.name,
			"version": entry.version,
			"subdir":  "noarch",
		}
		if err := data.Add(entry.filename, spec); err != nil {
			t.Fatal(err)
		}
	}
	return data
}

func TestSelectVersions(t *testing.T) {
	t.Parallel()

	local := versionedChannel(t)

	testCases := []struct {
		name     string
		source   *Source
		explicit string
		want     []string
		wantErr  string
	}{
		{
			name:     "explicit version wins",
			source:   &Source{PkgName: "foo", Regex: `^1\.`},
			explicit: "9.9",
			want:     []string{"9.9"},
		},
		{
			name:   "all local versions sorted",
			source: &Source{PkgName: "foo"},
			want:   []string{"1.0", "2.0", "2.1"},
		},
		{
			name:   "regex filters versions",
			source: &Source{PkgName: "foo", Regex: `^2\.`},
			want:   []string{"2.0", "2.1"},
		},
		{
			name:    "regex selects nothing",
			source:  &Source{PkgName: "foo", Regex: `^3\.`},
			wantErr: "no local versions",
		},
		{
			name:    "unknown package",
			source:  &Source{PkgName: "baz"},
			wantErr: "no local versions",
		},
		{
			name:    "invalid regex",
			source:  &Source{PkgName: "foo", Regex: `([`},
			wantErr: "source regex",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			versions, err := selectVersions(local, tc.source, tc.explicit)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("error = %v, wanted one containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(versions, tc.want) {
				t.Errorf("versions = %v, want %v", versions, tc.want)
			}
		})
	}
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	config := NewConfig()
	config.Dir = t.TempDir()
	config.Sources = map[string]*Source{
		"main": {
			PkgName: "foo",
			URI:     "ftp://ftp.example.com",
			Channel: "packages/stable",
		},
	}

	err := Run(config, []string{"Not-Valid!"}, "", true)
	if err == nil || !strings.Contains(err.Error(), "invalid source ID") {
		t.Errorf("error = %v, wanted an invalid-ID error", err)
	}

	err = Run(config, []string{"missing"}, "", true)
	if err == nil || !strings.Contains(err.Error(), "no such source") {
		t.Errorf("error = %v, wanted a no-such-source error", err)
	}
}
