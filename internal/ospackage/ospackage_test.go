package ospackage

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func fullRecord() PackageInfo {
	return PackageInfo{
		Name:         "curl",
		Version:      "8.5.0-1",
		Description:  "command line tool for transferring data with URLs",
		Dependencies: []string{"libcurl", "zlib"},
		Provides:     []string{"webclient"},
		Conflicts:    []string{"curl-minimal"},
		Maintainer:   "Jane Doe <jane@example.com>",
		Homepage:     "https://curl.se",
		License:      "MIT",
		Size:         421337,
		SHA256:       strings.Repeat("ab", 32),
		Architecture: "x86_64",
		Repository:   "https://mirror.example.com/stable",
		ReleaseDate:  time.Date(2024, 12, 11, 7, 30, 15, 123000000, time.UTC),
		Priority:     5,
		Installed:    true,
	}
}

func TestPackageInfoRoundTrip(t *testing.T) {
	local := time.FixedZone("UTC+2", 2*60*60)

	testCases := []struct {
		name   string
		in     func() PackageInfo
		expect func() PackageInfo
	}{
		{
			name:   "fully populated",
			in:     fullRecord,
			expect: fullRecord,
		},
		{
			name: "nil lists decode as empty",
			in: func() PackageInfo {
				p := fullRecord()
				p.Dependencies, p.Provides, p.Conflicts = nil, nil, nil
				return p
			},
			expect: func() PackageInfo {
				p := fullRecord()
				p.Dependencies, p.Provides, p.Conflicts = []string{}, []string{}, []string{}
				return p
			},
		},
		{
			name: "release date in UTC truncated to milliseconds",
			in: func() PackageInfo {
				p := fullRecord()
				p.ReleaseDate = time.Date(2024, 12, 11, 9, 30, 15, 123456789, local)
				return p
			},
			expect: func() PackageInfo {
				p := fullRecord()
				p.ReleaseDate = time.Date(2024, 12, 11, 7, 30, 15, 123000000, time.UTC)
				return p
			},
		},
		{
			name: "zero release date stays zero",
			in: func() PackageInfo {
				p := fullRecord()
				p.ReleaseDate = time.Time{}
				return p
			},
			expect: func() PackageInfo {
				p := fullRecord()
				p.ReleaseDate = time.Time{}
				return p
			},
		},
		{
			name: "not installed",
			in: func() PackageInfo {
				p := fullRecord()
				p.Installed = false
				return p
			},
			expect: func() PackageInfo {
				p := fullRecord()
				p.Installed = false
				return p
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.in())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got PackageInfo
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			if want := tc.expect(); !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
			}
		})
	}
}

func TestPackageInfoWireNames(t *testing.T) {
	data, err := json.Marshal(fullRecord())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"name", "version", "description", "dependencies", "provides", "conflicts",
		"maintainer", "homepage", "license", "size", "sha256", "architecture",
		"repository", "release_date", "priority", "installed",
	} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire field %q in %s", key, data)
		}
	}
	if ms, _ := raw["release_date"].(float64); int64(ms) != fullRecord().ReleaseDate.UnixMilli() {
		t.Errorf("release_date = %v, want epoch milliseconds", raw["release_date"])
	}
}

func TestPackageInfoAbsentFieldsAreZero(t *testing.T) {
	var got PackageInfo
	if err := json.Unmarshal([]byte(`{"name":"bare"}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, PackageInfo{Name: "bare"}) {
		t.Errorf("expected zero values for absent fields, got %+v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := fullRecord()
	c := orig.Clone()
	c.Dependencies[0] = "changed"
	if orig.Dependencies[0] != "libcurl" {
		t.Error("Clone must not share dependency slices")
	}
	if orig.CacheKey() != "curl-8.5.0-1" {
		t.Errorf("CacheKey = %s", orig.CacheKey())
	}
}
