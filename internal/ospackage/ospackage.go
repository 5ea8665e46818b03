package ospackage

import (
	"encoding/json"
	"time"
)

// PackageInfo holds everything known about one installable unit.
type PackageInfo struct {
	Name         string    // e.g. "abseil-cpp"
	Version      string    // e.g. "7.88.1-10"
	Description  string    // free text, searched by substring
	Dependencies []string  // package names this package requires, in declared order
	Provides     []string  // capabilities this package provides
	Conflicts    []string  // package names that must not be installed alongside
	Maintainer   string    // e.g. "Jane Doe <jane@example.com>"
	Homepage     string    // upstream project URL
	License      string    // SPDX identifier when known
	Size         uint64    // archive size in bytes
	SHA256       string    // hex encoded content digest, empty when unknown
	Architecture string    // e.g. "x86_64", "noarch"
	Repository   string    // origin the record was merged from
	ReleaseDate  time.Time // millisecond precision on the wire
	Priority     int
	Installed    bool
}

// packageJSON is the wire form used by repository index documents and the
// installed package database.
type packageJSON struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	Provides     []string `json:"provides"`
	Conflicts    []string `json:"conflicts"`
	Maintainer   string   `json:"maintainer"`
	Homepage     string   `json:"homepage"`
	License      string   `json:"license"`
	Size         uint64   `json:"size"`
	SHA256       string   `json:"sha256"`
	Architecture string   `json:"architecture"`
	Repository   string   `json:"repository"`
	ReleaseDate  int64    `json:"release_date"`
	Priority     int      `json:"priority"`
	Installed    bool     `json:"installed"`
}

// MarshalJSON encodes the record with the release date as epoch milliseconds.
func (p PackageInfo) MarshalJSON() ([]byte, error) {
	w := packageJSON{
		Name:         p.Name,
		Version:      p.Version,
		Description:  p.Description,
		Dependencies: nonNil(p.Dependencies),
		Provides:     nonNil(p.Provides),
		Conflicts:    nonNil(p.Conflicts),
		Maintainer:   p.Maintainer,
		Homepage:     p.Homepage,
		License:      p.License,
		Size:         p.Size,
		SHA256:       p.SHA256,
		Architecture: p.Architecture,
		Repository:   p.Repository,
		Priority:     p.Priority,
		Installed:    p.Installed,
	}
	if !p.ReleaseDate.IsZero() {
		w.ReleaseDate = p.ReleaseDate.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a record; absent fields keep their zero value.
func (p *PackageInfo) UnmarshalJSON(data []byte) error {
	var w packageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = PackageInfo{
		Name:         w.Name,
		Version:      w.Version,
		Description:  w.Description,
		Dependencies: w.Dependencies,
		Provides:     w.Provides,
		Conflicts:    w.Conflicts,
		Maintainer:   w.Maintainer,
		Homepage:     w.Homepage,
		License:      w.License,
		Size:         w.Size,
		SHA256:       w.SHA256,
		Architecture: w.Architecture,
		Repository:   w.Repository,
		Priority:     w.Priority,
		Installed:    w.Installed,
	}
	if w.ReleaseDate != 0 {
		p.ReleaseDate = time.UnixMilli(w.ReleaseDate).UTC()
	}
	return nil
}

// CacheKey returns the composite "name-version" key used by the package cache.
func (p PackageInfo) CacheKey() string {
	return CacheKey(p.Name, p.Version)
}

// CacheKey joins a package name and version into the cache key.
func CacheKey(name, version string) string {
	return name + "-" + version
}

// Clone returns a deep copy so callers can mutate slices freely.
func (p PackageInfo) Clone() PackageInfo {
	c := p
	c.Dependencies = append([]string(nil), p.Dependencies...)
	c.Provides = append([]string(nil), p.Provides...)
	c.Conflicts = append([]string(nil), p.Conflicts...)
	return c
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
