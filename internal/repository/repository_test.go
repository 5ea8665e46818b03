package repository_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/archive/archivetest"
	"github.com/open-edge-platform/os-package-manager/internal/repository"
)

// fakeFetcher serves canned documents keyed by URL.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]byte
	calls atomic.Int64
}

func (f *fakeFetcher) DownloadPackage(ctx context.Context, rawURL, outputPath, expectedDigest string) error {
	f.calls.Add(1)
	f.mu.Lock()
	data, ok := f.docs[rawURL]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s: bad status: 404 Not Found", ospackage.ErrTransferFailure, rawURL)
	}
	return os.WriteFile(outputPath, data, 0644)
}

const (
	originA = "https://a.example.com"
	originB = "https://b.example.com"
	originC = "https://c.example.com"
)

func newManager(t *testing.T, docs map[string]string) (*repository.Manager, *fakeFetcher) {
	t.Helper()
	f := &fakeFetcher{docs: make(map[string][]byte)}
	for origin, doc := range docs {
		f.docs[origin+"/packages.json"] = []byte(doc)
	}
	return repository.New(f, t.TempDir(), 2), f
}

func TestUpdatePackageIndexOriginOrder(t *testing.T) {
	m, _ := newManager(t, map[string]string{
		originA: `[{"name":"curl","version":"1.0","description":"transfer tool"},{"name":"zlib","version":"1.2"}]`,
		originB: `[{"name":"curl","version":"2.0","description":"newer transfer tool"}]`,
	})
	m.AddRepository(originA)
	m.AddRepository(originB)

	var notified []ospackage.PackageInfo
	m.OnUpdate(func(pkgs []ospackage.PackageInfo) { notified = pkgs })

	if err := m.UpdatePackageIndex(context.Background()); err != nil {
		t.Fatalf("UpdatePackageIndex: %v", err)
	}

	curl, ok := m.GetPackageInfo("curl")
	if !ok || curl.Version != "2.0" || curl.Repository != originB {
		t.Errorf("later origin must win, got %+v", curl)
	}
	zlib, _ := m.GetPackageInfo("zlib")
	if zlib.Repository != originA {
		t.Errorf("zlib origin = %q", zlib.Repository)
	}
	if m.Len() != 2 || len(notified) != 2 {
		t.Errorf("len = %d, notified = %d", m.Len(), len(notified))
	}
	if m.LastSync().IsZero() {
		t.Error("LastSync should be set")
	}
}

func TestUpdatePackageIndexPartialFailure(t *testing.T) {
	m, f := newManager(t, map[string]string{
		originA: `[{"name":"a"}]`,
		originC: `[{"name":"c"}]`,
	})
	m.AddRepository(originA)
	m.AddRepository(originB) // unreachable
	m.AddRepository(originC)

	err := m.UpdatePackageIndex(context.Background())
	if err == nil || !strings.Contains(err.Error(), originB) {
		t.Fatalf("expected error naming %s, got %v", originB, err)
	}
	if !errors.Is(err, ospackage.ErrTransferFailure) {
		t.Errorf("per-origin cause should be preserved: %v", err)
	}
	for _, name := range []string{"a", "c"} {
		if _, ok := m.GetPackageInfo(name); !ok {
			t.Errorf("%s should be indexed despite %s failing", name, originB)
		}
	}
	if f.calls.Load() != 3 {
		t.Errorf("fetcher calls = %d, want 3", f.calls.Load())
	}
}

func TestUpdatePackageIndexBadDocument(t *testing.T) {
	m, _ := newManager(t, map[string]string{
		originA: `[{"version":"1.0"}]`,
	})
	m.AddRepository(originA)
	if err := m.UpdatePackageIndex(context.Background()); err == nil {
		t.Fatal("schema violation should be reported")
	}
	if m.Len() != 0 {
		t.Errorf("invalid document must not be merged")
	}
}

func TestUpdatePackageIndexCleansTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{docs: map[string][]byte{originA + "/packages.json": []byte(`[]`)}}
	m := repository.New(f, dir, 1)
	m.AddRepository(originA)
	if err := m.UpdatePackageIndex(context.Background()); err != nil {
		t.Fatal(err)
	}
	left, _ := filepath.Glob(filepath.Join(dir, "package_index_*.json"))
	if len(left) != 0 {
		t.Errorf("temporary index files left behind: %v", left)
	}
}

func TestAddRepository(t *testing.T) {
	m := repository.New(&fakeFetcher{}, "", 0)
	if !m.AddRepository("https://a.example.com/") {
		t.Error("first add should succeed")
	}
	if m.AddRepository("https://a.example.com") {
		t.Error("duplicate origin should be ignored")
	}
	m.AddRepository(originB)
	if got := m.Repositories(); !reflect.DeepEqual(got, []string{originA, originB}) {
		t.Errorf("Repositories() = %v", got)
	}
	if m.RepositoryCount() != 2 {
		t.Errorf("RepositoryCount() = %d", m.RepositoryCount())
	}
}

func TestSearchPackages(t *testing.T) {
	m, _ := newManager(t, map[string]string{
		originA: `[
			{"name":"zsh","description":"Z shell"},
			{"name":"bash","description":"GNU Bourne Again shell"},
			{"name":"fish","description":"friendly interactive Shell"},
			{"name":"vim","description":"editor"}
		]`,
	})
	m.AddRepository(originA)
	if err := m.UpdatePackageIndex(context.Background()); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		query string
		want  []string
	}{
		{query: "shell", want: []string{"bash", "zsh"}},
		{query: "Shell", want: []string{"fish"}},
		{query: "sh", want: []string{"bash", "fish", "zsh"}},
		{query: "emacs", want: nil},
		{query: "", want: []string{"bash", "fish", "vim", "zsh"}},
	}
	for _, tc := range testCases {
		t.Run(tc.query, func(t *testing.T) {
			var got []string
			for _, pkg := range m.SearchPackages(tc.query) {
				got = append(got, pkg.Name)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("SearchPackages(%q) = %v, want %v", tc.query, got, tc.want)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, f := newManager(t, map[string]string{originA: `[]`})
	m.AddRepository(originA)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.calls.Load() == 0 {
		t.Fatal("Run should refresh immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestParseIndex(t *testing.T) {
	const digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	jsonDoc := `[{"name":"hello","version":"1.0","dependencies":["libc"],"sha256":"` + digest + `","size":42,"release_date":1700000000000,"installed":true,"repository":"spoofed"}]`
	yamlDoc := "- name: hello\n  version: \"1.0\"\n  dependencies: [libc]\n  sha256: " + digest + "\n  size: 42\n  release_date: 1700000000000\n"

	testCases := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "json", data: []byte(jsonDoc)},
		{name: "yaml", data: []byte(yamlDoc)},
		{name: "gzip json", data: archivetest.Gzip(t, []byte(jsonDoc))},
		{name: "zstd yaml", data: archivetest.Zstd(t, []byte(yamlDoc))},
		{name: "xz json", data: archivetest.Xz(t, []byte(jsonDoc))},
		{name: "not a list", data: []byte(`{"name":"hello"}`), wantErr: true},
		{name: "missing name", data: []byte(`[{"version":"1"}]`), wantErr: true},
		{name: "bad digest", data: []byte(`[{"name":"x","sha256":"abc"}]`), wantErr: true},
		{name: "negative size", data: []byte(`[{"name":"x","size":-1}]`), wantErr: true},
		{name: "path in name", data: []byte(`[{"name":"../x"}]`), wantErr: true},
		{name: "empty name", data: []byte(`[{"name":""}]`), wantErr: true},
		{name: "traversal in version", data: []byte(`[{"name":"evil","version":"1/../../../outside"}]`), wantErr: true},
		{name: "backslash in version", data: []byte(`[{"name":"evil","version":"1\\2"}]`), wantErr: true},
		{name: "dot dot in version", data: []byte(`[{"name":"evil","version":".."}]`), wantErr: true},
		{name: "garbage", data: []byte("{[: not yaml either"), wantErr: true},
		{name: "empty", data: nil, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkgs, err := repository.ParseIndex(bytes.NewReader(tc.data), originA)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr? %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if len(pkgs) != 1 {
				t.Fatalf("got %d records", len(pkgs))
			}
			got := pkgs[0]
			if got.Name != "hello" || got.Version != "1.0" || got.Size != 42 || got.SHA256 != digest {
				t.Errorf("unexpected record %+v", got)
			}
			if !reflect.DeepEqual(got.Dependencies, []string{"libc"}) {
				t.Errorf("dependencies = %v", got.Dependencies)
			}
			if got.Repository != originA || got.Installed {
				t.Errorf("origin must be tagged and installed cleared: %+v", got)
			}
			if got.ReleaseDate.UnixMilli() != 1700000000000 {
				t.Errorf("release date = %s", got.ReleaseDate)
			}
		})
	}
}

func TestParseIndexEmptyList(t *testing.T) {
	pkgs, err := repository.ParseIndex(strings.NewReader("[]"), originA)
	if err != nil || len(pkgs) != 0 {
		t.Errorf("got %v, %v", pkgs, err)
	}
}

func TestParseIndexRoundTripsRecords(t *testing.T) {
	in := []ospackage.PackageInfo{{
		Name:         "curl",
		Version:      "8.5.0-1",
		Description:  "transfer tool",
		Dependencies: []string{"libcurl", "zlib"},
		Provides:     []string{"webclient"},
		Conflicts:    []string{"curl-minimal"},
		Maintainer:   "Jane Doe <jane@example.com>",
		Homepage:     "https://curl.se",
		License:      "MIT",
		Size:         421337,
		SHA256:       strings.Repeat("cd", 32),
		Architecture: "x86_64",
		Repository:   "https://elsewhere.example.com",
		ReleaseDate:  time.UnixMilli(1733902215123).UTC(),
		Priority:     5,
		Installed:    true,
	}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := repository.ParseIndex(bytes.NewReader(data), originA)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}

	// re-import tags the origin and clears the installed flag
	want := in[0]
	want.Repository = originA
	want.Installed = false
	if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
	}
}
