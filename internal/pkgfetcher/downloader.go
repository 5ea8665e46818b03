package pkgfetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/semaphore"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
	"github.com/open-edge-platform/os-package-manager/internal/utils/network"
)

const (
	// DefaultMaxConcurrent is the default cap on simultaneous downloads.
	DefaultMaxConcurrent = 10
	// DefaultPort is used when the URL carries no explicit port.
	DefaultPort = "443"
	// UserAgent is sent with every request.
	UserAgent = "os-package-manager/1.0"

	// PartSuffix marks in-flight downloads.
	PartSuffix = ".part"
)

// Fetcher downloads one URL to a local path, verifying its SHA-256 when
// expectedDigest is non-empty.
type Fetcher interface {
	DownloadPackage(ctx context.Context, rawURL, outputPath, expectedDigest string) error
}

// Options configures a Downloader. Zero values select defaults.
type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	Retries       int
	// HTTPClient replaces the default secure client, e.g. to trust a test CA.
	HTTPClient *http.Client
}

// Downloader fetches archives over HTTPS with at most MaxConcurrent
// transfers in flight; further callers block until a slot frees.
type Downloader struct {
	client *retryablehttp.Client
	slots  *semaphore.Weighted
	limit  int
	active atomic.Int64
	total  atomic.Uint64
}

// New builds a Downloader from opts.
func New(opts Options) *Downloader {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = network.NewSecureHTTPClient(opts.Timeout)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = leveledLogger{}

	return &Downloader{
		client: rc,
		slots:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limit:  opts.MaxConcurrent,
	}
}

// Limit returns the concurrency cap.
func (d *Downloader) Limit() int { return d.limit }

// Active returns the number of downloads currently holding a slot.
func (d *Downloader) Active() int { return int(d.active.Load()) }

// Completed returns the number of downloads that finished successfully.
func (d *Downloader) Completed() uint64 { return d.total.Load() }

// Target is a decomposed download URL.
type Target struct {
	Scheme   string
	Host     string
	Port     string
	Path     string
	RawQuery string
}

// String reassembles the target, omitting the default port.
func (t Target) String() string {
	host := t.Host
	if t.Port != "" && t.Port != DefaultPort {
		host = net.JoinHostPort(t.Host, t.Port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u := url.URL{Scheme: t.Scheme, Host: host, Path: t.Path, RawQuery: t.RawQuery}
	return u.String()
}

// ParseTarget splits rawURL into scheme, host, port (default 443) and path
// (default "/"). Only https is accepted.
func ParseTarget(rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, fmt.Errorf("parsing URL %q: %w", rawURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return Target{}, fmt.Errorf("unsupported scheme %q in %q, only https is allowed", u.Scheme, rawURL)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("missing host in %q", rawURL)
	}

	t := Target{
		Scheme:   "https",
		Host:     u.Hostname(),
		Port:     u.Port(),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	if t.Port == "" {
		t.Port = DefaultPort
	}
	if t.Path == "" {
		t.Path = "/"
	}
	return t, nil
}

// DownloadPackage streams rawURL into outputPath. With a non-empty
// expectedDigest the SHA-256 of the written bytes must match it
// (hex, case-insensitive), otherwise the file is deleted and an
// ErrDigestMismatch error returned. Every other failure wraps
// ErrTransferFailure. outputPath only appears once the download is complete
// and verified.
func (d *Downloader) DownloadPackage(ctx context.Context, rawURL, outputPath, expectedDigest string) error {
	log := logger.Logger()

	target, err := ParseTarget(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ospackage.ErrTransferFailure, err)
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for download slot: %v", ospackage.ErrTransferFailure, err)
	}
	d.active.Add(1)
	defer func() {
		d.active.Add(-1)
		d.slots.Release(1)
	}()

	log.Debugf("downloading %s to %s", target, outputPath)
	start := time.Now()

	tmp, err := d.fetchToFile(ctx, target, outputPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ospackage.ErrTransferFailure, target, err)
	}

	if want := strings.TrimSpace(expectedDigest); want != "" {
		actual, err := FileSHA256(tmp)
		if err != nil {
			os.Remove(tmp)
			return fmt.Errorf("%w: hashing %s: %v", ospackage.ErrTransferFailure, tmp, err)
		}
		if !strings.EqualFold(actual, want) {
			os.Remove(tmp)
			log.Errorf("SHA256 verification failed for %s: expected %s, got %s", outputPath, want, actual)
			return fmt.Errorf("%w: %s: expected %s, got %s", ospackage.ErrDigestMismatch, outputPath, want, actual)
		}
	}

	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: moving download into place: %v", ospackage.ErrTransferFailure, err)
	}

	d.total.Add(1)
	log.Debugf("downloaded %s in %s", target, time.Since(start))
	return nil
}

// fetchToFile GETs target into a temp file next to outputPath, unique to
// this call, and returns its path. The temp file is removed on failure.
func (d *Downloader) fetchToFile(ctx context.Context, target Target, outputPath string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".*"+PartSuffix)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// FileSHA256 returns the hex SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// leveledLogger routes retryablehttp's logging into zap. Per-attempt
// failures are surfaced by DownloadPackage, so they are demoted to warn.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.Logger().Warnw(msg, keysAndValues...)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.Logger().Warnw(msg, keysAndValues...)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Logger().Debugw(msg, keysAndValues...)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logger.Logger().Debugw(msg, keysAndValues...)
}
