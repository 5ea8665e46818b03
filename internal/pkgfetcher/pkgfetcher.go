package pkgfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// Job is one archive to fetch.
type Job struct {
	URL    string
	Path   string
	Digest string
}

// FetchPackages downloads jobs through f using a pool of workers.
// It shows a single progress bar tracking files completed vs total when
// showProgress is set. Every job is attempted; the returned error joins the
// individual failures.
func FetchPackages(ctx context.Context, f Fetcher, jobs []Job, workers int, showProgress bool) error {
	log := logger.Logger()

	if workers < 1 {
		workers = 1
	}
	total := len(jobs)
	queue := make(chan Job, total)
	var wg sync.WaitGroup

	var out io.Writer = io.Discard
	if showProgress {
		out = os.Stderr
	}
	// create a single progress bar for total files
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionFullWidth(),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	var (
		errMu sync.Mutex
		errs  []error
	)

	// start worker goroutines
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				name := path.Base(job.URL)

				// update description to current file
				bar.Describe(fmt.Sprintf("downloading %s", name))

				if err := f.DownloadPackage(ctx, job.URL, job.Path, job.Digest); err != nil {
					log.Errorf("downloading %s failed: %v", job.URL, err)
					errMu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					errMu.Unlock()
				}
				// increment progress bar
				bar.Add(1)
			}
		}()
	}

	// enqueue jobs
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	wg.Wait()
	bar.Finish()
	return errors.Join(errs...)
}
