// Package download streams a package archive from a remote URL into a
// local staging file, incrementally hashing the bytes received and
// reporting progress at a bounded cadence. Resume is supported by
// requesting a byte range and re-seeding the hash from the bytes
// already on disk, since the hash itself is never persisted.
package download

import (
	"context"
	"crypto/md5"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecairns22/otad/internal/errcode"
)

// Descriptor is the immutable request that drives a download.
type Descriptor struct {
	URL       string
	FileName  string
	SizeBytes int64
	MD5Hex    string
}

// Progress is reported at every >=5% advance and at completion.
type Progress struct {
	BytesDownloaded int64
	SizeBytes       int64
}

// ProgressFunc is invoked from the download goroutine; it must not
// block for long since it runs inline with the copy loop.
type ProgressFunc func(Progress)

const progressCadencePercent = 5

// Downloader streams descriptor.URL into a staging file under dir.
type Downloader struct {
	client *http.Client
	log    *logrus.Entry
}

// New creates a Downloader whose client has no overall timeout; a
// transfer is bounded only by ctx cancellation.
func New(log *logrus.Entry) *Downloader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Downloader{
		client: &http.Client{Timeout: 0},
		log:    log.WithField("component", "download"),
	}
}

// Run streams desc.URL into stagingPath. If resumeFrom > 0, a Range
// request is issued and the hash is re-seeded by reading back the
// bytes already present at stagingPath before appending. Returns the
// final byte count and the hex-encoded MD5 on success.
func (d *Downloader) Run(ctx context.Context, desc Descriptor, stagingPath string, resumeFrom int64, onProgress ProgressFunc) (int64, string, error) {
	h := md5.New()
	var out *os.File
	var err error

	if resumeFrom > 0 {
		if err := reseedHash(h, stagingPath, resumeFrom); err != nil {
			return 0, "", errcode.Wrap(errcode.DownloadFailed, fmt.Errorf("reseeding hash for resume: %w", err))
		}
		out, err = os.OpenFile(stagingPath, os.O_WRONLY|os.O_APPEND, 0644)
	} else {
		out, err = os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	}
	if err != nil {
		return 0, "", errcode.Wrap(errcode.DownloadFailed, fmt.Errorf("opening staging file: %w", err))
	}
	defer out.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return 0, "", errcode.Wrap(errcode.DownloadFailed, err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", errcode.Wrap(errcode.Canceled, ctx.Err())
		}
		return 0, "", errcode.Wrap(errcode.DownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, "", errcode.New(errcode.DownloadFailed, "unexpected status %d", resp.StatusCode)
	}

	written := resumeFrom
	lastReportedPercent := percentOf(written, desc.SizeBytes) - percentOf(written, desc.SizeBytes)%progressCadencePercent

	buf := make([]byte, 256*1024)
	for {
		select {
		case <-ctx.Done():
			return written, "", errcode.Wrap(errcode.Canceled, ctx.Err())
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				if isDiskFull(werr) {
					return written, "", errcode.Wrap(errcode.DiskFull, werr)
				}
				return written, "", errcode.Wrap(errcode.DownloadFailed, werr)
			}
			h.Write(buf[:n])
			written += int64(n)

			if pct := percentOf(written, desc.SizeBytes); pct-lastReportedPercent >= progressCadencePercent {
				lastReportedPercent = pct - pct%progressCadencePercent
				if onProgress != nil {
					onProgress(Progress{BytesDownloaded: written, SizeBytes: desc.SizeBytes})
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, "", errcode.Wrap(errcode.DownloadFailed, readErr)
		}
	}

	if onProgress != nil {
		onProgress(Progress{BytesDownloaded: written, SizeBytes: desc.SizeBytes})
	}

	sum := fmt.Sprintf("%x", h.Sum(nil))
	if !strings.EqualFold(sum, desc.MD5Hex) {
		os.Remove(stagingPath)
		return 0, sum, errcode.New(errcode.MD5Mismatch, "expected %s, got %s", desc.MD5Hex, sum)
	}
	return written, sum, nil
}

func percentOf(n, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return n * 100 / total
}

func reseedHash(h hash.Hash, path string, n int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(h, f, n)
	return err
}

func isDiskFull(err error) bool {
	return strings.Contains(err.Error(), "no space left on device")
}

// RequestTimeout is used by callers that want a bounded per-attempt
// client instead of the unbounded streaming one above (e.g. HEAD
// probes against the origin object store).
const RequestTimeout = 30 * time.Second
