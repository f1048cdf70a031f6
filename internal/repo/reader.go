// Package repo is the client-side counterpart to iterrepo's server-side
// static serving: it fetches one file out of a buildbtwd instance's
// pacman repository over HTTP, transparently decompressing a gzip
// response and caching the result locally keyed by Last-Modified, so a
// repeated fetch of an unchanged file costs one conditional request.
//
// Grounded on distr1-distri's internal/repo/reader.go, which fetches
// package files from a distri repository the same way (If-Modified-Since
// against a local cache, Accept-Encoding: gzip, a tee into the cache
// file while streaming to the caller); adapted here to buildbtw's
// <namespace>_<iteration>/os/<arch>/<file> path shape instead of
// distri's repo.PkgPath layout, and to fetch a single named artifact
// rather than serve a whole package manager's worth of requests.
package repo

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when the server responds 404 for the
// requested repository path.
type ErrNotFound struct{ url *url.URL }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%v: HTTP status 404", e.url)
}

type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (n int, err error) { return r.zr.Read(p) }

func (r *gzipReader) Close() error {
	if err := r.zr.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

type closeFuncReadCloser struct {
	reader    io.Reader
	closeFunc func() error
}

func (cfrc *closeFuncReadCloser) Read(p []byte) (n int, err error) { return cfrc.reader.Read(p) }
func (cfrc *closeFuncReadCloser) Close() error                     { return cfrc.closeFunc() }

var httpClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 10,
	DisableCompression:  true,
}}

func cacheFile(cache bool, baseURL, repoPath string) string {
	if !cache {
		return ""
	}
	ucd, err := os.UserCacheDir()
	if err != nil {
		log.Printf("cannot cache: %v", err)
		return ""
	}
	host := strings.NewReplacer("://", "_", "/", "_", ":", "_").Replace(baseURL)
	fn := filepath.Join(ucd, "buildbtw", host, repoPath)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		log.Printf("cannot cache: %v", err)
		return ""
	}
	return fn
}

// Fetch retrieves repoPath (e.g. "curl-test_it-1/os/x86_64/curl.db")
// relative to baseURL's /repo/ prefix, caching the response locally
// when cache is true.
func Fetch(ctx context.Context, baseURL, repoPath string, cache bool) (io.ReadCloser, error) {
	fn := cacheFile(cache, baseURL, repoPath)
	var ifModifiedSince time.Time
	if fn != "" {
		if st, err := os.Stat(fn); err == nil {
			ifModifiedSince = st.ModTime()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/repo/"+repoPath, nil)
	if err != nil {
		return nil, err
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.Format(http.TimeFormat))
	}
	// good for typical links (<= gigabit); a bottleneck on faster links,
	// left on because buildbtwd's repo files are small package archives.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if fn != "" && resp.StatusCode == http.StatusNotModified {
		return os.Open(fn)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		if got == http.StatusNotFound {
			return nil, &ErrNotFound{url: req.URL}
		}
		return nil, fmt.Errorf("%s: HTTP status %v", req.URL, resp.Status)
	}

	rdc := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		rd, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		rdc = &gzipReader{body: resp.Body, zr: rd}
	}
	var cacheWriter *os.File
	if fn != "" {
		cacheWriter, err = os.Create(fn)
		if err != nil {
			log.Printf("cannot cache: %v", err)
		}
	}
	wr := io.Writer(ioutil.Discard)
	if cacheWriter != nil {
		wr = cacheWriter
	}
	mtime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if parsed, err := time.Parse(http.TimeFormat, lm); err == nil {
			mtime = parsed
		} else {
			log.Printf("invalid Last-Modified header %q", lm)
		}
	}
	return &closeFuncReadCloser{
		reader: io.TeeReader(rdc, wr),
		closeFunc: func() error {
			if err := rdc.Close(); err != nil {
				return err
			}
			if cacheWriter != nil {
				if err := cacheWriter.Close(); err != nil {
					return err
				}
				return os.Chtimes(fn, mtime, mtime)
			}
			return nil
		},
	}, nil
}
