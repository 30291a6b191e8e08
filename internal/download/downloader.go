package download

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/contentstor/contentstor/internal/models"
)

const chunkSize = 64 * 1024

// defaultTimeout bounds a whole fetch when the remote sets no total_timeout.
const defaultTimeout = 5 * time.Minute

// Callbacks are the hooks a caller installs around a running download. They
// are plain values handed to Run, never fields mutated after the fact.
type Callbacks struct {
	// OnHeaders fires once when the upstream response headers arrive, before
	// any body byte. Returning an error aborts the download.
	OnHeaders func(status int, header http.Header) error
	// OnData fires for every body chunk, in order. Returning an error aborts
	// the download.
	OnData func(chunk []byte) error
}

// Result describes a finished download. Path points at the spool file holding
// the validated bytes; it is empty when spooling was disabled.
type Result struct {
	Path    string
	Size    int64
	Digests map[string]string
	Status  int
	Header  http.Header
}

// HTTPDownloader fetches one remote artifact URL, streaming chunks through
// the caller's callbacks while hashing and, optionally, spooling them to
// disk. One downloader serves exactly one Run.
type HTTPDownloader struct {
	remote          *models.Remote
	url             string
	expectedDigests map[string]string
	expectedSize    *int64
	spoolDir        string
	spool           bool
	client          *http.Client
	limiter         *rate.Limiter
}

// Options tune a single downloader.
type Options struct {
	// Spool writes the body to a temp file under SpoolDir so it can be
	// persisted as an artifact afterwards. Off for streamed-policy remotes.
	Spool    bool
	SpoolDir string
}

var digestConstructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// New builds a downloader for one remote artifact, honoring the remote's
// transport settings (TLS, proxy, auth, headers, timeouts, rate limit).
func New(remote *models.Remote, ra *models.RemoteArtifact, opts Options) (*HTTPDownloader, error) {
	expected := ra.ExpectedDigests()
	if len(expected) > 0 {
		supported := false
		for algo := range expected {
			if _, ok := digestConstructors[algo]; ok {
				supported = true
				break
			}
		}
		if !supported {
			return nil, ErrUnsupportedDigests
		}
	}

	client, err := buildClient(remote)
	if err != nil {
		return nil, err
	}

	d := &HTTPDownloader{
		remote:          remote,
		url:             ra.URL,
		expectedDigests: expected,
		expectedSize:    ra.Size,
		spoolDir:        opts.SpoolDir,
		spool:           opts.Spool,
		client:          client,
	}
	if remote.RateLimit != nil && *remote.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(*remote.RateLimit), *remote.RateLimit)
	}
	return d, nil
}

// URL returns the upstream location this downloader fetches.
func (d *HTTPDownloader) URL() string { return d.url }

// Run performs the fetch. The whole object is always requested; range slicing
// happens in the caller's OnData. Validation failures remove the spool file
// before returning.
func (d *HTTPDownloader) Run(ctx context.Context, cbs Callbacks) (*Result, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{URL: d.url, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: d.url, Err: err}
	}
	d.applyRequestSettings(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{URL: d.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		io.Copy(io.Discard, io.LimitReader(resp.Body, chunkSize))
		return nil, &StatusError{URL: d.url, Status: resp.StatusCode}
	}

	if cbs.OnHeaders != nil {
		if err := cbs.OnHeaders(resp.StatusCode, resp.Header); err != nil {
			return nil, err
		}
	}

	var spool *os.File
	if d.spool {
		spool, err = os.CreateTemp(d.spoolDir, "download-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create spool file: %w", err)
		}
		defer spool.Close()
	}

	hashers := d.hashers()
	var size int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			size += int64(n)
			if cbs.OnData != nil {
				if err := cbs.OnData(chunk); err != nil {
					d.discardSpool(spool)
					return nil, err
				}
			}
			for _, h := range hashers {
				h.Write(chunk)
			}
			if spool != nil {
				if _, err := spool.Write(chunk); err != nil {
					d.discardSpool(spool)
					return nil, fmt.Errorf("failed to write spool file: %w", err)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			d.discardSpool(spool)
			return nil, fmt.Errorf("upstream read from %s failed: %w", d.url, readErr)
		}
	}

	digests := make(map[string]string, len(hashers))
	for algo, h := range hashers {
		digests[algo] = hex.EncodeToString(h.Sum(nil))
	}

	if err := d.validate(size, digests); err != nil {
		d.discardSpool(spool)
		logrus.WithFields(logrus.Fields{
			"url":    d.url,
			"remote": d.remote.Name,
			"bytes":  size,
		}).Warn("download failed validation")
		return nil, err
	}

	result := &Result{
		Size:    size,
		Digests: digests,
		Status:  resp.StatusCode,
		Header:  resp.Header,
	}
	if spool != nil {
		if err := spool.Close(); err != nil {
			os.Remove(spool.Name())
			return nil, fmt.Errorf("failed to flush spool file: %w", err)
		}
		result.Path = spool.Name()
	}
	return result, nil
}

// hashers returns one hasher per digest to compute: sha256 always, for the
// artifact's content address, plus every expected algorithm.
func (d *HTTPDownloader) hashers() map[string]hash.Hash {
	hashers := map[string]hash.Hash{"sha256": sha256.New()}
	for algo := range d.expectedDigests {
		if mk, ok := digestConstructors[algo]; ok {
			if _, have := hashers[algo]; !have {
				hashers[algo] = mk()
			}
		}
	}
	return hashers
}

func (d *HTTPDownloader) validate(size int64, digests map[string]string) error {
	if d.expectedSize != nil && *d.expectedSize != size {
		return &SizeValidationError{URL: d.url, Expected: *d.expectedSize, Actual: size}
	}
	for algo, expected := range d.expectedDigests {
		actual, ok := digests[algo]
		if !ok {
			continue
		}
		if actual != expected {
			return &DigestValidationError{URL: d.url, Algorithm: algo, Expected: expected, Actual: actual}
		}
	}
	return nil
}

func (d *HTTPDownloader) discardSpool(spool *os.File) {
	if spool != nil {
		spool.Close()
		os.Remove(spool.Name())
	}
}

func (d *HTTPDownloader) applyRequestSettings(req *http.Request) {
	if d.remote.Username != nil && *d.remote.Username != "" {
		password := ""
		if d.remote.Password != nil {
			password = *d.remote.Password
		}
		req.SetBasicAuth(*d.remote.Username, password)
	}
	if len(d.remote.Headers) > 0 {
		var headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(d.remote.Headers, &headers); err == nil {
			for _, h := range headers {
				req.Header.Set(h.Name, h.Value)
			}
		}
	}
}

func buildClient(remote *models.Remote) (*http.Client, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: !remote.TLSValidation}

	if remote.CACert != nil && *remote.CACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(*remote.CACert)) {
			return nil, fmt.Errorf("remote %s has an unparseable ca_cert", remote.Name)
		}
		tlsCfg.RootCAs = pool
	}
	if remote.ClientCert != nil && *remote.ClientCert != "" && remote.ClientKey != nil && *remote.ClientKey != "" {
		cert, err := tls.X509KeyPair([]byte(*remote.ClientCert), []byte(*remote.ClientKey))
		if err != nil {
			return nil, fmt.Errorf("remote %s has an unparseable client certificate: %w", remote.Name, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsCfg,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if remote.ProxyURL != nil && *remote.ProxyURL != "" {
		proxyURL, err := url.Parse(*remote.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("remote %s has an unparseable proxy_url: %w", remote.Name, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if remote.ConnectTimeout != nil && *remote.ConnectTimeout > 0 {
		transport.ResponseHeaderTimeout = time.Duration(*remote.ConnectTimeout) * time.Second
	}

	timeout := defaultTimeout
	if remote.TotalTimeout != nil && *remote.TotalTimeout > 0 {
		timeout = time.Duration(*remote.TotalTimeout) * time.Second
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
