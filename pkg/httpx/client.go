package httpx

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/vdm-project/vdm/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent = "VDM/1.0"

	defaultDownloadName = "download"
)

type Client struct {
	*http.Client
}

// NewClient creates a new HTTP client with custom transport settings.
// No overall request timeout is set: download bodies stream for arbitrarily
// long, and cancellation comes from the request context.
func NewClient() *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	return &Client{
		&http.Client{
			Transport: transport,
		},
	}
}

// Head performs a HEAD request to the specified URL with optional headers.
func (c *Client) Head(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	req, err := generateRequest(ctx, urlStr, http.MethodHead, headers)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	logger.Debugf("HEAD response for %s: status=%d", urlStr, resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, ClassifyHTTPError(resp.StatusCode)
	}

	return resp, nil
}

// Get performs a GET request to the specified URL. The body is left open for
// streaming; the caller owns closing it. Cancellation comes from ctx.
func (c *Client) Get(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := generateRequest(ctx, urlStr, http.MethodGet, headers)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	logger.Debugf("GET response for %s: status=%d", urlStr, resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, ClassifyHTTPError(resp.StatusCode)
	}

	return resp, nil
}

// GetFrom performs a GET with an open-ended Range header starting at offset.
// The caller must verify the server answered 206 before treating the body as
// a continuation.
func (c *Client) GetFrom(ctx context.Context, urlStr string, offset int64) (*http.Response, error) {
	headers := map[string]string{
		"Range": fmt.Sprintf("bytes=%d-", offset),
	}

	return c.Get(ctx, urlStr, headers)
}

// generateRequest creates a new HTTP request with the specified method and URL.
func generateRequest(ctx context.Context, urlStr, method string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		logger.Errorf("Failed to create %s request for %s: %v", method, urlStr, err)
		return nil, ErrRequestCreation
	}

	req.Header.Set("User-Agent", DefaultUserAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// ContentRangeTotal parses the total size out of a Content-Range header
// ("bytes start-end/total"). Returns 0 when the total is absent or unknown.
func ContentRangeTotal(header string) int64 {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx+1 >= len(header) {
		return 0
	}

	totalStr := header[idx+1:]
	if totalStr == "*" {
		return 0
	}

	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0
	}

	return total
}

// GetFilename extracts the filename from the Content-Disposition header or the URL.
func GetFilename(resp *http.Response) string {
	fileName, ok := getFileNameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if ok {
		return fileName
	}

	u := resp.Request.URL
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	base := path.Base(u.Path)
	if base != "" && base != "/" && base != "." {
		return base
	}

	return defaultDownloadName
}

func getFileNameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if fName, ok := params["filename"]; ok {
			return fName, true
		}

		if fName, ok := params["filename*"]; ok {
			return fName, true
		}
	}

	return "", false
}

// ResolveURL resolves a possibly relative reference against a base URL.
func ResolveURL(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}

	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}

	return base.ResolveReference(refURL).String()
}
