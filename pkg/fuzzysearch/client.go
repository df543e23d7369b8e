// Package fuzzysearch is a client for the FuzzySearch reverse image search API.
//
// A Client is immutable once built and safe for concurrent use. Every lookup
// issues exactly one HTTP request; retries are left to the caller.
package fuzzysearch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	apiKeyHeader     = "X-Api-Key"
	maxResponseBytes = 32 << 20
)

// Client talks to the FuzzySearch API.
type Client struct {
	apiKey       string
	baseURL      *url.URL
	httpClient   *http.Client
	logger       *zap.Logger
	instrumenter Instrumenter
	userAgent    string
}

// New builds a Client. The API key is required.
func New(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, &ValidationError{Field: "api key", Message: "must not be empty"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	base, err := url.Parse(strings.TrimRight(cfg.baseURL, "/"))
	if err != nil {
		return nil, &ValidationError{Field: "base url", Message: err.Error()}
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, &ValidationError{Field: "base url", Message: fmt.Sprintf("unsupported scheme %q", base.Scheme)}
	}
	if base.Host == "" {
		return nil, &ValidationError{Field: "base url", Message: "missing host"}
	}

	if cfg.httpClient == nil {
		cfg.httpClient = newDefaultHTTPClient()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.instrumenter == nil {
		cfg.instrumenter = noopInstrumenter{}
	}

	return &Client{
		apiKey:       apiKey,
		baseURL:      base,
		httpClient:   cfg.httpClient,
		logger:       cfg.logger.Named("fuzzysearch"),
		instrumenter: cfg.instrumenter,
		userAgent:    cfg.userAgent,
	}, nil
}

// BaseURL returns the endpoint the client sends requests to.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// LookupHashes searches for images whose perceptual hash is within distance
// of any of the given hashes. The result holds one batch per input hash, in
// input order; results inside a batch keep the order the service returned.
func (c *Client) LookupHashes(ctx context.Context, hashes []int64, distance int) ([]HashBatch, error) {
	if len(hashes) == 0 {
		return nil, &ValidationError{Field: "hashes", Message: "at least one hash is required"}
	}
	if distance < 0 {
		return nil, &ValidationError{Field: "distance", Message: "must not be negative"}
	}

	seen := make(map[int64]struct{}, len(hashes))
	parts := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		parts = append(parts, strconv.FormatInt(h, 10))
	}

	query := url.Values{}
	query.Set("hashes", strings.Join(parts, ","))
	query.Set("distance", strconv.Itoa(distance))

	var batches []HashBatch
	err := c.execute(ctx, "LookupHashes", apiRequest{method: http.MethodGet, path: "/hashes", query: query}, func(body []byte) error {
		files, err := decodeFiles(body)
		if err != nil {
			return err
		}
		batches, err = groupByHash(hashes, seen, files)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func groupByHash(hashes []int64, submitted map[int64]struct{}, files []File) ([]HashBatch, error) {
	grouped := make(map[int64][]File, len(submitted))
	for i, f := range files {
		var key int64
		switch {
		case f.SearchedHash != nil:
			key = *f.SearchedHash
		case len(submitted) == 1:
			key = hashes[0]
		default:
			return nil, fmt.Errorf("result %d: searched_hash is required when more than one hash is submitted", i)
		}
		if _, ok := submitted[key]; !ok {
			return nil, fmt.Errorf("result %d: searched_hash %d was not submitted", i, key)
		}
		grouped[key] = append(grouped[key], f)
	}

	batches := make([]HashBatch, len(hashes))
	for i, h := range hashes {
		matches := grouped[h]
		if matches == nil {
			matches = []File{}
		}
		batches[i] = HashBatch{Hash: h, Matches: matches}
	}
	return batches, nil
}

// LookupFile uploads image bytes and returns the hash the service computed
// along with its matches.
func (c *Client) LookupFile(ctx context.Context, data []byte, filename, contentType string, matchType MatchType) (*Matches, error) {
	if len(data) == 0 {
		return nil, &ValidationError{Field: "image", Message: "must not be empty"}
	}
	if filename == "" {
		filename = "image"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body, formContentType, err := imageForm(data, filename, contentType)
	if err != nil {
		return nil, &ValidationError{Field: "image", Message: err.Error()}
	}

	query := url.Values{}
	query.Set("type", matchType.String())

	var matches *Matches
	req := apiRequest{
		method:      http.MethodPost,
		path:        "/image",
		query:       query,
		body:        body,
		contentType: formContentType,
	}
	err = c.execute(ctx, "LookupFile", req, func(b []byte) error {
		var err error
		matches, err = decodeMatches(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func imageForm(data []byte, filename, contentType string) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// LookupFileHash looks up exact copies of a file by its SHA-256 digest.
func (c *Client) LookupFileHash(ctx context.Context, sha256Hex string) ([]File, error) {
	digest := strings.ToLower(strings.TrimSpace(sha256Hex))
	if len(digest) != 64 {
		return nil, &ValidationError{Field: "sha256", Message: "must be 64 hex characters"}
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return nil, &ValidationError{Field: "sha256", Message: "must be hex encoded"}
	}

	query := url.Values{}
	query.Set("sha256", digest)
	return c.lookupFiles(ctx, "LookupFileHash", query)
}

// LookupURL looks up an image by the URL it is hosted at. URLs should be https.
func (c *Client) LookupURL(ctx context.Context, imageURL string) ([]File, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil {
		return nil, &ValidationError{Field: "url", Message: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	if parsed.Host == "" {
		return nil, &ValidationError{Field: "url", Message: "missing host"}
	}

	query := url.Values{}
	query.Set("url", parsed.String())
	return c.lookupFiles(ctx, "LookupURL", query)
}

// LookupFilename looks up an image by its original filename on FurAffinity.
func (c *Client) LookupFilename(ctx context.Context, filename string) ([]File, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, &ValidationError{Field: "filename", Message: "must not be empty"}
	}

	query := url.Values{}
	query.Set("name", filename)
	return c.lookupFiles(ctx, "LookupFilename", query)
}

func (c *Client) lookupFiles(ctx context.Context, operation string, query url.Values) ([]File, error) {
	var files []File
	err := c.execute(ctx, operation, apiRequest{method: http.MethodGet, path: "/file", query: query}, func(body []byte) error {
		var err error
		files, err = decodeFiles(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

type apiRequest struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

func (c *Client) newRequest(ctx context.Context, r apiRequest) (*http.Request, error) {
	target := *c.baseURL
	target.Path = c.baseURL.Path + r.path
	target.RawQuery = r.query.Encode()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	return req, nil
}

func (c *Client) execute(ctx context.Context, operation string, r apiRequest, decode func([]byte) error) (err error) {
	ctx, span := c.instrumenter.Begin(ctx, operation)
	statusCode := 0
	defer func() {
		span.End(statusCode, err)
	}()

	req, err := c.newRequest(ctx, r)
	if err != nil {
		return &TransportError{Operation: operation, Err: err}
	}
	span.Inject(ctx, req.Header)

	logger := c.logger.With(zap.String("operation", operation), zap.String("path", r.path))
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("request failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return &TransportError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		logger.Warn("reading response failed", zap.Error(err), zap.Int("status", statusCode))
		return &TransportError{Operation: operation, Err: err}
	}
	logger.Debug("response received",
		zap.Int("status", statusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if statusCode < 200 || statusCode > 299 {
		return statusError(operation, statusCode, body)
	}
	if len(body) > maxResponseBytes {
		return &DecodeError{Operation: operation, Err: errors.New("response body too large")}
	}
	if err := decode(body); err != nil {
		logger.Warn("response did not match schema", zap.Error(err))
		return &DecodeError{Operation: operation, Err: err}
	}
	return nil
}

// ParseHash parses a perceptual hash given either as a signed decimal
// integer or as 0x-prefixed hex of its 64 bits.
func ParseHash(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		bits, err := strconv.ParseUint(rest, 16, 64)
		if err != nil {
			return 0, &ValidationError{Field: "hash", Message: fmt.Sprintf("%q is not a 64-bit hex value", s)}
		}
		return int64(bits), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "hash", Message: fmt.Sprintf("%q is not a 64-bit integer", s)}
	}
	return v, nil
}
