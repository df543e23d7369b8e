package fuzzysearch

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testAPIKey = "test-key"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("X-Api-Key"); got != testAPIKey {
			t.Errorf("expected api key header %q, got %q", testAPIKey, got)
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := New(testAPIKey, WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client, &calls
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("  ")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	_, err := New(testAPIKey, WithBaseURL("ftp://example.com"))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNewDefaultsToPublicEndpoint(t *testing.T) {
	client, err := New(testAPIKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.BaseURL() != DefaultBaseURL {
		t.Fatalf("expected %s, got %s", DefaultBaseURL, client.BaseURL())
	}
}

func TestLookupHashesReturnsServerOrder(t *testing.T) {
	const hash int64 = 0xABCD
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/hashes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("hashes"); got != "43981" {
			t.Errorf("unexpected hashes param %q", got)
		}
		if got := r.URL.Query().Get("distance"); got != "5" {
			t.Errorf("unexpected distance param %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"site_id": 20, "url": "https://d.furaffinity.net/b.png", "filename": "b.png", "artists": ["b"],
			 "rating": "general", "hash": 43983, "distance": 4, "site": "FurAffinity", "site_info": {"file_id": 7}, "searched_hash": 43981},
			{"site_id": 10, "url": "https://static1.e621.net/a.png", "filename": "a.png", "artists": null,
			 "rating": null, "hash": 43980, "distance": 2, "site": "e621", "site_info": {"sources": ["https://example.com"]}, "searched_hash": 43981}
		]`)
	})

	batches, err := client.LookupHashes(context.Background(), []int64{hash}, 5)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected exactly one request, got %d", *calls)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	matches := batches[0].Matches
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if *matches[0].Distance != 4 || *matches[1].Distance != 2 {
		t.Fatalf("expected server order (4, 2), got (%d, %d)", *matches[0].Distance, *matches[1].Distance)
	}
	if matches[0].SiteName() != "FurAffinity" || matches[0].SiteInfo.FurAffinity.FileID != 7 {
		t.Fatalf("unexpected site info: %+v", matches[0].SiteInfo)
	}
	if matches[1].SiteInfo.E621 == nil || len(matches[1].SiteInfo.E621.Sources) != 1 {
		t.Fatalf("unexpected e621 info: %+v", matches[1].SiteInfo)
	}
	if matches[1].Rating != nil {
		t.Fatalf("expected nil rating, got %v", *matches[1].Rating)
	}
}

func TestLookupHashesAlignsBatchesToInput(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("hashes"); got != "3,1,2" {
			t.Errorf("expected deduplicated hashes in input order, got %q", got)
		}
		_, _ = io.WriteString(w, `[
			{"site_id": 1, "url": "u1", "filename": "f1", "site": "Weasyl", "searched_hash": 1},
			{"site_id": 2, "url": "u2", "filename": "f2", "site": "Twitter", "artists": ["someone"], "searched_hash": 3},
			{"site_id": 3, "url": "u3", "filename": "f3", "site": "Weasyl", "searched_hash": 1}
		]`)
	})

	input := []int64{3, 1, 2, 3}
	batches, err := client.LookupHashes(context.Background(), input, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != len(input) {
		t.Fatalf("expected %d batches, got %d", len(input), len(batches))
	}
	for i, h := range input {
		if batches[i].Hash != h {
			t.Fatalf("batch %d: expected hash %d, got %d", i, h, batches[i].Hash)
		}
	}
	if len(batches[0].Matches) != 1 || batches[0].Matches[0].SiteID != 2 {
		t.Fatalf("unexpected batch for hash 3: %+v", batches[0].Matches)
	}
	if len(batches[1].Matches) != 2 || batches[1].Matches[0].SiteID != 1 || batches[1].Matches[1].SiteID != 3 {
		t.Fatalf("unexpected batch for hash 1: %+v", batches[1].Matches)
	}
	if batches[2].Matches == nil || len(batches[2].Matches) != 0 {
		t.Fatalf("expected empty, non-nil batch for hash 2, got %+v", batches[2].Matches)
	}
	if len(batches[3].Matches) != 1 {
		t.Fatalf("expected duplicate input to receive the same batch, got %+v", batches[3].Matches)
	}
	if got := batches[0].Matches[0].SourceURL(); got != "https://twitter.com/someone/status/2" {
		t.Fatalf("unexpected twitter source url %q", got)
	}
}

func TestLookupHashesEmptyResultIsNotAnError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})

	batches, err := client.LookupHashes(context.Background(), []int64{42}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Matches) != 0 {
		t.Fatalf("expected one empty batch, got %+v", batches)
	}
}

func TestLookupHashesRejectsUnknownSearchedHash(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"site_id": 1, "url": "u", "filename": "f", "searched_hash": 99}]`)
	})

	batches, err := client.LookupHashes(context.Background(), []int64{1, 2}, 3)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if batches != nil {
		t.Fatalf("expected no partial result, got %+v", batches)
	}
}

func TestLookupHashesValidatesInput(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	var validationErr *ValidationError
	if _, err := client.LookupHashes(context.Background(), nil, 3); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for empty hashes, got %v", err)
	}
	if _, err := client.LookupHashes(context.Background(), []int64{1}, -1); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for negative distance, got %v", err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Fatalf("expected no requests, got %d", *calls)
	}
}

func TestMalformedResponsesAreDecodeErrors(t *testing.T) {
	bodies := map[string]string{
		"not json":         `<html>oops</html>`,
		"object not array": `{"site_id": 1}`,
		"missing url":      `[{"site_id": 1, "filename": "f"}]`,
		"missing site id":  `[{"url": "u", "filename": "f"}]`,
		"unknown site":     `[{"site_id": 1, "url": "u", "filename": "f", "site": "Pixiv"}]`,
		"bad rating":       `[{"site_id": 1, "url": "u", "filename": "f", "rating": "spicy"}]`,
		"fa without info":  `[{"site_id": 1, "url": "u", "filename": "f", "site": "FurAffinity"}]`,
		"null":             `null`,
	}

	for name, body := range bodies {
		body := body
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})

			files, err := client.LookupFilename(context.Background(), "image.png")
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if files != nil {
				t.Fatalf("expected no partial result, got %+v", files)
			}
		})
	}
}

func TestStatusCodesMapToErrorTypes(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := client.LookupFilename(context.Background(), "x")
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("status %d: expected AuthError, got %v", status, err)
		}
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			t.Fatalf("status %d: auth failures must not be ServiceError", status)
		}
	}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	})
	_, err := client.LookupFilename(context.Background(), "x")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.StatusCode != http.StatusTooManyRequests || serviceErr.Body != "slow down" {
		t.Fatalf("unexpected service error: %+v", serviceErr)
	}
}

func TestTransportFailureIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := New(testAPIKey, WithBaseURL(url))
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	_, err = client.LookupFilename(context.Background(), "x")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestCancelledContextIsTransportError(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.LookupFilename(ctx, "x")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestLookupFileUploadsMultipart(t *testing.T) {
	payload := []byte("\x89PNG fake image bytes")
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/image" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("type"); got != "exact" {
			t.Errorf("expected type=exact, got %q", got)
		}
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
			return
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		part, err := reader.NextPart()
		if err != nil {
			t.Errorf("failed to read part: %v", err)
			return
		}
		if part.FormName() != "image" || part.FileName() != "cat.png" {
			t.Errorf("unexpected part %q / %q", part.FormName(), part.FileName())
		}
		if got := part.Header.Get("Content-Type"); got != "image/png" {
			t.Errorf("unexpected part content type %q", got)
		}
		data, _ := io.ReadAll(part)
		if string(data) != string(payload) {
			t.Errorf("unexpected payload %q", data)
		}
		_, _ = io.WriteString(w, `{"hash": -12345, "matches": [{"site_id": 5, "url": "u", "filename": "f", "distance": 0, "site": "Weasyl"}]}`)
	})

	matches, err := client.LookupFile(context.Background(), payload, "cat.png", "image/png", Exact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matches.Hash != -12345 {
		t.Fatalf("unexpected hash %d", matches.Hash)
	}
	if len(matches.Matches) != 1 || matches.Matches[0].SourceURL() != "https://www.weasyl.com/view/5/" {
		t.Fatalf("unexpected matches %+v", matches.Matches)
	}
}

func TestLookupFileRequiresMatchesField(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"hash": 1}`)
	})

	_, err := client.LookupFile(context.Background(), []byte("x"), "", "", Close)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestLookupFileHash(t *testing.T) {
	digest := strings.Repeat("AB", 32)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("sha256"); got != strings.ToLower(digest) {
			t.Errorf("unexpected sha256 param %q", got)
		}
		_, _ = io.WriteString(w, `[{"site_id": 9, "url": "u", "filename": "f", "site": "e621", "site_info": {"sources": null}}]`)
	})

	files, err := client.LookupFileHash(context.Background(), digest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || files[0].SourceURL() != "https://e621.net/posts/9" {
		t.Fatalf("unexpected files %+v", files)
	}

	var validationErr *ValidationError
	if _, err := client.LookupFileHash(context.Background(), "abc"); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for short digest, got %v", err)
	}
	if _, err := client.LookupFileHash(context.Background(), strings.Repeat("zz", 32)); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for non-hex digest, got %v", err)
	}
}

func TestLookupURLValidatesScheme(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("url"); got != "https://example.com/a.png" {
			t.Errorf("unexpected url param %q", got)
		}
		_, _ = io.WriteString(w, `[]`)
	})

	var validationErr *ValidationError
	if _, err := client.LookupURL(context.Background(), "file:///etc/passwd"); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	files, err := client.LookupURL(context.Background(), "https://example.com/a.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %d", len(files))
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected 1 request, got %d", *calls)
	}
}

func TestParseHash(t *testing.T) {
	cases := map[string]int64{
		"43981":              43981,
		"-7":                 -7,
		"0xABCD":             0xABCD,
		"0xffffffffffffffff": -1,
	}
	for in, want := range cases {
		got, err := ParseHash(in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d, got %d", in, want, got)
		}
	}

	for _, in := range []string{"", "0x", "0x1ffffffffffffffff", "abc"} {
		if _, err := ParseHash(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

type recordingInstrumenter struct {
	operations []string
	statuses   []int
	errs       []error
}

func (r *recordingInstrumenter) Begin(ctx context.Context, operation string) (context.Context, Span) {
	r.operations = append(r.operations, operation)
	return ctx, &recordingSpan{parent: r}
}

type recordingSpan struct {
	parent *recordingInstrumenter
}

func (s *recordingSpan) Inject(_ context.Context, header http.Header) {
	header.Set("X-Test-Trace", "1")
}

func (s *recordingSpan) End(statusCode int, err error) {
	s.parent.statuses = append(s.parent.statuses, statusCode)
	s.parent.errs = append(s.parent.errs, err)
}

func TestInstrumenterSeesEveryCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Trace") != "1" {
			t.Errorf("expected injected header")
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	inst := &recordingInstrumenter{}
	client, err := New(testAPIKey, WithBaseURL(server.URL), WithInstrumenter(inst))
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	_, err = client.LookupFilename(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(inst.operations) != 1 || inst.operations[0] != "LookupFilename" {
		t.Fatalf("unexpected operations %v", inst.operations)
	}
	if inst.statuses[0] != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", inst.statuses[0])
	}
	if inst.errs[0] != err {
		t.Fatalf("expected span to see returned error")
	}
}
