package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/icecat-harvester/catalog"
	"github.com/aluiziolira/icecat-harvester/config"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
)

const testBase = "http://icecat.test"

const indexXML = `<?xml version="1.0" encoding="UTF-8"?>
<ICECAT-interface>
  <files.index Generated="20260101">
    <file path="export/freexml.int/EN/1001.xml" Product_ID="1001" Updated="20260101" Quality="ICECAT" Catid="151"/>
    <file path="export/freexml.int/EN/1002.xml" Product_ID="1002" Updated="20260101" Quality="SUPPLIER" Catid="151"/>
    <file path="export/freexml.int/EN/2001.xml" Product_ID="2001" Updated="20260101" Quality="ICECAT" Catid="152"/>
    <file path="export/freexml.int/EN/9001.xml" Product_ID="9001" Updated="20260101" Quality="ICECAT" Catid="900"/>
    <file path="export/freexml.int/EN/3001.xml" Updated="20260101" Catid="153"/>
    <file Product_ID="4001" Catid="151"/>
  </files.index>
</ICECAT-interface>`

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Username = "alice"
	cfg.Password = "secret"
	cfg.Parallelism = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	return cfg
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	client, err := NewClient(testConfig(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport := httpmock.NewMockTransport()
	client.WithTransport(transport)
	return client, transport
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return buf.Bytes()
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := RetryPolicy{Backoff: 200 * time.Millisecond, BackoffMax: 500 * time.Millisecond}

	if got := p.Delay(1); got != 200*time.Millisecond {
		t.Fatalf("delay(1) = %v", got)
	}
	if got := p.Delay(2); got != 400*time.Millisecond {
		t.Fatalf("delay(2) = %v", got)
	}
	if got := p.Delay(4); got != p.BackoffMax {
		t.Fatalf("delay(4) = %v, want cap %v", got, p.BackoffMax)
	}
}

func TestRetryPolicyDelayDoesNotOverflow(t *testing.T) {
	capped := RetryPolicy{Backoff: 500 * time.Millisecond, BackoffMax: 5 * time.Second}
	uncapped := RetryPolicy{Backoff: 500 * time.Millisecond}

	for _, attempt := range []int{34, 35, 64, 100, 1000} {
		if got := capped.Delay(attempt); got != capped.BackoffMax {
			t.Fatalf("capped delay(%d) = %v, want %v", attempt, got, capped.BackoffMax)
		}
		if got := uncapped.Delay(attempt); got <= 0 {
			t.Fatalf("uncapped delay(%d) = %v, want positive", attempt, got)
		}
	}
}

func TestRetryPolicyCountedKeepsCallback(t *testing.T) {
	metrics := NewMetrics()
	calls := 0
	policy := testPolicy()
	policy.OnRetry = func(int, error) { calls++ }

	_, err := Retry(context.Background(), policy.Counted(metrics), func(int) error {
		return errors.New("flaky")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 2 {
		t.Fatalf("callback calls = %d, want 2", calls)
	}
	if got := counterValue(t, metrics, "harvester_http_retries_total"); got != 2 {
		t.Fatalf("retries metric = %v, want 2", got)
	}
}

func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int
	}{
		{name: "transient", err: &TransportError{Kind: KindStatus, Status: http.StatusBadGateway}, wantAttempts: 3},
		{name: "not found", err: &TransportError{Kind: KindNotFound, Status: http.StatusNotFound}, wantAttempts: 1},
		{name: "forbidden", err: &TransportError{Kind: KindForbidden, Status: http.StatusForbidden}, wantAttempts: 1},
		{name: "explicit", err: Permanent(errors.New("disk full")), wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			retries := 0
			policy := testPolicy()
			policy.OnRetry = func(int, error) { retries++ }

			attempts, err := Retry(context.Background(), policy, func(int) error {
				calls++
				return tt.err
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Fatalf("attempts = %d, calls = %d, want %d", attempts, calls, tt.wantAttempts)
			}
			if retries != tt.wantAttempts-1 {
				t.Fatalf("retries = %d, want %d", retries, tt.wantAttempts-1)
			}
		})
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts, err := Retry(context.Background(), testPolicy(), func(attempt int) error {
		if attempt < 2 {
			return &TransportError{Kind: KindTimeout, Err: context.DeadlineExceeded}
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("attempts = %d, err = %v", attempts, err)
	}
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := Retry(ctx, testPolicy(), func(int) error { return nil })
	if attempts != 0 || !errors.Is(err, context.Canceled) {
		t.Fatalf("attempts = %d, err = %v", attempts, err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: errors.New("Forbidden"), statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: errors.New("Not Found"), statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: errors.New("Bad Gateway"), statusCode: http.StatusBadGateway, expected: "status"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorType(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestClientGetSendsBasicAuth(t *testing.T) {
	client, transport := newTestClient(t)
	url := client.URL("export/freexml.int/EN/1001.xml")

	transport.RegisterResponder("GET", url, func(req *http.Request) (*http.Response, error) {
		user, pass, ok := req.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "<Product/>"), nil
	})

	body, err := client.Get(context.Background(), url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "<Product/>" {
		t.Fatalf("body = %q", body)
	}
}

func TestClientGetStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusInternalServerError, expected: "status"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			client, transport := newTestClient(t)
			url := client.URL("doc.xml")
			transport.RegisterResponder("GET", url, httpmock.NewStringResponder(tt.status, ""))

			_, err := client.Get(context.Background(), url)
			if got := ErrorType(err); got != tt.expected {
				t.Fatalf("error type = %q (%v), want %q", got, err, tt.expected)
			}
		})
	}
}

func TestClientDownloadRetriesThenGivesUp(t *testing.T) {
	client, transport := newTestClient(t)
	url := client.URL("flaky.xml")
	transport.RegisterResponder("GET", url, httpmock.NewStringResponder(http.StatusBadGateway, ""))

	_, err := client.Download(context.Background(), url, testPolicy())
	var remote models.ErrRemoteUnavailable
	if !errors.As(err, &remote) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if remote.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", remote.Attempts)
	}
	if got := transport.GetCallCountInfo()["GET "+url]; got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestParseIndexPlainAndGzip(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{name: "plain", data: []byte(indexXML)},
		{name: "gzip", data: gzipBytes(t, indexXML)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var entries []models.RemoteIndexEntry
			err := ParseIndex(bytes.NewReader(tc.data), func(e models.RemoteIndexEntry) {
				entries = append(entries, e)
			})
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(entries) != 5 {
				t.Fatalf("entries = %d, want 5", len(entries))
			}
			first := entries[0]
			if first.FileID != "1001" || first.CategoryID != "151" || first.Quality != "ICECAT" {
				t.Fatalf("unexpected first entry: %+v", first)
			}
			if last := entries[4]; last.ProductID != "3001" {
				t.Fatalf("product id should fall back to file id, got %+v", last)
			}
		})
	}
}

func TestParseIndexRejectsTruncatedDocument(t *testing.T) {
	truncated := indexXML[:len(indexXML)/2]
	err := ParseIndex(strings.NewReader(truncated+"<file path="), func(models.RemoteIndexEntry) {})
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func newTestIndexFetcher(t *testing.T, fs afero.Fs, refresh bool) (*IndexFetcher, *httpmock.MockTransport, string) {
	t.Helper()
	client, transport := newTestClient(t)
	indexURL := client.URL("export/freexml/EN/files.index.xml.gz")

	categories := catalog.NewMap([]models.Category{
		{ID: "151", Name: "Notebooks"},
		{ID: "152", Name: "Tablets"},
		{ID: "900", Name: "Deals", Virtual: true},
	})
	f := NewIndexFetcher(client, fs, IndexOptions{
		IndexURL:  indexURL,
		CachePath: "/data/files.index.xml.gz",
		MinSize:   32,
		Refresh:   refresh,
		Retry:     testPolicy(),
	}, categories, nil)
	return f, transport, indexURL
}

func TestIndexFetcherSelectsRequestedCategories(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, transport, indexURL := newTestIndexFetcher(t, fs, false)
	transport.RegisterResponder("GET", indexURL, httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, indexXML)))

	got, err := f.Fetch(context.Background(), []string{"151", "900", "999"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got["151"]) != 2 {
		t.Fatalf("category 151 entries = %d, want 2", len(got["151"]))
	}
	if _, ok := got["900"]; ok {
		t.Fatalf("virtual category must be dropped")
	}
	if entries, ok := got["999"]; !ok || len(entries) != 0 {
		t.Fatalf("unknown category should map to no entries, got %v", entries)
	}
	if want := testBase + "/export/freexml.int/EN/1001.xml"; got["151"][0].URL != want {
		t.Fatalf("url = %q, want %q", got["151"][0].URL, want)
	}
}

func TestIndexFetcherReusesCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, transport, indexURL := newTestIndexFetcher(t, fs, false)
	transport.RegisterResponder("GET", indexURL, httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, indexXML)))

	if _, err := f.FetchCategory(context.Background(), "151"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	entries, err := f.FetchCategory(context.Background(), "152")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if calls := transport.GetCallCountInfo()["GET "+indexURL]; calls != 1 {
		t.Fatalf("index downloaded %d times, want 1", calls)
	}
}

func TestIndexFetcherReplacesCorruptCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/data/files.index.xml.gz", []byte("definitely not a gzip stream at all"), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	f, transport, indexURL := newTestIndexFetcher(t, fs, false)
	transport.RegisterResponder("GET", indexURL, httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, indexXML)))

	entries, err := f.FetchCategory(context.Background(), "151")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if err := f.validCache(); err != nil {
		t.Fatalf("cache should be valid after download: %v", err)
	}
}

func TestIndexFetcherRefreshDownloadsAgain(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, transport, indexURL := newTestIndexFetcher(t, fs, true)
	transport.RegisterResponder("GET", indexURL, httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, indexXML)))

	for i := 0; i < 2; i++ {
		if _, err := f.Ensure(context.Background()); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if calls := transport.GetCallCountInfo()["GET "+indexURL]; calls != 2 {
		t.Fatalf("index downloaded %d times, want 2", calls)
	}
}

func TestIndexFetcherCountByCategory(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, transport, indexURL := newTestIndexFetcher(t, fs, false)
	transport.RegisterResponder("GET", indexURL, httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, indexXML)))

	counts, err := f.CountByCategory(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	want := map[string]int{"151": 2, "152": 1, "900": 1, "153": 1}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	for id, n := range want {
		if counts[id] != n {
			t.Fatalf("counts[%s] = %d, want %d", id, counts[id], n)
		}
	}
}

func TestIndexFetcherUnavailable(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, transport, indexURL := newTestIndexFetcher(t, fs, false)
	transport.RegisterResponder("GET", indexURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	_, err := f.Fetch(context.Background(), []string{"151"})
	if got := models.ErrorKind(err); got != "remote_unavailable" {
		t.Fatalf("error kind = %q (%v)", got, err)
	}
	if exists, _ := afero.Exists(fs, "/data/files.index.xml.gz"); exists {
		t.Fatalf("failed download must not leave a cache file")
	}
}

func TestFetchCategories(t *testing.T) {
	client, transport := newTestClient(t)
	path := "export/freexml/refs/CategoriesList.xml.gz"
	doc := `<ICECAT-interface><Response><CategoriesList>
<Category ID="151"><Name ID="1" Value="Notebooks" langid="1"/>
<VirtualCategories><VirtualCategory ID="900"><Name ID="2" Value="Deals" langid="1"/></VirtualCategory></VirtualCategories>
</Category>
</CategoriesList></Response></ICECAT-interface>`
	transport.RegisterResponder("GET", client.URL(path), httpmock.NewBytesResponder(http.StatusOK, gzipBytes(t, doc)))

	categories, err := client.FetchCategories(context.Background(), path, testPolicy())
	if err != nil {
		t.Fatalf("fetch categories: %v", err)
	}
	if len(categories) != 2 || !categories[0].Virtual || categories[1].ID != "151" {
		t.Fatalf("unexpected categories: %+v", categories)
	}
}

func TestFetchFeatures(t *testing.T) {
	doc := `<ICECAT-interface><Response><FeaturesList>
<Feature ID="1766"><Name ID="1" Value="Beeldschermdiagonaal" langid="2"/><Name ID="2" Value="Display diagonal" langid="1"/></Feature>
<Feature ID="3"><Names><Name ID="3" langid="1">Bluetooth</Name></Names></Feature>
</FeaturesList></Response></ICECAT-interface>`
	path := "export/freexml/refs/FeaturesList.xml.gz"

	for name, body := range map[string][]byte{"gzip": gzipBytes(t, doc), "plain": []byte(doc)} {
		t.Run(name, func(t *testing.T) {
			client, transport := newTestClient(t)
			transport.RegisterResponder("GET", client.URL(path), httpmock.NewBytesResponder(http.StatusOK, body))

			features, err := client.FetchFeatures(context.Background(), path, testPolicy())
			if err != nil {
				t.Fatalf("fetch features: %v", err)
			}
			if len(features) != 2 || features["1766"] != "Display diagonal" || features["3"] != "Bluetooth" {
				t.Fatalf("unexpected features: %v", features)
			}
		})
	}
}

func TestFetchFeaturesMalformed(t *testing.T) {
	client, transport := newTestClient(t)
	path := "export/freexml/refs/FeaturesList.xml.gz"
	transport.RegisterResponder("GET", client.URL(path), httpmock.NewStringResponder(http.StatusOK, "<ICECAT-interface><FeaturesList><Feature ID=\"1\">"))

	_, err := client.FetchFeatures(context.Background(), path, testPolicy())
	if got := models.ErrorKind(err); got != "malformed_document" {
		t.Fatalf("error kind = %q (%v), want malformed_document", got, err)
	}
}

func TestClientMetricsRecordOutcomes(t *testing.T) {
	client, transport := newTestClient(t)
	ok := client.URL("ok.xml")
	missing := client.URL("missing.xml")
	transport.RegisterResponder("GET", ok, httpmock.NewStringResponder(http.StatusOK, "<Product/>"))
	transport.RegisterResponder("GET", missing, httpmock.NewStringResponder(http.StatusNotFound, ""))

	if _, err := client.Get(context.Background(), ok); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := client.Get(context.Background(), missing); err == nil {
		t.Fatalf("expected error")
	}

	families, err := client.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				got[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[key] = m.GetGauge().GetValue()
			}
		}
	}

	want := map[string]float64{
		"harvester_http_requests_total/ok":      1,
		"harvester_http_requests_total/error":   1,
		"harvester_http_errors_total/not_found": 1,
		"harvester_http_requests_in_flight":     0,
		"harvester_http_response_bytes_total":   float64(len("<Product/>")),
	}
	for key, v := range want {
		if got[key] != v {
			t.Fatalf("%s = %v, want %v (all: %v)", key, got[key], v, got)
		}
	}
}
