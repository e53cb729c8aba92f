// Package fetcher talks to the Icecat export server: a retrying HTTP client
// and the manifest (index) fetcher built on it.
package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/icecat-harvester/config"
	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

const (
	ctxBody   = "body"
	ctxStatus = "status"
)

// Getter fetches one remote document in a single attempt.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Client issues authenticated GET requests through a colly collector.
// It is safe for concurrent use.
type Client struct {
	baseURL   *url.URL
	collector *colly.Collector
	limiter   *rate.Limiter
	header    http.Header
	logger    *slog.Logger
	Metrics   *Metrics
}

// NewClient builds a client configured from cfg.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(0),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.Parallelism,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", cfg.UserAgent)
	if cfg.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}

	var limiter *rate.Limiter
	if cfg.RequestRate > 0 {
		burst := int(cfg.RequestRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), burst)
	}

	c := &Client{
		baseURL:   parsed,
		collector: collector,
		limiter:   limiter,
		header:    header,
		logger:    logger.With(slog.String("component", "fetcher")),
		Metrics:   NewMetrics(),
	}
	c.configureHandlers()
	return c, nil
}

// WithTransport replaces the underlying HTTP transport.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.collector.WithTransport(rt)
}

// URL resolves an export path against the base URL.
func (c *Client) URL(path string) string {
	base := strings.TrimSuffix(c.baseURL.String(), "/")
	return base + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) configureHandlers() {
	c.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxBody, r.Body)
		r.Ctx.Put(ctxStatus, r.StatusCode)
		c.Metrics.AddBytes(len(r.Body))
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		r.Ctx.Put(ctxStatus, r.StatusCode)
	})
}

// Get performs one GET of rawURL and returns the response body. Failures are
// classified into the fetcher error types.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	done := c.Metrics.Track()
	reqCtx := colly.NewContext()
	err := c.collector.Request(http.MethodGet, rawURL, nil, reqCtx, c.header.Clone())

	status, _ := reqCtx.GetAny(ctxStatus).(int)
	if classified := classifyError(err, status); classified != nil {
		label := ErrorType(classified)
		done("error")
		c.Metrics.IncError(label)
		c.logger.Debug("request failed",
			slog.String("url", rawURL),
			slog.Int("status", status),
			slog.String("error_type", label),
			slog.Any("error", err),
		)
		return nil, classified
	}

	done("ok")
	body, _ := reqCtx.GetAny(ctxBody).([]byte)
	return body, nil
}

// Download fetches rawURL with retries. Exhausted or permanent failures are
// returned as models.ErrRemoteUnavailable.
func (c *Client) Download(ctx context.Context, rawURL string, policy RetryPolicy) ([]byte, error) {
	return download(ctx, c, rawURL, policy, c.Metrics)
}

func download(ctx context.Context, g Getter, rawURL string, policy RetryPolicy, metrics *Metrics) ([]byte, error) {
	var body []byte
	attempts, err := Retry(ctx, policy.Counted(metrics), func(int) error {
		data, err := g.Get(ctx, rawURL)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, models.ErrRemoteUnavailable{URL: rawURL, Attempts: attempts, Err: err}
	}
	return body, nil
}
