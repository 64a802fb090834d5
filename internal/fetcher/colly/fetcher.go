// Package collyfetcher implements crawler.Fetcher for the county record
// pages using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

// IDPlaceholder is replaced by the escaped identifier in URLTemplate.
const IDPlaceholder = "{id}"

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	// URLTemplate is the record URL with IDPlaceholder in place of the
	// identifier. Required.
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URLTemplate == "" {
		return nil, errors.New("url template is required")
	}
	if !strings.Contains(cfg.URLTemplate, IDPlaceholder) {
		return nil, fmt.Errorf("url template %q has no %s placeholder", cfg.URLTemplate, IDPlaceholder)
	}
	sample, err := url.Parse(strings.ReplaceAll(cfg.URLTemplate, IDPlaceholder, "sample"))
	if err != nil {
		return nil, fmt.Errorf("parse url template: %w", err)
	}
	if sample.Scheme != "http" && sample.Scheme != "https" {
		return nil, fmt.Errorf("url template scheme %q is not http(s)", sample.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := colly.NewCollector(colly.Async(false))
	// Retries visit the same URL and clones share the visited store.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// BuildURL renders the record URL for identifier.
func (f *Fetcher) BuildURL(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", crawler.NewClientError("", errors.New("empty identifier"))
	}
	if strings.ContainsAny(id, "/?#") {
		return "", crawler.NewClientError("", fmt.Errorf("identifier %q contains reserved characters", id))
	}
	target := strings.ReplaceAll(f.cfg.URLTemplate, IDPlaceholder, url.PathEscape(id))
	if _, err := url.ParseRequestURI(target); err != nil {
		return "", crawler.NewClientError(target, fmt.Errorf("build url: %w", err))
	}
	return target, nil
}

// Fetch executes a single HTTP GET for the request's identifier.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.RawResponse, error) {
	target, err := f.BuildURL(request.Identifier)
	if err != nil {
		return crawler.RawResponse{}, err
	}

	var (
		result   crawler.RawResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return crawler.RawResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.RawResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.RawResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.RawResponse{
			Identifier: request.Identifier,
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = classifyError(r, err)
	})
}

// classifyError maps a colly failure onto the fetch error taxonomy. Colly
// reports transport failures with a zero status code.
func classifyError(r *colly.Response, err error) error {
	target := ""
	status := 0
	if r != nil {
		status = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			target = r.Request.URL.String()
		}
	}
	if status == 0 {
		return crawler.NewNetworkError(target, err)
	}
	return crawler.NewHTTPError(target, status, err)
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return crawler.NewNetworkError(target, fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return crawler.NewClientError(target, fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
