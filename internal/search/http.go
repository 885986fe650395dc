package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/ashureev/shoplens/internal/search"

// HTTPConfig configures the REST search backend.
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RateLimit     float64 // requests per second, 0 = unlimited
	ForceOriginal bool
	MaxRetries    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
}

// HTTPBackend queries the search service's multipart REST endpoint.
type HTTPBackend struct {
	resty         *resty.Client
	limiter       *rate.Limiter
	mapper        *mapper
	tracer        trace.Tracer
	forceOriginal bool
}

// NewHTTPBackend creates a REST backend with retries and rate limiting.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 250 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "shoplens/1.0").
		AddRetryCondition(retryPolicy(retryClient.CheckRetry))
	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPBackend{
		resty:         restyClient,
		limiter:       limiter,
		mapper:        newMapper(),
		tracer:        otel.Tracer(tracerName),
		forceOriginal: cfg.ForceOriginal,
	}
}

// retryPolicy lets retryablehttp decide which failures resty retries:
// connection errors, 429 and 5xx other than 501.
func retryPolicy(check retryablehttp.CheckRetry) resty.RetryConditionFunc {
	return func(resp *resty.Response, err error) bool {
		ctx := context.Background()
		var raw *http.Response
		if resp != nil {
			raw = resp.RawResponse
			if resp.Request != nil {
				ctx = resp.Request.Context()
			}
		}
		retry, _ := check(ctx, raw, err)
		return retry
	}
}

// Search posts one page request.
func (b *HTTPBackend) Search(ctx context.Context, q Query) (domain.ResultPage, error) {
	offset, err := DecodeCursor(q.Cursor)
	if err != nil {
		return domain.ResultPage{}, err
	}
	limit := ClampLimit(q.Limit)

	ctx, span := b.tracer.Start(ctx, "search.http",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("search.offset", offset),
			attribute.Int("search.limit", limit),
			attribute.Int("search.query_length", len(q.Text)),
		),
	)
	defer span.End()

	page, err := b.search(ctx, q.Text, offset, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ResultPage{}, err
	}
	span.SetAttributes(attribute.Int("search.results", len(page.Products)))
	return page, nil
}

func (b *HTTPBackend) search(ctx context.Context, text string, offset, limit int) (domain.ResultPage, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.ResultPage{}, fmt.Errorf("rate limit error: %w", err)
	}

	body, err := json.Marshal(searchRequest{
		Query:         text,
		Limit:         limit,
		Offset:        offset,
		ForceOriginal: b.forceOriginal,
	})
	if err != nil {
		return domain.ResultPage{}, fmt.Errorf("failed to encode search request: %w", err)
	}

	resp, err := b.resty.R().
		SetContext(ctx).
		SetQueryParam("force_original", strconv.FormatBool(b.forceOriginal)).
		SetMultipartFormData(map[string]string{"body": string(body)}).
		Post("/products/search")
	if err != nil {
		return domain.ResultPage{}, fmt.Errorf("search request failed: %w", err)
	}
	if resp.IsError() {
		return domain.ResultPage{}, fmt.Errorf("search service returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	return b.mapper.decode(resp.Body(), offset, limit)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
