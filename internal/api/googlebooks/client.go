package googlebooks

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/models"
	"github.com/mtholden/libcat/internal/util"
)

const (
	defaultBaseURL    = "https://www.googleapis.com/books/v1"
	defaultMaxRetries = 3
	initialBackoff    = 500 * time.Millisecond
	maxResults        = 5
	responseFields    = "items(id,volumeInfo(title,authors,industryIdentifiers,categories,description,imageLinks,pageCount,language))"
)

// Config holds the lookup client configuration
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	CacheSize  int
	CacheTTL   time.Duration
}

// Client queries the Google Books volumes endpoint and normalizes the
// result into an Outcome. All requests pass through a shared quota
// limiter; retryable outcomes are retried with exponential backoff and
// jitter up to a fixed attempt ceiling.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	limiter    *util.QuotaLimiter
	cache      *expirable.LRU[string, Outcome]
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewClient creates a new lookup client. The limiter must be the single
// instance shared by every lookup path in the process.
func NewClient(cfg Config, limiter *util.QuotaLimiter, m *metrics.Metrics, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		limiter:    limiter,
		cache:      expirable.NewLRU[string, Outcome](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics:    m,
		logger:     log,
	}
}

// BuildQuery translates a record into a volumes query, preferring an
// ISBN match and falling back to title+author full-text.
func BuildQuery(book *models.Book) (string, error) {
	if book.ISBN != "" {
		return "isbn:" + book.ISBN, nil
	}
	if book.Title == "" {
		return "", fmt.Errorf("record has neither ISBN nor title")
	}
	q := fmt.Sprintf("intitle:%q", book.Title)
	if book.Author != "" {
		q += fmt.Sprintf(" inauthor:%q", book.Author)
	}
	return q, nil
}

// Lookup executes a bibliographic lookup for the record. Expected
// provider conditions are returned as Outcome values; a non-nil error
// means the client itself failed (ClientError) or the context ended.
func (c *Client) Lookup(ctx context.Context, book *models.Book) (Outcome, error) {
	query, err := BuildQuery(book)
	if err != nil {
		return Outcome{}, &ClientError{Err: err}
	}

	if cached, ok := c.cache.Get(query); ok {
		c.logger.Debug("Lookup cache hit", map[string]interface{}{
			"query": query,
		})
		return cached, nil
	}

	start := time.Now()
	outcome, err := c.lookupWithRetry(ctx, query)
	c.metrics.ObserveLookupDuration(time.Since(start))
	if err != nil {
		c.metrics.IncLookup("client_error")
		return Outcome{}, err
	}
	c.metrics.IncLookup(string(outcome.Kind))

	// Only settled query results are worth caching.
	if outcome.Kind == KindSuccess || outcome.Kind == KindNoMatch {
		c.cache.Add(query, outcome)
	}
	return outcome, nil
}

func (c *Client) lookupWithRetry(ctx context.Context, query string) (Outcome, error) {
	var last Outcome

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<uint(attempt-1))
			// Up to 20% jitter keeps concurrent retries from aligning.
			backoff += time.Duration(rand.Float64() * 0.2 * float64(backoff))
			c.metrics.IncRetry()
			c.logger.Debug("Retrying provider lookup", map[string]interface{}{
				"attempt":    attempt + 1,
				"max":        c.maxRetries,
				"query":      query,
				"backoff_ms": backoff.Milliseconds(),
				"last":       string(last.Kind),
			})

			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{}, err
		}

		outcome, err := c.doRequest(ctx, query)
		if err != nil {
			return Outcome{}, err
		}
		if !outcome.Kind.Retryable() {
			return outcome, nil
		}
		last = outcome
	}

	c.logger.Warn("Exhausted provider lookup retries", map[string]interface{}{
		"query":       query,
		"max_retries": c.maxRetries,
		"last":        string(last.Kind),
	})
	return last, nil
}

// doRequest issues a single volumes request and classifies the response.
func (c *Client) doRequest(ctx context.Context, query string) (Outcome, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", fmt.Sprintf("%d", maxResults))
	params.Set("fields", responseFields)
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}

	reqURL := fmt.Sprintf("%s/volumes?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Outcome{}, &ClientError{Err: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{Kind: KindTransientFailure, Err: err}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload volumesResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return Outcome{}, &ClientError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return c.classifyPayload(query, &payload), nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{Kind: KindRateLimited, Err: fmt.Errorf("provider rate limit: %d", resp.StatusCode)}, nil

	case resp.StatusCode == http.StatusForbidden:
		// Quota/geo policy denial. Not retryable.
		return Outcome{Kind: KindDenied, Err: fmt.Errorf("provider denied request: %d", resp.StatusCode)}, nil

	case resp.StatusCode >= 500:
		return Outcome{Kind: KindTransientFailure, Err: fmt.Errorf("provider server error: %d", resp.StatusCode)}, nil

	default:
		// Remaining 4xx means we built a bad request.
		return Outcome{}, &ClientError{Err: fmt.Errorf("unexpected provider response: %d", resp.StatusCode)}
	}
}

// classifyPayload extracts enrichment fields from the first usable item.
func (c *Client) classifyPayload(query string, payload *volumesResponse) Outcome {
	for _, item := range payload.Items {
		enr := extractEnrichment(&item.VolumeInfo)
		if enr.Empty() {
			continue
		}
		c.logger.Debug("Provider match", map[string]interface{}{
			"query":  query,
			"volume": item.ID,
			"title":  item.VolumeInfo.Title,
		})
		return Outcome{Kind: KindSuccess, Fields: enr}
	}
	return Outcome{Kind: KindNoMatch}
}

func extractEnrichment(info *volumeInfo) *models.Enrichment {
	enr := &models.Enrichment{
		Description: info.Description,
		PageCount:   info.PageCount,
	}
	if len(info.Categories) > 0 {
		enr.Categories = append([]string(nil), info.Categories...)
	}
	if info.ImageLinks.Thumbnail != "" {
		enr.ImageURL = info.ImageLinks.Thumbnail
	} else {
		enr.ImageURL = info.ImageLinks.SmallThumbnail
	}
	return enr
}
