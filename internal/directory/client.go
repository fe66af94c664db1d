// Package directory talks to the external citizen and organization directory.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fleetmanager/backend/internal/citizens"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout         = 5 * time.Second
	defaultCacheTTL        = 10 * time.Minute
	defaultCleanupInterval = 15 * time.Minute

	organizationCachePrefix = "organization:"
	maxResponseBytes        = 1 << 20
)

var (
	tracer = otel.Tracer("directory")

	// ErrInvalidBaseURL indicates the configured directory URL cannot be used.
	ErrInvalidBaseURL = errors.New("directory: invalid base url")
	// ErrUnexpectedStatus indicates a non-200, non-404 directory response.
	ErrUnexpectedStatus = errors.New("directory: unexpected status")
)

// Config describes a directory client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client resolves organizations and citizen snapshots over HTTP.
// Organization lookups are cached and concurrent lookups of one sid share a request.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	cache   *cache.Cache
	group   singleflight.Group
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: parsed,
		http:    httpClient,
		cache:   cache.New(ttl, defaultCleanupInterval),
		timeout: timeout,
		logger:  logger,
	}, nil
}

type organizationPayload struct {
	SID       string `json:"sid"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// OrganizationInfo returns the display record of the organization sid.
// A 404 maps to citizens.ErrOrganizationNotFound.
func (c *Client) OrganizationInfo(ctx context.Context, sid string) (citizens.OrganizationInfo, error) {
	cacheKey := organizationCachePrefix + sid
	if cached, found := c.cache.Get(cacheKey); found {
		return cached.(citizens.OrganizationInfo), nil
	}

	// The shared fetch outlives any single caller; each caller still honours its own ctx.
	results := c.group.DoChan(cacheKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		var payload organizationPayload
		if err := c.getJSON(fetchCtx, "Directory.OrganizationInfo", "/organizations/"+url.PathEscape(sid), citizens.ErrOrganizationNotFound, &payload); err != nil {
			return citizens.OrganizationInfo{}, err
		}
		info := citizens.OrganizationInfo{
			SID:       sid,
			Name:      payload.Name,
			AvatarURL: payload.AvatarURL,
		}
		c.cache.Set(cacheKey, info, cache.DefaultExpiration)
		return info, nil
	})

	select {
	case <-ctx.Done():
		return citizens.OrganizationInfo{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return citizens.OrganizationInfo{}, result.Err
		}
		return result.Val.(citizens.OrganizationInfo), nil
	}
}

// CitizenInfo fetches the current snapshot of handle. Snapshots are never cached.
// A 404 maps to citizens.ErrCitizenNotFound.
func (c *Client) CitizenInfo(ctx context.Context, handle citizens.Handle) (citizens.Snapshot, error) {
	var snapshot citizens.Snapshot
	if err := c.getJSON(ctx, "Directory.CitizenInfo", "/citizens/"+url.PathEscape(handle.String()), citizens.ErrCitizenNotFound, &snapshot); err != nil {
		return citizens.Snapshot{}, err
	}
	if snapshot.Handle == "" {
		snapshot.Handle = handle.String()
	}
	return snapshot, nil
}

func (c *Client) getJSON(ctx context.Context, spanName, path string, notFound error, target interface{}) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	endpoint := c.baseURL.String() + path
	span.SetAttributes(attribute.String("http.url", endpoint))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request build failed")
		return fmt.Errorf("directory: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Warn("directory request failed", zap.String("url", endpoint), zap.Error(err))
		return fmt.Errorf("directory: perform request: %w", err)
	}
	defer response.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", response.StatusCode))
	switch {
	case response.StatusCode == http.StatusNotFound:
		return notFound
	case response.StatusCode != http.StatusOK:
		err := fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		c.logger.Warn("directory returned unexpected status",
			zap.String("url", endpoint),
			zap.Int("status", response.StatusCode))
		return err
	}

	decoder := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes))
	if err := decoder.Decode(target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return fmt.Errorf("directory: decode response: %w", err)
	}
	return nil
}
