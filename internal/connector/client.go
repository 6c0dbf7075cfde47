// Package connector fetches activity log reports from the guild's external
// log service over HTTP.
package connector

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

	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrDisabled = errors.New("connector: no base url configured")

type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration // 0 means 10s
	RatePerS  float64       // 0 means 1 request per second
	Burst     int           // 0 means 1
	PageLimit int           // 0 means 100
}

// Client pages through GET {base}/reports?since=<RFC3339>&limit=<n>&cursor=<c>.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerS <= 0 {
		cfg.RatePerS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerS), cfg.Burst),
		log:     log,
	}
}

func (c *Client) Enabled() bool { return c != nil && c.cfg.BaseURL != "" }

type page struct {
	Reports    []storage.LogReport `json:"reports"`
	NextCursor string              `json:"next_cursor"`
}

type apiError struct {
	Error string `json:"error"`
}

// FetchReports returns every report started at or after since.
func (c *Client) FetchReports(ctx context.Context, since time.Time) ([]storage.LogReport, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	var (
		out    []storage.LogReport
		cursor string
	)
	for pages := 0; ; pages++ {
		if pages >= 1000 {
			return out, fmt.Errorf("connector: too many pages")
		}
		p, err := c.fetchPage(ctx, since, cursor)
		if err != nil {
			return out, err
		}
		out = append(out, p.Reports...)
		if p.NextCursor == "" || p.NextCursor == cursor {
			break
		}
		cursor = p.NextCursor
	}
	c.log.Debug("reports fetched", logx.Int("count", len(out)), logx.Time("since", since))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, since time.Time, cursor string) (page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return page{}, err
	}

	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("limit", fmt.Sprint(c.cfg.PageLimit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/reports?"+q.Encode(), nil)
	if err != nil {
		return page{}, err
	}
	req.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(c.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("connector: %w", err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, 8<<20)
	if resp.StatusCode/100 != 2 {
		var ae apiError
		_ = json.NewDecoder(body).Decode(&ae)
		if ae.Error != "" {
			return page{}, fmt.Errorf("connector: %s (http=%d)", ae.Error, resp.StatusCode)
		}
		return page{}, fmt.Errorf("connector: http=%d", resp.StatusCode)
	}

	var p page
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		return page{}, fmt.Errorf("connector: decode reports: %w", err)
	}
	return p, nil
}
