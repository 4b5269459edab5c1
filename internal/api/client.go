package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"github.com/brensch/formexport/internal/config"
	ferrors "github.com/brensch/formexport/internal/errors"
	"github.com/brensch/formexport/internal/stream"
	"github.com/brensch/formexport/internal/util"

	"github.com/goccy/go-json"
	"golang.org/x/net/publicsuffix"
)

// DefaultSessionCookieName is used when the configured cookie has no name.
const DefaultSessionCookieName = "connect.sid"

// Params selects the submissions of an export.
type Params struct {
	FormID              string
	StartDate           string // YYYY-MM-DD, optional
	EndDate             string // YYYY-MM-DD, optional
	DownloadAttachments bool
}

func (p Params) query(withAttachments bool) url.Values {
	q := url.Values{}
	if p.StartDate != "" && p.EndDate != "" {
		q.Set("startDate", p.StartDate)
		q.Set("endDate", p.EndDate)
	}
	if withAttachments {
		q.Set("downloadAttachments", strconv.FormatBool(p.DownloadAttachments))
	}
	return q
}

// Client talks to the form server's admin submission endpoints.
type Client struct {
	baseURL *url.URL
	http    *http.Client // count and attachment requests
	stream  *http.Client // no overall timeout; the stream is unbounded
	maxLine int
	logger  *slog.Logger
}

// NewClient builds a client sharing one cookie jar between its requests.
func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if cfg.SessionCookie != "" {
		name, value, found := strings.Cut(cfg.SessionCookie, "=")
		if !found {
			name, value = DefaultSessionCookieName, cfg.SessionCookie
		}
		jar.SetCookies(base, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	}

	httpClient := util.DefaultHTTPClient(cfg.HTTPTimeout)
	httpClient.Jar = jar
	streamClient := util.DefaultHTTPClient(0)
	streamClient.Jar = jar

	return &Client{
		baseURL: base,
		http:    httpClient,
		stream:  streamClient,
		maxLine: cfg.MaxLineBytes,
		logger:  logger.With(slog.String("component", "api")),
	}, nil
}

func (c *Client) endpoint(formID, suffix string, q url.Values) string {
	u := *c.baseURL
	u.Path = u.Path + "/api/v3/admin/forms/" + url.PathEscape(formID) + "/submissions/" + suffix
	u.RawQuery = q.Encode()
	return u.String()
}

// CountSubmissions returns how many submissions match p.
func (c *Client) CountSubmissions(ctx context.Context, p Params) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(p.FormID, "count", p.query(false)), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build count request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := util.DownloadFile(c.http, req)
	if err != nil {
		return 0, fmt.Errorf("%w: count submissions: %w", ferrors.ErrNetwork, err)
	}
	var count int
	if err := json.Unmarshal(body, &count); err != nil {
		return 0, fmt.Errorf("failed to decode submission count %q: %w", string(body), err)
	}
	c.logger.Debug("Submission count fetched.", slog.String("form_id", p.FormID), slog.Int("count", count))
	return count, nil
}

// StreamSubmissions opens the NDJSON submission stream. Closing the returned
// scanner aborts the transfer.
func (c *Client) StreamSubmissions(ctx context.Context, p Params) (*stream.LineScanner, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(p.FormID, "download", p.query(true)), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: open stream: %w", ferrors.ErrNetwork, err)
	}
	if err := util.CheckStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: open stream: %w", ferrors.ErrNetwork, err)
	}
	c.logger.Debug("Submission stream opened.", slog.String("form_id", p.FormID))
	return stream.NewLineScanner(resp.Body, cancel, c.maxLine), nil
}

// FetchAttachment downloads the encrypted attachment envelope at rawURL.
func (c *Client) FetchAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build attachment request: %w", err)
	}
	return util.DownloadFile(c.http, req)
}
