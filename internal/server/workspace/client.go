// Package workspace is the HTTP client for the external document-database
// workspace: pages, blocks and databases behind a rate-limited,
// bearer-authenticated REST API.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL    = "https://api.notion.com"
	DefaultAPIVersion = "2022-06-28"
	DefaultMaxPages   = 50

	versionHeader = "Notion-Version"
	pageSize      = 100
)

// TokenProvider returns the bearer token for the next request.
type TokenProvider func(ctx context.Context) (string, error)

// Client is the set of workspace operations the sync engine needs.
type Client interface {
	Me(ctx context.Context) (*Identity, error)
	GetPage(ctx context.Context, pageID string) (*Page, error)
	ListChildren(ctx context.Context, blockID string) ([]Block, error)
	GetDatabase(ctx context.Context, databaseID string) (*Database, error)
	QueryDatabase(ctx context.Context, databaseID, cursor string) (*QueryPage, error)
	CreateRecord(ctx context.Context, databaseID string, properties map[string]Property) (string, error)
}

type Options struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	// Limiter throttles every attempt, retries included. Nil disables it.
	Limiter *rate.Limiter
	// MaxRetries is the number of retries after a rate-limited or transient
	// attempt. Zero means the default of 2; negative disables retries.
	MaxRetries int
	// RetryDelay is the fixed wait before a retry when the server sends no
	// Retry-After header.
	RetryDelay time.Duration
	// MaxDelay caps a server supplied Retry-After.
	MaxDelay time.Duration
	// MaxPages bounds ListChildren pagination.
	MaxPages int
}

type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	limiter       *rate.Limiter
	maxRetries    int
	retryDelay    time.Duration
	maxDelay      time.Duration
	maxPages      int
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 2
	case maxRetries < 0:
		maxRetries = 0
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		limiter:       opts.Limiter,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		maxDelay:      maxDelay,
		maxPages:      maxPages,
	}
}

func (c *HTTPClient) Me(ctx context.Context) (*Identity, error) {
	var dto userDTO
	if err := c.do(ctx, http.MethodGet, "/v1/users/me", nil, &dto); err != nil {
		return nil, err
	}
	if dto.ID == "" {
		return nil, &APIError{Kind: KindMalformed, Message: "user without id"}
	}
	id := &Identity{ID: dto.ID, Name: dto.Name, Type: dto.Type}
	if dto.Bot != nil {
		id.WorkspaceName = dto.Bot.WorkspaceName
	}
	return id, nil
}

func (c *HTTPClient) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var dto pageDTO
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID), nil, &dto); err != nil {
		return nil, err
	}
	if dto.ID == "" {
		return nil, &APIError{Kind: KindMalformed, Message: "page without id"}
	}
	p := &Page{ID: dto.ID, Archived: dto.Archived || dto.InTrash, Properties: dto.Properties}
	for _, prop := range dto.Properties {
		if prop.Type == PropTitle {
			p.Title = prop.PlainText()
			break
		}
	}
	return p, nil
}

// ListChildren returns every child block of blockID, following pagination
// up to the configured page ceiling.
func (c *HTTPClient) ListChildren(ctx context.Context, blockID string) ([]Block, error) {
	var (
		blocks []Block
		cursor string
	)
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return blocks, fmt.Errorf("list children of %s: %w", blockID, common.ErrTruncatedSync)
		}

		q := url.Values{}
		q.Set("page_size", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}

		var list listDTO
		path := "/v1/blocks/" + url.PathEscape(blockID) + "/children?" + q.Encode()
		if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
			return blocks, err
		}

		for _, raw := range list.Results {
			var dto blockDTO
			if err := json.Unmarshal(raw, &dto); err != nil || dto.ID == "" {
				continue
			}
			b := Block{ID: dto.ID, Type: dto.Type, HasChildren: dto.HasChildren}
			switch {
			case dto.ChildDatabase != nil:
				b.Title = dto.ChildDatabase.Title
			case dto.ChildPage != nil:
				b.Title = dto.ChildPage.Title
			}
			blocks = append(blocks, b)
		}

		if !list.HasMore || list.NextCursor == nil || *list.NextCursor == "" {
			return blocks, nil
		}
		cursor = *list.NextCursor
	}
}

func (c *HTTPClient) GetDatabase(ctx context.Context, databaseID string) (*Database, error) {
	var dto databaseDTO
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil, &dto); err != nil {
		return nil, err
	}
	if dto.ID == "" {
		return nil, &APIError{Kind: KindMalformed, Message: "database without id"}
	}
	return &Database{ID: dto.ID, Title: joinRichText(dto.Title), Archived: dto.Archived}, nil
}

// QueryDatabase fetches one page of records. The cursor is passed back
// verbatim; an empty cursor starts from the beginning. Results that cannot
// be decoded are returned in QueryPage.Invalid instead of failing the page.
func (c *HTTPClient) QueryDatabase(ctx context.Context, databaseID, cursor string) (*QueryPage, error) {
	body := map[string]any{"page_size": pageSize}
	if cursor != "" {
		body["start_cursor"] = cursor
	}

	var list listDTO
	if err := c.do(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", body, &list); err != nil {
		return nil, err
	}

	out := &QueryPage{HasMore: list.HasMore}
	if list.NextCursor != nil {
		out.NextCursor = *list.NextCursor
	}
	for _, raw := range list.Results {
		rec, err := decodeRecord(raw)
		if err != nil {
			out.Invalid = append(out.Invalid, InvalidRecord{ID: rec.ID, Raw: raw, Err: err})
			continue
		}
		out.Records = append(out.Records, rec)
	}
	if out.HasMore && out.NextCursor == "" {
		return out, &APIError{Kind: KindMalformed, Message: "has_more without next_cursor"}
	}
	return out, nil
}

func decodeRecord(raw json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, &APIError{Kind: KindMalformed, Err: err}
	}
	if rec.ID == "" {
		return rec, &APIError{Kind: KindMalformed, Message: "record without id"}
	}
	for name, prop := range rec.Properties {
		if prop.Type == "" {
			return rec, &APIError{Kind: KindMalformed, Message: fmt.Sprintf("property %q without type", name)}
		}
	}
	rec.Raw = raw
	return rec, nil
}

func (c *HTTPClient) CreateRecord(ctx context.Context, databaseID string, properties map[string]Property) (string, error) {
	body := map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": properties,
	}
	var dto pageDTO
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &dto); err != nil {
		return "", err
	}
	if dto.ID == "" {
		return "", &APIError{Kind: KindMalformed, Message: "created page without id"}
	}
	return dto.ID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, out any) error {
	if c.tokenProvider == nil {
		return errors.New("workspace token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &APIError{Kind: KindUnauthorized, Message: "empty token"}
	}

	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		apiErr, retryAfter, err := c.attempt(ctx, method, path, token, bodyBytes, out)
		if err != nil {
			return err
		}
		if apiErr == nil {
			return nil
		}
		if !retryable(apiErr.Kind) || attempt >= c.maxRetries {
			return apiErr
		}
		if err := sleepContext(ctx, c.delay(retryAfter)); err != nil {
			return err
		}
	}
}

// attempt performs one request. A non-nil error is terminal (context or
// request construction); an APIError may be retried.
func (c *HTTPClient) attempt(ctx context.Context, method, path, token string, body []byte, out any) (*APIError, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(versionHeader, c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return &APIError{Kind: KindTransient, Err: err}, "", nil
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &APIError{Kind: KindTransient, Status: resp.StatusCode, Err: readErr}, "", nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return nil, "", &APIError{Kind: KindMalformed, Status: resp.StatusCode, Err: err}
			}
		}
		return nil, "", nil
	}

	apiErr := &APIError{
		Kind:    kindForStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(respBody)),
	}
	var parsed apiErrorDTO
	if json.Unmarshal(respBody, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr, resp.Header.Get("Retry-After"), nil
}

func (c *HTTPClient) delay(retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	return c.retryDelay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
