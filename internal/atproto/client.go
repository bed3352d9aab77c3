package atproto

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
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	nsidCreateSession  = "com.atproto.server.createSession"
	nsidRefreshSession = "com.atproto.server.refreshSession"
	nsidCreateRecord   = "com.atproto.repo.createRecord"
	nsidDeleteRecord   = "com.atproto.repo.deleteRecord"
	nsidGetRecord      = "com.atproto.repo.getRecord"
	nsidListRecords    = "com.atproto.repo.listRecords"
)

type ClientOptions struct {
	// Host is the PDS host, with or without scheme ("bsky.social").
	Host       string
	Identifier string
	Password   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

type CreateRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey,omitempty"`
	Record     any    `json:"record"`
}

type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type DeleteRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

type GetRecordInput struct {
	Repo       string
	Collection string
	RKey       string
}

type ListRecordsInput struct {
	Repo       string
	Collection string
	Limit      int
	Cursor     string
}

type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

func (r Record) Decode(v any) error {
	if len(r.Value) == 0 {
		return ErrInvalidInput
	}
	return json.Unmarshal(r.Value, v)
}

type ListRecordsOutput struct {
	Records []Record `json:"records"`
	Cursor  string   `json:"cursor,omitempty"`
}

// Client speaks XRPC to a personal data server on behalf of one account.
type Client struct {
	baseURL    string
	identifier string
	password   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu      sync.RWMutex
	session *Session
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    normalizeHost(opts.Host),
		identifier: strings.TrimSpace(opts.Identifier),
		password:   opts.Password,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Client) Login(ctx context.Context) error {
	if c.identifier == "" || c.password == "" {
		return fmt.Errorf("%w: identifier and password are required", ErrInvalidInput)
	}
	body := map[string]string{
		"identifier": c.identifier,
		"password":   c.password,
	}
	var session Session
	if err := c.send(ctx, http.MethodPost, nsidCreateSession, nil, body, "", &session); err != nil {
		return err
	}
	c.setSession(&session)
	return nil
}

// Session returns a copy of the active session, or nil before Login.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	clone := *c.session
	return &clone
}

func (c *Client) CreateRecord(ctx context.Context, in CreateRecordInput) (RecordRef, error) {
	if strings.TrimSpace(in.Repo) == "" || strings.TrimSpace(in.Collection) == "" || in.Record == nil {
		return RecordRef{}, ErrInvalidInput
	}
	var out RecordRef
	err := c.call(ctx, http.MethodPost, nsidCreateRecord, nil, in, &out)
	return out, err
}

func (c *Client) DeleteRecord(ctx context.Context, in DeleteRecordInput) error {
	if strings.TrimSpace(in.Repo) == "" || strings.TrimSpace(in.Collection) == "" || strings.TrimSpace(in.RKey) == "" {
		return ErrInvalidInput
	}
	return c.call(ctx, http.MethodPost, nsidDeleteRecord, nil, in, nil)
}

// GetRecord fetches one record. A missing record is reported as ErrNotFound.
func (c *Client) GetRecord(ctx context.Context, in GetRecordInput) (Record, error) {
	if strings.TrimSpace(in.Repo) == "" || strings.TrimSpace(in.Collection) == "" || strings.TrimSpace(in.RKey) == "" {
		return Record{}, ErrInvalidInput
	}
	q := url.Values{}
	q.Set("repo", in.Repo)
	q.Set("collection", in.Collection)
	q.Set("rkey", in.RKey)
	var out Record
	err := c.call(ctx, http.MethodGet, nsidGetRecord, q, nil, &out)
	return out, err
}

func (c *Client) ListRecords(ctx context.Context, in ListRecordsInput) (ListRecordsOutput, error) {
	if strings.TrimSpace(in.Repo) == "" || strings.TrimSpace(in.Collection) == "" {
		return ListRecordsOutput{}, ErrInvalidInput
	}
	q := url.Values{}
	q.Set("repo", in.Repo)
	q.Set("collection", in.Collection)
	if in.Limit > 0 {
		q.Set("limit", strconv.Itoa(in.Limit))
	}
	if strings.TrimSpace(in.Cursor) != "" {
		q.Set("cursor", strings.TrimSpace(in.Cursor))
	}
	var out ListRecordsOutput
	err := c.call(ctx, http.MethodGet, nsidListRecords, q, nil, &out)
	return out, err
}

// call performs an authenticated request, refreshing the session once when the
// server reports the access token expired.
func (c *Client) call(ctx context.Context, method, nsid string, query url.Values, body, out any) error {
	session := c.Session()
	if session == nil {
		return ErrNotLoggedIn
	}
	err := c.send(ctx, method, nsid, query, body, session.AccessJwt, out)
	if !errors.Is(err, errExpiredSession) {
		return err
	}
	if refreshErr := c.refresh(ctx, session); refreshErr != nil {
		return refreshErr
	}
	return c.send(ctx, method, nsid, query, body, c.Session().AccessJwt, out)
}

func (c *Client) refresh(ctx context.Context, stale *Session) error {
	var session Session
	err := c.send(ctx, http.MethodPost, nsidRefreshSession, nil, nil, stale.RefreshJwt, &session)
	if err == nil {
		c.setSession(&session)
		return nil
	}
	if errors.Is(err, errExpiredSession) || errors.Is(err, ErrUnauthorized) {
		return c.Login(ctx)
	}
	return err
}

func (c *Client) setSession(session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

func (c *Client) send(ctx context.Context, method, nsid string, query url.Values, body any, token string, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	requestURL := c.baseURL + "/xrpc/" + nsid
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &XRPCError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Message:    errPayload.Message,
			Method:     nsid,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// RecordKeyFromURI returns the trailing record key of an at:// record URI.
func RecordKeyFromURI(uri string) string {
	uri = strings.TrimRight(strings.TrimSpace(uri), "/")
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = "bsky.social"
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
