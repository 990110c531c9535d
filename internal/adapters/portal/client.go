// Package portal talks to the feedback portal: meeting feed, questions,
// answer submission and the responded-meetings endpoint.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 512
)

// MeetingSource yields the raw meeting feed.
type MeetingSource interface {
	Meetings(ctx context.Context) ([]model.RawMeeting, error)
}

// Client is an HTTP client for the portal API.
type Client struct {
	baseURL      string
	token        string
	userID       string
	departmentID string
	timeout      time.Duration
	http         *http.Client
	log          logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUser sets the user and department the feeds are scoped to.
func WithUser(userID, departmentID string) Option {
	return func(c *Client) {
		c.userID = userID
		c.departmentID = departmentID
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a portal client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("portal base url %q: invalid", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		timeout: defaultTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Get().Named("portal")
	}
	return c, nil
}

// Meetings fetches the user's meeting feed. Both the flat and the
// categorized shape are accepted.
func (c *Client) Meetings(ctx context.Context) ([]model.RawMeeting, error) {
	q := url.Values{}
	if c.userID != "" {
		q.Set("userId", c.userID)
	}
	var feed model.Feed
	if err := c.getJSON(ctx, "meetings", "/meetings", q, &feed); err != nil {
		return nil, err
	}
	return feed.Meetings(), nil
}

// Questions fetches the questions of a meeting.
func (c *Client) Questions(ctx context.Context, id model.MeetingID) ([]model.Question, error) {
	var qs []model.Question
	if err := c.getJSON(ctx, "questions", "/meetings/"+id.String()+"/questions", nil, &qs); err != nil {
		return nil, err
	}
	for i := range qs {
		if qs[i].MeetingID == 0 {
			qs[i].MeetingID = id
		}
	}
	return qs, nil
}

type submitRequest struct {
	QuestionID string          `json:"questionId"`
	Rating     int             `json:"rating"`
	Notes      string          `json:"notes"`
	MeetingID  model.MeetingID `json:"meetingId"`
}

// SubmitAnswer posts one answer. The portal accepts one question per call.
func (c *Client) SubmitAnswer(ctx context.Context, meetingID model.MeetingID, a model.Answer) error {
	body, err := json.Marshal(submitRequest{QuestionID: a.QuestionID, Rating: a.Rating, Notes: a.Notes, MeetingID: meetingID})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	resp, err := c.do(ctx, "submit", http.MethodPost, "/feedback", nil, body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// RespondedMeetings fetches the ids of meetings the portal has feedback for.
func (c *Client) RespondedMeetings(ctx context.Context) ([]model.MeetingID, error) {
	q := url.Values{}
	if c.userID != "" {
		q.Set("userId", c.userID)
	}
	if c.departmentID != "" {
		q.Set("departmentId", c.departmentID)
	}
	var ids []model.MeetingID
	if err := c.getJSON(ctx, "responded", "/responses/meetings", q, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, q url.Values, out interface{}) error {
	resp, err := c.do(ctx, endpoint, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	data, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, endpoint, err)
	}
	return nil
}

// do performs a request and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, endpoint, method, path string, q url.Values, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()

	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		metrics.RecordPortalRequest(endpoint, "error", time.Since(start))
		c.log.Debug(ctx, "portal request failed", logger.String("endpoint", endpoint), logger.Error(err))
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		metrics.RecordPortalRequest(endpoint, "status", time.Since(start))
		return nil, fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	metrics.RecordPortalRequest(endpoint, "ok", time.Since(start))
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// readResponseBody reads and closes the response body
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
