// Package device is the gateway to the ControlID-style turnstile: session
// token handling, transparent re-login, reconnect backoff and typed errors.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// MaxPageLimit is the device-imposed ceiling on one load_objects page.
const MaxPageLimit = 1000

type Config struct {
	BaseURL  string
	Login    string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// ClockOffset is added to every device timestamp.
	ClockOffset time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	AuthFailThreshold int
	AuthFailWindow    time.Duration

	PageLimit int
}

type Options struct {
	HTTPClient *http.Client
	Clock      clock.Clock
	Rand       func() float64
	Logger     *log.Logger
}

// Group is one device access group.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Client is safe for concurrent use. Calls block until they succeed,
// exhaust their attempts or hit an auth failure.
type Client struct {
	cfg     Config
	http    *http.Client
	clock   clock.Clock
	backoff Backoff
	log     *log.Logger
	auth    *authWindow

	mu      sync.Mutex
	session string
}

func New(cfg Config, opts Options) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PageLimit <= 0 || cfg.PageLimit > MaxPageLimit {
		cfg.PageLimit = MaxPageLimit
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := opts.HTTPClient
	if hc == nil {
		hc = newHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		cfg:     cfg,
		http:    hc,
		clock:   clk,
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Rand: rnd},
		log:     logger,
		auth:    newAuthWindow(cfg.AuthFailThreshold, cfg.AuthFailWindow),
	}
}

func newHTTPClient(connect, read time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = connect
	tr.ResponseHeaderTimeout = read
	return &http.Client{Transport: tr, Timeout: connect + read}
}

// RestartRecommended reports whether auth failures inside the rolling
// window have reached the threshold.
func (c *Client) RestartRecommended() bool {
	return c.cfg.AuthFailThreshold > 0 && c.auth.count(c.clock.Now()) >= c.cfg.AuthFailThreshold
}

// AuthFailures returns the failures currently inside the window.
func (c *Client) AuthFailures() int { return c.auth.count(c.clock.Now()) }

// Login opens a new device session, retrying network failures with
// backoff. Auth failures are returned at once.
func (c *Client) Login(ctx context.Context) (string, error) {
	var token string
	err := c.withRetry(ctx, "login", func() error {
		var err error
		token, err = c.login(ctx)
		return err
	})
	return token, err
}

// FetchEvents returns access log rows with id > minID in ascending id
// order, at most limit (clamped to the page ceiling).
func (c *Client) FetchEvents(ctx context.Context, minID int64, limit int) ([]types.AccessEvent, error) {
	if limit <= 0 || limit > c.cfg.PageLimit {
		limit = c.cfg.PageLimit
	}
	req := loadRequest{
		Object: "access_logs",
		Where:  map[string]any{"access_logs": map[string]any{"id": map[string]int64{">": minID}}},
		Order:  []string{"ascending", "id"},
		Limit:  limit,
	}
	var resp accessLogResponse
	if err := c.call(ctx, "fetch_events", "/load_objects.fcgi", req, &resp); err != nil {
		return nil, err
	}

	out := make([]types.AccessEvent, 0, len(resp.AccessLogs))
	for _, row := range resp.AccessLogs {
		out = append(out, c.toEvent(row))
	}
	return out, nil
}

// LatestEventID returns the newest id in the device log, 0 when empty.
func (c *Client) LatestEventID(ctx context.Context) (int64, error) {
	req := loadRequest{
		Object: "access_logs",
		Order:  []string{"descending", "id"},
		Limit:  1,
	}
	var resp accessLogResponse
	if err := c.call(ctx, "latest_event_id", "/load_objects.fcgi", req, &resp); err != nil {
		return 0, err
	}
	if len(resp.AccessLogs) == 0 {
		return 0, nil
	}
	return resp.AccessLogs[0].ID, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var resp struct {
		Groups []Group `json:"groups"`
	}
	if err := c.call(ctx, "list_groups", "/load_objects.fcgi", loadRequest{Object: "groups"}, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// User is one badge-holder registered on the device.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Membership links a user to an access group.
type Membership struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var resp struct {
		Users []User `json:"users"`
	}
	if err := c.call(ctx, "list_users", "/load_objects.fcgi", loadRequest{Object: "users"}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) ListMemberships(ctx context.Context) ([]Membership, error) {
	var resp struct {
		UserGroups []Membership `json:"user_groups"`
	}
	if err := c.call(ctx, "list_memberships", "/load_objects.fcgi", loadRequest{Object: "user_groups"}, &resp); err != nil {
		return nil, err
	}
	return resp.UserGroups, nil
}

// SetGroupMembership moves userID from oldGroup into newGroup. With no
// known old group, or when the user was not in it, the membership is
// created instead.
func (c *Client) SetGroupMembership(ctx context.Context, userID, newGroup int64, oldGroup *int64) error {
	if oldGroup != nil {
		req := map[string]any{
			"object": "user_groups",
			"values": map[string]int64{"group_id": newGroup},
			"where": map[string]any{
				"user_groups": map[string]int64{"user_id": userID, "group_id": *oldGroup},
			},
		}
		var resp struct {
			Changes int `json:"changes"`
		}
		if err := c.call(ctx, "set_group", "/modify_objects.fcgi", req, &resp); err != nil {
			return err
		}
		if resp.Changes > 0 {
			return nil
		}
		c.log.Printf("device: user=%d not in group=%d, creating membership", userID, *oldGroup)
	}

	req := map[string]any{
		"object": "user_groups",
		"values": []map[string]int64{{"user_id": userID, "group_id": newGroup}},
	}
	return c.call(ctx, "set_group", "/create_objects.fcgi", req, nil)
}

// ── transport ───────────────────────────────────────────────────────────────

type loadRequest struct {
	Object string         `json:"object"`
	Where  map[string]any `json:"where,omitempty"`
	Order  []string       `json:"order,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

type accessLogRow struct {
	ID       int64 `json:"id"`
	UserID   int64 `json:"user_id"`
	Event    int   `json:"event"`
	Time     int64 `json:"time"`
	PortalID int64 `json:"portal_id"`
}

type accessLogResponse struct {
	AccessLogs []accessLogRow `json:"access_logs"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) toEvent(row accessLogRow) types.AccessEvent {
	return types.AccessEvent{
		SequenceID:       row.ID,
		EmployeeDeviceID: row.UserID,
		EventCode:        row.Event,
		PortalID:         row.PortalID,
		DeviceTimestamp:  time.Unix(row.Time, 0).UTC().Add(c.cfg.ClockOffset),
	}
}

// errAuthRequired is the internal signal for a 401-class answer.
var errAuthRequired = errors.New("auth required")

// call runs one authenticated request. A stale session triggers exactly
// one re-login before the failure is reported as an *AuthError.
func (c *Client) call(ctx context.Context, op, path string, body, out any) error {
	return c.withRetry(ctx, op, func() error {
		token, err := c.ensureSession(ctx)
		if err != nil {
			return err
		}

		status, msg, err := c.post(ctx, path, token, body, out)
		if !errors.Is(err, errAuthRequired) {
			return c.classify(op, status, msg, err)
		}

		c.invalidate(token)
		c.recordAuthFailure(op, status, msg)
		c.log.Printf("device %s: session expired, re-authenticating", op)

		token, err = c.login(ctx)
		if err != nil {
			return err
		}
		status, msg, err = c.post(ctx, path, token, body, out)
		if errors.Is(err, errAuthRequired) {
			c.invalidate(token)
			return c.recordAuthFailure(op, status, msg)
		}
		return c.classify(op, status, msg, err)
	})
}

func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.session
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.login(ctx)
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	if c.session == token {
		c.session = ""
	}
	c.mu.Unlock()
}

func (c *Client) login(ctx context.Context) (string, error) {
	var resp struct {
		Session string `json:"session"`
	}
	body := map[string]string{"login": c.cfg.Login, "password": c.cfg.Password}
	status, msg, err := c.post(ctx, "/login.fcgi", "", body, &resp)
	if errors.Is(err, errAuthRequired) || (err == nil && resp.Session == "") {
		return "", c.recordAuthFailure("login", status, msg)
	}
	if err != nil {
		return "", c.classify("login", status, msg, err)
	}

	c.auth.reset()
	c.mu.Lock()
	c.session = resp.Session
	c.mu.Unlock()
	return resp.Session, nil
}

func (c *Client) recordAuthFailure(op string, status int, msg string) error {
	restart := c.auth.record(c.clock.Now())
	if restart {
		c.log.Printf("device %s: auth failures reached threshold=%d within %s, restart recommended",
			op, c.cfg.AuthFailThreshold, c.cfg.AuthFailWindow)
	}
	return &AuthError{Op: op, Status: status, Message: msg, Restart: restart}
}

// retryable marks failures worth another attempt.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

func (c *Client) classify(op string, status int, msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case status >= 500 || status == 0:
		return retryable{err}
	default:
		return &StatusError{Op: op, Code: status, Body: msg}
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// runs out of attempts.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		err := fn()
		var r retryable
		if !errors.As(err, &r) {
			return err
		}
		last = r.err

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		delay := c.backoff.Delay(attempt)
		c.log.Printf("device %s: attempt=%d failed: %v (retry in %s)", op, attempt+1, last, delay)
		select {
		case <-ctx.Done():
			return &NetworkError{Op: op, Attempts: attempt + 1, Err: ctx.Err()}
		case <-c.clock.After(delay):
		}
	}
	return &NetworkError{Op: op, Attempts: c.cfg.MaxAttempts, Err: last}
}

// post sends one JSON request. It returns errAuthRequired for a 401 or an
// "Invalid session" body, a plain error for transport and status
// failures, and decodes the body into out on success.
func (c *Client) post(ctx context.Context, path, token string, body, out any) (int, string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, "", fmt.Errorf("encode request: %w", err)
	}

	u := c.cfg.BaseURL + path
	if token != "" {
		u += "?session=" + url.QueryEscape(token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read body: %w", err)
	}

	var eb errorBody
	_ = json.Unmarshal(payload, &eb)
	if resp.StatusCode == http.StatusUnauthorized || strings.EqualFold(eb.Error, "Invalid session") {
		return resp.StatusCode, eb.Error, errAuthRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := eb.Error
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return resp.StatusCode, msg, fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, "", fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, "", nil
}
