// Package provision creates and releases externally hosted delivery projects
// through the allocation service's REST API, and resolves project members
// through the order-tracking portal.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// deliveryIDRe is the lexical shape of an id minted by the allocation
// service. Anything else in a create response means we are talking to the
// wrong endpoint.
var deliveryIDRe = regexp.MustCompile(`^DELIV[0-9]+$`)

const (
	dateFormat = "2006-01-02"
	// grantMonths is how long a delivery project stays open for download.
	grantMonths = 3

	minDeadlineDays = 1
	maxDeadlineDays = 90
	// DefaultDeadlineDays is applied when release is requested without an
	// explicit recipient deadline.
	DefaultDeadlineDays = 45
)

// APIError reports a non-2xx answer from either remote service.
type APIError struct {
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provision: %s returned status %d: %s", e.URL, e.Status, e.Body)
}

// Project is a provisioned delivery project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to the allocation service with basic auth.
type Client struct {
	baseURL  string
	user     string
	password string

	httpc *http.Client
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a Client for the allocation service at baseURL.
func New(baseURL, user, password string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		user:     user,
		password: password,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		log:      log,
		now:      time.Now,
	}
}

// Option mutates a Client at construction time.
type Option func(*Client)

// WithClock fixes the clock used for grant dates.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// Apply applies options and returns the client for chaining.
func (c *Client) Apply(opts ...Option) *Client {
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateProject provisions a delivery project for projectID owned by the
// member piID. The returned id is validated against the service's lexical
// pattern before anything is recorded against it.
func (c *Client) CreateProject(ctx context.Context, projectID string, piID int, memberIDs []int, sensitive bool) (Project, error) {
	today := c.now().UTC()
	payload := map[string]any{
		"ngi_project_name":    projectID,
		"title":               fmt.Sprintf("DELIVERY_%s_%s", projectID, today.Format(dateFormat)),
		"pi_id":               piID,
		"member_ids":          memberIDs,
		"start_date":          today.Format(dateFormat),
		"end_date":            today.AddDate(0, grantMonths, 0).Format(dateFormat),
		"continuation_name":   "",
		"api_opaque_data":     "",
		"ngi_ready":           false,
		"ngi_delivery_status": "",
		"ngi_sensitive_data":  sensitive,
	}
	var out Project
	if err := c.post(ctx, "/ngi_delivery/project/create/", payload, &out); err != nil {
		return Project{}, err
	}
	if !deliveryIDRe.MatchString(out.ID) {
		return Project{}, fmt.Errorf("provision: create returned malformed delivery project id %q", out.ID)
	}
	c.log.Info().Str("project", projectID).Str("delivery_project", out.ID).Bool("sensitive", sensitive).
		Msg("delivery project created")
	return out, nil
}

// ResolveMember looks up the single account registered for email. Zero hits
// and ambiguous hits are both errors; delivery must never guess an owner.
func (c *Client) ResolveMember(ctx context.Context, email string) (int, error) {
	u := c.baseURL + "/person/search/?email_i=" + url.QueryEscape(email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("provision: build member search: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	var out struct {
		Matches []struct {
			ID int `json:"id"`
		} `json:"matches"`
	}
	if err := c.do(req, &out); err != nil {
		return 0, err
	}
	switch len(out.Matches) {
	case 0:
		return 0, fmt.Errorf("provision: no account found for %s", email)
	case 1:
		return out.Matches[0].ID, nil
	default:
		return 0, fmt.Errorf("provision: %d accounts found for %s, refusing to guess", len(out.Matches), email)
	}
}

// Release opens the delivery project to its recipients with a download
// deadline. Deadlines are clamped to the service's accepted range.
func (c *Client) Release(ctx context.Context, deliveryProjectID string, deadlineDays int) error {
	if deadlineDays < minDeadlineDays {
		deadlineDays = minDeadlineDays
	}
	if deadlineDays > maxDeadlineDays {
		deadlineDays = maxDeadlineDays
	}
	payload := map[string]any{
		"delivery_project": deliveryProjectID,
		"deadline_days":    deadlineDays,
	}
	if err := c.post(ctx, "/ngi_delivery/project/release/", payload, nil); err != nil {
		return err
	}
	c.log.Info().Str("delivery_project", deliveryProjectID).Int("deadline_days", deadlineDays).
		Msg("delivery project released")
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provision: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("provision: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provision: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{URL: req.URL.String(), Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("provision: decode response: %w", err)
	}
	return nil
}

// OrderPortal resolves delivery contacts from the order-tracking service.
type OrderPortal struct {
	baseURL string
	token   string

	httpc *http.Client
}

// NewOrderPortal creates a token-authenticated portal client.
func NewOrderPortal(baseURL, token string) *OrderPortal {
	return &OrderPortal{baseURL: baseURL, token: token, httpc: &http.Client{Timeout: 30 * time.Second}}
}

// WithOrderPortalHTTPClient replaces the portal's HTTP client.
func (p *OrderPortal) WithHTTPClient(h *http.Client) *OrderPortal {
	p.httpc = h
	return p
}

// PIEmail fetches the principal investigator email for an order.
func (p *OrderPortal) PIEmail(ctx context.Context, orderID string) (string, error) {
	u := p.baseURL + "/v1/order/" + url.PathEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("provision: build order lookup: %w", err)
	}
	req.Header.Set("X-OrderPortal-API-key", p.token)
	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("provision: order lookup: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("provision: read order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{URL: u, Status: resp.StatusCode, Body: string(data)}
	}
	var out struct {
		Fields struct {
			ProjectPIEmail string `json:"project_pi_email"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("provision: decode order response: %w", err)
	}
	if out.Fields.ProjectPIEmail == "" {
		return "", fmt.Errorf("provision: order %s has no PI email", orderID)
	}
	return out.Fields.ProjectPIEmail, nil
}
