// Package plane is a read-only client for the Plane REST API (v1).
package plane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"planesync/backend"
	"planesync/internal/ratelimit"
	"planesync/internal/utils"
)

const (
	// DefaultBaseURL is Plane's hosted API.
	DefaultBaseURL = "https://api.plane.so"

	// DefaultPageSize is the per_page value used for paginated endpoints.
	DefaultPageSize = 100

	issueExpand = "assignees,labels,state,priority"
	maxPages    = 1000
)

// Config holds Plane connection settings.
type Config struct {
	BaseURL           string
	APIKey            string
	WorkspaceSlug     string
	MaxRetries        int
	RetryDelay        time.Duration
	Timeout           time.Duration
	RequestsPerMinute int
	PageSize          int
	EnableJitter      bool
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	workspace := os.Getenv("PLANE_WORKSPACE_SLUG")
	if workspace == "" {
		workspace = os.Getenv("PLANE_WORKSPACE")
	}
	return Config{
		BaseURL:       os.Getenv("PLANE_BASE_URL"),
		APIKey:        os.Getenv("PLANE_API_KEY"),
		WorkspaceSlug: workspace,
	}
}

// Client talks to one Plane workspace. It implements backend.Source.
type Client struct {
	config  Config
	http    *ratelimit.Client
	baseURL string
}

var _ backend.Source = (*Client)(nil)

// New creates a client. BaseURL defaults to the hosted API.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("plane API key is required")
	}
	if cfg.WorkspaceSlug == "" {
		return nil, errors.New("plane workspace slug is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	header := http.Header{}
	header.Set("X-API-Key", cfg.APIKey)
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/json")

	return &Client{
		config:  cfg,
		baseURL: baseURL,
		http: ratelimit.NewClient(ratelimit.Config{
			MaxRetries:        cfg.MaxRetries,
			BaseDelay:         cfg.RetryDelay,
			EnableJitter:      cfg.EnableJitter,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Header:            header,
			Backend:           "plane",
		}),
	}, nil
}

// Workspace returns the workspace slug.
func (c *Client) Workspace() string {
	return c.config.WorkspaceSlug
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) endpointURL(endpoint string, params url.Values) string {
	u := c.baseURL + "/api/v1/workspaces/" + url.PathEscape(c.config.WorkspaceSlug) + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// get fetches endpoint and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	resp, err := c.http.Do(ctx, http.MethodGet, c.endpointURL(endpoint, params), nil)
	if err != nil {
		return transportError(endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(endpoint, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindAPI, Status: resp.StatusCode, Endpoint: endpoint, Message: "invalid JSON response", Err: err}
	}
	return nil
}

func transportError(endpoint string, err error) error {
	var rle *ratelimit.RateLimitError
	switch {
	case errors.As(err, &rle):
		return &APIError{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Endpoint: endpoint, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(err, "plane request %s", endpoint)
	default:
		return &APIError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}
}

func statusError(endpoint string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: KindAuth, Status: resp.StatusCode, Endpoint: endpoint, Message: "authentication failed, check the API key"}
	case resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindAuth, Status: resp.StatusCode, Endpoint: endpoint, Message: "permission denied for this API key"}
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, Status: resp.StatusCode, Endpoint: endpoint, Message: "resource not found"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, Status: resp.StatusCode, Endpoint: endpoint, Message: "rate limited"}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Kind: KindAPI, Status: resp.StatusCode, Endpoint: endpoint, Message: msg}
}

// page is one response of a paginated endpoint.
type page struct {
	Results []json.RawMessage `json:"results"`
	Next    any               `json:"next"`
}

func (p page) hasNext() bool {
	switch v := p.Next.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	}
	return true
}

// getAll walks a paginated endpoint via page/per_page until next is empty.
// Endpoints that answer with a bare JSON array are returned as is.
func (c *Client) getAll(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("per_page", strconv.Itoa(c.config.PageSize))
		q.Set("page", strconv.Itoa(pageNum))

		var raw json.RawMessage
		if err := c.get(ctx, endpoint, q, &raw); err != nil {
			return nil, err
		}

		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "[") {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, &APIError{Kind: KindAPI, Endpoint: endpoint, Message: "invalid JSON list", Err: err}
			}
			return append(all, items...), nil
		}

		var p page
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &APIError{Kind: KindAPI, Endpoint: endpoint, Message: "invalid page", Err: err}
		}
		if len(p.Results) == 0 {
			break
		}
		all = append(all, p.Results...)
		if !p.hasNext() {
			break
		}
	}
	return all, nil
}

func decodeAll[T any](endpoint string, raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &APIError{Kind: KindAPI, Endpoint: endpoint, Message: "unexpected item shape", Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}

// CurrentUser returns the owner of the API key.
func (c *Client) CurrentUser(ctx context.Context) (*backend.Member, error) {
	var m backend.Member
	if err := c.get(ctx, "me/", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// TestConnection verifies the base URL, key and workspace by fetching the current user.
func (c *Client) TestConnection(ctx context.Context) (*backend.Member, error) {
	me, err := c.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	var probe json.RawMessage
	if err := c.get(ctx, "projects/", url.Values{"per_page": {"1"}, "page": {"1"}}, &probe); err != nil {
		return nil, err
	}
	return me, nil
}

// ListMembers returns the workspace members.
func (c *Client) ListMembers(ctx context.Context) ([]backend.Member, error) {
	raws, err := c.getAll(ctx, "members/", nil)
	if err != nil {
		return nil, err
	}
	return decodeAll[backend.Member]("members/", raws)
}

// GetMember returns one workspace member.
func (c *Client) GetMember(ctx context.Context, memberID string) (*backend.Member, error) {
	var m backend.Member
	if err := c.get(ctx, "members/"+url.PathEscape(memberID)+"/", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindUserByEmailOrName resolves a member id by email, display name, username
// or full name: exact matches win over substring matches. It returns "" when
// nobody matches.
func (c *Client) FindUserByEmailOrName(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	members, err := c.ListMembers(ctx)
	if err != nil {
		return "", err
	}
	if m := backend.FindMember(members, query); m != nil {
		return m.ID, nil
	}
	return "", nil
}

// ListProjects returns every project visible to the key.
func (c *Client) ListProjects(ctx context.Context) ([]backend.Project, error) {
	raws, err := c.getAll(ctx, "projects/", nil)
	if err != nil {
		return nil, err
	}
	projects, err := decodeAll[backend.Project]("projects/", raws)
	if err != nil {
		return nil, err
	}
	utils.Debugf("plane: fetched %d projects", len(projects))
	return projects, nil
}

// GetProject returns one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (*backend.Project, error) {
	var p backend.Project
	if err := c.get(ctx, "projects/"+url.PathEscape(projectID)+"/", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjectIssues returns all issues of a project with assignees, labels,
// state and priority expanded.
func (c *Client) ListProjectIssues(ctx context.Context, projectID string) ([]backend.Task, error) {
	endpoint := "projects/" + url.PathEscape(projectID) + "/issues/"
	raws, err := c.getAll(ctx, endpoint, url.Values{"expand": {issueExpand}})
	if err != nil {
		return nil, err
	}
	tasks, err := decodeAll[backend.Task](endpoint, raws)
	if err != nil {
		return nil, err
	}
	utils.Debugf("plane: fetched %d issues for project %s", len(tasks), projectID)
	return tasks, nil
}

// GetIssue returns one issue with its relations expanded.
func (c *Client) GetIssue(ctx context.Context, projectID, issueID string) (backend.Task, error) {
	var t backend.Task
	endpoint := "projects/" + url.PathEscape(projectID) + "/issues/" + url.PathEscape(issueID) + "/"
	if err := c.get(ctx, endpoint, url.Values{"expand": {issueExpand}}, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListStates returns the workflow states of a project.
func (c *Client) ListStates(ctx context.Context, projectID string) ([]backend.State, error) {
	endpoint := "projects/" + url.PathEscape(projectID) + "/states/"
	raws, err := c.getAll(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll[backend.State](endpoint, raws)
}

// ListLabels returns the issue labels of a project.
func (c *Client) ListLabels(ctx context.Context, projectID string) ([]backend.Label, error) {
	endpoint := "projects/" + url.PathEscape(projectID) + "/issue-labels/"
	raws, err := c.getAll(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll[backend.Label](endpoint, raws)
}
