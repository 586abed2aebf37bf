package veracode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the Veracode analysis center.
const DefaultBaseURL = "https://analysiscenter.veracode.com"

const (
	apiPrefix        = "/api/5.0/"
	errorBodySnippet = 512
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Signer     *Signer
	Logger     zerolog.Logger
}

// Client issues signed GET requests against the Veracode XML API and returns
// raw response bodies.
type Client struct {
	base   *url.URL
	http   *http.Client
	signer *Signer
	log    zerolog.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Signer == nil {
		return nil, &AuthError{Err: errors.New("signer is required")}
	}
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must include scheme and host", raw)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: base, http: httpClient, signer: opts.Signer, log: opts.Logger}, nil
}

// AppList fetches every application profile visible to the credentials.
func (c *Client) AppList(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "getapplist.do", nil)
}

// AppInfo fetches application details.
func (c *Client) AppInfo(ctx context.Context, appID string) ([]byte, error) {
	return c.get(ctx, "getappinfo.do", url.Values{"app_id": {appID}})
}

// SandboxList fetches the sandboxes of an application.
func (c *Client) SandboxList(ctx context.Context, appID string) ([]byte, error) {
	return c.get(ctx, "getsandboxlist.do", url.Values{"app_id": {appID}})
}

// BuildList fetches the builds of an application, or of one of its sandboxes
// when sandboxID is set.
func (c *Client) BuildList(ctx context.Context, appID, sandboxID string) ([]byte, error) {
	params := url.Values{"app_id": {appID}}
	if sandboxID != "" {
		params.Set("sandbox_id", sandboxID)
	}
	return c.get(ctx, "getbuildlist.do", params)
}

// BuildInfo fetches the details of one build.
func (c *Client) BuildInfo(ctx context.Context, appID, buildID, sandboxID string) ([]byte, error) {
	params := url.Values{"app_id": {appID}, "build_id": {buildID}}
	if sandboxID != "" {
		params.Set("sandbox_id", sandboxID)
	}
	return c.get(ctx, "getbuildinfo.do", params)
}

// DetailedReport fetches the flaw report of one build.
func (c *Client) DetailedReport(ctx context.Context, buildID string) ([]byte, error) {
	return c.get(ctx, "detailedreport.do", url.Values{"build_id": {buildID}})
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + apiPrefix + endpoint
	u.RawQuery = params.Encode()

	auth, err := c.signer.Sign(u.Hostname(), u.RequestURI(), http.MethodGet)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", auth)

	c.log.Debug().Str("endpoint", endpoint).Str("query", u.RawQuery).Msg("veracode request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippet))
		return nil, &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Endpoint: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
