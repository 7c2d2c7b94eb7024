package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURLString         = "https://api.github.com"
	profilePathFormat            = "/users/%s"
	neighborsPathFormat          = "/users/%s/%s"
	selfNeighborsPathFormat      = "/user/%s"
	unfollowPathFormat           = "/user/following/%s"
	pageQueryFormat              = "per_page=%d&page=%d"
	authorizationHeaderName      = "Authorization"
	authorizationTokenFormat     = "token %s"
	acceptHeaderName             = "Accept"
	acceptHeaderValue            = "application/vnd.github.v3+json"
	userAgentHeaderName          = "User-Agent"
	defaultUserAgentValue        = "gitstuff"
	rateLimitRemainingHeaderName = "X-RateLimit-Remaining"
	rateLimitRemainingExhausted  = "0"

	errMessageNotFound          = "not found"
	errMessageRateLimitExceeded = "GitHub API rate limit exceeded. Please try again later."
	errMessageForbidden         = "access forbidden"
	errMessageUpstreamOutage    = "GitHub is experiencing issues. Please try again later."
	errMessageUnexpectedStatus  = "GitHub API error"
	errMessageRequestTimeout    = "request timeout"
	errMessageConnectionFailure = "failed to connect to GitHub"
	errMessageMalformedResponse = "GitHub returned an unreadable response"
	errMessageUnfollowFailure   = "failed to unfollow user"
	errMessageEmptyLogin        = "login cannot be empty"
	errMessageInvalidRelation   = "unknown relation"
	errMessageMissingToken      = "token is required"

	// PageSize is the fixed page length requested from the upstream API.
	PageSize = 100

	defaultRequestTimeout        = 10 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	maxErrorBodyBytes            = 8 * 1024
)

var (
	errEmptyLogin   = errors.New(errMessageEmptyLogin)
	errMissingToken = errors.New(errMessageMissingToken)
)

// Relation identifies which side of the relationship graph to read.
type Relation string

const (
	// RelationFollowers selects the accounts following the target.
	RelationFollowers Relation = "followers"
	// RelationFollowing selects the accounts the target follows.
	RelationFollowing Relation = "following"
)

// Valid reports whether the relation is one of the two supported values.
func (relation Relation) Valid() bool {
	return relation == RelationFollowers || relation == RelationFollowing
}

// Profile is the narrow projection of an upstream user document.
type Profile struct {
	Login       string `json:"login"`
	Name        string `json:"name"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatar_url"`
	ProfileURL  string `json:"html_url"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
	PublicRepos int    `json:"public_repos"`
}

// AccountSummary is the immutable projection of a relationship-graph neighbor.
type AccountSummary struct {
	Login      string `json:"login"`
	AvatarURL  string `json:"avatar_url"`
	ProfileURL string `json:"html_url"`
}

// Config customizes a Client instance.
type Config struct {
	BaseURL   string
	Client    *http.Client
	UserAgent string
}

// Client is a typed wrapper over the GitHub REST relationship API. It
// classifies failures into the error taxonomy and never retries.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	userAgent  string
}

// NewClient constructs a Client with bounded timeouts on every request.
func NewClient(configuration Config) (*Client, error) {
	baseURLString := configuration.BaseURL
	if strings.TrimSpace(baseURLString) == "" {
		baseURLString = defaultBaseURLString
	}
	parsedBaseURL, parseErr := url.Parse(baseURLString)
	if parseErr != nil {
		return nil, fmt.Errorf("parse base url: %w", parseErr)
	}

	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	if httpClient.Timeout == 0 {
		clonedClient := *httpClient
		clonedClient.Timeout = defaultRequestTimeout
		httpClient = &clonedClient
	}

	userAgent := strings.TrimSpace(configuration.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgentValue
	}

	client := &Client{
		httpClient: httpClient,
		baseURL:    parsedBaseURL,
		userAgent:  userAgent,
	}
	return client, nil
}

// FetchProfile reads the public profile document for a login. A token, when
// present, raises the caller's rate-limit ceiling.
func (client *Client) FetchProfile(ctx context.Context, login string, token string) (Profile, error) {
	trimmedLogin := strings.TrimSpace(login)
	if trimmedLogin == "" {
		return Profile{}, errEmptyLogin
	}

	var profile Profile
	requestPath := fmt.Sprintf(profilePathFormat, url.PathEscape(trimmedLogin))
	if fetchErr := client.getJSON(ctx, requestPath, token, &profile); fetchErr != nil {
		return Profile{}, fetchErr
	}
	return profile, nil
}

// FetchNeighbors reads one page of the target's follower or following list.
// Pages are 1-indexed and fixed at PageSize entries.
func (client *Client) FetchNeighbors(ctx context.Context, login string, relation Relation, page int, token string) ([]AccountSummary, error) {
	trimmedLogin := strings.TrimSpace(login)
	if trimmedLogin == "" {
		return nil, errEmptyLogin
	}
	if !relation.Valid() {
		return nil, fmt.Errorf("%s: %q", errMessageInvalidRelation, relation)
	}

	requestPath := fmt.Sprintf(neighborsPathFormat, url.PathEscape(trimmedLogin), relation) + "?" + pageQuery(page)
	var summaries []AccountSummary
	if fetchErr := client.getJSON(ctx, requestPath, token, &summaries); fetchErr != nil {
		return nil, fetchErr
	}
	return summaries, nil
}

// FetchSelfNeighbors reads one page of the authenticated caller's own
// relationship list. The self endpoints carry a materially higher rate limit
// than the by-login ones, so callers should prefer them when the target is
// the authenticated account.
func (client *Client) FetchSelfNeighbors(ctx context.Context, relation Relation, page int, token string) ([]AccountSummary, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errMissingToken
	}
	if !relation.Valid() {
		return nil, fmt.Errorf("%s: %q", errMessageInvalidRelation, relation)
	}

	requestPath := fmt.Sprintf(selfNeighborsPathFormat, relation) + "?" + pageQuery(page)
	var summaries []AccountSummary
	if fetchErr := client.getJSON(ctx, requestPath, token, &summaries); fetchErr != nil {
		return nil, fetchErr
	}
	return summaries, nil
}

// Unfollow removes the authenticated caller's follow edge to the login.
// Upstream signals success with 204; any other status is a failure carrying
// the upstream message when one is present.
func (client *Client) Unfollow(ctx context.Context, login string, token string) error {
	trimmedLogin := strings.TrimSpace(login)
	if trimmedLogin == "" {
		return errEmptyLogin
	}
	if strings.TrimSpace(token) == "" {
		return errMissingToken
	}

	requestPath := fmt.Sprintf(unfollowPathFormat, url.PathEscape(trimmedLogin))
	httpResponse, requestErr := client.doRequest(ctx, http.MethodDelete, requestPath, token)
	if requestErr != nil {
		return requestErr
	}
	defer drainAndClose(httpResponse.Body)

	if httpResponse.StatusCode == http.StatusNoContent {
		return nil
	}
	if classified := classifyStatus(httpResponse); classified != nil {
		return classified
	}
	return &APIError{
		Message:    upstreamMessage(httpResponse.Body, errMessageUnfollowFailure),
		StatusCode: httpResponse.StatusCode,
		Code:       CodeNetworkError,
	}
}

func (client *Client) getJSON(ctx context.Context, requestPath string, token string, target any) error {
	httpResponse, requestErr := client.doRequest(ctx, http.MethodGet, requestPath, token)
	if requestErr != nil {
		return requestErr
	}
	defer drainAndClose(httpResponse.Body)

	if classified := classifyStatus(httpResponse); classified != nil {
		return classified
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return &APIError{
			Message:    fmt.Sprintf("%s: %s", errMessageUnexpectedStatus, httpResponse.Status),
			StatusCode: httpResponse.StatusCode,
			Code:       CodeNetworkError,
		}
	}

	if decodeErr := json.NewDecoder(httpResponse.Body).Decode(target); decodeErr != nil {
		return &APIError{
			Message:    errMessageMalformedResponse,
			StatusCode: httpResponse.StatusCode,
			Code:       CodeNetworkError,
		}
	}
	return nil
}

func (client *Client) doRequest(ctx context.Context, method string, requestPath string, token string) (*http.Response, error) {
	requestURL := strings.TrimRight(client.baseURL.String(), "/") + requestPath
	httpRequest, buildErr := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if buildErr != nil {
		return nil, buildErr
	}
	httpRequest.Header.Set(userAgentHeaderName, client.userAgent)
	httpRequest.Header.Set(acceptHeaderName, acceptHeaderValue)
	if strings.TrimSpace(token) != "" {
		httpRequest.Header.Set(authorizationHeaderName, fmt.Sprintf(authorizationTokenFormat, token))
	}

	httpResponse, doErr := client.httpClient.Do(httpRequest)
	if doErr != nil {
		return nil, classifyTransportError(doErr)
	}
	return httpResponse, nil
}

// classifyStatus maps the status codes the taxonomy distinguishes. A nil
// return means the response needs caller-specific handling.
func classifyStatus(httpResponse *http.Response) *APIError {
	switch {
	case httpResponse.StatusCode == http.StatusNotFound:
		return &APIError{Message: errMessageNotFound, StatusCode: http.StatusNotFound, Code: CodeNotFound}
	case httpResponse.StatusCode == http.StatusForbidden:
		if httpResponse.Header.Get(rateLimitRemainingHeaderName) == rateLimitRemainingExhausted {
			return &APIError{Message: errMessageRateLimitExceeded, StatusCode: http.StatusForbidden, Code: CodeRateLimit}
		}
		return &APIError{Message: errMessageForbidden, StatusCode: http.StatusForbidden, Code: CodeNetworkError}
	case httpResponse.StatusCode >= http.StatusInternalServerError:
		return &APIError{Message: errMessageUpstreamOutage, StatusCode: httpResponse.StatusCode, Code: CodeNetworkError}
	}
	return nil
}

func classifyTransportError(transportErr error) *APIError {
	if errors.Is(transportErr, context.DeadlineExceeded) {
		return &APIError{Message: errMessageRequestTimeout, Code: CodeNetworkError}
	}
	var urlErr *url.Error
	if errors.As(transportErr, &urlErr) && urlErr.Timeout() {
		return &APIError{Message: errMessageRequestTimeout, Code: CodeNetworkError}
	}
	return &APIError{Message: errMessageConnectionFailure, Code: CodeNetworkError}
}

// upstreamMessage extracts the "message" field from an upstream error body,
// falling back to the supplied default.
func upstreamMessage(body io.Reader, fallback string) string {
	var payload struct {
		Message string `json:"message"`
	}
	bodyBytes, readErr := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if readErr != nil {
		return fallback
	}
	if unmarshalErr := json.Unmarshal(bodyBytes, &payload); unmarshalErr != nil {
		return fallback
	}
	if strings.TrimSpace(payload.Message) == "" {
		return fallback
	}
	return payload.Message
}

func pageQuery(page int) string {
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf(pageQueryFormat, PageSize, page)
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 1024))
	body.Close()
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultRequestTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxConnsPerHost:       100,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		},
	}
}
