// Package upstream talks to the third-party vehicle API. Client performs
// single attempts; Guard wraps them in the circuit breaker and retry loop.
package upstream

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

	"golang.org/x/oauth2"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/domain"
)

const defaultMaxBodyBytes = 1 << 20

const (
	EndpointToken     = "token"
	EndpointVehicles  = "vehicles"
	EndpointStatus    = "status"
	EndpointLocation  = "location"
	EndpointTelemetry = "telemetry"
)

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// StatusError is a non-2xx answer from the upstream.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream %s: status %d: %s", e.Endpoint, e.Code, e.Body)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Endpoint, e.Code)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

type Client struct {
	httpClient *http.Client
	oauth      *oauth2.Config
	baseURL    string
	maxBody    int64
	now        func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Client{
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		maxBody: maxBody,
		now:     time.Now,
	}
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// PasswordLogin exchanges the user's vehicle-account credentials for an
// upstream token pair.
func (c *Client) PasswordLogin(ctx context.Context, username, password string) (domain.UpstreamCredential, error) {
	tok, err := c.oauth.PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	if err != nil {
		return domain.UpstreamCredential{}, tokenError(err)
	}
	return c.credentialFrom(tok), nil
}

// Refresh renews an upstream credential with its refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.UpstreamCredential, error) {
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := c.oauth.TokenSource(c.oauthContext(ctx), stale).Token()
	if err != nil {
		return domain.UpstreamCredential{}, tokenError(err)
	}
	return c.credentialFrom(tok), nil
}

func (c *Client) credentialFrom(tok *oauth2.Token) domain.UpstreamCredential {
	tokenType := tok.Type()
	return domain.UpstreamCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tokenType,
		ObtainedAt:   c.now().UTC(),
		ExpiresAt:    tok.Expiry.UTC(),
	}
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &StatusError{Endpoint: EndpointToken, Code: re.Response.StatusCode, Body: re.ErrorCode}
	}
	return fmt.Errorf("upstream %s: %w", EndpointToken, err)
}

type vehiclesResponse struct {
	Data []struct {
		VIN       string `json:"vin"`
		ModelName string `json:"modelName"`
		ModelYear string `json:"modelYear"`
		Nickname  string `json:"nickname"`
	} `json:"data"`
}

func (c *Client) Vehicles(ctx context.Context, accessToken string) ([]domain.Vehicle, error) {
	body, err := c.get(ctx, accessToken, EndpointVehicles, "/api/user/v1/vehicles")
	if err != nil {
		return nil, err
	}
	var resp vehiclesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode upstream vehicles: %w", err)
	}
	out := make([]domain.Vehicle, 0, len(resp.Data))
	for _, v := range resp.Data {
		out = append(out, domain.Vehicle{VIN: v.VIN, ModelName: v.ModelName, ModelYear: v.ModelYear, Nickname: v.Nickname})
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, accessToken, vin string) ([]byte, error) {
	return c.get(ctx, accessToken, EndpointStatus, vehiclePath(vin, "remoteControl/status"))
}

func (c *Client) Location(ctx context.Context, accessToken, vin string) ([]byte, error) {
	return c.get(ctx, accessToken, EndpointLocation, vehiclePath(vin, "location"))
}

func (c *Client) Telemetry(ctx context.Context, accessToken, vin string) ([]byte, error) {
	return c.get(ctx, accessToken, EndpointTelemetry, vehiclePath(vin, "telemetry"))
}

func vehiclePath(vin, suffix string) string {
	return "/api/vehicle/v1/vehicles/" + url.PathEscape(vin) + "/" + suffix
}

func (c *Client) get(ctx context.Context, accessToken, endpoint, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream %s request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
	}
	return body, nil
}
