// Package client runs the per-tab presence components a browser session needs: liveness
// reports, removal detection, and host-side knock notifications.
package client

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

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
)

const (
	defaultCookieName  = "duranu_session"
	defaultHTTPTimeout = 10 * time.Second
)

var (
	errMissingBaseURL = errors.New("client: base url is required")
	errMissingToken   = errors.New("client: session token is required")
)

// APIError is an HTTP-level failure, distinct from an application status in a 200 body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("client: request failed with status %d: %s", e.StatusCode, e.Message)
}

// APIClientConfig describes how to reach the API.
type APIClientConfig struct {
	BaseURL      string
	SessionToken string
	CookieName   string
	HTTPClient   *http.Client
}

// APIClient calls the presence endpoints with the caller's session cookie.
type APIClient struct {
	baseURL    *url.URL
	token      string
	cookieName string
	httpClient *http.Client
}

// NewAPIClient validates the configuration and builds a client.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if strings.TrimSpace(cfg.SessionToken) == "" {
		return nil, errMissingToken
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieName
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &APIClient{
		baseURL:    baseURL,
		token:      cfg.SessionToken,
		cookieName: cookieName,
		httpClient: httpClient,
	}, nil
}

// ActivityResult is the heartbeat endpoint's answer.
type ActivityResult struct {
	Status    presence.Status `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message,omitempty"`
}

// NotInRoom reports whether the server no longer knows the caller in the room.
func (r ActivityResult) NotInRoom() bool {
	return r.Status == presence.StatusNotInRoom
}

// ReportActivity posts one activity report.
func (c *APIClient) ReportActivity(ctx context.Context, roomID int64, activity presence.ActivityType) (ActivityResult, error) {
	var result ActivityResult
	body := map[string]string{"activity_type": string(activity)}
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "activity"), body, &result)
	return result, err
}

// Status fetches the caller's standing in the room.
func (c *APIClient) Status(ctx context.Context, roomID int64) (rooms.StatusReport, error) {
	var report rooms.StatusReport
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "status"), nil, &report)
	return report, err
}

// Leave removes the caller from the room.
func (c *APIClient) Leave(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "leave"), nil, nil)
}

// PendingKnocks lists the room's pending knocks. Only hosts may call it.
func (c *APIClient) PendingKnocks(ctx context.Context, roomID int64) ([]knocks.Request, error) {
	var payload struct {
		Knocks []knocks.Request `json:"knocks"`
	}
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "knocks"), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Knocks, nil
}

// RespondKnock accepts or denies a knock.
func (c *APIClient) RespondKnock(ctx context.Context, roomID, knockID int64, accept bool) error {
	response := "denied"
	if accept {
		response = "accepted"
	}
	body := map[string]any{"knock_id": knockID, "response": response}
	return c.do(ctx, http.MethodPost, roomPath(roomID, "knocks/respond"), body, nil)
}

func roomPath(roomID int64, action string) string {
	return "/rooms/" + strconv.FormatInt(roomID, 10) + "/" + action
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.token})

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var envelope struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&envelope)
		return &APIError{StatusCode: response.StatusCode, Message: envelope.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}
