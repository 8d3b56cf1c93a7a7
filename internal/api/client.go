package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
)

const (
	identityPath = "/me"
	consentPath  = "/patients/me/telehealth-consent"
	tokenPathFmt = "/appointments/%s/video-token"

	codeNotApplicable = "not_applicable"
)

// StatusError is a non-2xx response from the consultation API.
type StatusError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken       string `json:"accessToken"`
	RoomName          string `json:"roomName"`
	Identity          string `json:"identity"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	RecordingRequired bool   `json:"recordingRequired"`
}

// Client talks to the consultation API on behalf of the signed-in user. It
// implements domain.IdentityService, domain.ConsentService and
// domain.CredentialIssuer.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for baseURL authenticated with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CurrentIdentity returns the caller's role and display identity.
func (c *Client) CurrentIdentity(ctx context.Context) (domain.Identity, error) {
	var id domain.Identity
	if err := c.do(ctx, http.MethodGet, identityPath, nil, &id); err != nil {
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}

// TelehealthConsent returns the caller's consent record. A 403 or 404 with
// code "not_applicable" maps to domain.ErrConsentNotApplicable.
func (c *Client) TelehealthConsent(ctx context.Context) (domain.ConsentRecord, error) {
	var rec domain.ConsentRecord
	err := c.do(ctx, http.MethodGet, consentPath, nil, &rec)

	var se *StatusError
	if errors.As(err, &se) && se.Code == codeNotApplicable &&
		(se.StatusCode == http.StatusForbidden || se.StatusCode == http.StatusNotFound) {
		return domain.ConsentRecord{}, fmt.Errorf("get consent: %w", domain.ErrConsentNotApplicable)
	}
	if err != nil {
		return domain.ConsentRecord{}, fmt.Errorf("get consent: %w", err)
	}
	return rec, nil
}

// IssueCredential requests a fresh video token for the appointment.
func (c *Client) IssueCredential(ctx context.Context, appointmentID uuid.UUID) (domain.SessionCredential, error) {
	var resp tokenResponse
	path := fmt.Sprintf(tokenPathFmt, appointmentID)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return domain.SessionCredential{}, fmt.Errorf("issue video token: %w", err)
	}

	cred := domain.SessionCredential{
		AccessToken:       resp.AccessToken,
		RoomName:          resp.RoomName,
		CallerIdentity:    resp.Identity,
		RecordingRequired: resp.RecordingRequired,
	}
	if resp.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			return domain.SessionCredential{}, fmt.Errorf("parse expiresAt %q: %w", resp.ExpiresAt, err)
		}
		cred.ExpiresAt = &exp
	}
	return cred, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	log.Debug().
		Str("module", "api").
		Str("method", method).
		Str("path", path).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil {
			se.Code = er.Code
		}
		return se
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
