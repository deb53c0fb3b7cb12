package watchkeepersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Watchkeeper HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Classification struct {
	PrimaryDomain    string   `json:"primary_domain"`
	SecondaryDomains []string `json:"secondary_domains,omitempty"`
	RiskTags         []string `json:"risk_tags,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
}

type SourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Entry struct {
	ID                    string      `json:"id"`
	VesselID              string      `json:"vessel_id"`
	CreatedAt             string      `json:"created_at"`
	PrimaryDomain         string      `json:"primary_domain,omitempty"`
	RiskTags              []string    `json:"risk_tags,omitempty"`
	NarrativeText         string      `json:"narrative_text"`
	SourceReferences      []SourceRef `json:"source_references,omitempty"`
	Status                string      `json:"status"`
	ClassificationFlagged bool        `json:"classification_flagged"`
	ConfirmedAt           string      `json:"confirmed_at,omitempty"`
	ClassificationPending bool        `json:"classification_pending,omitempty"`
}

type Item struct {
	ID              string   `json:"id"`
	DomainCode      string   `json:"domain_code"`
	SummaryText     string   `json:"summary_text"`
	SourceEntryIDs  []string `json:"source_entry_ids"`
	RiskTags        []string `json:"risk_tags"`
	ConfidenceLevel string   `json:"confidence_level"`
	ConflictFlag    bool     `json:"conflict_flag"`
	UncertaintyFlag bool     `json:"uncertainty_flag"`
	SupersededBy    string   `json:"superseded_by,omitempty"`
}

type Section struct {
	BucketName string `json:"bucket_name"`
	Items      []Item `json:"items"`
}

type Signoff struct {
	OutgoingUserID   string `json:"outgoing_user_id,omitempty"`
	OutgoingSignedAt string `json:"outgoing_signed_at,omitempty"`
	IncomingUserID   string `json:"incoming_user_id,omitempty"`
	IncomingSignedAt string `json:"incoming_signed_at,omitempty"`
	DocumentHash     string `json:"document_hash,omitempty"`
}

type Draft struct {
	ID          string    `json:"id"`
	VesselID    string    `json:"vessel_id"`
	PeriodStart string    `json:"period_start"`
	PeriodEnd   string    `json:"period_end"`
	State       string    `json:"state"`
	Version     int       `json:"version"`
	Sections    []Section `json:"sections,omitempty"`
	Signoff     *Signoff  `json:"signoff,omitempty"`
	Created     bool      `json:"created,omitempty"`
}

type Export struct {
	ID           string   `json:"id"`
	DraftID      string   `json:"draft_id"`
	ExportType   string   `json:"export_type"`
	ExportedBy   string   `json:"exported_by"`
	ExportedAt   string   `json:"exported_at"`
	Recipients   []string `json:"recipients,omitempty"`
	DocumentHash string   `json:"document_hash"`
}

type DeliveryAttempt struct {
	ID          string `json:"id"`
	ExportID    string `json:"export_id"`
	Attempt     int    `json:"attempt"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	AttemptedAt string `json:"attempted_at"`
}

type ExportResult struct {
	Export   Export           `json:"export"`
	Created  bool             `json:"created"`
	Delivery *DeliveryAttempt `json:"delivery,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	VesselID   string         `json:"vessel_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the machine-readable error
// code, e.g. invalid_state_transition or draft_frozen.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsTransitionConflict reports whether err is a 409 with the given code.
func IsTransitionConflict(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == code
}

// CreateEntry records an entry. hint may be nil to let the server classify.
func (c *Client) CreateEntry(ctx context.Context, narrative string, refs []SourceRef, hint *Classification) (Entry, error) {
	body := map[string]any{"narrative_text": narrative}
	if len(refs) > 0 {
		body["source_references"] = refs
	}
	if hint != nil {
		body["classification"] = hint
	}
	var resp Entry
	err := c.do(ctx, http.MethodPost, "handover/entry", body, &resp)
	return resp, err
}

func (c *Client) ConfirmEntry(ctx context.Context, id string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, "handover/entry/"+url.PathEscape(id)+"/confirm", nil, &resp)
	return resp, err
}

func (c *Client) DismissEntry(ctx context.Context, id, reason string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, "handover/entry/"+url.PathEscape(id)+"/dismiss", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// GenerateDraft assembles a draft or returns the vessel's active one.
func (c *Client) GenerateDraft(ctx context.Context) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, "handover/draft/generate", nil, &resp)
	return resp, err
}

func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.draftPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) StartReview(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.draftPath(id, "review"), nil, &resp)
	return resp, err
}

func (c *Client) EditItem(ctx context.Context, draftID, itemID, text, reason string) (Item, error) {
	var resp Item
	body := map[string]any{"edited_text": text, "edit_reason": reason}
	err := c.do(ctx, http.MethodPatch, c.draftPath(draftID, "item/"+url.PathEscape(itemID)), body, &resp)
	return resp, err
}

// Accept records the outgoing signature.
func (c *Client) Accept(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.draftPath(id, "accept"), map[string]any{"confirm": true}, &resp)
	return resp, err
}

// Sign records the incoming signature and seals the document hash.
func (c *Client) Sign(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.draftPath(id, "sign"), map[string]any{"confirm": true}, &resp)
	return resp, err
}

func (c *Client) Reopen(ctx context.Context, id, reason string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.draftPath(id, "reopen"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Export renders a signed draft. Repeating an identical request returns
// the existing export with Created false.
func (c *Client) Export(ctx context.Context, draftID, exportType string, recipients []string) (ExportResult, error) {
	body := map[string]any{"export_type": exportType}
	if len(recipients) > 0 {
		body["recipients"] = recipients
	}
	var resp ExportResult
	err := c.do(ctx, http.MethodPost, c.draftPath(draftID, "export"), body, &resp)
	return resp, err
}

func (c *Client) RetryDelivery(ctx context.Context, exportID string) (DeliveryAttempt, error) {
	var resp DeliveryAttempt
	err := c.do(ctx, http.MethodPost, "handover/export/"+url.PathEscape(exportID)+"/retry-delivery", nil, &resp)
	return resp, err
}

// DownloadArtifact returns the rendered bytes and the document hash header.
func (c *Client) DownloadArtifact(ctx context.Context, exportID string) ([]byte, string, error) {
	res, err := c.send(ctx, http.MethodGet, "handover/export/"+url.PathEscape(exportID)+"/artifact", nil)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	return data, res.Header.Get("X-Document-Hash"), err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "handover/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	res, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		defer res.Body.Close()
		b, _ := io.ReadAll(res.Body)
		apiErr := &APIError{StatusCode: res.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	return res, nil
}

func (c *Client) draftPath(id, suffix string) string {
	p := "handover/draft/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
