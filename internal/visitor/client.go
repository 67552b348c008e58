// Package visitor is the client side of a visit: it talks to the offers API
// and runs the select, claim and cooldown sequence.
package visitor

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

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/model"
)

// Client calls the offers API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type SelectResponse struct {
	Available bool             `json:"available"`
	Offer     *model.OfferView `json:"offer,omitempty"`
	Message   string           `json:"message,omitempty"`
}

type ClaimResponse struct {
	ClaimID string             `json:"claim_id"`
	Offer   model.OfferContent `json:"offer"`
}

type errorResponse struct {
	Kind    string `json:"error_kind"`
	Message string `json:"message"`
}

// Select asks for one offer near zip.
func (c *Client) Select(ctx context.Context, zip string) (*SelectResponse, error) {
	var out SelectResponse
	path := "/api/offers/select?zip=" + url.QueryEscape(zip)
	if err := c.do(ctx, "select offer", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim claims offerID for the visitor reachable at contact.
func (c *Client) Claim(ctx context.Context, offerID, contact string) (*ClaimResponse, error) {
	body := map[string]string{"offer_id": offerID, "contact_handle": contact}
	var out ClaimResponse
	if err := c.do(ctx, "claim offer", http.MethodPost, "/api/claims", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetClaim returns the claim as recorded by the service.
func (c *Client) GetClaim(ctx context.Context, claimID string) (*model.Claim, error) {
	var out model.Claim
	if err := c.do(ctx, "get claim", http.MethodGet, "/api/claims/"+url.PathEscape(claimID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Redeem(ctx context.Context, claimID string) error {
	return c.do(ctx, "redeem claim", http.MethodPost, "/api/claims/"+url.PathEscape(claimID)+"/redeem", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
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
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.E(apperr.KindUpstreamUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// decodeError maps an API error body back onto an apperr kind. Responses
// without a recognizable body count as the service being unavailable.
func decodeError(op string, resp *http.Response) error {
	var er errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er); err != nil || er.Kind == "" {
		return apperr.E(apperr.KindUpstreamUnavailable, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	e := apperr.E(apperr.Kind(er.Kind), op, errors.New(er.Message))
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}
