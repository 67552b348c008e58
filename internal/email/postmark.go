// Package email sends claim codes to visitors through Postmark.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/perkdrop/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendClaimCode emails the claim code and offer details to the visitor.
// Contact handles that are not email addresses are skipped.
func (c *Client) SendClaimCode(ctx context.Context, claim model.Claim) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	addr, err := mail.ParseAddress(claim.ContactHandle)
	if err != nil {
		return nil
	}

	link := fmt.Sprintf("%s/api/claims/%s", c.baseURL, url.PathEscape(claim.ID))
	subject := fmt.Sprintf("Your reward: %s", claim.Content.Title)

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n", claim.Content.Title)
	if claim.Content.Subtitle != "" {
		fmt.Fprintf(&text, "%s\n", claim.Content.Subtitle)
	}
	fmt.Fprintf(&text, "\nShow this code at the counter: %s\n\nCheck your reward: %s\n", claim.ID, link)
	if claim.Content.MapURL != "" {
		fmt.Fprintf(&text, "Directions: %s\n", claim.Content.MapURL)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "<h1>%s</h1>", html.EscapeString(claim.Content.Title))
	if claim.Content.Subtitle != "" {
		fmt.Fprintf(&body, "<p>%s</p>", html.EscapeString(claim.Content.Subtitle))
	}
	fmt.Fprintf(&body, "<p>Show this code at the counter: <strong>%s</strong></p>", html.EscapeString(claim.ID))
	fmt.Fprintf(&body, `<p><a href="%s">Check your reward</a></p>`, html.EscapeString(link))
	if claim.Content.MapURL != "" {
		fmt.Fprintf(&body, `<p><a href="%s">Directions</a></p>`, html.EscapeString(claim.Content.MapURL))
	}

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       addr.Address,
		Subject:  subject,
		HtmlBody: body.String(),
		TextBody: text.String(),
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
