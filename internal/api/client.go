package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/turtlemessenger/turtle/internal/model"
)

// Client calls the authenticated REST endpoints through a Doer.
type Client struct {
	base string
	d    Doer
}

// NewClient returns a client for the service at base. d is normally a *session.Manager.
func NewClient(base string, d Doer) *Client {
	return &Client{base: strings.TrimRight(base, "/"), d: d}
}

// History returns up to size messages of room in ascending ts order.
// before > 0 restricts the page to messages strictly older than that epoch-millis cursor.
func (c *Client) History(ctx context.Context, roomID int64, size int, before int64) ([]model.Message, error) {
	q := url.Values{}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	u := fmt.Sprintf("%s/api/rooms/%d/messages", c.base, roomID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := newJSONRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Message
	if err := do(c.d, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostMessage appends a message to room over REST. The service stores it without broadcasting.
func (c *Client) PostMessage(ctx context.Context, roomID int64, m model.Message) error {
	req, err := newJSONRequest(ctx, http.MethodPost, fmt.Sprintf("%s/api/rooms/%d/messages", c.base, roomID), m)
	if err != nil {
		return err
	}
	return do(c.d, req, nil)
}

// Contacts returns the accepted relationships of the caller.
func (c *Client) Contacts(ctx context.Context) ([]model.Contact, error) {
	return c.contactList(ctx, "/api/contacts")
}

// Requests returns the incoming pending requests of the caller.
func (c *Client) Requests(ctx context.Context) ([]model.Contact, error) {
	return c.contactList(ctx, "/api/contacts/requests")
}

func (c *Client) contactList(ctx context.Context, path string) ([]model.Contact, error) {
	req, err := newJSONRequest(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Contact
	if err := do(c.d, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddContact(ctx context.Context, user string) error {
	return c.postContact(ctx, "/api/contacts", user)
}

func (c *Client) AcceptContact(ctx context.Context, user string) error {
	return c.postContact(ctx, "/api/contacts/accept", user)
}

func (c *Client) postContact(ctx context.Context, path, user string) error {
	req, err := newJSONRequest(ctx, http.MethodPost, c.base+path, contactRequest{User: user})
	if err != nil {
		return err
	}
	return do(c.d, req, nil)
}

func (c *Client) RemoveContact(ctx context.Context, user string) error {
	u := c.base + "/api/contacts?" + url.Values{"user": {user}}.Encode()
	req, err := newJSONRequest(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return do(c.d, req, nil)
}

// Me returns the username the service associates with the current access token.
func (c *Client) Me(ctx context.Context) (string, error) {
	req, err := newJSONRequest(ctx, http.MethodGet, c.base+"/api/auth/me", nil)
	if err != nil {
		return "", err
	}
	var out meResponse
	if err := do(c.d, req, &out); err != nil {
		return "", err
	}
	return out.Username, nil
}
