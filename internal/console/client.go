// Package console is the generic client for the management console's CRUD
// API (users, roles, filters, SMPP accounts, country sites, schedule
// tasks). Entity semantics live server-side; this client only knows
// "paginated list" and "form submit" shapes, so every resource goes
// through the same five calls.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Page is one page of records plus the pagination metadata the table
// component needs. Items stay raw; the UI renders whatever it is given.
type Page struct {
	Items   []json.RawMessage `json:"items"`
	Total   int               `json:"total"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
}

// ListParams shape a paginated, sortable, filterable list request.
type ListParams struct {
	Page    int
	PerPage int
	Sort    string
	Order   string
	Filters map[string]string
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		r.SetAuthToken(token)
	}
	return &Client{http: r, logger: logger}
}

// List fetches one page of a resource collection.
func (c *Client) List(ctx context.Context, resource string, p ListParams) (Page, error) {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = 25
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("page", strconv.Itoa(p.Page)).
		SetQueryParam("per_page", strconv.Itoa(p.PerPage)).
		SetResult(&Page{}).
		SetError(&apiError{})
	if p.Sort != "" {
		req.SetQueryParam("sort", p.Sort)
	}
	if p.Order != "" {
		req.SetQueryParam("order", p.Order)
	}
	for key, value := range p.Filters {
		req.SetQueryParam(key, value)
	}

	resp, err := req.Get("/" + resource)
	if err != nil {
		return Page{}, err
	}
	if resp.IsError() {
		return Page{}, respError(resource, resp)
	}
	page, ok := resp.Result().(*Page)
	if !ok || page == nil {
		return Page{}, fmt.Errorf("list %s: unexpected response shape", resource)
	}
	return *page, nil
}

// Get fetches a single record into out.
func (c *Client) Get(ctx context.Context, resource, id string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&apiError{}).
		Get("/" + resource + "/" + id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return respError(resource, resp)
	}
	return nil
}

// Create submits a form payload for a new record.
func (c *Client) Create(ctx context.Context, resource string, form any, out any) error {
	req := c.http.R().SetContext(ctx).SetBody(form).SetError(&apiError{})
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post("/" + resource)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return respError(resource, resp)
	}
	return nil
}

// Update submits a form payload for an existing record.
func (c *Client) Update(ctx context.Context, resource, id string, form any, out any) error {
	req := c.http.R().SetContext(ctx).SetBody(form).SetError(&apiError{})
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Put("/" + resource + "/" + id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return respError(resource, resp)
	}
	return nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Delete("/" + resource + "/" + id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return respError(resource, resp)
	}
	return nil
}

func respError(resource string, resp *resty.Response) error {
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr != nil && apiErr.Message != "" {
		return fmt.Errorf("%s: %s (%s)", resource, apiErr.Message, resp.Status())
	}
	return fmt.Errorf("%s: request failed with %s", resource, resp.Status())
}
