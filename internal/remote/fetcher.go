// Package remote retrieves the blocklist from the list server. The fetch
// boundary validates the payload against a JSON schema before anything
// is decoded into domain types, so a malformed list never reaches the
// reconciler.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mkravn/callfence/internal/core"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Item is one pattern of the fetched list.
type Item struct {
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
	Label   string `json:"label,omitempty"`
}

// List is the fetched remote list.
type List struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Entries []Item `json:"entries"`
}

// ParseAction maps a remote action string onto the closed action set.
// Remote lists only carry block and identify; removal is derived by the
// reconciler, never sent by the server.
func ParseAction(s string) (core.Action, error) {
	switch s {
	case "block":
		return core.ActionBlock, nil
	case "identify":
		return core.ActionIdentify, nil
	default:
		return "", fmt.Errorf("remote: unknown action %q", s)
	}
}

// Fetcher retrieves the current remote list for a device.
type Fetcher interface {
	Fetch(ctx context.Context, deviceID string) (*List, error)
}

const listSchema = `{
	"type": "object",
	"required": ["version", "name", "entries"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["pattern", "action"],
				"properties": {
					"pattern": {"type": "string", "minLength": 1},
					"action": {"enum": ["block", "identify"]},
					"label": {"type": "string"}
				}
			}
		}
	}
}`

type HTTPFetcherConfig struct {
	Client    *http.Client
	BaseURL   string
	UserAgent string
}

// HTTPFetcher fetches the list over HTTP(S).
type HTTPFetcher struct {
	client    *http.Client
	baseURL   string
	userAgent string
	schema    *jsonschema.Schema
}

func NewHTTPFetcher(cfg *HTTPFetcherConfig) (*HTTPFetcher, error) {
	if cfg == nil {
		return nil, errors.New("remote: required config")
	}
	if cfg.Client == nil {
		return nil, errors.New("remote: required http client")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: required base url")
	}
	schema, err := jsonschema.CompileString("blocklist.schema.json", listSchema)
	if err != nil {
		return nil, fmt.Errorf("remote: compile schema: %w", err)
	}
	return &HTTPFetcher{
		client:    cfg.Client,
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		schema:    schema,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, deviceID string) (*List, error) {
	const op = "remote.HTTPFetcher.Fetch"

	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, core.NewFetchError("bad list url", err, op)
	}
	q := u.Query()
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, core.NewFetchError("build list request", err, op)
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, core.NewFetchError("fetch list", err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewFetchError(
			fmt.Sprintf("list server returned %d", resp.StatusCode), nil, op,
		).WithMeta("status", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewFetchError("read list body", err, op)
	}
	return f.decode(body, op)
}

func (f *HTTPFetcher) decode(body []byte, op string) (*List, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, core.NewFetchError("decode list", err, op)
	}
	if err := f.schema.Validate(raw); err != nil {
		return nil, core.NewFetchError("list failed schema validation", err, op)
	}

	list := &List{}
	if err := json.Unmarshal(body, list); err != nil {
		return nil, core.NewFetchError("decode list", err, op)
	}
	return list, nil
}
