package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPSettingsClient talks to a key/value settings service over HTTP.
//
// Record pages have the shape {"data": [...records], "next": "<url>"} where
// next is empty on the last page. Attachment locations may be absolute or
// relative to AttachmentBase.
type HTTPSettingsClient struct {
	Base           string // e.g. https://settings.example.com/v1
	AttachmentBase string
	HTTP           *http.Client
}

func (c *HTTPSettingsClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *HTTPSettingsClient) FetchRecords(ctx context.Context, collection, locale string) ([]SettingsRecord, error) {
	next := fmt.Sprintf("%s/collections/%s/records?locale=%s",
		strings.TrimRight(c.Base, "/"), url.PathEscape(collection), url.QueryEscape(locale))

	var out []SettingsRecord
	// Follow pagination until the service stops handing out next links.
	for next != "" {
		page, err := c.getJSON(ctx, next)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data []SettingsRecord `json:"data"`
			Next string           `json:"next"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return nil, fmt.Errorf("settings page: %w", err)
		}
		out = append(out, body.Data...)
		next = body.Next
	}
	return out, nil
}

func (c *HTTPSettingsClient) FetchAttachment(ctx context.Context, location string) ([]byte, error) {
	u := location
	if !strings.Contains(u, "://") {
		base := c.AttachmentBase
		if base == "" {
			base = c.Base
		}
		u = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(location, "/")
	}
	return c.getRaw(ctx, u)
}

func (c *HTTPSettingsClient) getJSON(ctx context.Context, u string) ([]byte, error) {
	b, err := c.getRaw(ctx, u)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *HTTPSettingsClient) getRaw(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, u)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
}
