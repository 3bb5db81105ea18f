package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"msgrouter/internal/messages"
	"msgrouter/internal/telemetry"
	logx "msgrouter/pkg/logx"
)

// SchemaVersion is substituted for the $version URL placeholder. Bump it in
// lockstep with the message content schema.
const SchemaVersion = "1"

// maxRemoteBody caps how much of a provider response we are willing to read.
const maxRemoteBody = 8 << 20

// ExpandURL substitutes the supported placeholders into a provider URL.
func ExpandURL(raw string, cfg Config) string {
	r := strings.NewReplacer(
		"$apiKey", cfg.APIKey,
		"$locale", cfg.Locale,
		"$region", cfg.Region,
		"$version", SchemaVersion,
	)
	return r.Replace(raw)
}

func (l *Loader) loadRemote(ctx context.Context, p messages.Provider) (Result, error) {
	body, err := l.fetch(ctx, p.URL)
	if err != nil {
		l.undesired(telemetry.EventRemoteError, p.ID)
		return Result{}, fmt.Errorf("provider %s: %w", p.ID, err)
	}

	list, err := extractMessages(body)
	if err != nil {
		l.undesired(telemetry.EventRemoteError, p.ID)
		return Result{}, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	if len(list) == 0 {
		l.undesired(telemetry.EventRemoteNoMessages, p.ID)
		return Result{}, fmt.Errorf("provider %s: response contained no messages", p.ID)
	}
	return Result{Messages: list}, nil
}

// fetch performs one rate-limited GET with its own abort timeout, separate
// from whatever deadline the caller's context carries.
func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, err
	}
	l.log.Debug("remote fetch ok", logx.String("url", url), logx.Int("bytes", len(b)))
	return b, nil
}

// extractMessages accepts either a bare JSON array of messages or an object
// with a "messages" key. Providers in the wild ship both shapes.
func extractMessages(body []byte) ([]messages.Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("malformed JSON response")
	}
	root := gjson.ParseBytes(body)
	raw := root.Raw
	if root.IsObject() {
		msgs := root.Get("messages")
		if !msgs.Exists() {
			return nil, fmt.Errorf("response has no messages field")
		}
		raw = msgs.Raw
	}

	var list []messages.Message
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return list, nil
}
