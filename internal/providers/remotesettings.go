package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"msgrouter/internal/messages"
	"msgrouter/internal/telemetry"
	logx "msgrouter/pkg/logx"
)

// SettingsClient is the paged key/value collection boundary. Records carry
// message payloads per locale plus an optional localization attachment.
type SettingsClient interface {
	// FetchRecords returns all records of a collection for one locale,
	// following pagination internally.
	FetchRecords(ctx context.Context, collection, locale string) ([]SettingsRecord, error)

	// FetchAttachment downloads an attachment body by location.
	FetchAttachment(ctx context.Context, location string) ([]byte, error)
}

type SettingsRecord struct {
	ID         string             `json:"id"`
	Locale     string             `json:"locale"`
	Messages   []messages.Message `json:"messages"`
	Attachment *AttachmentRef     `json:"attachment,omitempty"`
}

type AttachmentRef struct {
	Filename string `json:"filename"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
}

const canonicalLocale = "en-US"

// localeAliases maps app locales whose settings records live under a
// different name.
var localeAliases = map[string]string{
	"ja-JP-mac": "ja-JP-macos",
	"und":       canonicalLocale,
}

// supportedLocales is the set of locales the settings collection publishes
// records for. Record locales fall back to en-US when the app locale is not
// covered; attachment downloads for uncovered locales are skipped outright.
var supportedLocales = map[string]bool{
	"en-US": true, "en-GB": true, "en-CA": true,
	"de": true, "fr": true, "es-ES": true, "it": true,
	"ja-JP-macos": true, "ja": true,
	"pl": true, "pt-BR": true, "ru": true, "zh-CN": true, "zh-TW": true,
}

// resolveRecordLocale returns the locale to fetch records under. The second
// return is false only when the locale is unusable and the whole fetch
// should be skipped (empty locale).
func resolveRecordLocale(locale string) (string, bool) {
	if locale == "" {
		return "", false
	}
	if alias, ok := localeAliases[locale]; ok {
		locale = alias
	}
	if !supportedLocales[locale] {
		return canonicalLocale, true
	}
	return locale, true
}

func (l *Loader) loadRemoteSettings(ctx context.Context, p messages.Provider) (Result, error) {
	if l.settings == nil {
		return Result{}, fmt.Errorf("provider %s: no settings client configured", p.ID)
	}

	locale, ok := resolveRecordLocale(l.cfg.Locale)
	if !ok {
		l.log.Debug("skipping settings fetch for unsupported locale",
			logx.String("provider", p.ID), logx.String("locale", l.cfg.Locale))
		return Result{}, nil
	}

	records, err := l.settings.FetchRecords(ctx, p.Collection, locale)
	if err != nil {
		l.undesired(telemetry.EventRemoteError, p.ID)
		return Result{}, fmt.Errorf("provider %s: %w", p.ID, err)
	}

	var out []messages.Message
	for _, rec := range records {
		out = append(out, rec.Messages...)
		if rec.Attachment != nil {
			if err := l.ensureAttachment(ctx, rec.Attachment); err != nil {
				// Attachment problems degrade to unlocalized content; the
				// messages themselves are still usable.
				l.log.Warn("attachment download failed",
					logx.String("provider", p.ID),
					logx.String("file", rec.Attachment.Filename),
					logx.Err(err))
			}
		}
	}
	if len(out) == 0 {
		l.undesired(telemetry.EventRemoteNoMessages, p.ID)
		return Result{}, fmt.Errorf("provider %s: collection %s had no messages", p.ID, p.Collection)
	}
	return Result{Messages: out}, nil
}

// ensureAttachment downloads the localization attachment unless a local copy
// with the advertised size already exists. The write goes temp-then-rename so
// readers never observe a partial file.
func (l *Loader) ensureAttachment(ctx context.Context, ref *AttachmentRef) error {
	if ref.Filename == "" || ref.Location == "" {
		return fmt.Errorf("attachment record incomplete")
	}
	if _, ok := resolveAttachmentLocale(l.cfg.Locale); !ok {
		return nil
	}

	dir := l.cfg.AttachmentDir
	if dir == "" {
		dir = os.TempDir()
	}
	final := filepath.Join(dir, ref.Filename)
	if fi, err := os.Stat(final); err == nil && fi.Size() == ref.Size {
		return nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	fctx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
	defer cancel()

	body, err := l.settings.FetchAttachment(fctx, ref.Location)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// resolveAttachmentLocale differs from record resolution: there is no
// canonical fallback. A locale outside the supported set downloads nothing.
func resolveAttachmentLocale(locale string) (string, bool) {
	if alias, ok := localeAliases[locale]; ok {
		locale = alias
	}
	if !supportedLocales[locale] {
		return "", false
	}
	return locale, true
}
