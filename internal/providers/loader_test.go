package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"msgrouter/internal/experiments"
	"msgrouter/internal/messages"
	"msgrouter/internal/telemetry"
)

func newTestLoader(t *testing.T, cfg Config, deps Deps) *Loader {
	t.Helper()
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if deps.FetchesPerSec == 0 {
		deps.FetchesPerSec = 1000
	}
	return New(cfg, deps)
}

func TestExpandURL(t *testing.T) {
	t.Parallel()
	cfg := Config{Locale: "de", Region: "DE", APIKey: "k123"}
	got := ExpandURL("https://x.test/$apiKey/msgs?l=$locale&r=$region&v=$version", cfg)
	want := "https://x.test/k123/msgs?l=de&r=DE&v=" + SchemaVersion
	if got != want {
		t.Fatalf("ExpandURL = %q, want %q", got, want)
	}
}

func TestExtractMessagesShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "bare array", body: `[{"id":"a"},{"id":"b"}]`, want: 2},
		{name: "object with messages", body: `{"messages":[{"id":"a"}]}`, want: 1},
		{name: "object without messages", body: `{"data":[]}`, wantErr: true},
		{name: "malformed", body: `{`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			list, err := extractMessages([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("extractMessages error: %v", err)
			}
			if len(list) != tt.want {
				t.Fatalf("got %d messages, want %d", len(list), tt.want)
			}
		})
	}
}

func TestLoadRemote(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"messages":[{"id":"remote-1"}]}`))
		case "/empty":
			_, _ = w.Write([]byte(`{"messages":[]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	rec := &telemetry.Recorder{}
	l := newTestLoader(t, Config{}, Deps{HTTP: srv.Client(), Telemetry: rec})

	p := messages.Provider{ID: "rp", Kind: messages.KindRemote, URL: srv.URL + "/ok"}
	res, err := l.Load(context.Background(), p, false)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "remote-1" {
		t.Fatalf("unexpected messages: %+v", res.Messages)
	}
	if res.Messages[0].Provider != "rp" {
		t.Fatalf("message not stamped with provider id: %q", res.Messages[0].Provider)
	}

	p.URL = srv.URL + "/empty"
	if _, err := l.Load(context.Background(), p, false); err == nil {
		t.Fatal("empty response must be an error")
	}
	p.URL = srv.URL + "/boom"
	if _, err := l.Load(context.Background(), p, false); err == nil {
		t.Fatal("server error must be an error")
	}

	if rec.UndesiredCount() != 2 {
		t.Fatalf("undesired events = %d, want 2", rec.UndesiredCount())
	}
	if rec.Undesired[0].Event != telemetry.EventRemoteNoMessages {
		t.Fatalf("first event = %q, want %q", rec.Undesired[0].Event, telemetry.EventRemoteNoMessages)
	}
	if rec.Undesired[1].Event != telemetry.EventRemoteError {
		t.Fatalf("second event = %q, want %q", rec.Undesired[1].Event, telemetry.EventRemoteError)
	}
	if rec.Undesired[0].MessageID != telemetry.MessageIDNA {
		t.Fatalf("message id = %q, want %q", rec.Undesired[0].MessageID, telemetry.MessageIDNA)
	}
}

func TestLoadApplyExclude(t *testing.T) {
	t.Parallel()
	l := newTestLoader(t, Config{}, Deps{})
	p := messages.Provider{
		ID:   "lp",
		Kind: messages.KindLocal,
		Messages: []messages.Message{
			{ID: "keep"}, {ID: "drop"},
		},
		Exclude: []string{"drop"},
	}
	res, err := l.Load(context.Background(), p, false)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "keep" {
		t.Fatalf("exclude not applied: %+v", res.Messages)
	}
}

func TestLocalTestProviderFlattening(t *testing.T) {
	t.Parallel()
	p := LocalTestProvider()

	devtools := newTestLoader(t, Config{Devtools: true}, Deps{})
	res, err := devtools.Load(context.Background(), p, false)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	var content map[string]any
	if err := json.Unmarshal(res.Messages[0].Content, &content); err != nil {
		t.Fatalf("content did not parse: %v", err)
	}
	if content["title"] != "Welcome" {
		t.Fatalf("content not flattened under devtools: %v", content["title"])
	}

	plain := newTestLoader(t, Config{}, Deps{})
	res, err = plain.Load(context.Background(), p, false)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := json.Unmarshal(res.Messages[0].Content, &content); err != nil {
		t.Fatalf("content did not parse: %v", err)
	}
	if _, ok := content["title"].(map[string]any); !ok {
		t.Fatal("content must keep raw wrappers outside devtools")
	}
}

func TestLoadRemoteExperiments(t *testing.T) {
	t.Parallel()
	src := experiments.NewStaticSource()
	src.Put("feature-a", &experiments.Enrollment{
		Slug: "exp-1",
		Branch: experiments.Branch{
			Slug: "treatment",
			Features: map[string]json.RawMessage{
				"feature-a": json.RawMessage(`{"template":"cfr_doorhanger","trigger":{"id":"openURL"}}`),
			},
		},
		OtherBranches: []experiments.Branch{
			{
				Slug: "control",
				Features: map[string]json.RawMessage{
					"feature-a": json.RawMessage(`{"trigger":{"id":"openURL"}}`),
				},
			},
			{
				Slug: "no-trigger",
				Features: map[string]json.RawMessage{
					"feature-a": json.RawMessage(`{"template":"spotlight"}`),
				},
			},
		},
	})
	src.Put("feature-rollout", &experiments.Enrollment{
		Slug:      "roll-1",
		IsRollout: true,
		Branch: experiments.Branch{
			Slug: "rollout",
			Features: map[string]json.RawMessage{
				"feature-rollout": json.RawMessage(`{"trigger":{"id":"openURL"}}`),
			},
		},
	})

	l := newTestLoader(t, Config{}, Deps{Experiments: src})
	p := messages.Provider{
		ID:       "exp",
		Kind:     messages.KindRemoteExperiments,
		Features: []string{"feature-a", "feature-rollout", "feature-missing"},
	}
	res, err := l.Load(context.Background(), p, false)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// feature-a primary + one reach companion (no-trigger branch skipped),
	// plus the rollout primary without companions.
	if len(res.Messages) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(res.Messages), res.Messages)
	}
	primary := res.Messages[0]
	if primary.ID != "exp-1:feature-a" {
		t.Fatalf("primary id = %q, want default slug:feature", primary.ID)
	}
	if primary.ForReachEvent != nil {
		t.Fatal("primary must not carry reach accounting")
	}
	companion := res.Messages[1]
	if companion.ID != "exp-1:control" {
		t.Fatalf("companion id = %q, want slug:branch", companion.ID)
	}
	reach := companion.ForReachEvent
	if reach == nil || reach.Sent || reach.ExperimentSlug != "exp-1" || reach.BranchSlug != "control" || reach.Group != "feature-a" {
		t.Fatalf("unexpected reach ref: %+v", reach)
	}
	if res.Messages[2].ID != "roll-1:feature-rollout" {
		t.Fatalf("rollout primary id = %q", res.Messages[2].ID)
	}
}

func TestResolveRecordLocale(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "de", want: "de", ok: true},
		{in: "ja-JP-mac", want: "ja-JP-macos", ok: true},
		{in: "und", want: "en-US", ok: true},
		{in: "tlh", want: "en-US", ok: true},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := resolveRecordLocale(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("resolveRecordLocale(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}

	// Attachments never fall back.
	if _, ok := resolveAttachmentLocale("tlh"); ok {
		t.Fatal("unsupported locale must skip attachment download")
	}
	if got, ok := resolveAttachmentLocale("ja-JP-mac"); !ok || got != "ja-JP-macos" {
		t.Fatalf("alias resolution failed: %q, %v", got, ok)
	}
}

type fakeSettings struct {
	records     []SettingsRecord
	attachment  []byte
	fetchCalls  int
	attachCalls int
}

func (f *fakeSettings) FetchRecords(ctx context.Context, collection, locale string) ([]SettingsRecord, error) {
	f.fetchCalls++
	return f.records, nil
}

func (f *fakeSettings) FetchAttachment(ctx context.Context, location string) ([]byte, error) {
	f.attachCalls++
	return f.attachment, nil
}

func TestLoadRemoteSettings(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := []byte("localized strings")
	fs := &fakeSettings{
		records: []SettingsRecord{
			{
				ID:       "rec-1",
				Locale:   "de",
				Messages: []messages.Message{{ID: "rs-1"}},
				Attachment: &AttachmentRef{
					Filename: "de.json",
					Location: "bundles/de.json",
					Size:     int64(len(body)),
				},
			},
		},
		attachment: body,
	}
	l := newTestLoader(t, Config{Locale: "de", AttachmentDir: dir}, Deps{Settings: fs})
	p := messages.Provider{ID: "rs", Kind: messages.KindRemoteSettings, Collection: "cfr"}

	res, err := l.Load(context.Background(), p, false)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "rs-1" {
		t.Fatalf("unexpected messages: %+v", res.Messages)
	}
	got, err := os.ReadFile(filepath.Join(dir, "de.json"))
	if err != nil {
		t.Fatalf("attachment not written: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("attachment content = %q", got)
	}

	// A second load sees the size-matching file and skips the download.
	if _, err := l.Load(context.Background(), p, false); err != nil {
		t.Fatalf("second Load error: %v", err)
	}
	if fs.attachCalls != 1 {
		t.Fatalf("attachment fetched %d times, want 1", fs.attachCalls)
	}
}
