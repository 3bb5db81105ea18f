package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"msgrouter/internal/experiments"
	"msgrouter/internal/messages"
	"msgrouter/internal/telemetry"
	logx "msgrouter/pkg/logx"
)

// Config is the environment a Loader substitutes into provider URLs and uses
// to decide devtools behavior.
type Config struct {
	Locale        string
	Region        string
	APIKey        string
	Devtools      bool
	FetchTimeout  time.Duration // per-fetch abort, separate from the caller's deadline
	AttachmentDir string
}

// Loader turns one Provider record into its current message list. Load
// dispatches on the provider kind; there is no other runtime type inspection.
type Loader struct {
	cfg Config

	http        *http.Client
	settings    SettingsClient
	experiments experiments.Source
	telemetry   telemetry.Emitter
	limiter     *rate.Limiter
	log         logx.Logger
	now         func() time.Time
}

// Result is one provider load outcome. Messages replace the provider's prior
// contribution wholesale; provider Exclude filtering happens here so merge
// code never sees excluded ids.
type Result struct {
	Messages []messages.Message
}

type Deps struct {
	HTTP        *http.Client
	Settings    SettingsClient
	Experiments experiments.Source
	Telemetry   telemetry.Emitter
	Log         logx.Logger
	Now         func() time.Time

	// FetchesPerSec bounds outbound fetch rate across all remote providers.
	// 0 means a conservative default.
	FetchesPerSec int
}

func New(cfg Config, deps Deps) *Loader {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	rps := deps.FetchesPerSec
	if rps <= 0 {
		rps = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Loader{
		cfg:         cfg,
		http:        deps.HTTP,
		settings:    deps.Settings,
		experiments: deps.Experiments,
		telemetry:   deps.Telemetry,
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		log:         deps.Log,
		now:         deps.Now,
	}
}

// Load fetches the current messages for one provider. A transient remote
// failure returns an error; the caller keeps the provider's previous
// messages for that cycle. isStartup relaxes nothing today but is part of
// the contract so loaders can skip expensive work during first paint.
func (l *Loader) Load(ctx context.Context, p messages.Provider, isStartup bool) (Result, error) {
	_ = isStartup
	var (
		res Result
		err error
	)
	switch p.Kind {
	case messages.KindLocal:
		res, err = l.loadLocal(p)
	case messages.KindRemote:
		res, err = l.loadRemote(ctx, p)
	case messages.KindRemoteSettings:
		res, err = l.loadRemoteSettings(ctx, p)
	case messages.KindRemoteExperiments:
		res, err = l.loadRemoteExperiments(p)
	default:
		return Result{}, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	if err != nil {
		return Result{}, err
	}
	res.Messages = applyExclude(stampProvider(res.Messages, p.ID), p.Exclude)
	return res, nil
}

func stampProvider(list []messages.Message, providerID string) []messages.Message {
	for i := range list {
		list[i].Provider = providerID
	}
	return list
}

// applyExclude removes a provider's excluded ids from its contribution,
// regardless of any other eligibility.
func applyExclude(list []messages.Message, exclude []string) []messages.Message {
	if len(exclude) == 0 {
		return list
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	out := list[:0]
	for _, m := range list {
		if !excluded[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (l *Loader) undesired(event, providerID string) {
	if l.telemetry != nil {
		l.telemetry.UndesiredEvent(event, providerID, telemetry.MessageIDNA)
	}
}
