package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"msgrouter/internal/config"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/messages"
	"msgrouter/internal/providers"
	"msgrouter/internal/storage"
	"msgrouter/internal/targeting"
	"msgrouter/internal/telemetry"
	logx "msgrouter/pkg/logx"
)

// Event is the closed set of external signals the router reacts to.
type Event int

const (
	// EventPrefChanged recomputes the provider list and group enablement,
	// then reloads messages.
	EventPrefChanged Event = iota
	// EventLocalesChanged forces localized content (remote-settings
	// providers) to reload on the next cycle.
	EventLocalesChanged
	// EventSharedDataUpdated re-reads the cross-profile impression and block
	// data, which can change out-of-band.
	EventSharedDataUpdated
)

// Options is the read-only configuration snapshot driving router decisions.
// Reactivity is explicit: the daemon calls UpdateConfig + Observe on change
// rather than the router watching any global.
type Options struct {
	Locale string
	Region string

	Devtools bool

	// MultiProfileActive gates every touch of the shared store.
	MultiProfileActive bool

	// InAutomation marks an automated test/CI run. Messages flagged
	// skip_in_tests are stripped outside of automation.
	InAutomation bool

	// ProfileMessagesAllowed is the global profile-visibility gate checked
	// before any filtering. nil means always allowed.
	ProfileMessagesAllowed func() bool

	Providers []config.ProviderConfig
	Groups    []config.GroupConfig
	UserPrefs map[string]bool
}

// Deps are the router's external collaborators.
type Deps struct {
	Loader    *providers.Loader
	Store     storage.Store       // may be nil (no persistence)
	Shared    storage.SharedStore // may be nil (multi-profile off)
	Oracle    targeting.Oracle
	Telemetry telemetry.Emitter
	Bus       eventbus.Bus

	// Dispatch receives a chosen message and its resolved route. nil drops
	// routed messages (useful in tests and headless runs).
	Dispatch func(route Route, msg messages.Message)

	Log logx.Logger
	Now func() time.Time
}

type Router struct {
	mu    sync.Mutex
	state State

	optsMu sync.RWMutex
	opts   Options

	loader *providers.Loader
	store  storage.Store
	shared storage.SharedStore
	oracle targeting.Oracle
	tel    telemetry.Emitter
	bus    eventbus.Bus

	dispatch func(route Route, msg messages.Message)
	log      logx.Logger
	now      func() time.Time

	// loading is the one-shot in-flight guard for provider loads.
	loadingMu sync.Mutex
	loading   bool
}

const maxProviderErrors = 10

func New(opts Options, deps Deps) *Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Oracle == nil {
		deps.Oracle = targeting.PriorityOracle{}
	}
	return &Router{
		opts:     opts,
		loader:   deps.Loader,
		store:    deps.Store,
		shared:   deps.Shared,
		oracle:   deps.Oracle,
		tel:      deps.Telemetry,
		bus:      deps.Bus,
		dispatch: deps.Dispatch,
		log:      deps.Log,
		now:      deps.Now,
	}
}

// Init loads persisted state, computes providers and groups, performs the
// first provider load, and prunes stale impressions. A second Init is not an
// error; it returns (nil, nil) to signal "ignored".
func (r *Router) Init(ctx context.Context) (*State, error) {
	r.mu.Lock()
	if r.state.Initialized {
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	persisted := r.loadPersistedState(ctx)

	r.SetState(func(s *State) {
		*s = persisted
		s.Providers = r.computeProviders(s.Providers)
		s.Groups = r.computeGroups()
	})

	if r.sharedActive() {
		if err := r.refreshSharedState(ctx); err != nil {
			r.log.Warn("loading shared multi-profile data failed", logx.Err(err))
		}
	}

	if err := r.LoadMessagesFromAllProviders(ctx, true); err != nil {
		// Provider failures degrade per-provider; only hard wiring errors
		// surface here and they still leave a usable (possibly empty) state.
		r.log.Warn("initial provider load incomplete", logx.Err(err))
	}

	r.cleanupImpressions()

	final := r.SetState(func(s *State) {})
	r.mu.Lock()
	r.state.Initialized = true
	final.Initialized = true
	r.mu.Unlock()
	return &final, nil
}

// Uninit persists the session-end timestamp and drops external callbacks so
// late-arriving async work becomes a no-op. Safe to call multiple times.
func (r *Router) Uninit(ctx context.Context) {
	r.mu.Lock()
	wasInitialized := r.state.Initialized
	r.state.Initialized = false
	r.mu.Unlock()
	if !wasInitialized {
		return
	}

	if r.store != nil {
		b, _ := json.Marshal(r.now().UnixMilli())
		if err := r.store.Set(ctx, storage.KeyPreviousSessionEnd, b); err != nil {
			r.log.Warn("persisting session end failed", logx.Err(err))
		}
	}

	r.optsMu.Lock()
	r.opts.ProfileMessagesAllowed = nil
	r.optsMu.Unlock()
	r.mu.Lock()
	r.dispatch = nil
	r.mu.Unlock()
}

func (r *Router) initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Initialized
}

func (r *Router) options() Options {
	r.optsMu.RLock()
	defer r.optsMu.RUnlock()
	return r.opts
}

// UpdateConfig swaps the configuration snapshot. Callers follow up with
// Observe(EventPrefChanged) to make the new snapshot take effect.
func (r *Router) UpdateConfig(opts Options) {
	r.optsMu.Lock()
	r.opts = opts
	r.optsMu.Unlock()
}

// Observe reacts to one external signal. Unknown events are ignored.
func (r *Router) Observe(ctx context.Context, ev Event) {
	if !r.initialized() {
		return
	}
	switch ev {
	case EventPrefChanged:
		r.UpdateMessageProviders()
		if err := r.LoadMessagesFromAllProviders(ctx, false); err != nil {
			r.log.Warn("provider reload after pref change failed", logx.Err(err))
		}
	case EventLocalesChanged:
		// Localized content is stale; force remote-settings providers to
		// refetch on the next load.
		r.SetState(func(s *State) {
			for i := range s.Providers {
				if s.Providers[i].Kind == messages.KindRemoteSettings {
					s.Providers[i].LastUpdated = 0
				}
			}
		})
		if err := r.LoadMessagesFromAllProviders(ctx, false); err != nil {
			r.log.Warn("provider reload after locale change failed", logx.Err(err))
		}
	case EventSharedDataUpdated:
		if r.sharedActive() {
			if err := r.refreshSharedState(ctx); err != nil {
				r.log.Warn("refreshing shared multi-profile data failed", logx.Err(err))
			}
		}
	}
}

func (r *Router) sharedActive() bool {
	return r.options().MultiProfileActive && r.shared != nil
}

// loadPersistedState reads every whitelisted key, defaulting malformed or
// absent values rather than failing init.
func (r *Router) loadPersistedState(ctx context.Context) State {
	s := State{
		MessageImpressions:             messages.ImpressionMap{},
		GroupImpressions:               messages.ImpressionMap{},
		MultiProfileMessageImpressions: messages.ImpressionMap{},
		ScreenImpressions:              map[string]string{},
	}
	if r.store == nil {
		return s
	}
	loadKey := func(key string, dst any) {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			r.log.Warn("reading persisted state failed", logx.String("key", key), logx.Err(err))
			return
		}
		if len(raw) == 0 {
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			r.log.Warn("discarding malformed persisted value", logx.String("key", key), logx.Err(err))
		}
	}
	loadKey(storage.KeyMessageBlockList, &s.MessageBlockList)
	loadKey(storage.KeyMultiProfileMessageBlocklist, &s.MultiProfileMessageBlocklist)
	loadKey(storage.KeyScreenImpressions, &s.ScreenImpressions)
	loadKey(storage.KeyPreviousSessionEnd, &s.PreviousSessionEnd)
	s.MessageImpressions = r.loadImpressionMap(ctx, storage.KeyMessageImpressions)
	s.GroupImpressions = r.loadImpressionMap(ctx, storage.KeyGroupImpressions)
	return s
}

// loadImpressionMap tolerates malformed per-id entries: a value that is not
// an array of timestamps is discarded to an empty history.
func (r *Router) loadImpressionMap(ctx context.Context, key string) messages.ImpressionMap {
	out := messages.ImpressionMap{}
	raw, err := r.store.Get(ctx, key)
	if err != nil || len(raw) == 0 {
		return out
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		r.log.Warn("discarding malformed impression map", logx.String("key", key), logx.Err(err))
		return out
	}
	for id, v := range loose {
		var ts []int64
		if err := json.Unmarshal(v, &ts); err != nil {
			r.log.Warn("resetting malformed impression entry",
				logx.String("key", key), logx.String("id", id))
			ts = []int64{}
		}
		out[id] = ts
	}
	return out
}

func (r *Router) refreshSharedState(ctx context.Context) error {
	imps, err := r.shared.GetMessageImpressions(ctx)
	if err != nil {
		return err
	}
	blocked, err := r.shared.GetMessageBlocklist(ctx)
	if err != nil {
		return err
	}
	r.SetState(func(s *State) {
		s.MultiProfileMessageImpressions = imps
		s.MultiProfileMessageBlocklist = blocked
	})
	return nil
}

// UpdateMessageProviders recomputes state.Providers from the configured
// provider list: enabled filtering plus URL templating. Messages belonging
// to providers that disappeared are dropped in the same transition.
func (r *Router) UpdateMessageProviders() {
	r.SetState(func(s *State) {
		s.Providers = r.computeProviders(s.Providers)
		s.Groups = r.computeGroups()
		live := make(map[string]bool, len(s.Providers))
		for _, p := range s.Providers {
			live[p.ID] = true
		}
		kept := s.Messages[:0]
		for _, m := range s.Messages {
			if live[m.Provider] {
				kept = append(kept, m)
			}
		}
		s.Messages = kept
	})
}

// computeProviders builds provider records from config, carrying over load
// bookkeeping (lastUpdated, errors, messages) for providers that persist
// across the recompute.
func (r *Router) computeProviders(existing []messages.Provider) []messages.Provider {
	opts := r.options()
	loaderCfg := providers.Config{
		Locale: opts.Locale,
		Region: opts.Region,
	}
	prior := make(map[string]messages.Provider, len(existing))
	for _, p := range existing {
		prior[p.ID] = p
	}

	var out []messages.Provider
	for _, pc := range opts.Providers {
		if !pc.IsEnabled() {
			continue
		}
		p := messages.Provider{
			ID:         pc.ID,
			Kind:       messages.ProviderKind(pc.Type),
			Enabled:    true,
			URL:        providers.ExpandURL(pc.URL, loaderCfg),
			Collection: pc.Collection,
			Features:   pc.FeatureIDs,
			Exclude:    pc.Exclude,
		}
		if cycle, err := config.ParseDurationField(pc.ID+".update_cycle", pc.UpdateCycle); err == nil {
			p.UpdateCycleMS = cycle.Milliseconds()
		}
		if len(pc.Messages) > 0 {
			if err := json.Unmarshal(pc.Messages, &p.Messages); err != nil {
				r.log.Warn("malformed local provider messages",
					logx.String("provider", pc.ID), logx.Err(err))
			}
		}
		if old, ok := prior[p.ID]; ok {
			p.LastUpdated = old.LastUpdated
			p.Errors = old.Errors
		}
		out = append(out, p)
	}

	if opts.Devtools {
		test := providers.LocalTestProvider()
		if old, ok := prior[test.ID]; ok {
			test.LastUpdated = old.LastUpdated
		}
		out = append(out, test)
	}
	return out
}

// computeGroups rebuilds group records wholesale: config enablement ANDed
// with the user preferences each group depends on.
func (r *Router) computeGroups() []messages.Group {
	opts := r.options()
	out := make([]messages.Group, 0, len(opts.Groups))
	for _, gc := range opts.Groups {
		g := messages.Group{
			ID:              gc.ID,
			Enabled:         gc.IsEnabled(),
			UserPreferences: gc.UserPreferences,
		}
		for _, pref := range gc.UserPreferences {
			if on, ok := opts.UserPrefs[pref]; ok && !on {
				g.Enabled = false
			}
		}
		if len(gc.Frequency) > 0 {
			var freq messages.FrequencyConfig
			if err := json.Unmarshal(gc.Frequency, &freq); err != nil {
				r.log.Warn("malformed group frequency; ignoring",
					logx.String("group", gc.ID), logx.Err(err))
			} else {
				g.Frequency = &freq
			}
		}
		out = append(out, g)
	}
	return out
}

// LoadMessagesFromAllProviders refreshes every provider whose update cycle
// has elapsed, concurrently, and commits the merged message list in one
// state transition. Re-entrant calls while a load is in flight are dropped.
func (r *Router) LoadMessagesFromAllProviders(ctx context.Context, isStartup bool) error {
	r.loadingMu.Lock()
	if r.loading {
		r.loadingMu.Unlock()
		return nil
	}
	r.loading = true
	r.loadingMu.Unlock()
	defer func() {
		r.loadingMu.Lock()
		r.loading = false
		r.loadingMu.Unlock()
	}()

	snapshot := r.GetState()
	now := r.now()

	type outcome struct {
		res providers.Result
		err error
	}
	// Keyed by provider ID: the live provider list can change while fetches
	// are in flight (config reload, admin refresh), so slice indices from the
	// snapshot are not stable.
	var resMu sync.Mutex
	results := make(map[string]outcome, len(snapshot.Providers))

	var wg sync.WaitGroup
	for _, p := range snapshot.Providers {
		needs := p.NeedsUpdate(now)
		if p.Kind == messages.KindLocal {
			// Local content comes straight from config; reload it every
			// cycle so edits take effect without a restart.
			needs = true
		}
		if !needs {
			continue
		}
		wg.Add(1)
		go func(p messages.Provider) {
			defer wg.Done()
			res, err := r.loader.Load(ctx, p, isStartup)
			resMu.Lock()
			results[p.ID] = outcome{res: res, err: err}
			resMu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(results) == 0 {
		return nil
	}

	var loadedNow []messages.Message
	r.SetState(func(s *State) {
		// Keep contributions of providers that did not (or failed to) load.
		byProvider := map[string][]messages.Message{}
		for _, m := range s.Messages {
			byProvider[m.Provider] = append(byProvider[m.Provider], m)
		}
		for i := range s.Providers {
			p := &s.Providers[i]
			o, ok := results[p.ID]
			if !ok {
				continue
			}
			if o.err != nil {
				r.log.Warn("provider load failed", logx.String("provider", p.ID), logx.Err(o.err))
				p.Errors = append(p.Errors, messages.ProviderError{At: now, Error: o.err.Error()})
				if len(p.Errors) > maxProviderErrors {
					p.Errors = p.Errors[len(p.Errors)-maxProviderErrors:]
				}
				continue
			}
			p.LastUpdated = now.UnixMilli()
			p.Errors = nil
			byProvider[p.ID] = o.res.Messages
			loadedNow = append(loadedNow, o.res.Messages...)
		}
		var merged []messages.Message
		for _, p := range s.Providers {
			merged = append(merged, byProvider[p.ID]...)
		}
		s.Messages = merged
	})

	r.fireMessagesLoaded(ctx, loadedNow)
	return nil
}

// fireMessagesLoaded immediately dispatches the messagesLoaded trigger when
// a freshly loaded message listens for it.
func (r *Router) fireMessagesLoaded(ctx context.Context, loaded []messages.Message) {
	for _, m := range loaded {
		if m.Trigger != nil && m.Trigger.ID == TriggerMessagesLoaded {
			msg, err := r.sendTriggerMessage(ctx, TriggerEvent{ID: TriggerMessagesLoaded}, true)
			if err != nil {
				r.log.Warn("messagesLoaded trigger failed", logx.Err(err))
				return
			}
			if msg != nil {
				r.routeAndDispatch(*msg, false)
			}
			return
		}
	}
}
