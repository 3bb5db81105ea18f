package providers

import "msgrouter/internal/messages"

// LocalTestProviderID names the extra provider appended to the provider list
// when devtools are enabled.
const LocalTestProviderID = "local-test"

func (l *Loader) loadLocal(p messages.Provider) (Result, error) {
	out := append([]messages.Message(nil), p.Messages...)
	if p.ID == LocalTestProviderID {
		if !l.cfg.Devtools {
			// Raw $l10n wrappers stay intact outside devtools.
			return Result{Messages: out}, nil
		}
		for i := range out {
			out[i].Content = messages.FlattenL10n(out[i].Content)
		}
	}
	return Result{Messages: out}, nil
}

// LocalTestProvider returns the fixed devtools test provider. Its message
// content uses $l10n wrappers that loadLocal flattens at load time.
func LocalTestProvider() messages.Provider {
	return messages.Provider{
		ID:      LocalTestProviderID,
		Kind:    messages.KindLocal,
		Enabled: true,
		Messages: []messages.Message{
			{
				ID:       "local-test:welcome",
				Template: "cfr_doorhanger",
				Trigger:  &messages.TriggerRef{ID: "defaultBrowserCheck"},
				Content:  []byte(`{"title":{"$l10n":{"id":"test-welcome-title","text":"Welcome"}},"body":{"$l10n":{"id":"test-welcome-body","text":"This is a devtools test message."}}}`),
			},
			{
				ID:       "local-test:badge",
				Template: "toolbar_badge",
				Trigger:  &messages.TriggerRef{ID: "messagesLoaded"},
				Content:  []byte(`{"target":"test-badge"}`),
			},
		},
	}
}
