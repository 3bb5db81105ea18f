package router

import "msgrouter/internal/messages"

// Message templates with dedicated delivery surfaces. Anything else falls
// through to the generic content surface.
const (
	TemplateWhatsNewPanel    = "whatsnew_panel_message"
	TemplateCFRDoorhanger    = "cfr_doorhanger"
	TemplateCFRUrlbarChiclet = "cfr_urlbar_chiclet"
	TemplateMilestoneMessage = "milestone_message"
	TemplateToolbarBadge     = "toolbar_badge"
	TemplateUpdateAction     = "update_action"
	TemplateInfoBar          = "infobar"
	TemplateSpotlight        = "spotlight"
)

// Destination names the delivery surface a routed message is handed to.
type Destination string

const (
	DestPanelHub   Destination = "panel"
	DestMomentsHub Destination = "moments"
	DestBadgeHub   Destination = "badge"
	DestPageAction Destination = "page-action"
	DestInfoBar    Destination = "infobar"
	DestSpotlight  Destination = "spotlight"
	DestContent    Destination = "content"
)

// Route is the resolved delivery decision for one message.
type Route struct {
	Destination Destination

	// Force asks the surface to render immediately instead of waiting for
	// its own display heuristics. Panel, moments, and badge surfaces always
	// render on arrival, so Force only matters for page-action routes and
	// the generic content fallback.
	Force bool
}

// RouteMessage maps a message template to its delivery surface.
func RouteMessage(m messages.Message, force bool) Route {
	switch m.Template {
	case TemplateWhatsNewPanel:
		return Route{Destination: DestPanelHub, Force: true}
	case TemplateUpdateAction:
		return Route{Destination: DestMomentsHub, Force: true}
	case TemplateToolbarBadge:
		return Route{Destination: DestBadgeHub, Force: true}
	case TemplateCFRDoorhanger, TemplateCFRUrlbarChiclet, TemplateMilestoneMessage:
		return Route{Destination: DestPageAction, Force: force}
	case TemplateInfoBar:
		return Route{Destination: DestInfoBar, Force: force}
	case TemplateSpotlight:
		return Route{Destination: DestSpotlight, Force: force}
	default:
		return Route{Destination: DestContent, Force: force}
	}
}

// routeAndDispatch resolves the route and hands the message to the
// configured dispatcher, if any.
func (r *Router) routeAndDispatch(m messages.Message, force bool) {
	// Uninit clears the dispatcher from another goroutine.
	r.mu.Lock()
	dispatch := r.dispatch
	r.mu.Unlock()
	if dispatch == nil {
		return
	}
	route := RouteMessage(m, force)
	dispatch(route, m)
}

// RouteMessageToTarget routes an externally chosen message, for preview and
// devtools flows that bypass targeting.
func (r *Router) RouteMessageToTarget(m messages.Message, force bool) error {
	if !r.initialized() {
		return ErrNotInitialized
	}
	r.routeAndDispatch(m, force)
	return nil
}
