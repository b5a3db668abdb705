package capture

import (
	"net/url"
	"strings"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// PrivacyFilter enforces spec.md §7's inline masking invariants before any
// RawEvent reaches the bus: deny-listed applications are dropped outright,
// window titles are cleared, and browser URLs are reduced to their host
// (scheme, port and a leading "www." removed).
// Hot-reloadable, so Capture rebuilds one on every ConfigUpdate rather than
// mutating a shared list under a lock on the hot path.
type PrivacyFilter struct {
	denySet map[string]struct{}
}

func NewPrivacyFilter(denyList []string) *PrivacyFilter {
	set := make(map[string]struct{}, len(denyList))
	for _, app := range denyList {
		set[strings.ToLower(app)] = struct{}{}
	}
	return &PrivacyFilter{denySet: set}
}

// Apply returns the event to publish (possibly masked) and whether it
// should be published at all.
func (f *PrivacyFilter) Apply(ev model.RawEvent) (model.RawEvent, bool) {
	if f == nil {
		return ev, true
	}
	switch ev.Header.Kind {
	case model.EventWindowFocus, model.EventWindowSwitch:
		if ev.Window == nil {
			return ev, true
		}
		if _, denied := f.denySet[strings.ToLower(ev.Window.AppName)]; denied {
			return ev, false
		}
		masked := *ev.Window
		masked.WindowTitle = ""
		if masked.IsBrowser {
			masked.URLDomain = registrableDomain(masked.URLDomain)
		}
		ev.Window = &masked
	case model.EventProcess:
		if ev.Process != nil {
			if _, denied := f.denySet[strings.ToLower(ev.Process.Executable)]; denied {
				return ev, false
			}
		}
	}
	return ev, true
}

// registrableDomain strips scheme, path, query, port and leading "www." from
// a URL or bare host, leaving only the domain an intervention rule can key
// on (spec.md §7: "never retain a full URL, only its registrable domain").
func registrableDomain(raw string) string {
	if raw == "" {
		return ""
	}
	host := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host = u.Host
	}
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return host
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}
