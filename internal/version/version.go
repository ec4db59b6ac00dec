// Package version implements the gateway's version router: resolving a
// request's target API version from a configured priority order of
// strategies, falling back to weighted random sampling across the
// entries a route declares.
package version

import (
	"math/rand"
	"net/http"
	"regexp"

	"github.com/wudi/canary-gateway/internal/config"
)

// uriVersionPattern matches a leading "/vN" path segment.
var uriVersionPattern = regexp.MustCompile(`^/v(\d+)(/|$)`)

// Entry is one version's routing configuration, keyed by version string.
type Entry struct {
	Version       string
	Weight        int
	AllowExplicit bool
	Deprecated    bool
	Sunset        string
}

// Resolution is the outcome of resolving a request to a version.
type Resolution struct {
	Version  string
	Strategy string // "header", "uri", "query", or "weighted"
}

// Router resolves the target version for each request against a route's
// configured strategy priority and version table.
type Router struct {
	strategies []string
	header     string
	query      string
	entries    map[string]*Entry
	sampled    []*Entry // entries eligible for weighted sampling (allowExplicit=false)
	totalWeight int
}

// New builds a Router from a route's versionRoute configuration.
func New(cfg config.VersionRouteCfg) *Router {
	header := cfg.Header
	if header == "" {
		header = "X-API-Version"
	}
	query := cfg.Query
	if query == "" {
		query = "version"
	}
	strategies := cfg.Strategy
	if len(strategies) == 0 {
		strategies = []string{"header", "uri", "query"}
	}

	r := &Router{
		strategies: strategies,
		header:     header,
		query:      query,
		entries:    make(map[string]*Entry, len(cfg.Routes)),
	}

	for version, entryCfg := range cfg.Routes {
		entry := &Entry{
			Version:       version,
			Weight:        entryCfg.Weight,
			AllowExplicit: entryCfg.AllowExplicit,
			Deprecated:    entryCfg.Deprecated,
			Sunset:        entryCfg.Sunset,
		}
		r.entries[version] = entry
		if !entry.AllowExplicit {
			r.sampled = append(r.sampled, entry)
			r.totalWeight += entry.Weight
		}
	}

	return r
}

// Resolve determines the version to route req to, per the configured
// strategy priority, falling back to weighted random sampling when no
// strategy yields an explicit version.
func (r *Router) Resolve(req *http.Request) Resolution {
	for _, strategy := range r.strategies {
		var version string
		switch strategy {
		case "header":
			version = req.Header.Get(r.header)
		case "uri":
			version = r.detectFromURI(req.URL.Path)
		case "query":
			version = req.URL.Query().Get(r.query)
		}
		if version == "" {
			continue
		}
		// Any explicitly resolved, known version routes unconditionally —
		// allowExplicit only gates eligibility for weighted sampling below,
		// so a dark-launch entry at weight 0 is still reachable by opt-in.
		if _, ok := r.entries[version]; ok {
			return Resolution{Version: version, Strategy: strategy}
		}
	}

	return Resolution{Version: r.sampleWeighted(), Strategy: "weighted"}
}

func (r *Router) detectFromURI(path string) string {
	m := uriVersionPattern.FindStringSubmatch(path)
	if len(m) < 2 {
		return ""
	}
	return "v" + m[1]
}

// sampleWeighted picks a version from the non-dark-launch entries,
// proportional to weight. Returns "" if no entries carry positive weight.
func (r *Router) sampleWeighted() string {
	if r.totalWeight <= 0 || len(r.sampled) == 0 {
		return ""
	}
	pick := rand.Intn(r.totalWeight)
	acc := 0
	for _, entry := range r.sampled {
		acc += entry.Weight
		if pick < acc {
			return entry.Version
		}
	}
	return r.sampled[len(r.sampled)-1].Version
}

// GetVersionEntry returns the route's configuration for version, if known.
func (r *Router) GetVersionEntry(version string) (*Entry, bool) {
	entry, ok := r.entries[version]
	return entry, ok
}

// InjectDeprecationHeaders sets the Deprecation response header when the
// resolved version is marked deprecated, and the Sunset header whenever
// the entry carries a sunset date.
func InjectDeprecationHeaders(w http.ResponseWriter, entry *Entry) {
	if entry == nil {
		return
	}
	if entry.Deprecated {
		w.Header().Set("Deprecation", "true")
	}
	if entry.Sunset != "" {
		w.Header().Set("Sunset", entry.Sunset)
	}
}
