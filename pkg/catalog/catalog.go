// Package catalog serves a read-only description of every signal and
// control PlatformIO has registered, adapted from the teacher's
// pkg/swagger HTTP handler: the same ServeHTTP/embedded-viewer shape
// (without swagger's ETag caching), generalized to a hardware catalog instead of a static OpenAPI
// document. Not a CLI front-end — geopmd mounts this alongside its
// gRPC listener the way pkg/server's Run starts the swagger goroutine.
package catalog

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"geopm/pkg/logger"
	"geopm/pkg/pio/iogroup"
)

// GroupLister is the subset of PlatformIO the catalog needs.
type GroupLister interface {
	Groups() []iogroup.IOGroup
}

// Signal is one entry in a Group's signal list.
type Signal struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Aggregator  string `json:"aggregator"`
	Format      string `json:"format"`
	Behavior    string `json:"behavior"`
	Description string `json:"description"`
}

// Control is one entry in a Group's control list.
type Control struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Description string `json:"description"`
}

// Group mirrors one registered IOGroup.
type Group struct {
	Name     string    `json:"name"`
	Signals  []Signal  `json:"signals"`
	Controls []Control `json:"controls"`
}

// Document is the full catalog, sorted by group name for a stable diff
// between calls.
type Document struct {
	Groups []Group `json:"groups"`
}

// Build walks every registered IOGroup and renders its declared
// signals and controls. It never touches hardware — SignalNames,
// ControlNames, AggFunction, and friends are static metadata calls.
func Build(pio GroupLister) Document {
	groups := pio.Groups()
	doc := Document{Groups: make([]Group, 0, len(groups))}
	for _, g := range groups {
		entry := Group{Name: g.Name()}
		for _, name := range g.SignalNames() {
			sig := Signal{Name: name}
			if domain, err := g.SignalDomainType(name); err == nil {
				sig.Domain = domain.String()
			}
			if agg, err := g.AggFunction(name); err == nil {
				sig.Aggregator = string(agg)
			}
			if format, err := g.FormatFunction(name); err == nil {
				sig.Format = string(format)
			}
			if behavior, err := g.SignalBehavior(name); err == nil {
				sig.Behavior = string(behavior)
			}
			if desc, err := g.SignalDescription(name); err == nil {
				sig.Description = desc
			}
			entry.Signals = append(entry.Signals, sig)
		}
		for _, name := range g.ControlNames() {
			ctrl := Control{Name: name}
			if domain, err := g.ControlDomainType(name); err == nil {
				ctrl.Domain = domain.String()
			}
			entry.Controls = append(entry.Controls, ctrl)
		}
		sort.Slice(entry.Signals, func(i, j int) bool { return entry.Signals[i].Name < entry.Signals[j].Name })
		sort.Slice(entry.Controls, func(i, j int) bool { return entry.Controls[i].Name < entry.Controls[j].Name })
		doc.Groups = append(doc.Groups, entry)
	}
	sort.Slice(doc.Groups, func(i, j int) bool { return doc.Groups[i].Name < doc.Groups[j].Name })
	return doc
}

// Config mirrors swagger.Config's shape, narrowed to what the catalog
// viewer needs.
type Config struct {
	Title       string
	BasePath    string // e.g. "/catalog"
	DocPath     string // e.g. "/catalog/doc", the HTML viewer
	DeepLinking bool
}

func DefaultConfig() *Config {
	return &Config{
		Title:       "GEOPM Signal/Control Catalog",
		BasePath:    "/catalog",
		DocPath:     "/catalog/doc",
		DeepLinking: true,
	}
}

// Handler serves the catalog as JSON at Config.BasePath and a minimal
// HTML viewer at Config.DocPath, reusing PlatformIO's live registration
// state rather than a baked-in spec file — unlike pkg/swagger, which
// serves a fixed document, this catalog is rebuilt on every request
// (Build is cheap: metadata-only calls over an already-registered
// group list, no IO).
type Handler struct {
	config *Config
	pio    GroupLister
}

func NewHandler(cfg *Config, pio GroupLister) *Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Handler{config: cfg, pio: pio}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, h.config.BasePath)
	switch path {
	case "", "/":
		h.serveDocument(w, r)
	case "/doc":
		h.serveViewer(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveDocument(w http.ResponseWriter, _ *http.Request) {
	doc := Build(h.pio)
	data, err := json.Marshal(doc)
	if err != nil {
		http.Error(w, "failed to marshal catalog: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(data); err != nil {
		logger.Log.Error("Failed to write catalog document", "error", err)
	}
}

func (h *Handler) serveViewer(w http.ResponseWriter, _ *http.Request) {
	data := struct {
		Title       string
		SpecURL     string
		DeepLinking bool
		GeneratedAt string
	}{
		Title:       h.config.Title,
		SpecURL:     h.config.BasePath,
		DeepLinking: h.config.DeepLinking,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	tmpl, err := template.New("catalog-viewer").Parse(viewerTemplate)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if err := tmpl.Execute(w, data); err != nil {
		logger.Log.Error("Failed to execute catalog viewer template", "error", err)
	}
}

// RegisterRoutes mounts the catalog onto an existing mux, the same
// shape as swagger.RegisterRoutes.
func RegisterRoutes(mux *http.ServeMux, cfg *Config, pio GroupLister) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	handler := NewHandler(cfg, pio)
	mux.Handle(cfg.BasePath+"/", handler)
}

const viewerTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: monospace; margin: 2rem; background: #fafafa; color: #222; }
        h1 { font-size: 1.4rem; }
        .meta { color: #666; font-size: 0.85rem; margin-bottom: 1rem; }
        pre { background: #fff; border: 1px solid #ddd; padding: 1rem; overflow-x: auto; }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>
    <div class="meta">generated {{.GeneratedAt}}</div>
    <pre id="doc">loading {{.SpecURL}} ...</pre>
    <script>
        fetch("{{.SpecURL}}").then(r => r.json()).then(doc => {
            document.getElementById("doc").textContent = JSON.stringify(doc, null, 2);
        });
    </script>
</body>
</html>`
