package dashboard

import (
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"time"

	"telegate/internal/constants"
	"telegate/internal/gateway"
	"telegate/internal/history"
	"telegate/internal/ui"
	"telegate/internal/utils"
)

// RecentLimit is how many samples the page shows.
const RecentLimit = 20

// Provider is the gateway state the dashboard renders.
type Provider interface {
	History() []history.Sample
	Sessions() []gateway.SessionInfo
}

type Dashboard struct {
	provider   Provider
	maxClients int
	started    time.Time
	page       *template.Template
}

func New(p Provider, maxClients int) (*Dashboard, error) {
	page, err := loadTemplate("dashboard.html")
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		provider:   p,
		maxClients: maxClients,
		started:    time.Now(),
		page:       page,
	}, nil
}

func loadTemplate(name string) (*template.Template, error) {
	layoutContent, err := ui.Templates.ReadFile("layout.html")
	if err != nil {
		return nil, err
	}
	pageContent, err := ui.Templates.ReadFile(name)
	if err != nil {
		return nil, err
	}

	t, err := template.New("layout").Parse(string(layoutContent))
	if err != nil {
		return nil, err
	}
	if _, err := t.Parse(string(pageContent)); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Dashboard) Register(mux *http.ServeMux) {
	mux.HandleFunc(constants.EndpointPositions, d.handlePositions)
	mux.HandleFunc(constants.EndpointSessions, d.handleSessions)
}

// ServeHTTP renders the dashboard page.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != constants.EndpointRoot {
		http.NotFound(w, r)
		return
	}

	samples := d.provider.History()
	if len(samples) > RecentLimit {
		samples = samples[len(samples)-RecentLimit:]
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	sessions := d.provider.Sessions()

	data := map[string]interface{}{
		"Title":        "telegate",
		"Version":      constants.Version,
		"Uptime":       utils.FormatDuration(time.Since(d.started)),
		"Sessions":     sessions,
		"SessionCount": len(sessions),
		"MaxClients":   d.maxClients,
		"Samples":      samples,
		"Limit":        RecentLimit,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.page.Execute(w, data); err != nil {
		log.Printf("Error rendering dashboard: %v", err)
	}
}

func (d *Dashboard) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.provider.History())
}

func (d *Dashboard) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.provider.Sessions())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
