package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/db"
	"github.com/morezero/capability-bridge/pkg/host"
)

const httpLogPrefix = "server:http"

// journalReader is the read side of the invocation journal.
type journalReader interface {
	ListInvocations(ctx context.Context, params db.ListInvocationsParams) ([]db.Invocation, error)
	SummarizeInvocations(ctx context.Context, since time.Time) ([]db.OperationSummary, error)
	Ping(ctx context.Context) error
}

// HealthChecks reports each dependency; Database is nil when no journal is configured.
type HealthChecks struct {
	Comms    bool  `json:"comms"`
	Database *bool `json:"database,omitempty"`
}

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// StatsOutput is the /stats response body.
type StatsOutput struct {
	Host       host.Stats `json:"host"`
	Operations []string   `json:"operations"`
}

// Handler returns the HTTP handler for health, capability listing, stats and journal endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/capabilities", s.handleCapabilities)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatsOutput{Host: s.host.Stats(), Operations: s.host.Operations()})
	})
	mux.HandleFunc("/journal", s.handleJournal)
	return mux
}

// Health checks COMMS and, when configured, the journal database.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{Status: "healthy", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	out.Checks.Comms = s.nc != nil && s.nc.Status() == comms.CONNECTED
	if !out.Checks.Comms {
		out.Status = "unhealthy"
	}
	if s.journal != nil {
		ok := s.journal.Ping(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleCapabilities evaluates the host catalog for ?role=&platform=&flags=.
// Missing parameters fall back to the host's own environment.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	env := s.host.RegistryFor(s.host.Config().Role).Environment()

	role := env.Role
	if v := q.Get("role"); v != "" {
		parsed, err := capability.ParseRole(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		role = parsed
	}
	platform := env.Platform
	if v := q.Get("platform"); v != "" {
		platform = capability.Platform(v)
	}
	flags := env.Flags
	if q.Has("flags") {
		flags = capability.ParseFlags(q.Get("flags"))
	}
	remote := env.Remote.OptedIn()
	if v := q.Get("remote"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid remote %q: want true or false", v)})
			return
		}
		remote = parsed
	}

	cfg := s.host.Config()
	writeJSON(w, http.StatusOK, capability.List(cfg.Declarations, role, platform, flags, remote, cfg.HostVersion))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "invocation journal disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	q := r.URL.Query()
	params := db.ListInvocationsParams{Operation: q.Get("operation"), FailedOnly: q.Get("failed") == "true"}
	if v := q.Get("limit"); v != "" {
		params.Limit, _ = strconv.Atoi(v)
	}
	rows, err := s.journal.ListInvocations(ctx, params)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - journal query: %v", httpLogPrefix, err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}

// homePageTemplate is the HTML overview of the host (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Capability Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .off { color: #999; }
    .error { color: #cc0000; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Capability Bridge</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>COMMS: {{if .Health.Checks.Comms}}<span class="stat">OK</span>{{else}}<span class="error">Disconnected</span>{{end}}</p>
    <p>Serving on {{.Platform}}:</p>
    <ul>{{range .Subjects}}<li>{{.}}</li>{{end}}</ul>
  </section>

  <section>
    <h2>Statistics</h2>
    <p>Received <span class="stat">{{.Stats.Received}}</span>, succeeded <span class="stat">{{.Stats.Succeeded}}</span>,
       failed <span class="stat">{{.Stats.Failed}}</span>, refused <span class="stat">{{.Stats.Refused}}</span>,
       role mismatches <span class="stat">{{.Stats.RoleMismatches}}</span>.</p>
  </section>

  <section>
    <h2>Capabilities</h2>
    <table>
      <thead>
        <tr><th>Capability</th>{{range .Roles}}<th>{{.}}</th>{{end}}<th>Handler</th></tr>
      </thead>
      <tbody>
        {{range .Rows}}
        <tr>
          <td>{{.Name}}</td>
          {{range .Enabled}}<td>{{if .}}<span class="stat">enabled</span>{{else}}<span class="off">off</span>{{end}}</td>{{end}}
          <td>{{if .Handled}}yes{{else}}<span class="off">none</span>{{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
  </section>
</body>
</html>
`

type homeRow struct {
	Name    string
	Enabled []bool
	Handled bool
}

type homeData struct {
	Health   *HealthOutput
	Stats    host.Stats
	Subjects []string
	Platform capability.Platform
	Roles    []capability.Role
	Rows     []homeRow
}

// homeModel builds the capability matrix shown on the home page.
func (s *Server) homeModel(ctx context.Context) homeData {
	handled := map[string]bool{}
	for _, op := range s.host.Operations() {
		handled[op] = true
	}

	homeRoles := capability.Roles()
	data := homeData{
		Health:   s.Health(ctx),
		Stats:    s.host.Stats(),
		Platform: s.host.Config().Platform,
		Roles:    homeRoles,
	}
	for _, nh := range s.natsHosts {
		data.Subjects = append(data.Subjects, nh.Subject())
	}
	if len(data.Subjects) == 0 {
		data.Subjects = []string{s.cfg.Subject}
	}
	regs := make([]*capability.Registry, len(homeRoles))
	for i, role := range homeRoles {
		regs[i] = s.host.RegistryFor(role)
	}
	for _, d := range regs[0].Descriptors() {
		row := homeRow{Name: d.Name, Handled: handled[d.Name]}
		for _, reg := range regs {
			row.Enabled = append(row.Enabled, reg.IsEnabled(d.Name))
		}
		data.Rows = append(data.Rows, row)
	}
	return data
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, s.homeModel(ctx)); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
