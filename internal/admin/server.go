package admin

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bioreactor-monitor/internal/chart"
	"bioreactor-monitor/internal/metrics"
	"bioreactor-monitor/internal/projector"
	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/session"
	"bioreactor-monitor/internal/telemetry"
	"bioreactor-monitor/internal/transport"
)

type Server struct {
	Session  *session.Session
	Metrics  *metrics.Metrics
	log      *slog.Logger
	tpl      *template.Template
	upgrader websocket.Upgrader
	router   *mux.Router
}

//go:embed templates/index.html
var content embed.FS

func NewServer(sess *session.Session, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	tpl := template.Must(template.New("index.html").ParseFS(content, "templates/index.html"))
	s := &Server{
		Session: sess,
		Metrics: m,
		log:     log.With("component", "admin"),
		tpl:     tpl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleStream).Methods(http.MethodGet)

	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/export.csv", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/api/chart.png", s.handleChart).Methods(http.MethodGet)
	r.HandleFunc("/api/actuators/{target}", s.handleActuator).Methods(http.MethodPost)
	r.HandleFunc("/api/run/{action}", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/api/estop", s.handleEmergency).Methods(http.MethodPost)
	r.HandleFunc("/api/params", s.handleParams).Methods(http.MethodPost)
	r.HandleFunc("/api/network", s.handleNetwork).Methods(http.MethodPost)
	r.HandleFunc("/api/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/api/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/excursion", s.handleExcursion).Methods(http.MethodPost)
	r.HandleFunc("/api/mute", s.handleMute).Methods(http.MethodPost)

	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("admin server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	SessionID        string              `json:"session_id"`
	Connection       string              `json:"connection"`
	Address          string              `json:"address"`
	Demo             bool                `json:"demo"`
	SimulatorRunning bool                `json:"simulator_running"`
	Excursion        bool                `json:"excursion"`
	Muted            bool                `json:"muted"`
	State            projector.UIState   `json:"state"`
	Thresholds       safety.ThresholdSet `json:"thresholds"`
}

func (s *Server) status() statusResponse {
	return statusResponse{
		SessionID:        s.Session.ID,
		Connection:       s.Session.ConnectionState().String(),
		Address:          s.Session.Address(),
		Demo:             s.Session.DemoMode(),
		SimulatorRunning: s.Session.SimulatorRunning(),
		Excursion:        s.Session.Excursion(),
		Muted:            s.Session.Muted(),
		State:            s.Session.State(),
		Thresholds:       s.Session.Thresholds(),
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.tpl.Execute(w, s.status()); err != nil {
		s.log.Error("render index", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": s.Session.ConnectionState().String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if v := q.Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("last must be a positive integer"))
			return
		}
		writeJSON(w, http.StatusOK, s.Session.Last(n))
		return
	}
	if v := q.Get("minutes"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil || m <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("minutes must be a positive number"))
			return
		}
		writeJSON(w, http.StatusOK, s.Session.Window(time.Duration(m*float64(time.Minute))))
		return
	}
	writeJSON(w, http.StatusOK, s.Session.History())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+telemetry.DefaultCSVName+`"`)
	if err := s.Session.ExportCSV(w); err != nil {
		s.log.Error("export csv", "err", err)
	}
}

// handleChart renders the main window (?window=main, default) or the mini
// chart of the newest points (?window=mini). ?channels=temp,ph narrows it.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cfg := s.Session.Config()
	opts := chart.Options{Title: "Bioreactor"}
	if v := q.Get("channels"); v != "" {
		chans, err := chart.ParseChannels(strings.Split(v, ","))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Channels = chans
	}
	opts.Width, _ = strconv.Atoi(q.Get("width"))
	opts.Height, _ = strconv.Atoi(q.Get("height"))

	var records []telemetry.Record
	switch q.Get("window") {
	case "mini":
		records = s.Session.Last(cfg.History.MiniChartPoints)
	case "", "main":
		records = s.Session.Window(cfg.ChartWindow())
	default:
		writeError(w, http.StatusBadRequest, errors.New("window must be main or mini"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := chart.Render(w, records, opts); err != nil {
		if errors.Is(err, chart.ErrNoData) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.log.Error("render chart", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) handleActuator(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("on must be true or false"))
		return
	}
	s.commandResult(w, s.Session.ToggleActuator(target, on))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["action"] {
	case "start":
		s.commandResult(w, s.Session.StartRun())
	case "stop":
		s.commandResult(w, s.Session.StopRun())
	default:
		writeError(w, http.StatusNotFound, errors.New("action must be start or stop"))
	}
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	s.commandResult(w, s.Session.EmergencyStop())
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	var p telemetry.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.commandResult(w, s.Session.ApplyParams(p))
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SSID string `json:"ssid"`
		Pwd  string `json:"pwd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.commandResult(w, s.Session.NetConnect(req.SSID, req.Pwd))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.Session.Connect(r.URL.Query().Get("address"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.Session.Disconnect()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleExcursion(w http.ResponseWriter, r *http.Request) {
	on, ok := boolParam(r, !s.Session.Excursion())
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("on must be true or false"))
		return
	}
	s.Session.SetExcursion(on)
	writeJSON(w, http.StatusOK, map[string]bool{"excursion": on})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	on, ok := boolParam(r, !s.Session.Muted())
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("on must be true or false"))
		return
	}
	s.Session.SetMuted(on)
	writeJSON(w, http.StatusOK, map[string]bool{"muted": on})
}

// boolParam reads ?on=, falling back to toggle when absent.
func boolParam(r *http.Request, toggle bool) (bool, bool) {
	v := r.URL.Query().Get("on")
	if v == "" {
		return toggle, true
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func (s *Server) commandResult(w http.ResponseWriter, err error) {
	var verr *safety.ValidationError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "violations": verr.Violations})
	case errors.Is(err, session.ErrUnknownTarget):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
