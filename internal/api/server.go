// Package api serves one valve driver over HTTP: a small JSON API for
// selecting and reading ports, plus debug pages on the tsweb handler.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/vici/internal/db"
	"github.com/banshee-data/vici/internal/httputil"
	"github.com/banshee-data/vici/internal/monitoring"
	"github.com/banshee-data/vici/internal/valve"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodySize bounds request bodies.
const maxBodySize = 64 * 1024

// Journal is the read side of the position journal.
type Journal interface {
	RecentPositions(limit int) ([]db.Position, error)
	Sessions() ([]db.Session, error)
}

type Server struct {
	v       valve.Selector
	journal Journal
}

// NewServer serves v. journal may be nil, in which case the history endpoints
// answer 404.
func NewServer(v valve.Selector, journal Journal) *Server {
	return &Server{v: v, journal: journal}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/select", s.selectPort)
	mux.HandleFunc("/api/position", s.showPosition)
	mux.HandleFunc("/api/command", s.sendCommand)
	mux.HandleFunc("/api/recover-baud", s.recoverBaud)
	mux.HandleFunc("/api/positions", s.listPositions)
	mux.HandleFunc("/api/sessions", s.listSessions)
	return mux
}

// AttachAdminRoutes adds the valve's debug pages to debug.
func (s *Server) AttachAdminRoutes(debug *tsweb.DebugHandler) {
	debug.KVFunc("Valve", func() any { return s.v.State().Phase.String() })
	debug.KVFunc("Current port", func() any { return s.v.State().CurrentPort })
	debug.HandleFunc("valve", "Valve state (JSON)", s.showState)
	if s.journal != nil {
		debug.HandleFunc("positions-chart", "Chart of journaled valve positions", s.positionsChart)
	}
}

// PortRef is a port as sent by clients. A JSON number is always a 1-based
// index; a JSON string is a label, or an index when no label matches.
type PortRef struct {
	Text   string
	Index  int
	Number bool
}

// PortText refers to a port by label or numeric string.
func PortText(s string) PortRef { return PortRef{Text: s} }

// PortNumber refers to a port by its 1-based index.
func PortNumber(i int) PortRef { return PortRef{Index: i, Number: true} }

// IsZero reports whether no port was given.
func (p PortRef) IsZero() bool {
	return !p.Number && strings.TrimSpace(p.Text) == ""
}

// Port resolves p against labels.
func (p PortRef) Port(labels valve.Labels) valve.Port {
	if p.Number {
		return valve.PortIndex(p.Index)
	}
	return valve.ParsePort(strings.TrimSpace(p.Text), labels)
}

func (p PortRef) MarshalJSON() ([]byte, error) {
	if p.Number {
		return json.Marshal(p.Index)
	}
	return json.Marshal(p.Text)
}

func (p *PortRef) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		*p = PortText(text)
		return nil
	}
	var index int
	if err := json.Unmarshal(b, &index); err != nil {
		return errors.New("port must be a label or an integer index")
	}
	*p = PortNumber(index)
	return nil
}

type SelectRequest struct {
	Port      PortRef `json:"port"`
	Direction string  `json:"direction,omitempty"`
}

type PositionResponse struct {
	Port     int    `json:"port"`
	Label    string `json:"label,omitempty"`
	Labelled bool   `json:"labelled"`
}

type CommandRequest struct {
	Command           string `json:"command"`
	ExpectResponse    bool   `json:"expect_response"`
	AllowQuestionMark bool   `json:"allow_question_mark,omitempty"`
	Timeout           string `json:"timeout,omitempty"` // duration string like "2s"
}

type CommandResponse struct {
	Response string `json:"response"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.v.State())
}

func (s *Server) selectPort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Port.IsZero() {
		httputil.BadRequest(w, "port is required")
		return
	}

	port := req.Port.Port(s.v.Labels())
	if err := s.v.SelectPort(r.Context(), port, valve.ParseDirection(req.Direction)); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.v.State())
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	hard := false
	if h := r.URL.Query().Get("hard"); h != "" {
		parsed, err := strconv.ParseBool(h)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'hard' parameter")
			return
		}
		hard = parsed
	}

	pos, err := s.v.GetPort(r.Context(), hard)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	label, ok := s.v.Labels().Label(pos)
	httputil.WriteJSONOK(w, PositionResponse{Port: pos, Label: label, Labelled: ok})
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req CommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		httputil.BadRequest(w, "command is required")
		return
	}
	cmd := valve.Command{
		Text:              req.Command,
		ExpectResponse:    req.ExpectResponse,
		AllowQuestionMark: req.AllowQuestionMark,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
		cmd.Timeout = d
	}

	resp, err := s.v.SendCommand(r.Context(), cmd)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, CommandResponse{Response: resp})
}

func (s *Server) recoverBaud(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	resp, err := s.v.RecoverBaudRate(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, CommandResponse{Response: resp})
}

func parseLimit(r *http.Request) (int, error) {
	limit := 100 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 10000 {
			return 0, errors.New("invalid 'limit' parameter")
		}
		limit = parsed
	}
	return limit, nil
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	positions, err := s.journal.RecentPositions(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve positions: %v", err))
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	httputil.WriteJSONOK(w, positions)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	sessions, err := s.journal.Sessions()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}
