package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/vici/internal/db"
	"github.com/banshee-data/vici/internal/httputil"
)

// positionsChart renders the journal as a line chart of port over time, with
// moves and reads as separate series. This is a debugging-only endpoint.
// Query params:
//   - limit (optional; default 100) number of most recent entries
func (s *Server) positionsChart(w http.ResponseWriter, r *http.Request) {
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

	line := buildPositionsChart(positions, s.v.State().PortCount)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// buildPositionsChart expects positions newest first, as the journal returns
// them, and plots them oldest first.
func buildPositionsChart(positions []db.Position, portCount int) *charts.Line {
	n := len(positions)
	xs := make([]string, 0, n)
	reads := make([]opts.LineData, 0, n)
	selects := make([]opts.LineData, 0, n)

	maxPort := portCount
	for i := n - 1; i >= 0; i-- {
		p := positions[i]
		xs = append(xs, p.RecordedAt.Format("15:04:05.000"))
		if p.Port > maxPort {
			maxPort = p.Port
		}
		point := opts.LineData{Value: p.Port, Name: p.Label}
		// "-" leaves a gap in the other series
		if p.Kind == db.KindSelect {
			selects = append(selects, point)
			reads = append(reads, opts.LineData{Value: "-"})
		} else {
			reads = append(reads, point)
			selects = append(selects, opts.LineData{Value: "-"})
		}
	}
	if maxPort < 1 {
		maxPort = 1
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Valve positions", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Valve positions", Subtitle: fmt.Sprintf("entries=%d", n)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: maxPort, Name: "Port", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(xs).
		AddSeries("read", reads).
		AddSeries("select", selects)
	return line
}
