// Package handler adapts the orchestrator and registry's Go APIs to the
// HTTP surface described in the external interfaces contract, translating
// between wire JSON and the internal types package.
package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/signaldetect/maude/internal/orchestrator"
	"github.com/signaldetect/maude/internal/types"
)

// SignalsHandler serves the two detection endpoints.
type SignalsHandler struct {
	Orchestrator *orchestrator.Orchestrator
}

// NewSignalsHandler builds a SignalsHandler.
func NewSignalsHandler(o *orchestrator.Orchestrator) *SignalsHandler {
	return &SignalsHandler{Orchestrator: o}
}

// advancedRequestWire mirrors types.SignalRequest for decoding, adding the
// "thresholds" override field the wire contract exposes but
// types.SignalRequest itself keeps off JSON (Thresholds there is
// request-internal state the classifier reads, not a wire tag).
type advancedRequestWire struct {
	types.SignalRequest
	ThresholdOverrides types.Thresholds `json:"thresholds,omitempty"`
}

// DetectAdvanced handles POST /api/analytics/signals/advanced: body is a
// SignalRequest, response is a SignalResponse, the core's canonical
// surface.
func (h *SignalsHandler) DetectAdvanced(w http.ResponseWriter, r *http.Request) {
	var wire advancedRequestWire
	if err := decodeJSON(r, &wire); err != nil {
		writeError(w, http.StatusBadRequest, string(types.ErrBadRequest), "decoding request body: "+err.Error())
		return
	}
	req := wire.SignalRequest
	req.Thresholds = wire.ThresholdOverrides
	if ms := r.URL.Query().Get("timeout_ms"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			req.Deadline = time.Now().Add(time.Duration(n) * time.Millisecond)
		}
	}

	resp, apiErr := h.Orchestrator.Detect(r.Context(), req)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// simpleSignal is the degraded z-score-only row shape documented for the
// GET convenience endpoint.
type simpleSignal struct {
	Manufacturer string  `json:"manufacturer"`
	AvgMonthly   float64 `json:"avg_monthly"`
	StdMonthly   float64 `json:"std_monthly"`
	TotalEvents  int     `json:"total_events"`
	TotalDeaths  int     `json:"total_deaths"`
	LatestMonth  string  `json:"latest_month"`
	ZScore       *float64 `json:"z_score"`
	SignalType   types.SignalStrength `json:"signal_type"`
}

// DetectSimple handles GET /api/analytics/signals: a z-score-only
// convenience that still honors every filter accepted by the advanced
// endpoint, per the documented resolution of the GET-vs-POST open
// question ("the POST variant honors all filters; the GET convenience may
// be degraded" — degraded in SHAPE, not in which filters it accepts).
func (h *SignalsHandler) DetectSimple(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lookback := 12
	if v := q.Get("lookback_months"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lookback = n
		}
	}

	req := types.SignalRequest{
		Methods:      []types.SignalMethod{types.MethodZScore},
		TimeConfig:   types.TimeComparisonConfig{Mode: types.TimeModeLookback, LookbackMonths: lookback},
		Level:        types.LevelManufacturer,
		ProductCodes: splitCSV(q.Get("product_codes")),
		EventTypes:   splitCSV(q.Get("event_types")),
	}
	if v := q.Get("min_events"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.MinEvents = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Limit = n
		}
	}

	resp, apiErr := h.Orchestrator.Detect(r.Context(), req)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	signals := make([]simpleSignal, 0, len(resp.Signals))
	for _, s := range resp.Signals {
		row := simpleSignal{
			Manufacturer: s.Entity,
			TotalEvents:  s.TotalEvents,
			TotalDeaths:  s.Deaths,
			SignalType:   s.SignalType,
		}
		for _, m := range s.MethodResults {
			if m.Method != types.MethodZScore {
				continue
			}
			row.ZScore = m.Value
			if details, ok := m.Details.(types.ZScoreDetails); ok {
				row.AvgMonthly = details.AvgMonthly
				row.StdMonthly = details.StdMonthly
				row.LatestMonth = details.LatestMonth
			}
		}
		signals = append(signals, row)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lookback_months": lookback,
		"signals":         signals,
	})
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
