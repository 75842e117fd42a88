package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/querydelta/pkg/exposition"
	"github.com/ethpandaops/querydelta/pkg/scheduler"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", exposition.ContentType)
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(text))
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics serves every dataset's latest export merged into one
// exposition, each series tagged with its dataset, followed by the
// exporter's own gauges.
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	texts := make(map[string]string, len(s.opts.Datasets))
	for _, ds := range s.opts.Datasets {
		texts[ds] = s.opts.Store.FetchText(r.Context(), ds)
	}

	text, err := exposition.Merge("dataset", texts)
	if err != nil {
		s.log.WithError(err).Warn("Some stored exports could not be merged")
	}

	if s.opts.SelfStats != nil {
		text += s.opts.SelfStats.Text()
	}

	writeText(w, text)
}

// handleDatasetMetrics serves one dataset's stored export verbatim.
func (s *server) handleDatasetMetrics(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataset(w, r)
	if !ok {
		return
	}

	writeText(w, s.opts.Store.FetchText(r.Context(), ds))
}

type datasetResponse struct {
	Name      string                   `json:"name"`
	Retention string                   `json:"retention"`
	LastRun   *scheduler.DatasetStatus `json:"last_run,omitempty"`
}

// handleListDatasets returns the configured datasets with their latest
// cycle outcome.
func (s *server) handleListDatasets(w http.ResponseWriter, _ *http.Request) {
	status := make(map[string]scheduler.DatasetStatus, len(s.opts.Datasets))

	if s.opts.Scheduler != nil {
		for _, st := range s.opts.Scheduler.Status() {
			status[st.Dataset] = st
		}
	}

	names := append([]string(nil), s.opts.Datasets...)
	sort.Strings(names)

	resp := make([]datasetResponse, 0, len(names))

	for _, name := range names {
		d := datasetResponse{Name: name, Retention: s.opts.Store.Retention()}

		if st, ok := status[name]; ok {
			d.LastRun = &st
		}

		resp = append(resp, d)
	}

	writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	Dataset string   `json:"dataset"`
	Records []string `json:"records"`
}

// handleDatasetHistory returns every live export record of a dataset,
// oldest first. With latest retention there is at most one.
func (s *server) handleDatasetHistory(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataset(w, r)
	if !ok {
		return
	}

	records, err := s.opts.Store.History(r.Context(), ds)
	if err != nil {
		s.log.WithError(err).WithField("dataset", ds).Warn("Failed to read history")
		writeJSON(w, http.StatusBadGateway, errorResponse{"store unavailable"})

		return
	}

	if records == nil {
		records = []string{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Dataset: ds, Records: records})
}

// dataset resolves the {dataset} URL parameter, writing a 404 for unknown
// names.
func (s *server) dataset(w http.ResponseWriter, r *http.Request) (string, bool) {
	ds := strings.TrimSpace(chi.URLParam(r, "dataset"))

	if _, ok := s.datasets[ds]; !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown dataset"})

		return "", false
	}

	return ds, true
}
