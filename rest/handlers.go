// Package rest exposes the two ingestion operations over HTTP. It is a thin
// adapter: request decoding and reason-code mapping only, no pipeline logic.
// Raw filenames, tokens, and row content never appear in responses or logs.
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cashctl.dev/ingest/pipeline"
)

// maxUploadBytes caps one request body.
const maxUploadBytes = 256 << 20

type Handler struct {
	orch *pipeline.Orchestrator
}

func NewHandler(orch *pipeline.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Mux routes the ingestion surface.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest/files", h.handleFiles)
	mux.HandleFunc("POST /v1/ingest/feeds", h.handleFeeds)
	return mux
}

func (h *Handler) handleFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, &pipeline.BatchError{Code: pipeline.BATCH_ERR_BAD_REQUEST, Msg: "multipart form expected"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, &pipeline.BatchError{Code: pipeline.BATCH_ERR_BAD_REQUEST, Msg: "file field required"})
		return
	}
	defer func() { _ = file.Close() }()
	raw, err := io.ReadAll(file)
	if err != nil {
		writeInternal(w)
		return
	}

	req := pipeline.TabularRequest{
		SubjectRef:        r.FormValue("subject_ref"),
		SubjectRefVersion: r.FormValue("subject_ref_version"),
		Source:            r.FormValue("source"),
		InputStartDate:    r.FormValue("input_start_date"),
		InputEndDate:      r.FormValue("input_end_date"),
		Filename:          header.Filename,
		Raw:               raw,
	}
	result, err := h.orch.IngestTabular(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type feedBody struct {
	SubjectRef            string               `json:"subject_ref"`
	SubjectRefVersion     string               `json:"subject_ref_version"`
	Source                string               `json:"source"`
	WatermarkTS           string               `json:"watermark_ts"`
	AllowMissingWatermark bool                 `json:"allow_missing_watermark"`
	InputStartDate        string               `json:"input_start_date"`
	InputEndDate          string               `json:"input_end_date"`
	Events                []pipeline.FeedEvent `json:"events"`
}

func (h *Handler) handleFeeds(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var body feedBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeError(w, &pipeline.BatchError{Code: pipeline.BATCH_ERR_BAD_REQUEST, Msg: "malformed JSON body"})
		return
	}

	req := pipeline.FeedRequest{
		SubjectRef:            body.SubjectRef,
		SubjectRefVersion:     body.SubjectRefVersion,
		Source:                body.Source,
		InputStartDate:        body.InputStartDate,
		InputEndDate:          body.InputEndDate,
		WatermarkTS:           body.WatermarkTS,
		AllowMissingWatermark: body.AllowMissingWatermark,
		Events:                body.Events,
	}
	result, err := h.orch.IngestFeed(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorBody is the reason-coded rejection payload. Counts only; no row
// content.
type errorBody struct {
	Error              string         `json:"error"`
	Message            string         `json:"message,omitempty"`
	RowsAccepted       int            `json:"rows_accepted"`
	RowsRejected       int            `json:"rows_rejected"`
	RejectionBreakdown map[string]int `json:"rejection_breakdown"`
}

func writeFailure(w http.ResponseWriter, err error) {
	var be *pipeline.BatchError
	if errors.As(err, &be) {
		writeError(w, be)
		return
	}
	writeInternal(w)
}

func writeError(w http.ResponseWriter, be *pipeline.BatchError) {
	status := http.StatusBadRequest
	if be.Code == pipeline.BATCH_ERR_ALREADY_INGESTED {
		status = http.StatusConflict
	}
	breakdown := make(map[string]int, len(be.RejectionBreakdown))
	for reason, n := range be.RejectionBreakdown {
		breakdown[string(reason)] = n
	}
	writeJSON(w, status, errorBody{
		Error:              string(be.Code),
		Message:            be.Msg,
		RowsAccepted:       be.RowsAccepted,
		RowsRejected:       be.RowsRejected,
		RejectionBreakdown: breakdown,
	})
}

func writeInternal(w http.ResponseWriter) {
	// Internal failures stay opaque: no payload details leave the process.
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "INTERNAL"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	// Encode errors past the header are unrecoverable; the status is sent.
	_ = enc.Encode(v)
}
