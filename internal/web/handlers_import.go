package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/labelflow/relabel/internal/importer"
	"github.com/labelflow/relabel/internal/upload"
)

// uploadResponse is returned by both upload endpoints. Columns and
// Preview are populated for spreadsheets only.
type uploadResponse struct {
	Token   string     `json:"token"`
	Columns []string   `json:"columns,omitempty"`
	Preview [][]string `json:"preview,omitempty"`
}

// handleUploadSpreadsheet stages a spreadsheet upload and runs schema
// detection on it, returning the token plus the detected header and a
// preview of the first data rows.
func (s *Server) handleUploadSpreadsheet(w http.ResponseWriter, r *http.Request) {
	file, header, err := s.formFile(w, r)
	if err != nil {
		return
	}
	defer file.Close()

	u, err := s.uploads.Put(file, header.Filename, upload.KindSpreadsheet)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	det, err := upload.Detect(u.Path, s.cfg.Import.PreviewRows)
	if err != nil {
		// The staged file is useless if it cannot be parsed; drop it so
		// the token cannot be applied later.
		s.uploads.Remove(u.Token)
		writeServiceError(w, err)
		return
	}

	if err := s.uploads.SetColumns(u.Token, det.Columns); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("spreadsheet staged",
		"token", u.Token,
		"file", u.OriginalName,
		"columns", len(det.Columns),
	)
	writeJSON(w, http.StatusOK, uploadResponse{
		Token:   u.Token,
		Columns: det.Columns,
		Preview: det.Preview,
	})
}

// columnsRequest confirms the column mapping for a staged spreadsheet.
type columnsRequest struct {
	Token       string `json:"token"`
	OrderCol    string `json:"orderCol"`
	TrackingCol string `json:"trackingCol"`
}

// handleConfirmColumns validates the selected columns against the
// detected header. Nothing is committed; the apply call repeats the
// resolution itself and is the single source of truth.
func (s *Server) handleConfirmColumns(w http.ResponseWriter, r *http.Request) {
	var req columnsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	u, err := s.uploads.Get(req.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if u.Kind != upload.KindSpreadsheet {
		writeServiceError(w, importer.ErrKindMismatch)
		return
	}

	if _, err := importer.ResolveColumn(u.Columns, req.OrderCol); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("order column: %v", err))
		return
	}
	if _, err := importer.ResolveColumn(u.Columns, req.TrackingCol); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("tracking column: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":       req.Token,
		"orderCol":    req.OrderCol,
		"trackingCol": req.TrackingCol,
	})
}

// handleApplySpreadsheet starts the spreadsheet import job and streams
// its progress as SSE until the job reaches a terminal phase.
func (s *Server) handleApplySpreadsheet(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	orderCol := r.URL.Query().Get("orderCol")
	trackingCol := r.URL.Query().Get("trackingCol")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	job, err := s.imports.StartSpreadsheet(r.Context(), token, orderCol, trackingCol)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.streamJob(w, r, job)
}

// handleUploadArchive stages a ZIP of label PDFs and returns the token.
// Entries are validated at apply time, not here, so oversized archives
// do not block the upload round trip.
func (s *Server) handleUploadArchive(w http.ResponseWriter, r *http.Request) {
	file, header, err := s.formFile(w, r)
	if err != nil {
		return
	}
	defer file.Close()

	u, err := s.uploads.Put(file, header.Filename, upload.KindPDFArchive)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("pdf archive staged", "token", u.Token, "file", u.OriginalName)
	writeJSON(w, http.StatusOK, uploadResponse{Token: u.Token})
}

// handleApplyArchive starts the PDF archive import job and streams its
// progress as SSE.
func (s *Server) handleApplyArchive(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	job, err := s.imports.StartPDFArchive(r.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.streamJob(w, r, job)
}

// formFile extracts the multipart "file" field with the configured size
// cap. On failure it writes the error response and returns a non-nil err
// so callers just return.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return nil, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return nil, nil, err
	}
	return file, header, nil
}

// streamJob writes the job's progress events as an SSE stream. The
// stream ends when the job terminates or the client disconnects; a
// disconnect never cancels the job itself.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request, job *importer.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := job.Subscribe()
	for {
		select {
		case <-r.Context().Done():
			// Client went away; the job keeps running to completion.
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one event in SSE framing.
func writeSSE(w http.ResponseWriter, ev importer.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
