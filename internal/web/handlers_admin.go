package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/labelflow/relabel/internal/store"
)

const defaultPageSize = 50

// pagedResponse wraps a listing page with its total count.
type pagedResponse struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// handleListOrders returns a page of order mappings, filterable by order
// id substring via ?q=.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)

	orders, total, err := s.catalog.ListOrders(r.Context(), q, page, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: orders, Total: total, Page: page, PageSize: pageSize})
}

// handleListFiles returns a page of stored label files, filterable by
// tracking number substring (?q=) and print status (?status=).
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	status := r.URL.Query().Get("status")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)

	files, total, err := s.catalog.ListLabelFiles(r.Context(), q, status, page, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: files, Total: total, Page: page, PageSize: pageSize})
}

// handleDownloadPdf serves the stored label PDF for a tracking number.
func (s *Server) handleDownloadPdf(w http.ResponseWriter, r *http.Request) {
	trackingNo := chi.URLParam(r, "trackingNo")

	f, err := s.catalog.GetLabelFile(r.Context(), trackingNo)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if _, err := os.Stat(f.Path); err != nil {
		writeServiceError(w, store.ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+trackingNo+`.pdf"`)
	http.ServeFile(w, r, f.Path)
}

// zipInfo describes one archived batch of applied label PDFs.
type zipInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// handleListZips lists the dated archives of applied PDF uploads,
// newest first.
func (s *Server) handleListZips(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.Data.ZipDir())
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, []zipInfo{})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	zips := make([]zipInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		zips = append(zips, zipInfo{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(zips, func(i, j int) bool { return zips[i].Name > zips[j].Name })

	writeJSON(w, http.StatusOK, zips)
}

// handleGetSettings returns all stored settings key/value pairs.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.catalog.AllMeta(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleSetSettings upserts the submitted key/value pairs. Empty keys
// are rejected; values are stored verbatim.
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]string
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for k, v := range settings {
		if strings.TrimSpace(k) == "" {
			writeError(w, http.StatusBadRequest, "setting key must not be empty")
			return
		}
		if err := s.catalog.SetMeta(r.Context(), k, v); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(settings)})
}

// queryInt parses an integer query parameter with a fallback default.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
