package web

import (
	"net/http"
	"strconv"

	"github.com/labelflow/relabel/internal/snapshot"
)

// handleMapping serves the published mapping snapshot. ?version=latest
// (or no version) returns the current snapshot; ?version=N returns a
// specific retained version from disk.
func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	sel := r.URL.Query().Get("version")

	if sel == "" || sel == "latest" {
		snap := s.snapshots.Current()
		if snap == nil {
			writeServiceError(w, snapshot.ErrNoSnapshot)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	version, err := strconv.ParseInt(sel, 10, 64)
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "version must be 'latest' or a positive integer")
		return
	}

	snap, err := s.snapshots.Load(version)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
