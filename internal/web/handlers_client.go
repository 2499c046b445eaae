package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labelflow/relabel/internal/store"
)

// checkResponse answers a print client's poll. The order fields are
// populated only when ?orderId= was supplied.
type checkResponse struct {
	SnapshotVersion int64  `json:"snapshot_version"`
	UpToDate        bool   `json:"up_to_date"`
	OrderID         string `json:"order_id,omitempty"`
	TrackingNo      string `json:"tracking_no,omitempty"`
	PrintStatus     string `json:"print_status,omitempty"`
	PrintCount      int    `json:"print_count,omitempty"`
}

// handlePrintCheck lets a print client ask whether its local snapshot is
// current (?version=N is its last-seen version) and optionally resolve a
// single order to its tracking number and print status (?orderId=).
func (s *Server) handlePrintCheck(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshots.Current()
	var current int64
	if snap != nil {
		current = snap.Version
	}

	clientVersion := int64(queryInt(r, "version", 0))
	resp := checkResponse{
		SnapshotVersion: current,
		UpToDate:        current != 0 && clientVersion == current,
	}

	if orderID := strings.TrimSpace(r.URL.Query().Get("orderId")); orderID != "" {
		order, err := s.catalog.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp.OrderID = order.OrderID
		resp.TrackingNo = order.TrackingNo
		if f, err := s.catalog.GetLabelFile(r.Context(), order.TrackingNo); err == nil {
			resp.PrintStatus = f.PrintStatus
			resp.PrintCount = f.PrintCount
		} else if !errors.Is(err, store.ErrNotFound) {
			writeServiceError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePrintReport records a print outcome reported by a remote client
// and returns the updated aggregate state for the tracking number.
func (s *Server) handlePrintReport(w http.ResponseWriter, r *http.Request) {
	var report store.PrintReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report.TrackingNo = strings.TrimSpace(report.TrackingNo)
	if report.TrackingNo == "" {
		writeError(w, http.StatusBadRequest, "tracking_no is required")
		return
	}
	if report.Result == "" {
		report.Result = "success"
	}

	f, err := s.catalog.RecordPrint(r.Context(), report)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
