package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/castellan-io/castellan/pkg/approval"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/emergency"
	"github.com/castellan-io/castellan/pkg/ledger"
)

// Service exposes the reporting surface: query operations over the ledger,
// the approval store, and emergency actions, plus the alert investigation
// workflow. All governance mutations happen through the engine APIs, not
// through HTTP.
type Service struct {
	ledger    *ledger.Ledger
	engine    *approval.Engine
	emergency *emergency.Manager
}

// NewService wires the reporting service.
func NewService(l *ledger.Ledger, engine *approval.Engine, em *emergency.Manager) *Service {
	return &Service{ledger: l, engine: engine, emergency: em}
}

// Routes registers all endpoints on a fresh mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/audit/records", s.handleAuditRecords)
	mux.HandleFunc("GET /api/v1/audit/records/{id}", s.handleAuditRecord)
	mux.HandleFunc("GET /api/v1/audit/records/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /api/v1/audit/export", s.handleExport)
	mux.HandleFunc("GET /api/v1/audit/alerts", s.handleAlerts)
	mux.HandleFunc("PATCH /api/v1/audit/alerts/{id}", s.handleAlertStatus)
	mux.HandleFunc("GET /api/v1/approvals/pending", s.handlePendingApprovals)
	mux.HandleFunc("GET /api/v1/approvals/history", s.handleApprovalHistory)
	mux.HandleFunc("GET /api/v1/approvals/metrics", s.handleApprovalMetrics)
	mux.HandleFunc("GET /api/v1/emergency/actions", s.handleEmergencyActions)
	mux.HandleFunc("GET /api/v1/emergency/metrics", s.handleEmergencyMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/", s.handleFallback)
	return mux
}

// handleFallback answers anything under the API prefix that no registered
// pattern claimed, keeping error responses in problem+json instead of the
// mux's plain-text defaults.
func (s *Service) handleFallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPatch:
		WriteNotFound(w, "unknown endpoint")
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Service) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		ActorID:      q.Get("actor_id"),
		ActionType:   contracts.ActionType(q.Get("action_type")),
		ResourceType: q.Get("resource_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "since must be RFC 3339")
			return
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "until must be RFC 3339")
			return
		}
		f.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	records, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, map[string]any{"records": records, "count": len(records)})
}

func (s *Service) handleAuditRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			WriteNotFound(w, "audit record not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, rec)
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.ledger.Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			WriteNotFound(w, "audit record not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, map[string]any{"record_id": id, "valid": ok})
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ledger.ExportRequest{ActorID: q.Get("actor_id")}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "start must be RFC 3339")
			return
		}
		req.StartTime = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "end must be RFC 3339")
			return
		}
		req.EndTime = t
	}

	pack, checksum, err := s.ledger.ExportPack(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidTimeRange):
			WriteBadRequest(w, "start time must be before end time")
		case errors.Is(err, ledger.ErrEmptyExport):
			WriteNotFound(w, "no records match the export filter")
		default:
			WriteInternal(w, err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.zip"`)
	w.Header().Set("X-Checksum", checksum)
	_, _ = w.Write(pack)
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.AlertFilter{
		Type:     contracts.AlertType(q.Get("type")),
		Severity: contracts.AlertSeverity(q.Get("severity")),
		Status:   contracts.InvestigationStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	alerts := s.ledger.Alerts().List(r.Context(), f)
	writeJSON(w, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Service) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var body struct {
		Status contracts.InvestigationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	switch body.Status {
	case contracts.InvestigationPending, contracts.InvestigationInvestigating,
		contracts.InvestigationResolved, contracts.InvestigationEscalated:
	default:
		WriteBadRequest(w, "unknown investigation status")
		return
	}
	if err := s.ledger.Alerts().SetStatus(r.Context(), r.PathValue("id"), body.Status); err != nil {
		switch {
		case errors.Is(err, contracts.ErrNotFound):
			WriteNotFound(w, "alert not found")
		case errors.Is(err, contracts.ErrInvalidState):
			WriteConflict(w, "alert is already resolved")
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, map[string]any{"id": r.PathValue("id"), "status": body.Status})
}

func (s *Service) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteBadRequest(w, "user_id is required")
		return
	}
	requests, err := s.engine.PendingFor(r.Context(), userID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, map[string]any{"requests": requests, "count": len(requests)})
}

func (s *Service) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := approval.HistoryFilter{
		ProjectID:   q.Get("project_id"),
		RequesterID: q.Get("requester_id"),
		Status:      contracts.ApprovalStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	requests, err := s.engine.History(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, map[string]any{"requests": requests, "count": len(requests)})
}

func (s *Service) handleApprovalMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Metrics(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, m)
}

func (s *Service) handleEmergencyActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.emergency.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, map[string]any{"actions": actions, "count": len(actions)})
}

func (s *Service) handleEmergencyMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.emergency.Metrics(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, m)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
