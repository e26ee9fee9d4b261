package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/port/wrapper"
)

// StartExecution handles POST /api/v1/sessions/{sessionID}/executions
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[execution.StartRequest](w, r)
	if !ok {
		return
	}

	res, err := a.StartExecution(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	status := http.StatusOK
	if res.Code == execution.CodeExecutionInProgress {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// ListExecutions handles GET /api/v1/sessions/{sessionID}/executions
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	execs, err := a.GetExecutions(r.Context())
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if execs == nil {
		execs = []execution.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// GetActiveExecution handles GET /api/v1/sessions/{sessionID}/executions/active
func (h *Handlers) GetActiveExecution(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	active, err := a.GetActiveExecutionID(r.Context())
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if active == "" {
		writeError(w, http.StatusNotFound, "no active execution")
		return
	}
	exec, err := a.GetExecution(r.Context(), active)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// GetExecution handles GET /api/v1/sessions/{sessionID}/executions/{executionID}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	exec, err := a.GetExecution(r.Context(), urlParam(r, "executionID"))
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// executionStatusRequest is the body for status and complete reports.
type executionStatusRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CompleteExecution handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/complete
func (h *Handlers) CompleteExecution(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[executionStatusRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Status, "status") {
		return
	}

	err := a.OnExecutionComplete(r.Context(), urlParam(r, "executionID"), execution.Status(req.Status), req.Error)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"finalized": true})
}

// UpdateExecutionStatus handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/status
func (h *Handlers) UpdateExecutionStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[executionStatusRequest](w, r)
	if !ok {
		return
	}
	if !execution.Status(req.Status).Valid() {
		writeError(w, http.StatusBadRequest, "invalid execution status")
		return
	}

	applied, err := a.UpdateExecutionStatus(r.Context(), urlParam(r, "executionID"), execution.Status(req.Status), req.Error)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// executionHeartbeatRequest optionally reports the wrapper's process id.
type executionHeartbeatRequest struct {
	ProcessID *int64 `json:"process_id,omitempty"`
}

// ExecutionHeartbeat handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/heartbeat
// An empty body is a bare liveness ping.
func (h *Handlers) ExecutionHeartbeat(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req executionHeartbeatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accepted, err := a.Heartbeat(r.Context(), urlParam(r, "executionID"), req.ProcessID)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

// SetExecutionProcess handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/process
func (h *Handlers) SetExecutionProcess(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[struct {
		ProcessID int64 `json:"process_id"`
	}](w, r)
	if !ok {
		return
	}

	if err := a.SetProcessID(r.Context(), urlParam(r, "executionID"), req.ProcessID); err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendExecutionCommand handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/command
func (h *Handlers) SendExecutionCommand(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[struct {
		Command string `json:"command"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Command, "command") {
		return
	}

	executionID := urlParam(r, "executionID")
	if _, err := a.GetExecution(r.Context(), executionID); err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	delivered := a.SendToWrapper(r.Context(), executionID, wrapper.Command(req.Command))
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// SetActiveExecution handles PUT /api/v1/sessions/{sessionID}/executions/{executionID}/active
func (h *Handlers) SetActiveExecution(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	res, err := a.SetActiveExecution(r.Context(), urlParam(r, "executionID"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	status := http.StatusOK
	if !res.Set {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// ClearActiveExecution handles DELETE /api/v1/sessions/{sessionID}/executions/{executionID}/active
func (h *Handlers) ClearActiveExecution(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := a.ClearActiveExecution(r.Context(), urlParam(r, "executionID")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetInterruptFlag handles GET /api/v1/sessions/{sessionID}/executions/{executionID}/interrupt
func (h *Handlers) GetInterruptFlag(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	requested, err := a.InterruptRequested(r.Context(), urlParam(r, "executionID"))
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interrupt_requested": requested})
}

// SetInterruptFlag handles PUT /api/v1/sessions/{sessionID}/executions/{executionID}/interrupt
func (h *Handlers) SetInterruptFlag(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := a.SetInterruptRequested(r.Context(), urlParam(r, "executionID"), true); err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearInterruptFlag handles DELETE /api/v1/sessions/{sessionID}/executions/{executionID}/interrupt
func (h *Handlers) ClearInterruptFlag(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := a.ClearInterruptRequested(r.Context(), urlParam(r, "executionID")); err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// leaseRequest identifies the caller's claim on an execution.
type leaseRequest struct {
	LeaseID   string `json:"lease_id"`
	MessageID string `json:"message_id,omitempty"`
}

// AcquireExecutionLease handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/lease
func (h *Handlers) AcquireExecutionLease(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[leaseRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.LeaseID, "lease_id") || !requireField(w, req.MessageID, "message_id") {
		return
	}

	res, err := a.AcquireLease(r.Context(), urlParam(r, "executionID"), req.LeaseID, req.MessageID)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	status := http.StatusOK
	if !res.Acquired {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// ExtendExecutionLease handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/lease/extend
func (h *Handlers) ExtendExecutionLease(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[leaseRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.LeaseID, "lease_id") {
		return
	}

	extended, err := a.ExtendLease(r.Context(), urlParam(r, "executionID"), req.LeaseID)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"extended": extended})
}

// ReleaseExecutionLease handles POST /api/v1/sessions/{sessionID}/executions/{executionID}/lease/release
func (h *Handlers) ReleaseExecutionLease(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[leaseRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.LeaseID, "lease_id") {
		return
	}

	released, err := a.ReleaseLease(r.Context(), urlParam(r, "executionID"), req.LeaseID)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}
