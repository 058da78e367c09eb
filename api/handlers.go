/*
handlers.go - HTTP API handlers for the drawdown engine

PURPOSE:
  Exposes residents, funding contracts, transactions and billing
  automations to the admin UI. Handlers parse the request, call one
  service operation and render the result; no domain rules live here.

ENDPOINTS:
  Residents:
    GET    /api/residents                                    List residents
    POST   /api/residents                                    Create resident
    GET    /api/residents/{id}                               Resident with contracts and audit trail
    POST   /api/residents/{id}/contracts                     Create Draft contract
    POST   /api/residents/{id}/contracts/{cid}/status        Status transition
    POST   /api/residents/{id}/contracts/{cid}/renewals      Renew contract
    GET    /api/residents/{id}/contracts/{cid}/balance       Balance summary (?as_of=)

  Contracts:
    GET    /api/contracts/renewals                           Renewal queue
    GET    /api/contracts/{cid}/chain                        Renewal chain, newest first

  Transactions:
    GET    /api/transactions                                 List (?resident_id=&contract_id=&status=)
    POST   /api/transactions                                 Create draft
    GET    /api/transactions/{id}                            Get with audit trail
    DELETE /api/transactions/{id}                            Delete draft
    POST   /api/transactions/{id}/post                       Post
    POST   /api/transactions/{id}/void                       Void posted
    GET    /api/transactions/{id}/validation                 Dry-run validation

  Automations:
    GET    /api/automations                                  List
    POST   /api/automations                                  Create
    GET    /api/automations/{id}                             Get
    POST   /api/automations/{id}/run                         Run Now
    GET    /api/automations/{id}/runs                        Run history

ACTOR:
  The X-User-ID header names the user recorded on audit entries. Requests
  without it are attributed to the configured system actor.

ERROR HANDLING:
  - 400: Malformed request body
  - 404: Resident, contract, transaction or automation not found
  - 409: Invalid transition, concurrent modification, billing already ran
  - 422: Validation failed (violations and shortfall included)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/billing"
	"github.com/warp/drawdown-engine/contracts"
	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/factory"
	"github.com/warp/drawdown-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: transactional access plus a
// full reset for demo scenarios.
type Store interface {
	generic.TxStore
	Reset(ctx context.Context) error
}

type Deps struct {
	Store        Store
	Contracts    *contracts.Service
	Transactions *drawdown.Service
	Billing      *billing.Job
	Clock        generic.Clock
	SystemActor  string
	Logger       zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        Store
	Contracts    *contracts.Service
	Transactions *drawdown.Service
	Billing      *billing.Job
	Clock        generic.Clock
	SystemActor  string

	log zerolog.Logger

	mu              sync.RWMutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	if d.SystemActor == "" {
		d.SystemActor = "system"
	}
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	return &Handler{
		Store:        d.Store,
		Contracts:    d.Contracts,
		Transactions: d.Transactions,
		Billing:      d.Billing,
		Clock:        d.Clock,
		SystemActor:  d.SystemActor,
		log:          d.Logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) actor(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return h.SystemActor
}

// =============================================================================
// RESIDENT HANDLERS
// =============================================================================

func (h *Handler) ListResidents(w http.ResponseWriter, r *http.Request) {
	residents, err := h.Contracts.ListResidents(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list residents", err)
		return
	}
	dtos := make([]ResidentDTO, len(residents))
	for i, res := range residents {
		dtos[i] = toResidentDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateResident(w http.ResponseWriter, r *http.Request) {
	var req CreateResidentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Contracts.CreateResident(r.Context(), generic.NewResident{
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		NDISNumber: req.NDISNumber,
		HouseID:    req.HouseID,
	}, h.actor(r))
	if err != nil {
		h.writeDomainError(w, "Failed to create resident", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResidentDTO(*res))
}

func (h *Handler) GetResident(w http.ResponseWriter, r *http.Request) {
	res, err := h.Contracts.GetResident(r.Context(), generic.ResidentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get resident", err)
		return
	}
	writeJSON(w, http.StatusOK, toResidentDTO(*res))
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractTermsJSON
	if !decode(w, r, &req) {
		return
	}
	terms, err := factory.ContractTermsFromJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid contract terms", err)
		return
	}
	res, err := h.Contracts.CreateContract(r.Context(), generic.ResidentID(chi.URLParam(r, "id")), terms, h.actor(r))
	if err != nil {
		h.writeDomainError(w, "Failed to create contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResidentDTO(*res))
}

func (h *Handler) UpdateContractStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Contracts.UpdateContractStatus(r.Context(),
		generic.ResidentID(chi.URLParam(r, "id")),
		generic.ContractID(chi.URLParam(r, "contractID")),
		generic.ContractStatus(req.Status),
		h.actor(r))
	if err != nil {
		h.writeDomainError(w, "Failed to update contract status", err)
		return
	}
	writeJSON(w, http.StatusOK, toResidentDTO(*res))
}

func (h *Handler) CreateRenewal(w http.ResponseWriter, r *http.Request) {
	var req RenewalRequest
	if !decode(w, r, &req) {
		return
	}
	terms, err := factory.ContractTermsFromJSON(req.Terms)
	if err != nil {
		h.writeDomainError(w, "Invalid renewal terms", err)
		return
	}
	res, err := h.Contracts.CreateContractRenewal(r.Context(),
		generic.ResidentID(chi.URLParam(r, "id")),
		generic.ContractID(chi.URLParam(r, "contractID")),
		terms, h.actor(r))
	if err != nil {
		h.writeDomainError(w, "Failed to renew contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResidentDTO(*res))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	var asOf generic.TimePoint
	if s := r.URL.Query().Get("as_of"); s != "" {
		tp, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of date (use YYYY-MM-DD)", err)
			return
		}
		asOf = tp
	}
	summary, err := h.Contracts.SummaryAsOf(r.Context(),
		generic.ResidentID(chi.URLParam(r, "id")),
		generic.ContractID(chi.URLParam(r, "contractID")),
		asOf)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*summary))
}

func (h *Handler) RenewalQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.Contracts.RenewalQueue(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to load renewal queue", err)
		return
	}
	dtos := make([]ContractSummaryDTO, len(queue))
	for i, s := range queue {
		dtos[i] = toSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RenewalChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Contracts.RenewalChain(r.Context(), generic.ContractID(chi.URLParam(r, "contractID")))
	if err != nil {
		h.writeDomainError(w, "Failed to load renewal chain", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTOs(chain))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var f generic.TransactionFilter
	q := r.URL.Query()
	if v := q.Get("resident_id"); v != "" {
		id := generic.ResidentID(v)
		f.ResidentID = &id
	}
	if v := q.Get("contract_id"); v != "" {
		id := generic.ContractID(v)
		f.ContractID = &id
	}
	if v := q.Get("status"); v != "" {
		st := generic.TransactionStatus(v)
		f.Status = &st
	}
	txs, err := h.Transactions.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !decode(w, r, &req) {
		return
	}

	in := drawdown.CreateTransactionInput{
		ResidentID:      generic.ResidentID(req.ResidentID),
		ContractID:      generic.ContractID(req.ContractID),
		ServiceItemCode: strings.TrimSpace(req.ServiceItemCode),
		Description:     req.Description,
		Quantity:        req.Quantity,
		UnitPrice:       generic.MoneyFromDecimal(req.UnitPrice),
		IsDrawdown:      req.IsDrawdown,
	}
	if req.Amount != nil {
		amount := generic.MoneyFromDecimal(*req.Amount)
		in.Amount = &amount
	}
	if strings.TrimSpace(req.OccurredAt) != "" {
		at, err := parseOccurredAt(req.OccurredAt)
		if err != nil {
			h.writeDomainError(w, "Invalid transaction", generic.Invalid([]generic.Violation{{
				Code: generic.RuleInvalidDate, Field: "occurredAt", Message: "occurred_at must be YYYY-MM-DD or RFC3339",
			}}))
			return
		}
		in.OccurredAt = at
	}

	tx, err := h.Transactions.CreateTransaction(r.Context(), in, h.actor(r))
	if err != nil {
		h.writeDomainError(w, "Failed to create transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Transactions.GetTransaction(r.Context(), generic.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := h.Transactions.DeleteTransaction(r.Context(), generic.TransactionID(chi.URLParam(r, "id")), h.actor(r)); err != nil {
		h.writeDomainError(w, "Failed to delete transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Transactions.PostTransaction(r.Context(), generic.TransactionID(chi.URLParam(r, "id")), h.actor(r))
	h.writeTransactionResult(w, tx, err)
}

func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.Transactions.VoidTransaction(r.Context(), generic.TransactionID(chi.URLParam(r, "id")), req.Reason, h.actor(r))
	h.writeTransactionResult(w, tx, err)
}

func (h *Handler) ValidateTransaction(w http.ResponseWriter, r *http.Request) {
	result, err := h.Transactions.ValidateTransaction(r.Context(), generic.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to validate transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationDTO(*result))
}

// writeTransactionResult renders {success, transaction, errors} with the
// status code of the error kind.
func (h *Handler) writeTransactionResult(w http.ResponseWriter, tx *generic.Transaction, err error) {
	if err == nil {
		dto := toTransactionDTO(*tx)
		writeJSON(w, http.StatusOK, TransactionResultDTO{Success: true, Transaction: &dto})
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("transaction operation failed")
	}
	resp := TransactionResultDTO{Error: err.Error()}
	var vf *generic.ValidationFailedError
	if errors.As(err, &vf) {
		resp.Error = "Validation failed"
		resp.Errors = toViolationDTOs(vf.Violations)
		if vf.Insufficient != nil {
			shortfall := vf.Insufficient.Shortfall.Float64()
			resp.Shortfall = &shortfall
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// AUTOMATION HANDLERS
// =============================================================================

func (h *Handler) ListAutomations(w http.ResponseWriter, r *http.Request) {
	all, err := h.Billing.ListAutomations(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list automations", err)
		return
	}
	dtos := make([]AutomationDTO, len(all))
	for i, a := range all {
		dtos[i] = toAutomationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req factory.AutomationJSON
	if !decode(w, r, &req) {
		return
	}
	a, err := factory.AutomationFromJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid automation", err)
		return
	}
	saved, err := h.Billing.CreateAutomation(r.Context(), a)
	if err != nil {
		h.writeDomainError(w, "Failed to create automation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAutomationDTO(*saved))
}

func (h *Handler) GetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := h.Billing.GetAutomation(r.Context(), generic.AutomationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get automation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAutomationDTO(*a))
}

// RunAutomation is "Run Now".
func (h *Handler) RunAutomation(w http.ResponseWriter, r *http.Request) {
	run, err := h.Billing.Run(r.Context(), generic.AutomationID(chi.URLParam(r, "id")), generic.TriggerManual)
	if err != nil && run == nil {
		h.writeDomainError(w, "Failed to run automation", err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toRunDTO(*run))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Billing.ListRuns(r.Context(), generic.AutomationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]AutomationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps service errors to status codes and bodies.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var vf *generic.ValidationFailedError
	if errors.As(err, &vf) {
		resp.Code = "validation_failed"
		resp.Violations = toViolationDTOs(vf.Violations)
		if vf.Insufficient != nil {
			shortfall := vf.Insufficient.Shortfall.Float64()
			resp.Shortfall = &shortfall
		}
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
		resp.Details = nil
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInvalidTransition),
		errors.Is(err, generic.ErrConcurrentModification),
		errors.Is(err, generic.ErrAlreadyRan),
		errors.Is(err, generic.ErrRunAlreadyClaimed),
		errors.Is(err, billing.ErrLockHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseOccurredAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if tp, err := generic.ParseDate(s); err == nil {
		return tp.Time, nil
	}
	return time.Parse(time.RFC3339, s)
}
