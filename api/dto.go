/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the admin UI talks in. Money goes out as
  float64 dollars and comes in as decimals (so "12000.10" and 12000.10
  both parse exactly). Dates are YYYY-MM-DD, timestamps RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - factory/: ContractTermsJSON and AutomationJSON request bodies
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/factory"
	"github.com/warp/drawdown-engine/generic"
)

// =============================================================================
// RESIDENTS AND CONTRACTS
// =============================================================================

type ResidentDTO struct {
	ID         string          `json:"id"`
	FirstName  string          `json:"first_name"`
	LastName   string          `json:"last_name"`
	FullName   string          `json:"full_name"`
	NDISNumber string          `json:"ndis_number"`
	HouseID    string          `json:"house_id,omitempty"`
	Status     string          `json:"status"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
	Contracts  []ContractDTO   `json:"contracts"`
	AuditTrail []AuditEntryDTO `json:"audit_trail,omitempty"`
}

type CreateResidentRequest struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	NDISNumber string `json:"ndis_number"`
	HouseID    string `json:"house_id"`
}

type ContractDTO struct {
	ID               string  `json:"id"`
	ResidentID       string  `json:"resident_id"`
	Type             string  `json:"type"`
	OriginalAmount   float64 `json:"original_amount"`
	CurrentBalance   float64 `json:"current_balance"`
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date,omitempty"`
	DrawdownRate     string  `json:"drawdown_rate"`
	AutoDrawdown     bool    `json:"auto_drawdown"`
	Status           string  `json:"status"`
	ParentContractID string  `json:"parent_contract_id,omitempty"`
	LastDrawdownAt   string  `json:"last_drawdown_at,omitempty"`
	Version          int     `json:"version"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type RenewalRequest struct {
	Terms factory.ContractTermsJSON `json:"terms"`
}

type ContractSummaryDTO struct {
	ContractID         string  `json:"contract_id"`
	ResidentID         string  `json:"resident_id"`
	Status             string  `json:"status"`
	AsOf               string  `json:"as_of"`
	OriginalAmount     float64 `json:"original_amount"`
	LedgerBalance      float64 `json:"ledger_balance"`
	TimeBasedBalance   float64 `json:"time_based_balance"`
	DrawdownAmount     float64 `json:"drawdown_amount"`
	DrawdownPercentage float64 `json:"drawdown_percentage"`
	DaysUntilExpiry    *int    `json:"days_until_expiry,omitempty"`
	ExpiringSoon       bool    `json:"expiring_soon"`
	NeedsRenewal       bool    `json:"needs_renewal"`
}

type AuditEntryDTO struct {
	ID        string `json:"id"`
	EntityID  string `json:"entity_id,omitempty"`
	Action    string `json:"action"`
	Field     string `json:"field,omitempty"`
	OldValue  string `json:"old_value,omitempty"`
	NewValue  string `json:"new_value,omitempty"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"user_id"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID               string          `json:"id"`
	ResidentID       string          `json:"resident_id"`
	ContractID       string          `json:"contract_id"`
	OccurredAt       string          `json:"occurred_at"`
	ServiceItemCode  string          `json:"service_item_code"`
	Description      string          `json:"description"`
	Quantity         int             `json:"quantity"`
	UnitPrice        float64         `json:"unit_price"`
	Amount           float64         `json:"amount"`
	AmountOverridden bool            `json:"amount_overridden"`
	IsDrawdown       bool            `json:"is_drawdown"`
	Status           string          `json:"status"`
	DrawdownStatus   string          `json:"drawdown_status"`
	CreatedAt        string          `json:"created_at"`
	CreatedBy        string          `json:"created_by"`
	PostedAt         string          `json:"posted_at,omitempty"`
	PostedBy         string          `json:"posted_by,omitempty"`
	VoidedAt         string          `json:"voided_at,omitempty"`
	VoidedBy         string          `json:"voided_by,omitempty"`
	VoidReason       string          `json:"void_reason,omitempty"`
	AuditTrail       []AuditEntryDTO `json:"audit_trail,omitempty"`
}

type CreateTransactionRequest struct {
	ResidentID      string           `json:"resident_id"`
	ContractID      string           `json:"contract_id"`
	OccurredAt      string           `json:"occurred_at"`
	ServiceItemCode string           `json:"service_item_code"`
	Description     string           `json:"description"`
	Quantity        int              `json:"quantity"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	IsDrawdown      bool             `json:"is_drawdown"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

// TransactionResultDTO is the post and void response, for success and
// rejection alike.
type TransactionResultDTO struct {
	Success     bool            `json:"success"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Errors      []ViolationDTO  `json:"errors,omitempty"`
	Error       string          `json:"error,omitempty"`
	Shortfall   *float64        `json:"shortfall,omitempty"`
}

type ViolationDTO struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type BalanceImpactDTO struct {
	CurrentBalance float64 `json:"current_balance"`
	Amount         float64 `json:"amount"`
	NewBalance     float64 `json:"new_balance"`
	Shortfall      float64 `json:"shortfall"`
	IsValid        bool    `json:"is_valid"`
}

type ValidationResultDTO struct {
	IsValid       bool             `json:"is_valid"`
	Errors        []ViolationDTO   `json:"errors"`
	Warnings      []string         `json:"warnings"`
	BalanceImpact BalanceImpactDTO `json:"balance_impact"`
	CanProceed    bool             `json:"can_proceed"`
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

type AutomationDTO struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Enabled     bool                `json:"enabled"`
	Frequency   string              `json:"frequency"`
	NextRunDate string              `json:"next_run_date"`
	LastRunAt   string              `json:"last_run_at,omitempty"`
	Items       []AutomationItemDTO `json:"items"`
}

type AutomationItemDTO struct {
	ResidentID      string  `json:"resident_id"`
	ContractID      string  `json:"contract_id"`
	ServiceItemCode string  `json:"service_item_code"`
	Description     string  `json:"description,omitempty"`
	Quantity        int     `json:"quantity"`
	UnitPrice       float64 `json:"unit_price"`
}

type AutomationRunDTO struct {
	ID           string             `json:"id"`
	AutomationID string             `json:"automation_id"`
	RunDate      string             `json:"run_date"`
	Trigger      string             `json:"trigger"`
	Status       string             `json:"status"`
	TotalPosted  float64            `json:"total_posted"`
	Succeeded    int                `json:"succeeded"`
	Failed       int                `json:"failed"`
	Error        string             `json:"error,omitempty"`
	StartedAt    string             `json:"started_at"`
	CompletedAt  string             `json:"completed_at,omitempty"`
	Results      []RunItemResultDTO `json:"results"`
}

type RunItemResultDTO struct {
	ResidentID    string   `json:"resident_id"`
	ContractID    string   `json:"contract_id"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Amount        float64  `json:"amount"`
	Success       bool     `json:"success"`
	Errors        []string `json:"errors,omitempty"`
}

// =============================================================================
// MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Code       string         `json:"code,omitempty"`
	Details    any            `json:"details,omitempty"`
	Violations []ViolationDTO `json:"violations,omitempty"`
	Shortfall  *float64       `json:"shortfall,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toResidentDTO(r generic.Resident) ResidentDTO {
	dto := ResidentDTO{
		ID:         string(r.ID),
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		FullName:   r.FullName(),
		NDISNumber: r.NDISNumber,
		HouseID:    r.HouseID,
		Status:     string(r.Status),
		CreatedAt:  formatTime(r.CreatedAt),
		UpdatedAt:  formatTime(r.UpdatedAt),
		Contracts:  make([]ContractDTO, len(r.Contracts)),
		AuditTrail: toAuditDTOs(r.AuditTrail),
	}
	for i, c := range r.Contracts {
		dto.Contracts[i] = toContractDTO(c)
	}
	return dto
}

func toContractDTO(c generic.FundingContract) ContractDTO {
	dto := ContractDTO{
		ID:             string(c.ID),
		ResidentID:     string(c.ResidentID),
		Type:           string(c.Type),
		OriginalAmount: c.OriginalAmount.Float64(),
		CurrentBalance: c.CurrentBalance.Float64(),
		StartDate:      c.StartDate.String(),
		DrawdownRate:   string(c.DrawdownRate),
		AutoDrawdown:   c.AutoDrawdown,
		Status:         string(c.Status),
		LastDrawdownAt: formatOptTime(c.LastDrawdownAt),
		Version:        c.Version,
		CreatedAt:      formatTime(c.CreatedAt),
		UpdatedAt:      formatTime(c.UpdatedAt),
	}
	if c.EndDate != nil {
		dto.EndDate = c.EndDate.String()
	}
	if c.ParentContractID != nil {
		dto.ParentContractID = string(*c.ParentContractID)
	}
	return dto
}

func toContractDTOs(cs []generic.FundingContract) []ContractDTO {
	dtos := make([]ContractDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toContractDTO(c)
	}
	return dtos
}

func toSummaryDTO(s generic.ContractSummary) ContractSummaryDTO {
	pct, _ := s.DrawdownPercentage.Float64()
	return ContractSummaryDTO{
		ContractID:         string(s.ContractID),
		ResidentID:         string(s.ResidentID),
		Status:             string(s.Status),
		AsOf:               s.AsOf.String(),
		OriginalAmount:     s.OriginalAmount.Float64(),
		LedgerBalance:      s.LedgerBalance.Float64(),
		TimeBasedBalance:   s.TimeBasedBalance.Float64(),
		DrawdownAmount:     s.DrawdownAmount.Float64(),
		DrawdownPercentage: pct,
		DaysUntilExpiry:    s.DaysUntilExpiry,
		ExpiringSoon:       s.ExpiringSoon,
		NeedsRenewal:       s.NeedsRenewal,
	}
}

func toAuditDTOs(entries []generic.AuditLogEntry) []AuditEntryDTO {
	if len(entries) == 0 {
		return nil
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        string(e.ID),
			EntityID:  e.EntityID,
			Action:    string(e.Action),
			Field:     e.Field,
			OldValue:  e.OldValue,
			NewValue:  e.NewValue,
			Timestamp: formatTime(e.Timestamp),
			UserID:    e.UserID,
		}
	}
	return dtos
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		ResidentID:       string(tx.ResidentID),
		ContractID:       string(tx.ContractID),
		OccurredAt:       formatTime(tx.OccurredAt),
		ServiceItemCode:  tx.ServiceItemCode,
		Description:      tx.Description,
		Quantity:         tx.Quantity,
		UnitPrice:        tx.UnitPrice.Float64(),
		Amount:           tx.Amount.Float64(),
		AmountOverridden: tx.AmountOverridden,
		IsDrawdown:       tx.IsDrawdown,
		Status:           string(tx.Status),
		DrawdownStatus:   string(tx.DrawdownStatus),
		CreatedAt:        formatTime(tx.CreatedAt),
		CreatedBy:        tx.CreatedBy,
		PostedAt:         formatOptTime(tx.PostedAt),
		PostedBy:         tx.PostedBy,
		VoidedAt:         formatOptTime(tx.VoidedAt),
		VoidedBy:         tx.VoidedBy,
		VoidReason:       tx.VoidReason,
		AuditTrail:       toAuditDTOs(tx.AuditTrail),
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toViolationDTOs(vs []generic.Violation) []ViolationDTO {
	dtos := make([]ViolationDTO, len(vs))
	for i, v := range vs {
		dtos[i] = ViolationDTO{Code: string(v.Code), Field: v.Field, Message: v.Message}
	}
	return dtos
}

func toValidationDTO(r drawdown.ValidationResult) ValidationResultDTO {
	warnings := r.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return ValidationResultDTO{
		IsValid:  r.IsValid,
		Errors:   toViolationDTOs(r.Errors),
		Warnings: warnings,
		BalanceImpact: BalanceImpactDTO{
			CurrentBalance: r.BalanceImpact.CurrentBalance.Float64(),
			Amount:         r.BalanceImpact.Amount.Float64(),
			NewBalance:     r.BalanceImpact.NewBalance.Float64(),
			Shortfall:      r.BalanceImpact.Shortfall.Float64(),
			IsValid:        r.BalanceImpact.IsValid,
		},
		CanProceed: r.CanProceed,
	}
}

func toAutomationDTO(a generic.Automation) AutomationDTO {
	dto := AutomationDTO{
		ID:          string(a.ID),
		Name:        a.Name,
		Enabled:     a.Enabled,
		Frequency:   string(a.Frequency),
		NextRunDate: a.NextRunDate.String(),
		LastRunAt:   formatOptTime(a.LastRunAt),
		Items:       make([]AutomationItemDTO, len(a.Items)),
	}
	for i, item := range a.Items {
		dto.Items[i] = AutomationItemDTO{
			ResidentID:      string(item.ResidentID),
			ContractID:      string(item.ContractID),
			ServiceItemCode: item.ServiceItemCode,
			Description:     item.Description,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice.Float64(),
		}
	}
	return dto
}

func toRunDTO(run generic.AutomationRun) AutomationRunDTO {
	dto := AutomationRunDTO{
		ID:           string(run.ID),
		AutomationID: string(run.AutomationID),
		RunDate:      run.RunDate.String(),
		Trigger:      string(run.Trigger),
		Status:       string(run.Status),
		TotalPosted:  run.TotalPosted.Float64(),
		Succeeded:    run.Succeeded,
		Failed:       run.Failed,
		Error:        run.Error,
		StartedAt:    formatTime(run.StartedAt),
		CompletedAt:  formatOptTime(run.CompletedAt),
		Results:      make([]RunItemResultDTO, len(run.Results)),
	}
	for i, res := range run.Results {
		dto.Results[i] = RunItemResultDTO{
			ResidentID:    string(res.ResidentID),
			ContractID:    string(res.ContractID),
			TransactionID: string(res.TransactionID),
			Amount:        res.Amount.Float64(),
			Success:       res.Success,
			Errors:        res.Errors,
		}
	}
	return dto
}
