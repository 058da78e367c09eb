package drawdown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/metrics"
)

// =============================================================================
// SERVICE - Transaction lifecycle (draft → posted → voided)
// =============================================================================

// Service owns the transaction lifecycle. Every mutation runs inside one
// TxStore.WithTx call together with its audit entry and, for post and void,
// the contract balance recompute.
type Service struct {
	store   generic.TxStore
	ids     generic.IDGenerator
	clock   generic.Clock
	audit   generic.AuditRecorder
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewService(store generic.TxStore, ids generic.IDGenerator, clock generic.Clock, log zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		ids:     ids,
		clock:   clock,
		audit:   generic.AuditRecorder{IDs: ids, Clock: clock},
		log:     log.With().Str("component", "drawdown").Logger(),
		metrics: m,
	}
}

// CreateTransactionInput describes a new draft. Amount, when set, overrides
// Quantity × UnitPrice.
type CreateTransactionInput struct {
	ResidentID      generic.ResidentID
	ContractID      generic.ContractID
	OccurredAt      time.Time
	ServiceItemCode string
	Description     string
	Quantity        int
	UnitPrice       generic.Money
	Amount          *generic.Money
	IsDrawdown      bool
}

// shapeViolations checks input shape before anything is stored.
func (in CreateTransactionInput) shapeViolations(amount generic.Money) []generic.Violation {
	var v violations
	if in.IsDrawdown {
		v.serviceCode(in.ServiceItemCode)
		if in.OccurredAt.IsZero() {
			v.add(generic.RuleInvalidDate, "occurredAt", "occurred-at date is missing or invalid")
		}
	}
	if in.Quantity <= 0 {
		v.add(generic.RuleQuantityInvalid, "quantity", "quantity must be a positive integer")
	}
	if in.UnitPrice.IsNegative() {
		v.add(generic.RuleUnitPriceNegative, "unitPrice", "unit price must not be negative")
	}
	if !in.UnitPrice.WholeCents() {
		v.add(generic.RuleSubCentAmount, "unitPrice", "unit price must be in whole cents")
	}
	if !amount.IsPositive() {
		v.add(generic.RuleAmountNotPositive, "amount", "amount must be greater than zero")
	}
	if !amount.WholeCents() {
		v.add(generic.RuleSubCentAmount, "amount", "amount must be in whole cents")
	}
	return v.list
}

// CreateTransaction stores a new draft. Drafts have no balance effect.
func (s *Service) CreateTransaction(ctx context.Context, in CreateTransactionInput, actor string) (*generic.Transaction, error) {
	now := s.clock.Now()
	amount := in.UnitPrice.MulInt(in.Quantity)
	overridden := false
	if in.Amount != nil {
		amount = *in.Amount
		overridden = true
	}

	var created generic.Transaction
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		if _, err := st.GetResident(ctx, in.ResidentID); err != nil {
			return err
		}
		contract, err := st.GetContract(ctx, in.ContractID)
		if err != nil {
			return err
		}

		problems := in.shapeViolations(amount)
		if contract.ResidentID != in.ResidentID {
			problems = append(problems, generic.Violation{
				Code:    generic.RuleParticipantMismatch,
				Field:   "residentId",
				Message: fmt.Sprintf("contract %s does not belong to resident %s", contract.ID, in.ResidentID),
			})
		}
		if err := generic.Invalid(problems); err != nil {
			return err
		}

		created = generic.Transaction{
			ID:               generic.TransactionID(s.ids.NewID(generic.PrefixTransaction)),
			ResidentID:       in.ResidentID,
			ContractID:       in.ContractID,
			OccurredAt:       in.OccurredAt,
			ServiceItemCode:  strings.TrimSpace(in.ServiceItemCode),
			Description:      strings.TrimSpace(in.Description),
			Quantity:         in.Quantity,
			UnitPrice:        in.UnitPrice,
			Amount:           amount,
			AmountOverridden: overridden,
			IsDrawdown:       in.IsDrawdown,
			Status:           generic.TxDraft,
			DrawdownStatus:   generic.DrawdownPending,
			CreatedAt:        now,
			CreatedBy:        actor,
		}
		if err := st.InsertTransaction(ctx, &created); err != nil {
			return err
		}

		entry := s.audit.Entry(generic.AuditSubjectTransaction, string(created.ID), generic.AuditTransactionCreated, actor).
			Change(string(created.ID), "status", "", string(generic.TxDraft))
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
		created.AuditTrail = []generic.AuditLogEntry{entry}
		return nil
	})
	if err != nil {
		s.log.Debug().Err(err).Str("contract_id", string(in.ContractID)).Msg("create transaction rejected")
		return nil, err
	}

	s.log.Info().
		Str("transaction_id", string(created.ID)).
		Str("contract_id", string(created.ContractID)).
		Str("amount", created.Amount.String()).
		Msg("transaction drafted")
	return &created, nil
}

// PostTransaction moves a draft to posted after running the full validator
// against the live ledger. On failure nothing is written and the error is a
// *generic.ValidationFailedError (wrapping *generic.InsufficientBalanceError
// when the amount would overdraw the contract).
func (s *Service) PostTransaction(ctx context.Context, id generic.TransactionID, actor string) (*generic.Transaction, error) {
	now := s.clock.Now()
	var posted generic.Transaction
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != generic.TxDraft {
			return &generic.InvalidTransitionError{
				Entity: "transaction", ID: string(id),
				From: string(tx.Status), To: string(generic.TxPosted),
				Reason: "only draft transactions can be posted",
			}
		}

		if _, err := st.GetResident(ctx, tx.ResidentID); err != nil {
			return err
		}
		contract, err := st.GetContract(ctx, tx.ContractID)
		if err != nil {
			return err
		}
		ledger, err := st.ListTransactions(ctx, generic.PostedOn(contract.ID))
		if err != nil {
			return err
		}

		if err := Validate(*tx, contract, ledger, now).Err(); err != nil {
			return err
		}

		tx.Status = generic.TxPosted
		tx.DrawdownStatus = generic.DrawdownPosted
		tx.PostedAt = &now
		tx.PostedBy = actor
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		entry := s.audit.Entry(generic.AuditSubjectTransaction, string(tx.ID), generic.AuditTransactionPosted, actor).
			Change(string(tx.ID), "status", string(generic.TxDraft), string(generic.TxPosted))
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
		if _, err := generic.RecomputeContractBalance(ctx, st, contract.ID, now); err != nil {
			return err
		}
		posted = *tx
		return nil
	})
	if err != nil {
		s.recordRejection(err)
		s.log.Info().Err(err).Str("transaction_id", string(id)).Msg("post rejected")
		return nil, err
	}

	s.metrics.Posted(posted.Amount.Float64())
	s.log.Info().
		Str("transaction_id", string(posted.ID)).
		Str("contract_id", string(posted.ContractID)).
		Str("amount", posted.Amount.String()).
		Str("actor", actor).
		Msg("transaction posted")
	return s.withTrail(ctx, &posted)
}

// VoidTransaction reverses a posted transaction's balance effect. The row
// stays in history with its void stamps.
func (s *Service) VoidTransaction(ctx context.Context, id generic.TransactionID, reason, actor string) (*generic.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, generic.Invalid([]generic.Violation{{
			Code: generic.RuleReasonMissing, Field: "reason", Message: "a reason is required to void a transaction",
		}})
	}

	now := s.clock.Now()
	var voided generic.Transaction
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != generic.TxPosted {
			return &generic.InvalidTransitionError{
				Entity: "transaction", ID: string(id),
				From: string(tx.Status), To: string(generic.TxVoided),
				Reason: "only posted transactions can be voided",
			}
		}

		tx.Status = generic.TxVoided
		tx.VoidedAt = &now
		tx.VoidedBy = actor
		tx.VoidReason = reason
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		entry := s.audit.Entry(generic.AuditSubjectTransaction, string(tx.ID), generic.AuditTransactionVoided, actor).
			Change(string(tx.ID), "status", string(generic.TxPosted), string(generic.TxVoided))
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
		if _, err := generic.RecomputeContractBalance(ctx, st, tx.ContractID, now); err != nil {
			return err
		}
		voided = *tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Voided()
	s.log.Info().
		Str("transaction_id", string(voided.ID)).
		Str("contract_id", string(voided.ContractID)).
		Str("reason", reason).
		Str("actor", actor).
		Msg("transaction voided")
	return s.withTrail(ctx, &voided)
}

// DeleteTransaction removes a draft. The audit entry goes on the resident's
// trail since the transaction's own trail is gone with it.
func (s *Service) DeleteTransaction(ctx context.Context, id generic.TransactionID, actor string) error {
	return s.store.WithTx(ctx, func(st generic.Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != generic.TxDraft {
			return &generic.InvalidTransitionError{
				Entity: "transaction", ID: string(id),
				From: string(tx.Status), To: "deleted",
				Reason: "only draft transactions can be deleted",
			}
		}
		if err := st.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		entry := s.audit.Entry(generic.AuditSubjectResident, string(tx.ResidentID), generic.AuditTransactionDeleted, actor).
			Change(string(tx.ID), "status", string(generic.TxDraft), "deleted")
		return st.AppendAudit(ctx, entry)
	})
}

// ValidateTransaction dry-runs the validator for a stored transaction.
// A missing contract is reported as a rule failure, not an error.
func (s *Service) ValidateTransaction(ctx context.Context, id generic.TransactionID) (*ValidationResult, error) {
	var result ValidationResult
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		contract, err := st.GetContract(ctx, tx.ContractID)
		if err != nil && !generic.IsNotFound(err) {
			return err
		}
		var ledger []generic.Transaction
		if contract != nil {
			if ledger, err = st.ListTransactions(ctx, generic.PostedOn(contract.ID)); err != nil {
				return err
			}
		}
		result = Validate(*tx, contract, ledger, s.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) GetTransaction(ctx context.Context, id generic.TransactionID) (*generic.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withTrail(ctx, tx)
}

func (s *Service) ListTransactions(ctx context.Context, filter generic.TransactionFilter) ([]generic.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// RecomputeContractBalance is the standalone form of the post/void side effect.
func (s *Service) RecomputeContractBalance(ctx context.Context, id generic.ContractID) (*generic.FundingContract, error) {
	var c *generic.FundingContract
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		var err error
		c, err = generic.RecomputeContractBalance(ctx, st, id, s.clock.Now())
		return err
	})
	return c, err
}

func (s *Service) withTrail(ctx context.Context, tx *generic.Transaction) (*generic.Transaction, error) {
	trail, err := s.store.AuditTrail(ctx, generic.AuditSubjectTransaction, string(tx.ID))
	if err != nil {
		return nil, err
	}
	tx.AuditTrail = trail
	return tx, nil
}

func (s *Service) recordRejection(err error) {
	var vf *generic.ValidationFailedError
	if !errors.As(err, &vf) {
		return
	}
	for _, v := range vf.Violations {
		s.metrics.ValidationFailed(string(v.Code))
	}
}
