/*
Package contracts manages residents and their funding contracts.

PURPOSE:
  Creates residents and contracts, applies contract status transitions,
  and creates renewals. Every mutation appends exactly one audit entry to
  the resident's trail inside the same store transaction as the state
  write, so readers never see a change without its audit record.

STATUS UPDATES:
  Draft → Active        CurrentBalance = OriginalAmount, LastDrawdownAt stamped
  Deactivated → Active  CurrentBalance recomputed from the posted ledger
  → Expired             CurrentBalance forced to 0
  → Renewed             only through CreateContractRenewal
  anything else         *generic.InvalidTransitionError

RENEWALS:
  A renewal is a new Draft contract with ParentContractID set to the
  parent, starting at its own OriginalAmount. The parent becomes Renewed.
  Chains are walked by ID; no contract holds a reference to another.

SEE ALSO:
  - generic/contract.go: CanTransition
  - generic/balance.go: NeedsRenewal, Summarize
*/
package contracts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/metrics"
)

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
		log:     log.With().Str("component", "contracts").Logger(),
		metrics: m,
	}
}

// =============================================================================
// RESIDENTS
// =============================================================================

func (s *Service) CreateResident(ctx context.Context, in generic.NewResident, actor string) (*generic.Resident, error) {
	if err := generic.Invalid(in.Validate()); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	r := generic.Resident{
		ID:         generic.ResidentID(s.ids.NewID(generic.PrefixResident)),
		FirstName:  strings.TrimSpace(in.FirstName),
		LastName:   strings.TrimSpace(in.LastName),
		NDISNumber: in.NDISNumber,
		HouseID:    in.HouseID,
		Status:     generic.ResidentActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		if err := st.SaveResident(ctx, &r); err != nil {
			return err
		}
		entry := s.audit.Entry(generic.AuditSubjectResident, string(r.ID), generic.AuditResidentCreated, actor).
			Change(string(r.ID), "status", "", string(r.Status))
		return st.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("resident_id", string(r.ID)).Msg("resident created")
	return s.GetResident(ctx, r.ID)
}

// GetResident loads the resident with its contracts and audit trail.
func (s *Service) GetResident(ctx context.Context, id generic.ResidentID) (*generic.Resident, error) {
	var r *generic.Resident
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		var err error
		r, err = loadResident(ctx, st, id)
		return err
	})
	return r, err
}

func (s *Service) ListResidents(ctx context.Context) ([]generic.Resident, error) {
	return s.store.ListResidents(ctx)
}

func loadResident(ctx context.Context, st generic.Store, id generic.ResidentID) (*generic.Resident, error) {
	r, err := st.GetResident(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Contracts, err = st.ListContracts(ctx, generic.ContractFilter{ResidentID: &id}); err != nil {
		return nil, err
	}
	if r.AuditTrail, err = st.AuditTrail(ctx, generic.AuditSubjectResident, string(id)); err != nil {
		return nil, err
	}
	return r, nil
}

// =============================================================================
// CONTRACTS
// =============================================================================

// CreateContract adds a Draft contract to a resident.
func (s *Service) CreateContract(ctx context.Context, residentID generic.ResidentID, terms generic.ContractTerms, actor string) (*generic.Resident, error) {
	if err := generic.Invalid(terms.Validate()); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var r *generic.Resident
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		if _, err := st.GetResident(ctx, residentID); err != nil {
			return err
		}
		c := generic.NewContract(generic.ContractID(s.ids.NewID(generic.PrefixContract)), residentID, terms, now)
		if err := st.InsertContract(ctx, &c); err != nil {
			return err
		}
		entry := s.audit.Entry(generic.AuditSubjectResident, string(residentID), generic.AuditContractCreated, actor).
			Change(string(c.ID), "contractStatus", "", string(c.Status))
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
		var err error
		r, err = loadResident(ctx, st, residentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("resident_id", string(residentID)).Str("amount", terms.OriginalAmount.String()).Msg("contract created")
	return r, nil
}

// UpdateContractStatus applies one state-machine transition.
func (s *Service) UpdateContractStatus(ctx context.Context, residentID generic.ResidentID, contractID generic.ContractID, to generic.ContractStatus, actor string) (*generic.Resident, error) {
	if !to.Valid() {
		return nil, generic.Invalid([]generic.Violation{{
			Code: generic.RuleStatusUnknown, Field: "status", Message: fmt.Sprintf("unknown contract status %q", to),
		}})
	}

	now := s.clock.Now()
	var (
		r    *generic.Resident
		from generic.ContractStatus
	)
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		c, err := contractOf(ctx, st, residentID, contractID)
		if err != nil {
			return err
		}
		from = c.Status
		if to == generic.ContractRenewed {
			return &generic.InvalidTransitionError{
				Entity: "contract", ID: string(c.ID), From: string(from), To: string(to),
				Reason: "contracts are renewed by creating a renewal",
			}
		}
		if !generic.CanTransition(from, to) {
			return &generic.InvalidTransitionError{Entity: "contract", ID: string(c.ID), From: string(from), To: string(to)}
		}

		c.Status = to
		c.UpdatedAt = now
		switch {
		case from == generic.ContractDraft && to == generic.ContractActive:
			c.CurrentBalance = c.OriginalAmount
			c.LastDrawdownAt = &now
		case to == generic.ContractExpired:
			c.CurrentBalance = generic.ZeroMoney()
		}
		if err := st.SaveContract(ctx, c); err != nil {
			return err
		}
		if from == generic.ContractDeactivated && to == generic.ContractActive {
			if _, err := generic.RecomputeContractBalance(ctx, st, c.ID, now); err != nil {
				return err
			}
		}

		entry := s.audit.Entry(generic.AuditSubjectResident, string(residentID), generic.AuditContractStatusChange, actor).
			Change(string(c.ID), "contractStatus", string(from), string(to))
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
		r, err = loadResident(ctx, st, residentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(from), string(to))
	s.log.Info().
		Str("contract_id", string(contractID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("contract status changed")
	return r, nil
}

// CreateContractRenewal creates a Draft child of parentID and marks the
// parent Renewed. The child does not inherit the parent's balance.
func (s *Service) CreateContractRenewal(ctx context.Context, residentID generic.ResidentID, parentID generic.ContractID, terms generic.ContractTerms, actor string) (*generic.Resident, error) {
	if err := generic.Invalid(terms.Validate()); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		r       *generic.Resident
		childID generic.ContractID
		from    generic.ContractStatus
	)
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		parent, err := contractOf(ctx, st, residentID, parentID)
		if err != nil {
			return err
		}
		from = parent.Status
		if !generic.CanTransition(from, generic.ContractRenewed) {
			return &generic.InvalidTransitionError{
				Entity: "contract", ID: string(parent.ID), From: string(from), To: string(generic.ContractRenewed),
				Reason: "only Active or Expired contracts can be renewed",
			}
		}

		child := generic.NewContract(generic.ContractID(s.ids.NewID(generic.PrefixContract)), residentID, terms, now)
		pid := parent.ID
		child.ParentContractID = &pid
		if err := st.InsertContract(ctx, &child); err != nil {
			return err
		}
		childID = child.ID

		parent.Status = generic.ContractRenewed
		parent.UpdatedAt = now
		if err := st.SaveContract(ctx, parent); err != nil {
			return err
		}

		entry := s.audit.Entry(generic.AuditSubjectResident, string(residentID), generic.AuditContractRenewed, actor).
			Change(string(child.ID), "parentContractId", "", string(parent.ID))
		if err := st.AppendAudit(ctx, entry); err != nil {
			return err
		}
		r, err = loadResident(ctx, st, residentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(from), string(generic.ContractRenewed))
	s.log.Info().
		Str("parent_contract_id", string(parentID)).
		Str("contract_id", string(childID)).
		Str("actor", actor).
		Msg("contract renewed")
	return r, nil
}

// ExpireOverdue moves every Active contract whose end date has passed to
// Expired. Returns the number expired.
func (s *Service) ExpireOverdue(ctx context.Context, actor string) (int, error) {
	now := s.clock.Now()
	today := generic.DateOf(now)
	expired := 0
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		active, err := st.ListContracts(ctx, generic.ContractFilter{Statuses: []generic.ContractStatus{generic.ContractActive}})
		if err != nil {
			return err
		}
		expired = 0
		for i := range active {
			c := &active[i]
			if c.EndDate == nil || !today.After(*c.EndDate) {
				continue
			}
			c.Status = generic.ContractExpired
			c.CurrentBalance = generic.ZeroMoney()
			c.UpdatedAt = now
			if err := st.SaveContract(ctx, c); err != nil {
				return err
			}
			entry := s.audit.Entry(generic.AuditSubjectResident, string(c.ResidentID), generic.AuditContractStatusChange, actor).
				Change(string(c.ID), "contractStatus", string(generic.ContractActive), string(generic.ContractExpired))
			if err := st.AppendAudit(ctx, entry); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := 0; i < expired; i++ {
		s.metrics.Transition(string(generic.ContractActive), string(generic.ContractExpired))
	}
	if expired > 0 {
		s.log.Info().Int("count", expired).Msg("contracts expired")
	}
	return expired, nil
}

// RenewalQueue lists Active and Expired contracts that need renewal, soonest first.
func (s *Service) RenewalQueue(ctx context.Context) ([]generic.ContractSummary, error) {
	now := s.clock.Now()
	cs, err := s.store.ListContracts(ctx, generic.ContractFilter{
		Statuses: []generic.ContractStatus{generic.ContractActive, generic.ContractExpired},
	})
	if err != nil {
		return nil, err
	}
	var out []generic.ContractSummary
	for _, c := range cs {
		if generic.NeedsRenewal(c, now) {
			out = append(out, generic.Summarize(c, now))
		}
	}
	sortByExpiry(out)
	return out, nil
}

// RenewalChain returns the contract and its ancestors, newest first.
func (s *Service) RenewalChain(ctx context.Context, id generic.ContractID) ([]generic.FundingContract, error) {
	var chain []generic.FundingContract
	err := s.store.WithTx(ctx, func(st generic.Store) error {
		seen := make(map[generic.ContractID]bool)
		next := &id
		for next != nil {
			if seen[*next] {
				return &generic.CorruptRecordError{Kind: "contract", ID: string(*next), Err: fmt.Errorf("renewal chain cycle")}
			}
			seen[*next] = true
			c, err := st.GetContract(ctx, *next)
			if err != nil {
				return err
			}
			chain = append(chain, *c)
			next = c.ParentContractID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// Summary reports the derived balance view of one contract as of now.
func (s *Service) Summary(ctx context.Context, residentID generic.ResidentID, contractID generic.ContractID) (*generic.ContractSummary, error) {
	return s.SummaryAsOf(ctx, residentID, contractID, generic.TimePoint{})
}

// SummaryAsOf is Summary evaluated at the start of asOf (zero means now).
func (s *Service) SummaryAsOf(ctx context.Context, residentID generic.ResidentID, contractID generic.ContractID, asOf generic.TimePoint) (*generic.ContractSummary, error) {
	c, err := contractOf(ctx, s.store, residentID, contractID)
	if err != nil {
		return nil, err
	}
	at := s.clock.Now()
	if !asOf.IsZero() {
		at = asOf.Time
	}
	summary := generic.Summarize(*c, at)
	return &summary, nil
}

// contractOf loads a contract and checks it belongs to residentID.
func contractOf(ctx context.Context, st generic.Store, residentID generic.ResidentID, contractID generic.ContractID) (*generic.FundingContract, error) {
	if _, err := st.GetResident(ctx, residentID); err != nil {
		return nil, err
	}
	c, err := st.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ResidentID != residentID {
		return nil, generic.NotFound("contract", string(contractID))
	}
	return c, nil
}

// sortByExpiry orders summaries by days until expiry, then contract ID.
func sortByExpiry(s []generic.ContractSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		di, dj := *s[i].DaysUntilExpiry, *s[j].DaysUntilExpiry
		if di != dj {
			return di < dj
		}
		return s[i].ContractID < s[j].ContractID
	})
}
