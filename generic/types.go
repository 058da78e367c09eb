/*
Package generic provides the core drawdown engine.

PURPOSE:
  This package contains the domain types and pure algorithms for managing
  NDIS funding contracts. The same types flow through every layer: the
  contract and transaction services, the billing job, both store
  implementations and the HTTP API.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal amount of Australian dollars, rounded to cents on output
  - Identifiers: Type-safe IDs so a ContractID never passes for a ResidentID
  - IDGenerator: Injected ID source (UUIDs in production, sequences in tests)

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, never float64 arithmetic
  2. Type Safety: Strong typing for IDs prevents mixing entity kinds
  3. No globals: ID generation is a dependency, not package state

USAGE:
  price := generic.NewMoney(193.99)
  amount := price.MulInt(3)

  ids := generic.NewSequenceGenerator()
  txID := generic.TransactionID(ids.NewID("tx")) // "tx-1"

SEE ALSO:
  - contract.go: Funding contracts and the status state machine
  - transaction.go: Drawdown transactions and their lifecycle
  - balance.go: Time-based balance calculation
*/
package generic

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal currency amount
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money             { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int64) Money        { return Money{Value: decimal.NewFromInt(value)} }
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }
func ZeroMoney() Money                         { return Money{Value: decimal.Zero} }

// MoneyFromString parses a decimal string such as "12000.00".
func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustMoney parses s and panics on malformed input. Test and fixture use only.
func MustMoney(s string) Money {
	m, err := MoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money          { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money          { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s)} }
func (m Money) MulInt(n int) Money         { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) Neg() Money                 { return Money{Value: m.Value.Neg()} }
func (m Money) Round() Money               { return Money{Value: m.Value.Round(2)} }
func (m Money) IsZero() bool               { return m.Value.IsZero() }
func (m Money) IsPositive() bool           { return m.Value.IsPositive() }
func (m Money) IsNegative() bool           { return m.Value.IsNegative() }
func (m Money) GreaterThan(o Money) bool   { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool      { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool         { return m.Value.Equal(o.Value) }
func (m Money) Float64() float64           { f, _ := m.Value.Round(2).Float64(); return f }
func (m Money) String() string             { return m.Value.StringFixed(2) }

// WholeCents reports whether m has no precision below one cent.
func (m Money) WholeCents() bool { return m.Value.Equal(m.Value.Round(2)) }

func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResidentID string
type ContractID string
type TransactionID string
type AuditID string
type AutomationID string
type RunID string

// IDGenerator hands out unique identifiers. Prefixes keep IDs readable
// in logs ("tx-...", "ctr-...").
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDGenerator produces "<prefix>-<uuid v4>" identifiers.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// SequenceGenerator produces "<prefix>-<n>" with an independent counter per
// prefix. Deterministic, safe for concurrent use.
type SequenceGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{counters: make(map[string]int)}
}

func (g *SequenceGenerator) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[prefix]++
	return fmt.Sprintf("%s-%d", prefix, g.counters[prefix])
}

// ID prefixes used across the engine.
const (
	PrefixResident    = "res"
	PrefixContract    = "ctr"
	PrefixTransaction = "tx"
	PrefixAudit       = "aud"
	PrefixAutomation  = "auto"
	PrefixRun         = "run"
)
