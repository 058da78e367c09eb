package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/drawdown-engine/generic"
)

// queries runs SQL against a *sql.DB or *sql.Tx without locking. Rows are
// always fully read and closed before the next statement, since the pool
// holds a single connection.
type queries struct {
	db querier
}

// =============================================================================
// RESIDENTS
// =============================================================================

func (q *queries) SaveResident(ctx context.Context, r *generic.Resident) error {
	query := `
		INSERT INTO residents (id, first_name, last_name, ndis_number, house_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			ndis_number = excluded.ndis_number,
			house_id = excluded.house_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		r.ID, r.FirstName, r.LastName, nullString(r.NDISNumber), nullString(r.HouseID),
		r.Status, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return storageErr("save resident "+string(r.ID), err)
}

const residentColumns = `id, first_name, last_name, ndis_number, house_id, status, created_at, updated_at`

func (q *queries) GetResident(ctx context.Context, id generic.ResidentID) (*generic.Resident, error) {
	rs, err := q.queryResidents(ctx, "SELECT "+residentColumns+" FROM residents WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, generic.NotFound("resident", string(id))
	}
	return &rs[0], nil
}

func (q *queries) ListResidents(ctx context.Context) ([]generic.Resident, error) {
	return q.queryResidents(ctx, "SELECT "+residentColumns+" FROM residents ORDER BY created_at ASC, id ASC")
}

func (q *queries) queryResidents(ctx context.Context, query string, args ...any) ([]generic.Resident, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query residents", err)
	}
	defer rows.Close()

	var out []generic.Resident
	for rows.Next() {
		var (
			r                    generic.Resident
			ndis, house          sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.FirstName, &r.LastName, &ndis, &house, &r.Status, &createdAt, &updatedAt); err != nil {
			return nil, storageErr("scan resident", err)
		}
		var d decoder
		r.NDISNumber = ndis.String
		r.HouseID = house.String
		r.CreatedAt = d.time(createdAt)
		r.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, &generic.CorruptRecordError{Kind: "resident", ID: string(r.ID), Err: d.err}
		}
		out = append(out, r)
	}
	return out, storageErr("iterate residents", rows.Err())
}

// =============================================================================
// CONTRACTS
// =============================================================================

const contractColumns = `id, resident_id, contract_type, original_amount, current_balance, start_date,
	end_date, drawdown_rate, auto_drawdown, status, parent_contract_id, last_drawdown_at,
	version, created_at, updated_at`

func (q *queries) InsertContract(ctx context.Context, c *generic.FundingContract) error {
	query := `INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		c.ID, c.ResidentID, c.Type, c.OriginalAmount.Value.String(), c.CurrentBalance.Value.String(),
		c.StartDate.String(), formatOptDate(c.EndDate), c.DrawdownRate, c.AutoDrawdown, c.Status,
		formatOptID(c.ParentContractID), formatOptTime(c.LastDrawdownAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return storageErr("insert contract "+string(c.ID), err)
	}
	c.Version = 1
	return nil
}

func (q *queries) SaveContract(ctx context.Context, c *generic.FundingContract) error {
	query := `
		UPDATE contracts SET
			contract_type = ?, current_balance = ?, start_date = ?, end_date = ?,
			drawdown_rate = ?, auto_drawdown = ?, status = ?, parent_contract_id = ?,
			last_drawdown_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := q.db.ExecContext(ctx, query,
		c.Type, c.CurrentBalance.Value.String(), c.StartDate.String(), formatOptDate(c.EndDate),
		c.DrawdownRate, c.AutoDrawdown, c.Status, formatOptID(c.ParentContractID),
		formatOptTime(c.LastDrawdownAt), formatTime(c.UpdatedAt),
		c.ID, c.Version,
	)
	if err != nil {
		return storageErr("save contract "+string(c.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("save contract "+string(c.ID), err)
	}
	if n == 0 {
		var stored int
		err := q.db.QueryRowContext(ctx, "SELECT version FROM contracts WHERE id = ?", c.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return generic.NotFound("contract", string(c.ID))
		}
		if err != nil {
			return storageErr("save contract "+string(c.ID), err)
		}
		return fmt.Errorf("contract %s at version %d, have %d: %w",
			c.ID, stored, c.Version, generic.ErrConcurrentModification)
	}
	c.Version++
	return nil
}

func (q *queries) GetContract(ctx context.Context, id generic.ContractID) (*generic.FundingContract, error) {
	cs, err := q.queryContracts(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, generic.NotFound("contract", string(id))
	}
	return &cs[0], nil
}

func (q *queries) ListContracts(ctx context.Context, f generic.ContractFilter) ([]generic.FundingContract, error) {
	var (
		where []string
		args  []any
	)
	if f.ResidentID != nil {
		where = append(where, "resident_id = ?")
		args = append(args, *f.ResidentID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	query := "SELECT " + contractColumns + " FROM contracts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_date ASC, id ASC"
	return q.queryContracts(ctx, query, args...)
}

func (q *queries) queryContracts(ctx context.Context, query string, args ...any) ([]generic.FundingContract, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query contracts", err)
	}
	defer rows.Close()

	var out []generic.FundingContract
	for rows.Next() {
		var (
			c                         generic.FundingContract
			original, balance, start  string
			end, parent, lastDrawdown sql.NullString
			createdAt, updatedAt      string
		)
		if err := rows.Scan(
			&c.ID, &c.ResidentID, &c.Type, &original, &balance, &start,
			&end, &c.DrawdownRate, &c.AutoDrawdown, &c.Status, &parent, &lastDrawdown,
			&c.Version, &createdAt, &updatedAt,
		); err != nil {
			return nil, storageErr("scan contract", err)
		}

		var d decoder
		c.OriginalAmount = d.money(original)
		c.CurrentBalance = d.money(balance)
		c.StartDate = d.date(start)
		c.EndDate = d.optDate(end)
		c.LastDrawdownAt = d.optTime(lastDrawdown)
		c.CreatedAt = d.time(createdAt)
		c.UpdatedAt = d.time(updatedAt)
		if parent.Valid {
			p := generic.ContractID(parent.String)
			c.ParentContractID = &p
		}
		if d.err == nil && !c.Status.Valid() {
			d.err = fmt.Errorf("unknown status %q", c.Status)
		}
		if d.err != nil {
			return nil, &generic.CorruptRecordError{Kind: "contract", ID: string(c.ID), Err: d.err}
		}
		out = append(out, c)
	}
	return out, storageErr("iterate contracts", rows.Err())
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, resident_id, contract_id, occurred_at, service_item_code, description,
	quantity, unit_price, amount, amount_overridden, is_drawdown, status, drawdown_status,
	created_at, created_by, posted_at, posted_by, voided_at, voided_by, void_reason`

func (q *queries) InsertTransaction(ctx context.Context, tx *generic.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		tx.ID, tx.ResidentID, tx.ContractID, formatTime(tx.OccurredAt),
		nullString(tx.ServiceItemCode), nullString(tx.Description),
		tx.Quantity, tx.UnitPrice.Value.String(), tx.Amount.Value.String(),
		tx.AmountOverridden, tx.IsDrawdown, tx.Status, tx.DrawdownStatus,
		formatTime(tx.CreatedAt), nullString(tx.CreatedBy),
		formatOptTime(tx.PostedAt), nullString(tx.PostedBy),
		formatOptTime(tx.VoidedAt), nullString(tx.VoidedBy), nullString(tx.VoidReason),
	)
	return storageErr("insert transaction "+string(tx.ID), err)
}

func (q *queries) UpdateTransaction(ctx context.Context, tx *generic.Transaction) error {
	query := `
		UPDATE transactions SET
			occurred_at = ?, service_item_code = ?, description = ?, quantity = ?,
			unit_price = ?, amount = ?, amount_overridden = ?, status = ?, drawdown_status = ?,
			posted_at = ?, posted_by = ?, voided_at = ?, voided_by = ?, void_reason = ?
		WHERE id = ?
	`
	res, err := q.db.ExecContext(ctx, query,
		formatTime(tx.OccurredAt), nullString(tx.ServiceItemCode), nullString(tx.Description),
		tx.Quantity, tx.UnitPrice.Value.String(), tx.Amount.Value.String(), tx.AmountOverridden,
		tx.Status, tx.DrawdownStatus,
		formatOptTime(tx.PostedAt), nullString(tx.PostedBy),
		formatOptTime(tx.VoidedAt), nullString(tx.VoidedBy), nullString(tx.VoidReason),
		tx.ID,
	)
	if err != nil {
		return storageErr("update transaction "+string(tx.ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("transaction", string(tx.ID))
	}
	return nil
}

func (q *queries) DeleteTransaction(ctx context.Context, id generic.TransactionID) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	if err != nil {
		return storageErr("delete transaction "+string(id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("transaction", string(id))
	}
	return nil
}

func (q *queries) GetTransaction(ctx context.Context, id generic.TransactionID) (*generic.Transaction, error) {
	txs, err := q.queryTransactions(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, generic.NotFound("transaction", string(id))
	}
	return &txs[0], nil
}

func (q *queries) ListTransactions(ctx context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.ResidentID != nil {
		where = append(where, "resident_id = ?")
		args = append(args, *f.ResidentID)
	}
	if f.ContractID != nil {
		where = append(where, "contract_id = ?")
		args = append(args, *f.ContractID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at ASC, id ASC"
	return q.queryTransactions(ctx, query, args...)
}

// SumPosted reads only the covering index and sums in decimal, so no
// floating-point SUM() is involved.
func (q *queries) SumPosted(ctx context.Context, contractID generic.ContractID, exclude generic.TransactionID) (generic.Money, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, amount FROM transactions
		WHERE contract_id = ? AND status = 'posted' AND id != ?
	`, contractID, exclude)
	if err != nil {
		return generic.Money{}, storageErr("sum posted", err)
	}
	defer rows.Close()

	total := generic.ZeroMoney()
	for rows.Next() {
		var id, amount string
		if err := rows.Scan(&id, &amount); err != nil {
			return generic.Money{}, storageErr("scan posted amount", err)
		}
		m, err := generic.MoneyFromString(amount)
		if err != nil {
			return generic.Money{}, &generic.CorruptRecordError{Kind: "transaction", ID: id, Err: err}
		}
		total = total.Add(m)
	}
	return total, storageErr("iterate posted amounts", rows.Err())
}

func (q *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query transactions", err)
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		var (
			tx                            generic.Transaction
			occurredAt, unitPrice, amount string
			code, description, createdBy  sql.NullString
			postedAt, postedBy, voidedAt  sql.NullString
			voidedBy, voidReason          sql.NullString
			createdAt                     string
		)
		if err := rows.Scan(
			&tx.ID, &tx.ResidentID, &tx.ContractID, &occurredAt, &code, &description,
			&tx.Quantity, &unitPrice, &amount, &tx.AmountOverridden, &tx.IsDrawdown,
			&tx.Status, &tx.DrawdownStatus,
			&createdAt, &createdBy, &postedAt, &postedBy, &voidedAt, &voidedBy, &voidReason,
		); err != nil {
			return nil, storageErr("scan transaction", err)
		}

		var d decoder
		tx.OccurredAt = d.time(occurredAt)
		tx.UnitPrice = d.money(unitPrice)
		tx.Amount = d.money(amount)
		tx.CreatedAt = d.time(createdAt)
		tx.PostedAt = d.optTime(postedAt)
		tx.VoidedAt = d.optTime(voidedAt)
		tx.ServiceItemCode = code.String
		tx.Description = description.String
		tx.CreatedBy = createdBy.String
		tx.PostedBy = postedBy.String
		tx.VoidedBy = voidedBy.String
		tx.VoidReason = voidReason.String
		if d.err != nil {
			return nil, &generic.CorruptRecordError{Kind: "transaction", ID: string(tx.ID), Err: d.err}
		}
		out = append(out, tx)
	}
	return out, storageErr("iterate transactions", rows.Err())
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e generic.AuditLogEntry) error {
	query := `
		INSERT INTO audit_log (id, subject_type, subject_id, entity_id, action, field, old_value, new_value, timestamp, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.db.ExecContext(ctx, query,
		e.ID, e.SubjectType, e.SubjectID, nullString(e.EntityID), e.Action,
		nullString(e.Field), nullString(e.OldValue), nullString(e.NewValue),
		formatTime(e.Timestamp), nullString(e.UserID),
	)
	return storageErr("append audit "+string(e.ID), err)
}

func (q *queries) AuditTrail(ctx context.Context, subject generic.AuditSubject, subjectID string) ([]generic.AuditLogEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, entity_id, action, field, old_value, new_value, timestamp, user_id
		FROM audit_log
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY seq ASC
	`, subject, subjectID)
	if err != nil {
		return nil, storageErr("query audit log", err)
	}
	defer rows.Close()

	var out []generic.AuditLogEntry
	for rows.Next() {
		var (
			e                                     generic.AuditLogEntry
			entity, field, oldValue, newValue, by sql.NullString
			ts                                    string
		)
		if err := rows.Scan(&e.ID, &e.SubjectType, &e.SubjectID, &entity, &e.Action,
			&field, &oldValue, &newValue, &ts, &by); err != nil {
			return nil, storageErr("scan audit entry", err)
		}
		var d decoder
		e.Timestamp = d.time(ts)
		if d.err != nil {
			return nil, &generic.CorruptRecordError{Kind: "audit", ID: string(e.ID), Err: d.err}
		}
		e.EntityID = entity.String
		e.Field = field.String
		e.OldValue = oldValue.String
		e.NewValue = newValue.String
		e.UserID = by.String
		out = append(out, e)
	}
	return out, storageErr("iterate audit log", rows.Err())
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

// automationItemJSON is the persisted shape of an AutomationItem.
type automationItemJSON struct {
	ResidentID      string `json:"resident_id"`
	ContractID      string `json:"contract_id"`
	ServiceItemCode string `json:"service_item_code"`
	Description     string `json:"description"`
	Quantity        int    `json:"quantity"`
	UnitPrice       string `json:"unit_price"`
}

type runResultJSON struct {
	ResidentID    string   `json:"resident_id"`
	ContractID    string   `json:"contract_id"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Amount        string   `json:"amount"`
	Success       bool     `json:"success"`
	Errors        []string `json:"errors,omitempty"`
}

func (q *queries) SaveAutomation(ctx context.Context, a *generic.Automation) error {
	items := make([]automationItemJSON, len(a.Items))
	for i, it := range a.Items {
		items[i] = automationItemJSON{
			ResidentID:      string(it.ResidentID),
			ContractID:      string(it.ContractID),
			ServiceItemCode: it.ServiceItemCode,
			Description:     it.Description,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice.Value.String(),
		}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode automation items: %w", err)
	}

	query := `
		INSERT INTO automations (id, name, enabled, frequency, next_run_date, anchor_date, last_run_at, items_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			frequency = excluded.frequency,
			next_run_date = excluded.next_run_date,
			anchor_date = excluded.anchor_date,
			last_run_at = excluded.last_run_at,
			items_json = excluded.items_json,
			updated_at = excluded.updated_at
	`
	anchor := a.AnchorDate
	if anchor.IsZero() {
		anchor = a.NextRunDate
	}
	_, err = q.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Enabled, a.Frequency, a.NextRunDate.String(), anchor.String(), formatOptTime(a.LastRunAt),
		string(itemsJSON), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return storageErr("save automation "+string(a.ID), err)
}

const automationColumns = `id, name, enabled, frequency, next_run_date, anchor_date, last_run_at, items_json, created_at, updated_at`

func (q *queries) GetAutomation(ctx context.Context, id generic.AutomationID) (*generic.Automation, error) {
	as, err := q.queryAutomations(ctx, "SELECT "+automationColumns+" FROM automations WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(as) == 0 {
		return nil, generic.NotFound("automation", string(id))
	}
	return &as[0], nil
}

func (q *queries) ListAutomations(ctx context.Context) ([]generic.Automation, error) {
	return q.queryAutomations(ctx, "SELECT "+automationColumns+" FROM automations ORDER BY id ASC")
}

func (q *queries) queryAutomations(ctx context.Context, query string, args ...any) ([]generic.Automation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query automations", err)
	}
	defer rows.Close()

	var out []generic.Automation
	for rows.Next() {
		var (
			a                    generic.Automation
			nextRun, anchor      string
			itemsJSON            string
			lastRun              sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Enabled, &a.Frequency, &nextRun, &anchor, &lastRun,
			&itemsJSON, &createdAt, &updatedAt); err != nil {
			return nil, storageErr("scan automation", err)
		}

		var d decoder
		a.NextRunDate = d.date(nextRun)
		a.AnchorDate = d.date(anchor)
		a.LastRunAt = d.optTime(lastRun)
		a.CreatedAt = d.time(createdAt)
		a.UpdatedAt = d.time(updatedAt)
		var items []automationItemJSON
		d.json(itemsJSON, &items)
		for _, it := range items {
			a.Items = append(a.Items, generic.AutomationItem{
				ResidentID:      generic.ResidentID(it.ResidentID),
				ContractID:      generic.ContractID(it.ContractID),
				ServiceItemCode: it.ServiceItemCode,
				Description:     it.Description,
				Quantity:        it.Quantity,
				UnitPrice:       d.money(it.UnitPrice),
			})
		}
		if d.err != nil {
			return nil, &generic.CorruptRecordError{Kind: "automation", ID: string(a.ID), Err: d.err}
		}
		out = append(out, a)
	}
	return out, storageErr("iterate automations", rows.Err())
}

// =============================================================================
// AUTOMATION RUNS
// =============================================================================

const runColumns = `id, automation_id, run_date, trigger_kind, status, results_json, total_posted,
	succeeded, failed, error, started_at, completed_at`

func (q *queries) InsertRun(ctx context.Context, run *generic.AutomationRun) error {
	results, err := encodeResults(run.Results)
	if err != nil {
		return err
	}
	query := `INSERT INTO automation_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.db.ExecContext(ctx, query,
		run.ID, run.AutomationID, run.RunDate.String(), run.Trigger, run.Status, results,
		run.TotalPosted.Value.String(), run.Succeeded, run.Failed, nullString(run.Error),
		formatTime(run.StartedAt), formatOptTime(run.CompletedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("automation %s on %s: %w", run.AutomationID, run.RunDate, generic.ErrRunAlreadyClaimed)
	}
	return storageErr("insert run "+string(run.ID), err)
}

func (q *queries) UpdateRun(ctx context.Context, run *generic.AutomationRun) error {
	results, err := encodeResults(run.Results)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE automation_runs SET
			status = ?, results_json = ?, total_posted = ?, succeeded = ?, failed = ?,
			error = ?, completed_at = ?
		WHERE id = ?
	`, run.Status, results, run.TotalPosted.Value.String(), run.Succeeded, run.Failed,
		nullString(run.Error), formatOptTime(run.CompletedAt), run.ID)
	if err != nil {
		return storageErr("update run "+string(run.ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("run", string(run.ID))
	}
	return nil
}

func (q *queries) FindRun(ctx context.Context, id generic.AutomationID, runDate generic.TimePoint) (*generic.AutomationRun, error) {
	runs, err := q.queryRuns(ctx, "SELECT "+runColumns+" FROM automation_runs WHERE automation_id = ? AND run_date = ?",
		id, runDate.String())
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, generic.NotFound("run", string(id)+"@"+runDate.String())
	}
	return &runs[0], nil
}

func (q *queries) ListRuns(ctx context.Context, id generic.AutomationID) ([]generic.AutomationRun, error) {
	return q.queryRuns(ctx, "SELECT "+runColumns+" FROM automation_runs WHERE automation_id = ? ORDER BY started_at DESC, id DESC", id)
}

func (q *queries) queryRuns(ctx context.Context, query string, args ...any) ([]generic.AutomationRun, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query runs", err)
	}
	defer rows.Close()

	var out []generic.AutomationRun
	for rows.Next() {
		var (
			r                           generic.AutomationRun
			runDate, resultsJSON, total string
			errMsg, completedAt         sql.NullString
			startedAt                   string
		)
		if err := rows.Scan(&r.ID, &r.AutomationID, &runDate, &r.Trigger, &r.Status, &resultsJSON,
			&total, &r.Succeeded, &r.Failed, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, storageErr("scan run", err)
		}

		var d decoder
		r.RunDate = d.date(runDate)
		r.TotalPosted = d.money(total)
		r.StartedAt = d.time(startedAt)
		r.CompletedAt = d.optTime(completedAt)
		r.Error = errMsg.String
		var results []runResultJSON
		d.json(resultsJSON, &results)
		for _, res := range results {
			r.Results = append(r.Results, generic.RunItemResult{
				ResidentID:    generic.ResidentID(res.ResidentID),
				ContractID:    generic.ContractID(res.ContractID),
				TransactionID: generic.TransactionID(res.TransactionID),
				Amount:        d.money(res.Amount),
				Success:       res.Success,
				Errors:        res.Errors,
			})
		}
		if d.err != nil {
			return nil, &generic.CorruptRecordError{Kind: "run", ID: string(r.ID), Err: d.err}
		}
		out = append(out, r)
	}
	return out, storageErr("iterate runs", rows.Err())
}

func encodeResults(results []generic.RunItemResult) (string, error) {
	out := make([]runResultJSON, len(results))
	for i, r := range results {
		out[i] = runResultJSON{
			ResidentID:    string(r.ResidentID),
			ContractID:    string(r.ContractID),
			TransactionID: string(r.TransactionID),
			Amount:        r.Amount.Value.String(),
			Success:       r.Success,
			Errors:        r.Errors,
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode run results: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// decoder keeps the first parse error while a row is decoded.
type decoder struct {
	err error
}

func (d *decoder) money(s string) generic.Money {
	m, err := generic.MoneyFromString(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return m
}

func (d *decoder) time(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("parse time %q: %w", s, err)
	}
	return t
}

func (d *decoder) optTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := d.time(ns.String)
	return &t
}

func (d *decoder) date(s string) generic.TimePoint {
	tp, err := generic.ParseDate(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return tp
}

func (d *decoder) optDate(ns sql.NullString) *generic.TimePoint {
	if !ns.Valid {
		return nil
	}
	tp := d.date(ns.String)
	return &tp
}

func (d *decoder) json(s string, v any) {
	if err := json.Unmarshal([]byte(s), v); err != nil && d.err == nil {
		d.err = fmt.Errorf("decode json: %w", err)
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatOptTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatOptDate(tp *generic.TimePoint) sql.NullString {
	if tp == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.String(), Valid: true}
}

func formatOptID(id *generic.ContractID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &generic.StorageError{Op: op, Err: err}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
