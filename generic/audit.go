package generic

import "time"

// =============================================================================
// AUDIT LOG - Append-only record of every mutation
// =============================================================================

// AuditSubject is the record whose trail an entry belongs to.
type AuditSubject string

const (
	AuditSubjectResident    AuditSubject = "resident"
	AuditSubjectTransaction AuditSubject = "transaction"
)

type AuditAction string

const (
	AuditResidentCreated      AuditAction = "resident_created"
	AuditContractCreated      AuditAction = "contract_created"
	AuditContractStatusChange AuditAction = "contract_status_changed"
	AuditContractRenewed      AuditAction = "contract_renewed"
	AuditTransactionCreated   AuditAction = "transaction_created"
	AuditTransactionPosted    AuditAction = "transaction_posted"
	AuditTransactionVoided    AuditAction = "transaction_voided"
	AuditTransactionDeleted   AuditAction = "transaction_deleted"
)

// AuditLogEntry is immutable once appended.
type AuditLogEntry struct {
	ID          AuditID
	SubjectType AuditSubject
	SubjectID   string
	EntityID    string // contract or transaction the change applies to
	Action      AuditAction
	Field       string
	OldValue    string
	NewValue    string
	Timestamp   time.Time
	UserID      string
}

// AuditRecorder builds entries with injected IDs and timestamps.
type AuditRecorder struct {
	IDs   IDGenerator
	Clock Clock
}

func (r AuditRecorder) Entry(subject AuditSubject, subjectID string, action AuditAction, actor string) AuditLogEntry {
	return AuditLogEntry{
		ID:          AuditID(r.IDs.NewID(PrefixAudit)),
		SubjectType: subject,
		SubjectID:   subjectID,
		Action:      action,
		Timestamp:   r.Clock.Now(),
		UserID:      actor,
	}
}

// Change fills the field-level delta of an entry.
func (e AuditLogEntry) Change(entityID, field, oldValue, newValue string) AuditLogEntry {
	e.EntityID = entityID
	e.Field = field
	e.OldValue = oldValue
	e.NewValue = newValue
	return e
}
