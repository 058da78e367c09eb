package generic

import (
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// RESIDENT - NDIS participant who owns funding contracts
// =============================================================================

type ResidentStatus string

const (
	ResidentActive   ResidentStatus = "active"
	ResidentInactive ResidentStatus = "inactive"
)

type Resident struct {
	ID         ResidentID
	FirstName  string
	LastName   string
	NDISNumber string
	HouseID    string
	Status     ResidentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Views populated on read, never persisted with the resident row.
	Contracts  []FundingContract
	AuditTrail []AuditLogEntry
}

func (r Resident) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Contract finds one of the resident's loaded contracts.
func (r Resident) Contract(id ContractID) (FundingContract, bool) {
	for _, c := range r.Contracts {
		if c.ID == id {
			return c, true
		}
	}
	return FundingContract{}, false
}

// NewResident is the input for creating a resident.
type NewResident struct {
	FirstName  string
	LastName   string
	NDISNumber string
	HouseID    string
}

var ndisNumberPattern = regexp.MustCompile(`^\d{9}$`)

func (n NewResident) Validate() []Violation {
	var v []Violation
	if strings.TrimSpace(n.FirstName) == "" {
		v = append(v, Violation{Code: RuleNameMissing, Field: "firstName", Message: "first name is required"})
	}
	if strings.TrimSpace(n.LastName) == "" {
		v = append(v, Violation{Code: RuleNameMissing, Field: "lastName", Message: "last name is required"})
	}
	if n.NDISNumber != "" && !ndisNumberPattern.MatchString(n.NDISNumber) {
		v = append(v, Violation{Code: RuleNDISNumberFormat, Field: "ndisNumber", Message: "NDIS number must be 9 digits"})
	}
	return v
}
