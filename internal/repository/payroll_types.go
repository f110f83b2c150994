package repository

import "time"

// ── Domain types for the payroll run ledger ──────────────────────────────────
//
// All money is int64 minor units (cents) in the run's currency.

// RunStatus is the payroll run lifecycle state. Run employees carry the same
// values and mirror (or lag) their run.
type RunStatus string

const (
	RunDraft      RunStatus = "draft"
	RunProcessed  RunStatus = "processed"
	RunApproved   RunStatus = "approved"
	RunReadyToPay RunStatus = "ready_to_pay"
	RunPaid       RunStatus = "paid"
	RunLocked     RunStatus = "locked"
	RunCancelled  RunStatus = "cancelled"
)

// PayrollRun is one month/office payroll computation cycle.
// At most one non-cancelled run exists per (month, office).
type PayrollRun struct {
	ID                   string
	Month                string // "2026-03"
	OfficeID             string
	Status               RunStatus
	Currency             string
	DefaultPaymentMethod string
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PayrollRunEmployee is one employee's line in a run. TotalAdditions and
// TotalDeductions are denormalized sums of the employee's items — cached for
// reads, rebuilt from item rows on every processing pass.
type PayrollRunEmployee struct {
	ID              string
	RunID           string
	EmployeeID      string
	BaseSalary      int64
	TotalAdditions  int64
	TotalDeductions int64
	// NetSalary is the persisted/approved value; CalcNetSalary is recomputed
	// from items; Variance = NetSalary - CalcNetSalary.
	NetSalary     int64
	CalcNetSalary int64
	Variance      int64
	Status        RunStatus
	PaymentMethod string
	PaymentDate   *time.Time
	// PayslipSnapshot is the JSON item list frozen at approval time.
	PayslipSnapshot []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemType classifies an earning or deduction line.
type ItemType string

const (
	ItemAddition  ItemType = "addition"
	ItemDeduction ItemType = "deduction"
)

// ItemOrigin distinguishes system-generated items from manual ones.
type ItemOrigin string

const (
	ItemSourceSystem ItemOrigin = "system"
	ItemSourceManual ItemOrigin = "manual"
)

// PayrollRunItem is a single earning or deduction line. Amount is always
// positive; Type decides the sign in aggregation. Immutable once the owning
// run is locked.
type PayrollRunItem struct {
	ID            string
	RunEmployeeID string
	Type          ItemType
	Origin        ItemOrigin
	Name          string
	Amount        int64
	// SourceRef keys system items to their source record (e.g. a salary
	// advance installment) so reprocessing upserts instead of duplicating.
	SourceRef *string
	Note      *string
	CreatedAt time.Time
}

// PayslipLine is one line of the frozen payslip snapshot.
type PayslipLine struct {
	Type   ItemType `json:"type"`
	Name   string   `json:"name"`
	Amount int64    `json:"amount"`
}

// PaymentBatch is one grouped disbursement event for one payment method
// within a run. BatchNumber is unique per run.
type PaymentBatch struct {
	ID            string
	RunID         string
	PaymentMethod string
	BatchNumber   string
	PaidBy        string
	PaidAt        time.Time
	AttachmentURL *string
	EmployeeCount int
	TotalAmount   int64
	CreatedAt     time.Time
}

// Employee is the directory projection consumed at run creation.
type Employee struct {
	ID            string
	OfficeID      string
	FullName      string
	BaseSalary    int64
	PaymentMethod string
	Active        bool
}

// SourceItem is an earning/deduction pulled from a source system during run
// processing (e.g. an approved salary advance installment due that month).
type SourceItem struct {
	Type      ItemType
	Name      string
	Amount    int64
	SourceRef string
	Note      *string
}

// EmployeeComputation is the recomputed state of one run employee, applied
// atomically by the store during processing.
type EmployeeComputation struct {
	RunEmployeeID   string
	TotalAdditions  int64
	TotalDeductions int64
	CalcNetSalary   int64
	Variance        int64
	// OverwriteNet is false once the employee row has been approved; the
	// persisted net is then frozen and Variance reports drift.
	OverwriteNet bool
	NetSalary    int64
	Status       RunStatus
}

// EmployeeApproval freezes one run employee at approval time.
type EmployeeApproval struct {
	RunEmployeeID   string
	NetSalary       int64
	Variance        int64
	PayslipSnapshot []byte
}
