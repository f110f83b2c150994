package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

func seedReadyToPayRun(t *testing.T, store *MemoryPayrollStore) (*PayrollRun, []*PayrollRunEmployee) {
	t.Helper()
	ctx := context.Background()

	run := &PayrollRun{
		ID:       "run-1",
		Month:    "2026-03",
		OfficeID: "office-1",
		Status:   RunDraft,
		Currency: "LKR",
	}
	employees := []*PayrollRunEmployee{
		{ID: "re-1", RunID: run.ID, EmployeeID: "emp-1", BaseSalary: 100000, NetSalary: 100000, Status: RunDraft, PaymentMethod: "bank"},
		{ID: "re-2", RunID: run.ID, EmployeeID: "emp-2", BaseSalary: 80000, NetSalary: 80000, Status: RunDraft, PaymentMethod: "cash"},
	}
	require.NoError(t, store.CreateRun(ctx, run, employees))

	comps := make([]*EmployeeComputation, 0, len(employees))
	approvals := make([]*EmployeeApproval, 0, len(employees))
	for _, e := range employees {
		comps = append(comps, &EmployeeComputation{
			RunEmployeeID: e.ID,
			CalcNetSalary: e.BaseSalary,
			OverwriteNet:  true,
			NetSalary:     e.BaseSalary,
			Status:        RunProcessed,
		})
		approvals = append(approvals, &EmployeeApproval{RunEmployeeID: e.ID, NetSalary: e.BaseSalary})
	}
	require.NoError(t, store.ApplyComputation(ctx, run.ID, comps))
	require.NoError(t, store.ApproveRun(ctx, run.ID, approvals))
	require.NoError(t, store.MarkReadyToPay(ctx, run.ID))
	return run, employees
}

func TestCreatePaymentBatchFailureLeavesStoreUntouched(t *testing.T) {
	store := NewMemoryPayrollStore()
	ctx := context.Background()
	run, _ := seedReadyToPayRun(t, store)

	paid := &PaymentBatch{ID: "b-1", RunID: run.ID, PaymentMethod: "bank", BatchNumber: "B-001", PaidAt: time.Now()}
	done, err := store.CreatePaymentBatch(ctx, paid, []string{"re-1"})
	require.NoError(t, err)
	assert.False(t, done)

	// re-1 is already paid, so the batch must be refused outright.
	bad := &PaymentBatch{ID: "b-2", RunID: run.ID, PaymentMethod: "bank", BatchNumber: "B-002", PaidAt: time.Now()}
	_, err = store.CreatePaymentBatch(ctx, bad, []string{"re-2", "re-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	// The failed call must leave no batch behind and no employee mutated.
	batches, err := store.ListPaymentBatches(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "B-001", batches[0].BatchNumber)

	re2, err := store.GetRunEmployee(ctx, "re-2")
	require.NoError(t, err)
	assert.Equal(t, RunReadyToPay, re2.Status)
	assert.Nil(t, re2.PaymentDate)
}

func TestUpsertSourceItemsRefusedAfterApproval(t *testing.T) {
	store := NewMemoryPayrollStore()
	ctx := context.Background()
	run, _ := seedReadyToPayRun(t, store)

	ref := "advance-1/2026-03"
	err := store.UpsertSourceItems(ctx, "re-1", []*PayrollRunItem{
		{ID: "it-1", RunEmployeeID: "re-1", Type: ItemDeduction, Origin: ItemSourceSystem, Name: "Salary advance", Amount: 5000, SourceRef: &ref},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	items, lerr := store.ListItems(ctx, "re-1")
	require.NoError(t, lerr)
	assert.Empty(t, items, "no system item may land in run %s after it left processed", run.ID)
}

func TestUpsertSourceItemsAllowedWhileDraft(t *testing.T) {
	store := NewMemoryPayrollStore()
	ctx := context.Background()

	run := &PayrollRun{ID: "run-1", Month: "2026-03", OfficeID: "office-1", Status: RunDraft, Currency: "LKR"}
	employees := []*PayrollRunEmployee{
		{ID: "re-1", RunID: run.ID, EmployeeID: "emp-1", BaseSalary: 100000, Status: RunDraft, PaymentMethod: "bank"},
	}
	require.NoError(t, store.CreateRun(ctx, run, employees))

	ref := "advance-1/2026-03"
	err := store.UpsertSourceItems(ctx, "re-1", []*PayrollRunItem{
		{ID: "it-1", RunEmployeeID: "re-1", Type: ItemDeduction, Origin: ItemSourceSystem, Name: "Salary advance", Amount: 5000, SourceRef: &ref},
	})
	require.NoError(t, err)

	// Same source ref again must not duplicate.
	err = store.UpsertSourceItems(ctx, "re-1", []*PayrollRunItem{
		{ID: "it-2", RunEmployeeID: "re-1", Type: ItemDeduction, Origin: ItemSourceSystem, Name: "Salary advance", Amount: 5000, SourceRef: &ref},
	})
	require.NoError(t, err)

	items, err := store.ListItems(ctx, "re-1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
