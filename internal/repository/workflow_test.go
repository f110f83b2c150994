package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestDefaultTemplatesAreValid(t *testing.T) {
	reg, err := NewWorkflowRegistry(DefaultTemplates()...)
	require.NoError(t, err)

	for _, kind := range []DocumentKind{
		DocumentTimesheet, DocumentSalaryAdvance, DocumentProcurement, DocumentPayrollRun,
	} {
		tpl, ok := reg.Template(kind)
		require.True(t, ok, "missing template for %s", kind)
		assert.NotEmpty(t, tpl.Steps)
	}

	tpl, _ := reg.Template(DocumentSalaryAdvance)
	assert.Len(t, tpl.Steps, 3)
}

func TestRegistryRejectsTemplateWithoutSteps(t *testing.T) {
	_, err := NewWorkflowRegistry(&WorkflowTemplate{ID: "empty-v1", Kind: DocumentTimesheet})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")
}

func TestRegistryRejectsNonContiguousStepOrders(t *testing.T) {
	_, err := NewWorkflowRegistry(&WorkflowTemplate{
		ID:   "gap-v1",
		Kind: DocumentTimesheet,
		Steps: []WorkflowStep{
			{Order: 1, Name: "first", Rule: ApproverRule{Kind: RuleUser, UserID: "u1"}},
			{Order: 3, Name: "third", Rule: ApproverRule{Kind: RuleUser, UserID: "u2"}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestRegistryRejectsMalformedRules(t *testing.T) {
	_, err := NewWorkflowRegistry(&WorkflowTemplate{
		ID:   "bad-user-v1",
		Kind: DocumentTimesheet,
		Steps: []WorkflowStep{
			{Order: 1, Name: "first", Rule: ApproverRule{Kind: RuleUser}},
		},
	})
	require.Error(t, err)

	_, err = NewWorkflowRegistry(&WorkflowTemplate{
		ID:   "bad-role-v1",
		Kind: DocumentTimesheet,
		Steps: []WorkflowStep{
			{Order: 1, Name: "first", Rule: ApproverRule{Kind: RuleRole}},
		},
	})
	require.Error(t, err)

	_, err = NewWorkflowRegistry(&WorkflowTemplate{
		ID:   "bad-kind-v1",
		Kind: DocumentTimesheet,
		Steps: []WorkflowStep{
			{Order: 1, Name: "first", Rule: ApproverRule{Kind: ApproverRuleKind("group")}},
		},
	})
	require.Error(t, err)
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	tpl := func(id string) *WorkflowTemplate {
		return &WorkflowTemplate{
			ID:   id,
			Kind: DocumentTimesheet,
			Steps: []WorkflowStep{
				{Order: 1, Name: "only", Rule: ApproverRule{Kind: RuleUser, UserID: "u1"}},
			},
		}
	}
	_, err := NewWorkflowRegistry(tpl("a-v1"), tpl("b-v1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestDelegationCovers(t *testing.T) {
	d := &Delegation{
		ValidFrom: mustTime(t, "2026-03-01T00:00:00Z"),
		ValidTo:   mustTime(t, "2026-03-31T23:59:59Z"),
	}

	assert.True(t, d.Covers(mustTime(t, "2026-03-01T00:00:00Z")))
	assert.True(t, d.Covers(mustTime(t, "2026-03-15T12:00:00Z")))
	assert.True(t, d.Covers(mustTime(t, "2026-03-31T23:59:59Z")))
	assert.False(t, d.Covers(mustTime(t, "2026-02-28T23:59:59Z")))
	assert.False(t, d.Covers(mustTime(t, "2026-04-01T00:00:00Z")))
}
