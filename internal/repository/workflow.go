package repository

import (
	"fmt"
)

// ── Workflow template registry ───────────────────────────────────────────────
//
// Workflow templates are injected into the approval engine at construction
// and looked up by DocumentKind. Replaces ad hoc string-keyed lookup: an
// unregistered kind is a typed not-found, a malformed template fails at
// startup rather than on first submission.

// ApproverRuleKind selects how a step resolves its eligible approvers.
type ApproverRuleKind string

const (
	// RuleUser resolves to a single fixed user.
	RuleUser ApproverRuleKind = "user"
	// RuleRole resolves to every user currently holding a role.
	RuleRole ApproverRuleKind = "role"
)

// ApproverRule is a step's required-approver resolution rule.
type ApproverRule struct {
	Kind   ApproverRuleKind
	UserID string // Kind == RuleUser
	Role   string // Kind == RuleRole
	// AllowDelegates lets active delegates of a resolved approver act in
	// their place. Fixed-user rules honor delegation unconditionally.
	AllowDelegates bool
}

// WorkflowStep is one template position: who must approve, in what order.
type WorkflowStep struct {
	Order int // 1-based, contiguous within the template
	Name  string
	Rule  ApproverRule
}

// WorkflowTemplate is the ordered step list for one document kind.
// Step completion is first-approval-wins: when a step resolves to several
// eligible approvers, any one approval advances the request and any one
// rejection rejects it.
type WorkflowTemplate struct {
	ID    string
	Kind  DocumentKind
	Name  string
	Steps []WorkflowStep
}

// WorkflowRegistry holds the validated templates, keyed by document kind.
type WorkflowRegistry struct {
	templates map[DocumentKind]*WorkflowTemplate
}

// NewWorkflowRegistry validates and indexes the given templates.
// Validation: at least one step, contiguous 1-based orders, well-formed rules.
func NewWorkflowRegistry(templates ...*WorkflowTemplate) (*WorkflowRegistry, error) {
	reg := &WorkflowRegistry{templates: make(map[DocumentKind]*WorkflowTemplate, len(templates))}
	for _, tpl := range templates {
		if err := validateTemplate(tpl); err != nil {
			return nil, err
		}
		if _, exists := reg.templates[tpl.Kind]; exists {
			return nil, fmt.Errorf("workflow registry: duplicate template for kind %q", tpl.Kind)
		}
		reg.templates[tpl.Kind] = tpl
	}
	return reg, nil
}

// Template returns the template for a document kind.
func (r *WorkflowRegistry) Template(kind DocumentKind) (*WorkflowTemplate, bool) {
	tpl, ok := r.templates[kind]
	return tpl, ok
}

func validateTemplate(tpl *WorkflowTemplate) error {
	if tpl.ID == "" {
		return fmt.Errorf("workflow registry: template for kind %q has no id", tpl.Kind)
	}
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("workflow template %q has no steps", tpl.ID)
	}
	for i, step := range tpl.Steps {
		if step.Order != i+1 {
			return fmt.Errorf("workflow template %q: step orders must be contiguous from 1, got %d at position %d",
				tpl.ID, step.Order, i)
		}
		switch step.Rule.Kind {
		case RuleUser:
			if step.Rule.UserID == "" {
				return fmt.Errorf("workflow template %q step %d: user rule without user id", tpl.ID, step.Order)
			}
		case RuleRole:
			if step.Rule.Role == "" {
				return fmt.Errorf("workflow template %q step %d: role rule without role", tpl.ID, step.Order)
			}
		default:
			return fmt.Errorf("workflow template %q step %d: unknown rule kind %q", tpl.ID, step.Order, step.Rule.Kind)
		}
	}
	return nil
}

// DefaultTemplates returns the portal's stock workflows. Offices can replace
// these at wiring time without touching the engine.
func DefaultTemplates() []*WorkflowTemplate {
	return []*WorkflowTemplate{
		{
			ID:   "timesheet-v1",
			Kind: DocumentTimesheet,
			Name: "Timesheet approval",
			Steps: []WorkflowStep{
				{Order: 1, Name: "Manager review", Rule: ApproverRule{Kind: RuleRole, Role: "MANAGER", AllowDelegates: true}},
			},
		},
		{
			ID:   "salary-advance-v1",
			Kind: DocumentSalaryAdvance,
			Name: "Salary advance approval",
			Steps: []WorkflowStep{
				{Order: 1, Name: "Manager review", Rule: ApproverRule{Kind: RuleRole, Role: "MANAGER", AllowDelegates: true}},
				{Order: 2, Name: "HR review", Rule: ApproverRule{Kind: RuleRole, Role: "HR_MANAGER"}},
				{Order: 3, Name: "Finance release", Rule: ApproverRule{Kind: RuleRole, Role: "FINANCE_MANAGER"}},
			},
		},
		{
			ID:   "procurement-v1",
			Kind: DocumentProcurement,
			Name: "Procurement document approval",
			Steps: []WorkflowStep{
				{Order: 1, Name: "Department review", Rule: ApproverRule{Kind: RuleRole, Role: "DEPARTMENT_HEAD", AllowDelegates: true}},
				{Order: 2, Name: "Procurement review", Rule: ApproverRule{Kind: RuleRole, Role: "PROCUREMENT_OFFICER"}},
			},
		},
		{
			ID:   "payroll-run-v1",
			Kind: DocumentPayrollRun,
			Name: "Payroll run finance review",
			Steps: []WorkflowStep{
				{Order: 1, Name: "Finance review", Rule: ApproverRule{Kind: RuleRole, Role: "FINANCE_MANAGER"}},
			},
		},
	}
}
