package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
	"github.com/kadirpekel/herald/pkg/registry"
)

// ApprovalState is where one loaded interpretation sits in its lifecycle.
type ApprovalState string

const (
	StateIdle     ApprovalState = "idle"
	StatePending  ApprovalState = "pending"
	StateEditing  ApprovalState = "editing"
	StateApproved ApprovalState = "approved"
	StateRejected ApprovalState = "rejected"
	StateExecuted ApprovalState = "executed"
)

// Executor performs the approved request against the fleet service.
type Executor interface {
	Execute(ctx context.Context, method, endpoint string, body map[string]any) error
}

// auditTrimTarget is how many audit records survive an overflow.
const auditTrimTarget = 50

// Manager is the approval state machine for one interpretation at a time.
// Decisions for a given interpretation are totally ordered under the lock.
type Manager struct {
	cfg   config.ApprovalConfig
	rules registry.Registry[FieldRule]
	exec  Executor
	log   *slog.Logger

	mu       sync.Mutex
	state    ApprovalState
	current  *models.Interpretation
	request  map[string]any
	method   string
	endpoint string
	modified bool
	audit    []models.ApprovalDecision
}

// NewManager creates an approval manager with the given rules. A nil rules
// registry gets the defaults.
func NewManager(cfg config.ApprovalConfig, rules registry.Registry[FieldRule], exec Executor) *Manager {
	cfg.SetDefaults()
	if rules == nil {
		rules = DefaultRules()
	}
	return &Manager{
		cfg:   cfg,
		rules: rules,
		exec:  exec,
		log:   logger.Component("approval"),
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() ApprovalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load enters Pending with a fresh interpretation and its endpoint binding.
func (m *Manager) Load(interp *models.Interpretation, method, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = interp
	m.request = cloneRequest(interp.Request)
	m.method = method
	m.endpoint = endpoint
	m.modified = false
	m.state = StatePending
	m.log.Info("Interpretation loaded for approval",
		"id", interp.ID, "template", interp.TemplateName)
}

// Request snapshots the current request object.
func (m *Manager) Request() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRequest(m.request)
}

// Findings validates the current request.
func (m *Manager) Findings() []models.ValidationFinding {
	m.mu.Lock()
	request := cloneRequest(m.request)
	m.mu.Unlock()
	return ValidateRequest(request, m.rules)
}

// Approve moves Pending or Editing to Approved. Any Error-severity finding
// blocks with ValidationBlocked carrying the findings.
func (m *Manager) Approve() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePending && m.state != StateEditing {
		return models.Errorf(models.KindInternal, "approval.approve",
			"cannot approve from state %s", m.state)
	}

	findings := ValidateRequest(m.request, m.rules)
	if models.CountErrors(findings) > 0 {
		return models.BlockedError("approval.approve", findings)
	}

	action := models.ActionApprove
	if m.modified {
		action = models.ActionEditApprove
	}
	m.state = StateApproved
	m.appendAuditLocked(action, "")
	return nil
}

// Edit applies a mutation to the request and re-validates. The state moves
// to Editing; a later Approve records the decision as edit_approve.
func (m *Manager) Edit(mutate func(request map[string]any)) ([]models.ValidationFinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePending && m.state != StateEditing {
		return nil, models.Errorf(models.KindInternal, "approval.edit",
			"cannot edit from state %s", m.state)
	}

	mutate(m.request)
	m.modified = true
	m.state = StateEditing
	return ValidateRequest(m.request, m.rules), nil
}

// Regenerate closes the current approval and returns the text the caller
// should resubmit to the reasoning engine.
func (m *Manager) Regenerate(feedback string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePending && m.state != StateEditing {
		return "", models.Errorf(models.KindInternal, "approval.regenerate",
			"cannot regenerate from state %s", m.state)
	}

	m.appendAuditLocked(models.ActionRegenerate, feedback)
	text := strings.TrimSpace(m.current.InputText + " " + feedback)
	m.state = StateIdle
	return text, nil
}

// Reject closes the approval with an optional feedback note.
func (m *Manager) Reject(feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePending && m.state != StateEditing {
		return models.Errorf(models.KindInternal, "approval.reject",
			"cannot reject from state %s", m.state)
	}

	m.state = StateRejected
	m.appendAuditLocked(models.ActionReject, feedback)
	return nil
}

// Execute performs the approved request. Both outcomes land in Executed;
// the error reports a failed call.
func (m *Manager) Execute(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateApproved {
		m.mu.Unlock()
		return models.Errorf(models.KindInternal, "approval.execute",
			"cannot execute from state %s", m.state)
	}
	request := cloneRequest(m.request)
	method := m.method
	endpoint := expandEndpoint(m.endpoint, request)
	m.mu.Unlock()

	err := m.exec.Execute(ctx, method, endpoint, request)

	m.mu.Lock()
	m.state = StateExecuted
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("Request execution failed", "method", method, "endpoint", endpoint, "err", err)
		return err
	}
	m.log.Info("Request executed", "method", method, "endpoint", endpoint)
	return nil
}

// Audit snapshots the decision trail, oldest first.
func (m *Manager) Audit() []models.ApprovalDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ApprovalDecision(nil), m.audit...)
}

// ExportJSON renders the audit trail as a JSON array.
func (m *Manager) ExportJSON() ([]byte, error) {
	m.mu.Lock()
	audit := append([]models.ApprovalDecision(nil), m.audit...)
	m.mu.Unlock()
	return json.MarshalIndent(audit, "", "  ")
}

// appendAuditLocked records one terminal decision. Callers hold m.mu.
func (m *Manager) appendAuditLocked(action models.ApprovalAction, feedback string) {
	decision := models.ApprovalDecision{
		Action:   action,
		TakenAt:  time.Now(),
		UserID:   m.cfg.UserID,
		Feedback: feedback,
	}
	if m.current != nil {
		decision.Original = *m.current
	}
	if m.modified {
		decision.Modified = cloneRequest(m.request)
	}
	m.audit = append(m.audit, decision)
	if len(m.audit) > m.cfg.AuditCapacity {
		keep := auditTrimTarget
		if keep > m.cfg.AuditCapacity/2 {
			keep = m.cfg.AuditCapacity / 2
		}
		m.audit = append([]models.ApprovalDecision(nil), m.audit[len(m.audit)-keep:]...)
	}
	observability.GetGlobalMetrics().RecordApprovalDecision(context.Background(), string(action))
}

// cloneRequest deep-copies a request object so edits never leak into
// history or audit records.
func cloneRequest(request map[string]any) map[string]any {
	if request == nil {
		return nil
	}
	out := make(map[string]any, len(request))
	for k, v := range request {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneRequest(val)
		case []any:
			copied := make([]any, len(val))
			copy(copied, val)
			out[k] = copied
		default:
			out[k] = v
		}
	}
	return out
}

// expandEndpoint substitutes {field} path parameters from the request.
func expandEndpoint(endpoint string, request map[string]any) string {
	for {
		open := strings.IndexByte(endpoint, '{')
		if open < 0 {
			return endpoint
		}
		closeAt := strings.IndexByte(endpoint[open:], '}')
		if closeAt < 0 {
			return endpoint
		}
		closeAt += open
		field := endpoint[open+1 : closeAt]
		value, _ := request[field].(string)
		endpoint = endpoint[:open] + value + endpoint[closeAt+1:]
	}
}
