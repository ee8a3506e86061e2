// Package billing enforces plan quotas for a workspace.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cockpit/api/internal/store"
)

var (
	ErrLimitReached = errors.New("plan limit reached")
	ErrDowngrade    = errors.New("current usage exceeds the plan")
	ErrUnknownPlan  = errors.New("unknown plan")
)

const (
	ResourceMembers  = "members"
	ResourceAgents   = "agents"
	ResourceSources  = "sources"
	ResourceStorage  = "storage_bytes"
	ResourceMessages = "monthly_messages"
)

// Limit describes the quota that was hit. A Max of 0 never appears here
// since 0 means unlimited.
type Limit struct {
	Resource string `json:"resource"`
	Max      int64  `json:"max"`
	Used     int64  `json:"used"`
}

type LimitError struct {
	Limit Limit
	cause error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s %d/%d", e.cause, e.Limit.Resource, e.Limit.Used, e.Limit.Max)
}

func (e *LimitError) Unwrap() error { return e.cause }

// Limits extracts every limit carried by err.
func Limits(err error) []Limit {
	var single *LimitError
	var many *DowngradeError
	switch {
	case errors.As(err, &many):
		return many.Limits
	case errors.As(err, &single):
		return []Limit{single.Limit}
	}
	return nil
}

type DowngradeError struct {
	Plan   string
	Limits []Limit
}

func (e *DowngradeError) Error() string {
	parts := make([]string, 0, len(e.Limits))
	for _, l := range e.Limits {
		parts = append(parts, fmt.Sprintf("%s %d/%d", l.Resource, l.Used, l.Max))
	}
	return fmt.Sprintf("%s for plan %s: %s", ErrDowngrade, e.Plan, strings.Join(parts, ", "))
}

func (e *DowngradeError) Unwrap() error { return ErrDowngrade }

type Store interface {
	GetPlan(ctx context.Context, code string) (store.Plan, error)
	ListPlans(ctx context.Context) ([]store.Plan, error)
	GetWorkspacePlan(ctx context.Context, workspaceID string) (store.Plan, error)
	WorkspaceUsage(ctx context.Context, workspaceID string) (store.Usage, error)
	UpdateWorkspacePlan(ctx context.Context, workspaceID, planCode string) error
}

type Checker struct {
	store Store
}

func NewChecker(s Store) *Checker {
	return &Checker{store: s}
}

func (c *Checker) load(ctx context.Context, workspaceID string) (store.Plan, store.Usage, error) {
	plan, err := c.store.GetWorkspacePlan(ctx, workspaceID)
	if err != nil {
		return store.Plan{}, store.Usage{}, fmt.Errorf("load workspace plan: %w", err)
	}
	usage, err := c.store.WorkspaceUsage(ctx, workspaceID)
	if err != nil {
		return store.Plan{}, store.Usage{}, fmt.Errorf("load workspace usage: %w", err)
	}
	return plan, usage, nil
}

func check(resource string, quota, used, adding int64) error {
	if quota <= 0 || used+adding <= quota {
		return nil
	}
	return &LimitError{Limit: Limit{Resource: resource, Max: quota, Used: used}, cause: ErrLimitReached}
}

func (c *Checker) CheckMembers(ctx context.Context, workspaceID string) error {
	plan, usage, err := c.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	return check(ResourceMembers, int64(plan.MaxMembers), int64(usage.Members), 1)
}

func (c *Checker) CheckAgents(ctx context.Context, workspaceID string) error {
	plan, usage, err := c.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	return check(ResourceAgents, int64(plan.MaxAgents), int64(usage.Agents), 1)
}

// CheckSources verifies one more source of addBytes fits both the source
// count and the storage quota.
func (c *Checker) CheckSources(ctx context.Context, workspaceID string, addBytes int64) error {
	plan, usage, err := c.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := check(ResourceSources, int64(plan.MaxSources), int64(usage.Sources), 1); err != nil {
		return err
	}
	return check(ResourceStorage, plan.MaxStorageBytes, usage.StorageBytes, addBytes)
}

func (c *Checker) CheckMessages(ctx context.Context, workspaceID string) error {
	plan, usage, err := c.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	return check(ResourceMessages, int64(plan.MonthlyMessages), int64(usage.MessagesThisMonth), 1)
}

// Report is the billing page view of a workspace.
type Report struct {
	Plan  store.Plan
	Usage store.Usage
}

func (c *Checker) Usage(ctx context.Context, workspaceID string) (Report, error) {
	plan, usage, err := c.load(ctx, workspaceID)
	if err != nil {
		return Report{}, err
	}
	return Report{Plan: plan, Usage: usage}, nil
}

func (c *Checker) Plans(ctx context.Context) ([]store.Plan, error) {
	return c.store.ListPlans(ctx)
}

// ChangePlan moves the workspace to another plan. Downgrades that would put
// the workspace over any limit are rejected with every offending limit.
func (c *Checker) ChangePlan(ctx context.Context, workspaceID, code string) (store.Plan, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	next, err := c.store.GetPlan(ctx, code)
	if err != nil {
		return store.Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, code)
	}
	usage, err := c.store.WorkspaceUsage(ctx, workspaceID)
	if err != nil {
		return store.Plan{}, fmt.Errorf("load workspace usage: %w", err)
	}
	if over := Exceeded(next, usage); len(over) > 0 {
		return store.Plan{}, &DowngradeError{Plan: next.Code, Limits: over}
	}
	if err := c.store.UpdateWorkspacePlan(ctx, workspaceID, next.Code); err != nil {
		return store.Plan{}, err
	}
	return next, nil
}

// Exceeded lists the limits of plan that usage is already above. The monthly
// message counter is not considered since it resets.
func Exceeded(plan store.Plan, usage store.Usage) []Limit {
	var over []Limit
	add := func(resource string, quota, used int64) {
		if quota > 0 && used > quota {
			over = append(over, Limit{Resource: resource, Max: quota, Used: used})
		}
	}
	add(ResourceMembers, int64(plan.MaxMembers), int64(usage.Members))
	add(ResourceAgents, int64(plan.MaxAgents), int64(usage.Agents))
	add(ResourceSources, int64(plan.MaxSources), int64(usage.Sources))
	add(ResourceStorage, plan.MaxStorageBytes, usage.StorageBytes)
	return over
}
