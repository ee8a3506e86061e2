package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"cockpit/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var plans = map[string]store.Plan{
	"free":       {Code: "free", MaxMembers: 3, MaxAgents: 1, MaxSources: 10, MaxStorageBytes: 50 << 20, MonthlyMessages: 200},
	"pro":        {Code: "pro", MaxMembers: 50, MaxAgents: 10, MaxSources: 1000, MaxStorageBytes: 5 << 30, MonthlyMessages: 20000},
	"enterprise": {Code: "enterprise"},
}

type fakeStore struct {
	planCode string
	usage    store.Usage
	updated  string
}

func (f *fakeStore) GetPlan(_ context.Context, code string) (store.Plan, error) {
	p, ok := plans[code]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListPlans(context.Context) ([]store.Plan, error) {
	return []store.Plan{plans["free"], plans["pro"], plans["enterprise"]}, nil
}

func (f *fakeStore) GetWorkspacePlan(context.Context, string) (store.Plan, error) {
	return plans[f.planCode], nil
}

func (f *fakeStore) WorkspaceUsage(context.Context, string) (store.Usage, error) {
	return f.usage, nil
}

func (f *fakeStore) UpdateWorkspacePlan(_ context.Context, _ string, code string) error {
	f.updated = code
	return nil
}

func TestChecks(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		plan     string
		usage    store.Usage
		check    func(*Checker) error
		resource string
	}{
		{"members under", "free", store.Usage{Members: 2}, func(c *Checker) error { return c.CheckMembers(ctx, "ws") }, ""},
		{"members full", "free", store.Usage{Members: 3}, func(c *Checker) error { return c.CheckMembers(ctx, "ws") }, ResourceMembers},
		{"agents full", "free", store.Usage{Agents: 1}, func(c *Checker) error { return c.CheckAgents(ctx, "ws") }, ResourceAgents},
		{"agents unlimited", "enterprise", store.Usage{Agents: 500}, func(c *Checker) error { return c.CheckAgents(ctx, "ws") }, ""},
		{"sources full", "free", store.Usage{Sources: 10}, func(c *Checker) error { return c.CheckSources(ctx, "ws", 1) }, ResourceSources},
		{"storage full", "free", store.Usage{Sources: 1, StorageBytes: 50<<20 - 10}, func(c *Checker) error { return c.CheckSources(ctx, "ws", 11) }, ResourceStorage},
		{"storage exact fit", "free", store.Usage{StorageBytes: 50<<20 - 10}, func(c *Checker) error { return c.CheckSources(ctx, "ws", 10) }, ""},
		{"messages full", "free", store.Usage{MessagesThisMonth: 200}, func(c *Checker) error { return c.CheckMessages(ctx, "ws") }, ResourceMessages},
		{"messages unlimited", "enterprise", store.Usage{MessagesThisMonth: 1 << 20}, func(c *Checker) error { return c.CheckMessages(ctx, "ws") }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(&fakeStore{planCode: tt.plan, usage: tt.usage})
			err := tt.check(c)
			if tt.resource == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrLimitReached)
			limits := Limits(err)
			require.Len(t, limits, 1)
			assert.Equal(t, tt.resource, limits[0].Resource)
		})
	}
}

func TestChangePlan(t *testing.T) {
	ctx := context.Background()

	s := &fakeStore{planCode: "free", usage: store.Usage{Members: 2, Agents: 1}}
	plan, err := NewChecker(s).ChangePlan(ctx, "ws", " PRO ")
	require.NoError(t, err)
	assert.Equal(t, "pro", plan.Code)
	assert.Equal(t, "pro", s.updated)

	s = &fakeStore{planCode: "pro", usage: store.Usage{Members: 8, Agents: 4, Sources: 5}}
	_, err = NewChecker(s).ChangePlan(ctx, "ws", "free")
	require.ErrorIs(t, err, ErrDowngrade)
	var dg *DowngradeError
	require.True(t, errors.As(err, &dg))
	assert.ElementsMatch(t, []Limit{
		{Resource: ResourceMembers, Max: 3, Used: 8},
		{Resource: ResourceAgents, Max: 1, Used: 4},
	}, Limits(err))
	assert.Empty(t, s.updated)

	_, err = NewChecker(s).ChangePlan(ctx, "ws", "gold")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestUsageReport(t *testing.T) {
	s := &fakeStore{planCode: "free", usage: store.Usage{Members: 1, MessagesThisMonth: 12}}
	report, err := NewChecker(s).Usage(context.Background(), "ws")
	require.NoError(t, err)
	assert.Equal(t, "free", report.Plan.Code)
	assert.Equal(t, 12, report.Usage.MessagesThisMonth)
}
