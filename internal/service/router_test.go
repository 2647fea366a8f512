package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func TestRouter_SelectFlow(t *testing.T) {
	f := newFixture(t)
	large := f.store.AddFlow(&repository.ApprovalFlow{TemplateID: f.tmpl.ID, Name: "Large purchases", Active: true})
	f.store.AddRule(&repository.ApprovalRoutingRule{
		TemplateID: f.tmpl.ID,
		FlowID:     large.ID,
		Name:       "no conditions never match",
		RuleOrder:  0,
		Active:     true,
	})
	f.store.AddRule(&repository.ApprovalRoutingRule{
		TemplateID: f.tmpl.ID,
		FlowID:     large.ID,
		Name:       "amount >= 1000",
		RuleOrder:  1,
		Conditions: &repository.Condition{Field: "form.amount", Op: ">=", Value: 1000},
		Active:     true,
	})
	router := f.engine.Router()

	flow, err := router.SelectFlow(f.ctx, f.tmpl.ID, NewEvalContext(map[string]any{"amount": 5000}, nil, "", ""))
	require.NoError(t, err)
	require.NotNil(t, flow)
	assert.Equal(t, large.ID, flow.ID)

	flow, err = router.SelectFlow(f.ctx, f.tmpl.ID, NewEvalContext(map[string]any{"amount": 10}, nil, "", ""))
	require.NoError(t, err)
	require.NotNil(t, flow)
	assert.Equal(t, f.flow.ID, flow.ID)

	flow, err = router.SelectFlow(f.ctx, 999999, NewEvalContext(nil, nil, "", ""))
	require.NoError(t, err)
	assert.Nil(t, flow)
}

func TestSubmit_RoutesByRule(t *testing.T) {
	f := newFixture(t)
	f.addNode(1, repository.ModeSingle, bob)
	large := f.store.AddFlow(&repository.ApprovalFlow{TemplateID: f.tmpl.ID, Name: "Large purchases", Active: true})
	f.store.AddNode(&repository.ApprovalNode{
		FlowID: large.ID, Name: "cfo", NodeOrder: 1, NodeType: repository.NodeTypeApproval,
		ApprovalMode: repository.ModeSingle, ApproverType: repository.ApproverFixedUser,
		ApproverConfig: repository.ApproverConfig{UserIDs: []int64{frank}}, Active: true,
	})
	f.store.AddRule(&repository.ApprovalRoutingRule{
		TemplateID: f.tmpl.ID, FlowID: large.ID, Name: "large", Active: true,
		Conditions: &repository.Condition{Field: "form.amount", Op: ">=", Value: 1000},
	})

	inst := f.submit(map[string]any{"amount": 5000})
	assert.Equal(t, large.ID, *inst.FlowID)
	f.pendingFor(inst.ID, frank)

	small := f.submit(map[string]any{"amount": 50})
	assert.Equal(t, f.flow.ID, *small.FlowID)
	f.pendingFor(small.ID, bob)
}

func TestRouter_ResolveApprovers(t *testing.T) {
	f := newFixture(t)
	alicesDept := salesDept
	evalCtx := NewEvalContext(
		map[string]any{
			"reviewer_ids": []any{"3", 4, 4.0, "x", -1, 2.5},
			"owner":        map[string]any{"id": float64(6)},
		},
		&repository.User{ID: alice, Name: "Alice", DeptID: &alicesDept},
		"", "",
	)

	tests := []struct {
		name string
		node repository.ApprovalNode
		want []int64
	}{
		{"fixed users dedupe", repository.ApprovalNode{ApproverType: repository.ApproverFixedUser,
			ApproverConfig: repository.ApproverConfig{UserIDs: []int64{bob, 0, bob, carol}}}, []int64{bob, carol}},
		{"role skips inactive users", repository.ApprovalNode{ApproverType: repository.ApproverRole,
			ApproverConfig: repository.ApproverConfig{RoleCodes: []string{"finance", "legal"}}}, []int64{bob, carol}},
		{"role without codes", repository.ApprovalNode{ApproverType: repository.ApproverRole}, []int64{}},
		{"department head", repository.ApprovalNode{ApproverType: repository.ApproverDepartmentHead}, []int64{erin}},
		{"direct manager", repository.ApprovalNode{ApproverType: repository.ApproverDirectManager}, []int64{bob}},
		{"form field list", repository.ApprovalNode{ApproverType: repository.ApproverFormField,
			ApproverConfig: repository.ApproverConfig{Field: "reviewer_ids"}}, []int64{carol, dave}},
		{"form field nested scalar", repository.ApprovalNode{ApproverType: repository.ApproverFormField,
			ApproverConfig: repository.ApproverConfig{Field: "owner.id"}}, []int64{frank}},
		{"form field missing", repository.ApprovalNode{ApproverType: repository.ApproverFormField,
			ApproverConfig: repository.ApproverConfig{Field: "nobody"}}, []int64{}},
		{"multi dept skips departments without manager", repository.ApprovalNode{ApproverType: repository.ApproverMultiDept,
			ApproverConfig: repository.ApproverConfig{DeptIDs: []int64{salesDept, 99}}}, []int64{erin}},
		{"initiator", repository.ApprovalNode{ApproverType: repository.ApproverInitiator}, []int64{alice}},
		{"dynamic without resolver", repository.ApprovalNode{ApproverType: repository.ApproverDynamic}, []int64{}},
		{"unknown type", repository.ApprovalNode{ApproverType: "ASTROLOGER"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := tt.node
			ids, err := f.engine.Router().ResolveApprovers(f.ctx, &node, evalCtx)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, ids)
				return
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRouter_CustomResolvers(t *testing.T) {
	f := newFixture(t,
		WithDynamicResolver(DynamicResolverFunc(func(_ context.Context, _ *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
			if evalCtx.Lookup("form.amount") == nil {
				return nil, nil
			}
			return []int64{dave}, nil
		})),
		WithApproverResolver(repository.ApproverRole, ApproverResolverFunc(func(context.Context, *repository.ApprovalNode, EvalContext) ([]int64, error) {
			return []int64{frank}, nil
		})),
	)
	evalCtx := f.engine.evalContext(map[string]any{"amount": 1}, nil, "", "")

	ids, err := f.engine.Router().ResolveApprovers(f.ctx, &repository.ApprovalNode{ApproverType: repository.ApproverDynamic}, evalCtx)
	require.NoError(t, err)
	assert.Equal(t, []int64{dave}, ids)

	ids, err = f.engine.Router().ResolveApprovers(f.ctx, &repository.ApprovalNode{ApproverType: repository.ApproverRole}, evalCtx)
	require.NoError(t, err)
	assert.Equal(t, []int64{frank}, ids)
}

// conditionFlow lays out: approval(1) -> condition(2) -> approval(3) | approval(4).
// Large amounts branch to node 4, everything else falls through to node 3.
func conditionFlow(f *fixture, withDefault bool) (first, cond, small, large *repository.ApprovalNode) {
	first = f.addNode(1, repository.ModeSingle, bob)
	small = f.addNode(3, repository.ModeSingle, carol)
	large = f.addNode(4, repository.ModeSingle, dave)

	cfg := repository.ApproverConfig{
		Branches: []repository.ConditionBranch{
			{Name: "large", TargetNodeID: large.ID, Conditions: &repository.Condition{Field: "form.amount", Op: ">=", Value: 1000}},
		},
	}
	if withDefault {
		cfg.DefaultNodeID = int64Ptr(small.ID)
	}
	cond = f.store.AddNode(&repository.ApprovalNode{
		FlowID:         f.flow.ID,
		Name:           "amount split",
		NodeOrder:      2,
		NodeType:       repository.NodeTypeCondition,
		ApproverConfig: cfg,
		Active:         true,
	})
	return first, cond, small, large
}

func TestRouter_GetNextNodes(t *testing.T) {
	f := newFixture(t)
	first, _, small, large := conditionFlow(f, true)
	router := f.engine.Router()

	next, err := router.GetNextNodes(f.ctx, first, NewEvalContext(map[string]any{"amount": 5000}, nil, "", ""))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, large.ID, next[0].ID)

	next, err = router.GetNextNodes(f.ctx, first, NewEvalContext(map[string]any{"amount": 5}, nil, "", ""))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, small.ID, next[0].ID)

	next, err = router.GetNextNodes(f.ctx, large, NewEvalContext(nil, nil, "", ""))
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestRouter_ConditionWithoutMatchEndsFlow(t *testing.T) {
	f := newFixture(t)
	first, _, _, _ := conditionFlow(f, false)

	next, err := f.engine.Router().GetNextNodes(f.ctx, first, NewEvalContext(map[string]any{"amount": 5}, nil, "", ""))
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestRouter_MissingBranchTargetEndsFlow(t *testing.T) {
	f := newFixture(t)
	first := f.addNode(1, repository.ModeSingle, bob)
	f.store.AddNode(&repository.ApprovalNode{
		FlowID: f.flow.ID, Name: "dangling", NodeOrder: 2, NodeType: repository.NodeTypeCondition, Active: true,
		ApproverConfig: repository.ApproverConfig{
			Branches: []repository.ConditionBranch{
				{Name: "large", TargetNodeID: 999999, Conditions: &repository.Condition{Field: "form.amount", Op: ">=", Value: 1000}},
			},
		},
	})

	next, err := f.engine.Router().GetNextNodes(f.ctx, first, NewEvalContext(map[string]any{"amount": 5000}, nil, "", ""))
	require.NoError(t, err)
	assert.Empty(t, next)

	inst := f.submit(map[string]any{"amount": 5000})
	out := f.approve(f.pendingFor(inst.ID, bob).ID, bob)
	assert.Equal(t, repository.InstanceApproved, out.Status)
}

func TestRouter_ConditionCycleFails(t *testing.T) {
	f := newFixture(t)
	first := f.addNode(1, repository.ModeSingle, bob)
	loop := &repository.ApprovalNode{FlowID: f.flow.ID, Name: "loop", NodeOrder: 2, NodeType: repository.NodeTypeCondition, Active: true}
	f.store.AddNode(loop)
	loop.ApproverConfig.DefaultNodeID = int64Ptr(loop.ID)
	f.store.AddNode(loop)

	_, err := f.engine.Router().GetNextNodes(f.ctx, first, NewEvalContext(nil, nil, "", ""))
	require.Error(t, err)
}

func TestRouter_FirstAndPreviousApprovalNodes(t *testing.T) {
	f := newFixture(t)
	f.store.AddNode(&repository.ApprovalNode{FlowID: f.flow.ID, Name: "gate", NodeOrder: 0, NodeType: repository.NodeTypeCondition, Active: true})
	first, cond, small, large := conditionFlow(f, true)
	router := f.engine.Router()

	got, err := router.FirstApprovalNode(f.ctx, f.flow.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	prev, err := router.PreviousApprovalNode(f.ctx, large)
	require.NoError(t, err)
	assert.Equal(t, small.ID, prev.ID)

	prev, err = router.PreviousApprovalNode(f.ctx, small)
	require.NoError(t, err)
	assert.Equal(t, first.ID, prev.ID, "condition nodes are not approval nodes")
	assert.NotEqual(t, cond.ID, prev.ID)

	prev, err = router.PreviousApprovalNode(f.ctx, first)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestSubmit_FollowsConditionBranch(t *testing.T) {
	f := newFixture(t)
	_, _, _, large := conditionFlow(f, true)

	inst := f.submit(map[string]any{"amount": 2500})
	f.approve(f.pendingFor(inst.ID, bob).ID, bob)

	inst = f.instance(inst.ID)
	assert.Equal(t, large.ID, *inst.CurrentNodeID)
	out := f.approve(f.pendingFor(inst.ID, dave).ID, dave)
	assert.Equal(t, repository.InstanceApproved, out.Status)
}
