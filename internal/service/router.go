package service

import (
	"context"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// maxConditionDepth bounds CONDITION -> CONDITION chains.
const maxConditionDepth = 16

// Router selects flows, resolves approvers and finds the next node.
type Router struct {
	store     repository.Store
	resolvers map[repository.ApproverType]ApproverResolver
	log       *logger.Logger
}

// NewRouter creates a router reading definitions from store and org data from dir.
func NewRouter(store repository.Store, dir repository.Directory, log *logger.Logger) *Router {
	return &Router{
		store:     store,
		resolvers: defaultResolvers(dir),
		log:       log,
	}
}

// RegisterResolver installs or replaces the resolver for an approver type.
func (r *Router) RegisterResolver(t repository.ApproverType, resolver ApproverResolver) {
	r.resolvers[t] = resolver
}

// bind returns a router reading through store, typically a transaction.
func (r *Router) bind(store repository.Store) *Router {
	cp := *r
	cp.store = store
	return &cp
}

// ── Flow selection ────────────────────────────────────────────────────────────

// SelectFlow returns the flow of the first matching routing rule, else the
// template's active default flow, else nil.
func (r *Router) SelectFlow(ctx context.Context, templateID int64, evalCtx EvalContext) (*repository.ApprovalFlow, error) {
	rules, err := r.store.ListActiveRules(ctx, templateID)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if rule.Conditions == nil {
			continue
		}
		if EvaluateCondition(rule.Conditions, evalCtx) {
			r.log.Debug().
				Int64("template_id", templateID).
				Int64("rule_id", rule.ID).
				Int64("flow_id", rule.FlowID).
				Msg("Routing rule matched")
			return r.store.GetFlow(ctx, rule.FlowID)
		}
	}

	return r.store.GetDefaultFlow(ctx, templateID)
}

// ── Approvers ─────────────────────────────────────────────────────────────────

// ResolveApprovers dispatches on the node's approver type. Unknown types
// resolve to nobody.
func (r *Router) ResolveApprovers(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
	resolver, ok := r.resolvers[node.ApproverType]
	if !ok {
		r.log.Warn().
			Int64("node_id", node.ID).
			Str("approver_type", string(node.ApproverType)).
			Msg("Unknown approver type; node has no approvers")
		return nil, nil
	}

	ids, err := resolver.Resolve(ctx, node, evalCtx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeOf(err), "failed to resolve approvers")
	}
	return dedupeIDs(ids), nil
}

// ── Navigation ────────────────────────────────────────────────────────────────

// FirstApprovalNode returns the active APPROVAL node with the lowest order, or nil.
func (r *Router) FirstApprovalNode(ctx context.Context, flowID int64) (*repository.ApprovalNode, error) {
	nodes, err := r.store.ListActiveNodes(ctx, flowID)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.NodeType == repository.NodeTypeApproval {
			return n, nil
		}
	}
	return nil, nil
}

// PreviousApprovalNode returns the closest active APPROVAL node ordered before
// current in the same flow, or nil.
func (r *Router) PreviousApprovalNode(ctx context.Context, current *repository.ApprovalNode) (*repository.ApprovalNode, error) {
	nodes, err := r.store.ListActiveNodes(ctx, current.FlowID)
	if err != nil {
		return nil, err
	}
	var prev *repository.ApprovalNode
	for _, n := range nodes {
		if !before(n, current) {
			break
		}
		if n.NodeType == repository.NodeTypeApproval {
			prev = n
		}
	}
	return prev, nil
}

// GetNextNodes returns the node that follows current. A CONDITION successor
// is replaced by the target of its first matching branch. An empty result
// means the flow is complete.
func (r *Router) GetNextNodes(ctx context.Context, current *repository.ApprovalNode, evalCtx EvalContext) ([]*repository.ApprovalNode, error) {
	nodes, err := r.store.ListActiveNodes(ctx, current.FlowID)
	if err != nil {
		return nil, err
	}

	for _, n := range nodes {
		if before(current, n) {
			return r.Expand(ctx, n, evalCtx)
		}
	}
	return nil, nil
}

// Expand resolves a node to the APPROVAL node that should be entered:
// APPROVAL nodes are returned as-is, CONDITION nodes follow their branches.
// A branch pointing at a missing node resolves to no node.
func (r *Router) Expand(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]*repository.ApprovalNode, error) {
	return r.expand(ctx, node, evalCtx, 0)
}

func (r *Router) expand(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext, depth int) ([]*repository.ApprovalNode, error) {
	if node.NodeType != repository.NodeTypeCondition {
		return []*repository.ApprovalNode{node}, nil
	}
	if depth >= maxConditionDepth {
		return nil, errors.New(errors.ErrCodeInternal, "condition nodes nested too deeply")
	}

	targetID := int64(0)
	for _, branch := range node.ApproverConfig.Branches {
		if EvaluateCondition(branch.Conditions, evalCtx) {
			targetID = branch.TargetNodeID
			r.log.Debug().
				Int64("node_id", node.ID).
				Str("branch", branch.Name).
				Int64("target_node_id", targetID).
				Msg("Condition branch matched")
			break
		}
	}
	if targetID == 0 && node.ApproverConfig.DefaultNodeID != nil {
		targetID = *node.ApproverConfig.DefaultNodeID
	}
	if targetID == 0 {
		return nil, nil
	}

	target, err := r.store.GetNode(ctx, targetID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		r.log.Warn().
			Int64("node_id", node.ID).
			Int64("target_node_id", targetID).
			Msg("Condition branch target does not exist, ending flow")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.expand(ctx, target, evalCtx, depth+1)
}

// before orders nodes by (node_order, id).
func before(a, b *repository.ApprovalNode) bool {
	if a.NodeOrder != b.NodeOrder {
		return a.NodeOrder < b.NodeOrder
	}
	return a.ID < b.ID
}
