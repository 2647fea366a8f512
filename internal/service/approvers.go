package service

import (
	"context"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// ApproverResolver produces the approver ids of a node. An empty result means
// the node has nobody to act on it.
type ApproverResolver interface {
	Resolve(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error)
}

// ApproverResolverFunc adapts a function to ApproverResolver.
type ApproverResolverFunc func(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error)

func (f ApproverResolverFunc) Resolve(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
	return f(ctx, node, evalCtx)
}

// defaultResolvers builds the registry for every known approver type.
func defaultResolvers(dir repository.Directory) map[repository.ApproverType]ApproverResolver {
	return map[repository.ApproverType]ApproverResolver{
		repository.ApproverFixedUser: ApproverResolverFunc(func(_ context.Context, node *repository.ApprovalNode, _ EvalContext) ([]int64, error) {
			return node.ApproverConfig.UserIDs, nil
		}),

		repository.ApproverRole: ApproverResolverFunc(func(ctx context.Context, node *repository.ApprovalNode, _ EvalContext) ([]int64, error) {
			if len(node.ApproverConfig.RoleCodes) == 0 {
				return nil, nil
			}
			return dir.ListActiveUserIDsByRoles(ctx, node.ApproverConfig.RoleCodes)
		}),

		repository.ApproverDepartmentHead: ApproverResolverFunc(func(ctx context.Context, _ *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
			initiator := evalCtx.Initiator()
			if initiator == nil || initiator.DeptID == nil {
				return nil, nil
			}
			return single(dir.GetDepartmentManager(ctx, *initiator.DeptID))
		}),

		repository.ApproverDirectManager: ApproverResolverFunc(func(ctx context.Context, _ *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
			initiator := evalCtx.Initiator()
			if initiator == nil {
				return nil, nil
			}
			return single(dir.GetDirectManager(ctx, initiator.ID))
		}),

		repository.ApproverFormField: ApproverResolverFunc(func(_ context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
			if node.ApproverConfig.Field == "" {
				return nil, nil
			}
			return idsFromValue(lookupPath(evalCtx.FormData(), node.ApproverConfig.Field)), nil
		}),

		repository.ApproverMultiDept: ApproverResolverFunc(func(ctx context.Context, node *repository.ApprovalNode, _ EvalContext) ([]int64, error) {
			var ids []int64
			for _, deptID := range node.ApproverConfig.DeptIDs {
				managerID, err := dir.GetDepartmentManager(ctx, deptID)
				if err != nil {
					return nil, err
				}
				if managerID != 0 {
					ids = append(ids, managerID)
				}
			}
			return ids, nil
		}),

		repository.ApproverDynamic: ApproverResolverFunc(func(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
			r := evalCtx.dynamicResolver()
			if r == nil {
				return nil, nil
			}
			return r.ResolveApprovers(ctx, node, evalCtx)
		}),

		repository.ApproverInitiator: ApproverResolverFunc(func(_ context.Context, _ *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
			if initiator := evalCtx.Initiator(); initiator != nil {
				return []int64{initiator.ID}, nil
			}
			return nil, nil
		}),
	}
}

func single(id int64, err error) ([]int64, error) {
	if err != nil || id == 0 {
		return nil, err
	}
	return []int64{id}, nil
}

// idsFromValue reads user ids from a scalar or list form value. Integral
// numbers and numeric strings are accepted; anything else is skipped.
func idsFromValue(v any) []int64 {
	if v == nil {
		return nil
	}
	if items, ok := asList(v); ok {
		var ids []int64
		for _, item := range items {
			if id, ok := toID(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if id, ok := toID(v); ok {
		return []int64{id}
	}
	return nil
}

func toID(v any) (int64, bool) {
	v = deref(v)
	if s, ok := v.(string); ok {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return id, err == nil && id > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), rv.Int() > 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt64 {
			return 0, false
		}
		return int64(rv.Uint()), rv.Uint() > 0
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) || f <= 0 || f > math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	if d, ok := toDecimal(v); ok && d.Equal(d.Truncate(0)) && d.IsPositive() {
		return d.IntPart(), true
	}
	return 0, false
}

// dedupeIDs drops zero and repeated ids, keeping first occurrences in order.
func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
