package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Evaluation fields aggregated into the countersign summary.
const (
	EvalCostEstimate     = "cost_estimate"
	EvalScheduleEstimate = "schedule_estimate"
	EvalRiskAssessment   = "risk_assessment"
)

var riskRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// processCountersign records task's action on the node tally and reports
// whether every countersigner has acted. The outcome is in FinalResult.
func (x *Executor) processCountersign(ctx context.Context, store repository.Store, node *repository.ApprovalNode, task *repository.ApprovalTask) (bool, error) {
	tally, err := store.GetCountersign(ctx, task.InstanceID, node.ID)
	if err != nil {
		return false, err
	}
	if tally == nil {
		return false, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("countersign tally not found for instance %d node %d", task.InstanceID, node.ID))
	}
	if tally.PendingCount <= 0 {
		return false, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("countersign tally for node %d has no pending slots", node.ID))
	}

	tally.PendingCount--
	if *task.Action == repository.ActionApprove {
		tally.ApprovedCount++
	} else {
		tally.RejectedCount++
	}

	resolved := tally.PendingCount == 0
	if resolved {
		tally.FinalResult = decideCountersign(node.ApproverConfig.PassRule, tally.ApprovedCount, tally.RejectedCount)
		summary, err := x.SummarizeNode(ctx, store, tally)
		if err != nil {
			return false, err
		}
		tally.SummaryData = summary
	}

	if err := store.UpdateCountersign(ctx, tally); err != nil {
		return false, err
	}

	x.log.Debug().
		Int64("instance_id", task.InstanceID).
		Int64("node_id", node.ID).
		Int("approved", tally.ApprovedCount).
		Int("rejected", tally.RejectedCount).
		Int("pending", tally.PendingCount).
		Str("result", string(tally.FinalResult)).
		Msg("Countersign tally updated")
	return resolved, nil
}

// growTally adds delta PENDING slots, keeping total = approved+rejected+pending.
func (x *Executor) growTally(ctx context.Context, store repository.Store, instanceID, nodeID int64, delta int) error {
	if delta == 0 {
		return nil
	}
	tally, err := store.GetCountersign(ctx, instanceID, nodeID)
	if err != nil {
		return err
	}
	if tally == nil {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("countersign tally not found for instance %d node %d", instanceID, nodeID))
	}
	if tally.PendingCount+delta < 0 {
		return errors.New(errors.ErrCodeInternal, "countersign pending count would go negative")
	}
	tally.TotalCount += delta
	tally.PendingCount += delta
	return store.UpdateCountersign(ctx, tally)
}

// decideCountersign applies the pass rule; unknown rules behave like ALL.
func decideCountersign(rule repository.PassRule, approved, rejected int) repository.CountersignResult {
	var passed bool
	switch rule {
	case repository.PassRuleMajority:
		passed = approved > rejected
	case repository.PassRuleAny:
		passed = approved > 0
	default:
		passed = rejected == 0
	}
	if passed {
		return repository.CountersignPassed
	}
	return repository.CountersignFailed
}

// SummarizeNode recomputes the evaluation summary of the tally's current
// round from the node's tasks.
func (x *Executor) SummarizeNode(ctx context.Context, store repository.Store, tally *repository.ApprovalCountersignResult) (*repository.EvalSummary, error) {
	tasks, _, err := store.ListTasks(ctx, repository.TaskFilter{InstanceID: tally.InstanceID, NodeID: tally.NodeID})
	if err != nil {
		return nil, err
	}
	round := tasks[:0]
	for _, t := range tasks {
		if t.ID >= tally.RoundStartTaskID {
			round = append(round, t)
		}
	}
	return SummarizeEvalData(round), nil
}

// SummarizeEvalData aggregates the evaluation data of COMPLETED tasks. The
// result depends only on the tasks given, so repeated calls agree.
func SummarizeEvalData(tasks []*repository.ApprovalTask) *repository.EvalSummary {
	completed := make([]*repository.ApprovalTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == repository.TaskCompleted && t.EvalData != nil {
			completed = append(completed, t)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		if completed[i].TaskOrder != completed[j].TaskOrder {
			return completed[i].TaskOrder < completed[j].TaskOrder
		}
		return completed[i].ID < completed[j].ID
	})

	cost := decimal.Zero
	schedule := decimal.Zero
	maxRisk := ""
	evaluations := make([]map[string]any, 0, len(completed))

	for _, t := range completed {
		entry := map[string]any{
			"assignee_id":   t.AssigneeID,
			"assignee_name": t.AssigneeName,
			"comment":       t.Comment,
		}
		if t.Action != nil {
			entry["action"] = string(*t.Action)
		}
		for k, v := range t.EvalData {
			entry[k] = v
		}
		evaluations = append(evaluations, entry)

		cost = cost.Add(estimate(t.EvalData[EvalCostEstimate]))
		schedule = schedule.Add(estimate(t.EvalData[EvalScheduleEstimate]))

		if risk, ok := t.EvalData[EvalRiskAssessment].(string); ok {
			risk = strings.ToLower(strings.TrimSpace(risk))
			if riskRank[risk] > riskRank[maxRisk] {
				maxRisk = risk
			}
		}
	}

	return &repository.EvalSummary{
		Evaluations:           evaluations,
		TotalCostEstimate:     cost.String(),
		TotalScheduleEstimate: schedule.String(),
		MaxRiskAssessment:     maxRisk,
	}
}

// estimate reads a numeric or numeric-string estimate; anything else counts as 0.
func estimate(v any) decimal.Decimal {
	if s, ok := deref(v).(string); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	if d, ok := toDecimal(deref(v)); ok {
		return d
	}
	return decimal.Zero
}
