package service

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func TestCompare(t *testing.T) {
	amount := 1500
	var nilPtr *int

	tests := []struct {
		name     string
		actual   any
		op       string
		expected any
		want     bool
	}{
		{"nil is never greater", nil, ">", 5, false},
		{"between inclusive", 5, "between", []any{1, 10}, true},
		{"between lower bound", 1, "between", []int{1, 10}, true},
		{"between outside", 11, "between", []any{1, 10}, false},
		{"between malformed bounds", 5, "between", []any{1}, false},
		{"string against number", "abc", ">", 5, false},
		{"numeric string is not a number", "5000", ">", 1000, false},
		{"int equals float", 5, "==", 5.0, true},
		{"json number", json.Number("12.50"), "==", 12.5, true},
		{"decimal", decimal.RequireFromString("99.99"), "<", 100, true},
		{"pointer deref", &amount, ">=", 1000, true},
		{"nil pointer", nilPtr, "==", 0, false},
		{"not equal", "a", "!=", "b", true},
		{"not equal nil expected", "a", "!=", nil, false},
		{"eq alias", "x", "eq", "x", true},
		{"gte alias", 10, "gte", 10, true},
		{"lt strings", "apple", "lt", "banana", true},
		{"in", "IT", "in", []any{"HR", "IT"}, true},
		{"in typed slice", int64(3), "in", []int64{1, 2, 3}, true},
		{"in non-list", "IT", "in", "IT", false},
		{"not_in", "OPS", "not_in", []string{"HR", "IT"}, true},
		{"contains substring", "urgent order", "contains", "urgent", true},
		{"contains list", []any{"a", "b"}, "contains", "b", true},
		{"starts_with", "PO-123", "starts_with", "PO-", true},
		{"ends_with", "report.pdf", "ends_with", ".pdf", true},
		{"regex", "INV-2026-001", "regex", `^INV-\d{4}-\d{3}$`, true},
		{"bad regex", "x", "regex", "(", false},
		{"is_null", nil, "is_null", true, true},
		{"is_null false", "x", "is_null", false, true},
		{"is_null on value", "x", "is_null", nil, false},
		{"unknown operator", 1, "~", 1, false},
		{"bool equal", true, "==", true, true},
		{"bool against string", true, "==", "true", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.actual, tt.op, tt.expected))
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	dept := int64(10)
	evalCtx := NewEvalContext(
		map[string]any{
			"amount":   5000,
			"category": "hardware",
			"vendor":   map[string]any{"country": "DE"},
			"lines":    []any{map[string]any{"sku": "LAP-1"}},
		},
		&repository.User{ID: 1, Name: "Alice", DeptID: &dept},
		"purchase_order", "PO-1",
	)

	leaf := func(field, op string, value any) repository.Condition {
		return repository.Condition{Field: field, Op: op, Value: value}
	}

	tests := []struct {
		name string
		cond *repository.Condition
		want bool
	}{
		{"nil never matches", nil, false},
		{"empty group matches", &repository.Condition{Operator: "AND"}, true},
		{"form alias", &repository.Condition{Items: []repository.Condition{leaf("form.amount", ">=", 1000)}}, true},
		{"form_data path", ptr(leaf("form_data.category", "==", "hardware")), true},
		{"nested map", ptr(leaf("form.vendor.country", "in", []any{"DE", "FR"})), true},
		{"slice index", ptr(leaf("form.lines.0.sku", "starts_with", "LAP")), true},
		{"initiator struct json tag", ptr(leaf("initiator.dept_id", "==", 10)), true},
		{"initiator struct field name", ptr(leaf("initiator.Name", "==", "Alice")), true},
		{"entity", ptr(leaf("entity.type", "==", "purchase_order")), true},
		{"missing path", ptr(leaf("form.nope.deeper", "==", 1)), false},
		{
			"or group",
			&repository.Condition{Operator: "or", Items: []repository.Condition{
				leaf("form.amount", "<", 100),
				leaf("form.category", "==", "hardware"),
			}},
			true,
		},
		{
			"and group short-circuits to false",
			&repository.Condition{Operator: "AND", Items: []repository.Condition{
				leaf("form.amount", ">", 100),
				leaf("form.category", "==", "software"),
			}},
			false,
		},
		{
			"nested groups",
			&repository.Condition{Operator: "AND", Items: []repository.Condition{
				{Operator: "OR", Items: []repository.Condition{
					leaf("form.amount", ">", 10000),
					leaf("form.vendor.country", "==", "DE"),
				}},
				leaf("entity.id", "==", "PO-1"),
			}},
			true,
		},
		{"unknown group operator", &repository.Condition{Operator: "XOR", Items: []repository.Condition{leaf("form.amount", ">", 1)}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.cond, evalCtx))
		})
	}
}

func TestEvalContext_WithInstance(t *testing.T) {
	base := NewEvalContext(nil, nil, "", "")
	inst := &repository.ApprovalInstance{ID: 7, Urgency: repository.UrgencyUrgent}

	withInst := base.WithInstance(inst)
	assert.Equal(t, repository.UrgencyUrgent, withInst.Lookup("instance.urgency"))
	assert.Nil(t, base.Lookup("instance"), "the receiver is not modified")
	assert.NotNil(t, base.FormData())
}

func ptr(c repository.Condition) *repository.Condition { return &c }

func TestCondition_ZeroValueSurvivesJSON(t *testing.T) {
	evalCtx := NewEvalContext(map[string]any{"urgent": false, "discount": 0, "note": ""}, nil, "", "")

	for _, leaf := range []repository.Condition{
		{Field: "form.urgent", Op: "==", Value: false},
		{Field: "form.discount", Op: "==", Value: 0},
		{Field: "form.note", Op: "==", Value: ""},
	} {
		data, err := json.Marshal(leaf)
		require.NoError(t, err)

		var decoded repository.Condition
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.NotNil(t, decoded.Value, string(data))
		assert.True(t, EvaluateCondition(&decoded, evalCtx), string(data))
	}
}
