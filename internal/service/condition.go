package service

import (
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Evaluation context keys.
const (
	EvalKeyFormData  = "form_data"
	EvalKeyForm      = "form"
	EvalKeyInitiator = "initiator"
	EvalKeyEntity    = "entity"
	EvalKeyInstance  = "instance"

	evalKeyResolver = "approver_resolver"
)

// EvalContext is the data condition trees and approver resolvers read from.
type EvalContext map[string]any

// NewEvalContext builds the submission context. form_data is also reachable
// as form.
func NewEvalContext(formData map[string]any, initiator *repository.User, entityType, entityID string) EvalContext {
	if formData == nil {
		formData = map[string]any{}
	}
	return EvalContext{
		EvalKeyFormData:  formData,
		EvalKeyForm:      formData,
		EvalKeyInitiator: initiator,
		EvalKeyEntity:    map[string]any{"type": entityType, "id": entityID},
	}
}

// WithInstance returns a copy of c that also exposes the instance.
func (c EvalContext) WithInstance(inst *repository.ApprovalInstance) EvalContext {
	out := make(EvalContext, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[EvalKeyInstance] = inst
	return out
}

// WithDynamicResolver returns a copy of c carrying the resolver used by
// DYNAMIC approver nodes.
func (c EvalContext) WithDynamicResolver(r DynamicResolver) EvalContext {
	out := make(EvalContext, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[evalKeyResolver] = r
	return out
}

// Initiator returns the submitting user, or nil.
func (c EvalContext) Initiator() *repository.User {
	u, _ := c[EvalKeyInitiator].(*repository.User)
	return u
}

// FormData returns the submitted form.
func (c EvalContext) FormData() map[string]any {
	m, _ := c[EvalKeyFormData].(map[string]any)
	return m
}

func (c EvalContext) dynamicResolver() DynamicResolver {
	r, _ := c[evalKeyResolver].(DynamicResolver)
	return r
}

// Lookup resolves a dotted path. Maps are indexed by key, structs by field
// name or json tag (underscores and case ignored). A missing segment yields nil.
func (c EvalContext) Lookup(path string) any {
	return lookupPath(map[string]any(c), path)
}

func lookupPath(root any, path string) any {
	if path == "" {
		return nil
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		if cur = child(cur, seg); cur == nil {
			return nil
		}
	}
	return deref(cur)
}

func child(v any, key string) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil
		}
		return val.Interface()
	case reflect.Struct:
		want := normalizeName(key)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag := strings.Split(f.Tag.Get("json"), ",")[0]
			if normalizeName(f.Name) == want || (tag != "" && tag != "-" && normalizeName(tag) == want) {
				return rv.Field(i).Interface()
			}
		}
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil
		}
		return rv.Index(idx).Interface()
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// deref unwraps pointers so leaves compare by value; nil pointers become nil.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

// ── Evaluation ────────────────────────────────────────────────────────────────

// EvaluateCondition reports whether cond holds over evalCtx. A nil tree never
// matches, an empty group always does.
func EvaluateCondition(cond *repository.Condition, evalCtx EvalContext) bool {
	if cond == nil {
		return false
	}
	return evaluate(*cond, evalCtx)
}

func evaluate(cond repository.Condition, evalCtx EvalContext) bool {
	if !cond.IsGroup() {
		return Compare(evalCtx.Lookup(cond.Field), cond.Op, cond.Value)
	}
	if len(cond.Items) == 0 {
		return true
	}

	switch strings.ToUpper(cond.Operator) {
	case "", "AND":
		for _, item := range cond.Items {
			if !evaluate(item, evalCtx) {
				return false
			}
		}
		return true
	case "OR":
		for _, item := range cond.Items {
			if evaluate(item, evalCtx) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Compare applies op to actual and expected. Nil operands, mismatched types,
// malformed expected values and unknown operators yield false.
func Compare(actual any, op string, expected any) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	actual = deref(actual)
	expected = deref(expected)

	if op == "is_null" {
		if b, ok := expected.(bool); ok && !b {
			return actual != nil
		}
		return actual == nil
	}
	if actual == nil {
		return false
	}

	switch op {
	case "==", "eq":
		return equalValues(actual, expected)
	case "!=", "ne":
		if expected == nil {
			return false
		}
		return !equalValues(actual, expected)
	case ">", "gt":
		c, ok := order(actual, expected)
		return ok && c > 0
	case ">=", "gte":
		c, ok := order(actual, expected)
		return ok && c >= 0
	case "<", "lt":
		c, ok := order(actual, expected)
		return ok && c < 0
	case "<=", "lte":
		c, ok := order(actual, expected)
		return ok && c <= 0
	case "in":
		items, ok := asList(expected)
		return ok && containsValue(items, actual)
	case "not_in":
		items, ok := asList(expected)
		return ok && !containsValue(items, actual)
	case "between":
		bounds, ok := asList(expected)
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, okLo := order(actual, bounds[0])
		hi, okHi := order(actual, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	case "contains":
		if s, ok := actual.(string); ok {
			sub, ok := expected.(string)
			return ok && strings.Contains(s, sub)
		}
		items, ok := asList(actual)
		return ok && containsValue(items, expected)
	case "starts_with":
		s, ok1 := actual.(string)
		prefix, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	case "ends_with":
		s, ok1 := actual.(string)
		suffix, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix)
	case "regex":
		s, ok1 := actual.(string)
		pattern, ok2 := expected.(string)
		if !ok1 || !ok2 {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	a, b = deref(a), deref(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if da, ok := toDecimal(a); ok {
		db, ok := toDecimal(b)
		return ok && da.Equal(db)
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

// order compares numbers with numbers and strings with strings.
func order(a, b any) (int, bool) {
	a, b = deref(a), deref(b)
	if da, ok := toDecimal(a); ok {
		db, ok := toDecimal(b)
		if !ok {
			return 0, false
		}
		return da.Cmp(db), true
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func containsValue(items []any, v any) bool {
	for _, item := range items {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

// toDecimal converts numeric kinds to a decimal. Strings are not numbers here.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		d, err := decimal.NewFromString(strconv.FormatUint(rv.Uint(), 10))
		return d, err == nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(f), true
	}
	return decimal.Decimal{}, false
}
