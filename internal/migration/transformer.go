package migration

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

const redacted = "[REDACTED]"

var sensitiveMarkers = []string{"password", "secret", "api_key", "token"}

// Transformer applies StateTransformations to single values. It is safe
// for concurrent use once converters are registered.
type Transformer struct {
	converters map[converterKey]ConvertFunc
	splitters  map[string]SplitFunc
	mergers    map[string]MergeFunc
	jq         *expressions.GoJQEngine
	expr       *expressions.ExprEngine
	logger     *slog.Logger
	now        func() time.Time

	patternMu sync.Mutex
	patterns  map[string]*regexp.Regexp
}

// NewTransformer returns a Transformer with the builtin converters,
// splitters and mergers.
func NewTransformer(logger *slog.Logger) *Transformer {
	return &Transformer{
		converters: builtinConverters(),
		splitters:  builtinSplitters(),
		mergers:    builtinMergers(),
		jq:         expressions.NewGoJQEngine(),
		expr:       expressions.NewExprEngine(),
		logger:     logging.OrDefault(logger),
		now:        time.Now,
		patterns:   make(map[string]*regexp.Regexp),
	}
}

func (t *Transformer) RegisterConverter(fromType, toType, name string, fn ConvertFunc) {
	t.converters[converterKey{fromType, toType, name}] = fn
}

func (t *Transformer) RegisterSplitter(name string, fn SplitFunc) { t.splitters[name] = fn }

func (t *Transformer) RegisterMerger(name string, fn MergeFunc) { t.mergers[name] = fn }

// TransformState upgrades st in place. A state already at ToVersion is left
// alone and reported as a successful no-op. A state at any other version
// than FromVersion is a MIGRATION error. Field errors and required rule
// failures leave st untouched.
func (t *Transformer) TransformState(ctx context.Context, st *State, tr *StateTransformation) (*Result, error) {
	started := t.now()
	res := &Result{TransformationID: tr.ID}
	defer func() { res.Duration = t.now().Sub(started) }()

	if st.SchemaVersion == tr.ToVersion {
		res.Success = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("state %q already at schema version %d", st.Key, tr.ToVersion))
		return res, nil
	}
	if st.SchemaVersion != tr.FromVersion {
		return res, schema.NewErrorf(schema.ErrCodeMigration,
			"transformation %s applies to version %d, state %q is at %d", tr.ID, tr.FromVersion, st.Key, st.SchemaVersion)
	}

	var source map[string]any
	switch v := st.Value.(type) {
	case nil:
		source = map[string]any{}
	case map[string]any:
		source = v
	default:
		return res, schema.NewErrorf(schema.ErrCodeMigration, "state %q is a %s, not an object", st.Key, typeName(st.Value))
	}

	target := map[string]any{}
	if tr.PreserveUnknownFields {
		target = dotpath.CloneMap(source)
	}

	for i, ft := range tr.Transforms {
		applied, warns, err := t.apply(ctx, source, target, ft)
		res.Warnings = append(res.Warnings, warns...)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("transform %d (%s): %s", i, ft.Kind, err.Error()))
			t.logger.WarnContext(ctx, "field transform failed",
				slog.String("transformation", tr.ID),
				slog.String("state_key", st.Key),
				slog.String(logging.ErrorKey, err.Error()))
			continue
		}
		if applied {
			res.FieldsTransformed++
		}
	}
	if len(res.Errors) > 0 {
		return res, schema.NewErrorf(schema.ErrCodeMigration,
			"transformation %s failed on %q: %s", tr.ID, st.Key, strings.Join(res.Errors, "; "))
	}

	for _, rule := range tr.Rules {
		if msg := t.check(ctx, target, rule, tr.ProtectSensitiveData); msg != "" {
			if rule.Required {
				res.Errors = append(res.Errors, msg)
				return res, schema.NewErrorf(schema.ErrCodeMigration, "validation failed on %q: %s", st.Key, msg)
			}
			res.Warnings = append(res.Warnings, msg)
		}
	}

	st.Value = target
	st.SchemaVersion = tr.ToVersion
	st.Timestamp = t.now().UTC()
	res.Success = true
	return res, nil
}

func (t *Transformer) apply(ctx context.Context, src, dst map[string]any, ft FieldTransform) (bool, []string, error) {
	switch ft.Kind {
	case TransformCopy:
		v, ok := dotpath.Get(src, ft.From)
		if !ok {
			return false, nil, nil
		}
		return true, nil, move(dst, ft.From, ft.To, dotpath.Clone(v))

	case TransformConvert:
		v, ok := dotpath.Get(src, ft.From)
		if !ok {
			return false, nil, nil
		}
		var warns []string
		fn, known := t.converters[converterKey{ft.FromType, ft.ToType, ft.Converter}]
		if !known {
			warns = append(warns, fmt.Sprintf("unknown converter %q for %s to %s on %s; value copied unchanged",
				ft.Converter, ft.FromType, ft.ToType, ft.From))
			t.logger.WarnContext(ctx, "unknown converter, using identity",
				slog.String("converter", ft.Converter), slog.String("field", ft.From))
			fn = func(v any) (any, error) { return dotpath.Clone(v), nil }
		}
		out, err := fn(v)
		if err != nil {
			return false, warns, fmt.Errorf("convert %s: %w", ft.From, err)
		}
		return true, warns, move(dst, ft.From, ft.To, out)

	case TransformDefault:
		if _, ok := dotpath.Get(dst, ft.To); ok {
			return false, nil, nil
		}
		if !dotpath.Set(dst, ft.To, dotpath.Clone(ft.Value)) {
			return false, nil, fmt.Errorf("cannot write %s", ft.To)
		}
		return true, nil, nil

	case TransformRemove:
		return dotpath.Delete(dst, ft.From), nil, nil

	case TransformSplit:
		v, ok := dotpath.Get(src, ft.From)
		if !ok {
			return false, nil, nil
		}
		var warns []string
		fn, known := t.splitters[ft.Splitter]
		if !known {
			warns = append(warns, fmt.Sprintf("unknown splitter %q on %s; value copied to every target", ft.Splitter, ft.From))
			fn = func(v any, n int) ([]any, error) {
				out := make([]any, n)
				for i := range out {
					out[i] = dotpath.Clone(v)
				}
				return out, nil
			}
		}
		parts, err := fn(v, len(ft.ToFields))
		if err != nil {
			return false, warns, err
		}
		if err := assign(dst, ft.ToFields, parts); err != nil {
			return false, warns, err
		}
		removeSources(dst, []string{ft.From}, ft.ToFields)
		return true, warns, nil

	case TransformMerge:
		values := present(src, ft.FromFields)
		if len(values) == 0 {
			return false, nil, nil
		}
		var warns []string
		fn, known := t.mergers[ft.Merger]
		if !known {
			warns = append(warns, fmt.Sprintf("unknown merger %q into %s; first value kept", ft.Merger, ft.To))
			fn = func(vs []any) (any, error) { return vs[0], nil }
		}
		out, err := fn(values)
		if err != nil {
			return false, warns, err
		}
		removeSources(dst, ft.FromFields, []string{ft.To})
		if !dotpath.Set(dst, ft.To, out) {
			return false, warns, fmt.Errorf("cannot write %s", ft.To)
		}
		return true, warns, nil

	case TransformCustom:
		if ft.Program == "" {
			return false, nil, fmt.Errorf("custom transform has no program")
		}
		fields := map[string]any{}
		for _, f := range ft.FromFields {
			if v, ok := dotpath.Get(src, f); ok {
				fields[f] = dotpath.Clone(v)
			}
		}
		if len(fields) == 0 {
			return false, nil, nil
		}
		cfg := ft.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		out, err := t.jq.EvaluateValue(ctx, ft.Program, map[string]any{"fields": fields, "config": cfg})
		if err != nil {
			return false, nil, err
		}
		items, ok := out.([]any)
		if !ok {
			items = []any{out}
		}
		removeSources(dst, ft.FromFields, ft.ToFields)
		if len(items) > len(ft.ToFields) {
			items = items[:len(ft.ToFields)]
		}
		if err := assign(dst, ft.ToFields[:len(items)], items); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("unknown transform kind %q", ft.Kind)
}

func move(dst map[string]any, from, to string, v any) error {
	if !dotpath.Set(dst, to, v) {
		return fmt.Errorf("cannot write %s", to)
	}
	if from != to {
		dotpath.Delete(dst, from)
	}
	return nil
}

func assign(dst map[string]any, fields []string, values []any) error {
	for i, f := range fields {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if !dotpath.Set(dst, f, v) {
			return fmt.Errorf("cannot write %s", f)
		}
	}
	return nil
}

func present(src map[string]any, fields []string) []any {
	var out []any
	for _, f := range fields {
		if v, ok := dotpath.Get(src, f); ok {
			out = append(out, dotpath.Clone(v))
		}
	}
	return out
}

func removeSources(dst map[string]any, sources, keep []string) {
	for _, s := range sources {
		kept := false
		for _, k := range keep {
			if s == k {
				kept = true
				break
			}
		}
		if !kept {
			dotpath.Delete(dst, s)
		}
	}
}

// check returns a failure message, or "" when the rule holds.
func (t *Transformer) check(ctx context.Context, data map[string]any, rule ValidationRule, protect bool) string {
	v, ok := dotpath.Get(data, rule.Field)
	shown := func(x any) string {
		if protect && isSensitive(rule.Field) {
			return redacted
		}
		return fmt.Sprint(x)
	}
	fail := func(format string, args ...any) string {
		if rule.Message != "" {
			return rule.Message
		}
		return fmt.Sprintf(format, args...)
	}

	switch rule.Kind {
	case RuleNotNull:
		if !ok || v == nil {
			return fail("field %q cannot be null", rule.Field)
		}
	case RuleType:
		if ok && typeName(v) != rule.Type {
			return fail("field %q expected type %q, got %q", rule.Field, rule.Type, typeName(v))
		}
	case RuleRange:
		if !ok {
			return ""
		}
		n, isNum := toFloat(v)
		if !isNum {
			return ""
		}
		if rule.Min != nil && n < *rule.Min {
			return fail("field %q value %s below minimum %v", rule.Field, shown(v), *rule.Min)
		}
		if rule.Max != nil && n > *rule.Max {
			return fail("field %q value %s above maximum %v", rule.Field, shown(v), *rule.Max)
		}
	case RuleLength:
		var n int
		switch x := v.(type) {
		case string:
			n = utf8.RuneCountInString(x)
		case []any:
			n = len(x)
		default:
			return ""
		}
		if rule.Min != nil && float64(n) < *rule.Min {
			return fail("field %q length %d below minimum %v", rule.Field, n, *rule.Min)
		}
		if rule.Max != nil && float64(n) > *rule.Max {
			return fail("field %q length %d above maximum %v", rule.Field, n, *rule.Max)
		}
	case RulePattern:
		s, isStr := v.(string)
		if !ok || !isStr {
			return ""
		}
		re, err := t.pattern(rule.Pattern)
		if err != nil {
			return fail("field %q: invalid pattern %q: %s", rule.Field, rule.Pattern, err.Error())
		}
		if !re.MatchString(s) {
			return fail("field %q value %s does not match pattern %q", rule.Field, shown(s), rule.Pattern)
		}
	case RuleCustom:
		if rule.Expression == "" {
			return ""
		}
		out, err := t.expr.Evaluate(ctx, rule.Expression, map[string]any{"value": v, "data": data})
		if err != nil {
			return fail("field %q: rule %q failed: %s", rule.Field, rule.Expression, err.Error())
		}
		if !expressions.Truthy(out) {
			return fail("field %q does not satisfy %q", rule.Field, rule.Expression)
		}
	default:
		return fail("unknown validation rule %q", rule.Kind)
	}
	return ""
}

func (t *Transformer) pattern(p string) (*regexp.Regexp, error) {
	t.patternMu.Lock()
	defer t.patternMu.Unlock()
	if re, ok := t.patterns[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	t.patterns[p] = re
	return re, nil
}

func isSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
