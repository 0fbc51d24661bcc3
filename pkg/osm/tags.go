package osm

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/paulmach/osm"
)

type tagRule struct {
	key    string
	values []string
}

// TagFilter decides which tagged elements survive filtering. An element
// passes when any allow-list rule matches and, if set, the expression
// evaluates true.
type TagFilter struct {
	rules      []tagRule
	source     string
	expression *vm.Program
}

// ParseTagFilter builds a filter from rules of the form "key", "key=value"
// or "key=v1|v2", plus an optional boolean expression over the element's
// tags, eg. `tags["access"] != "private"`.
func ParseTagFilter(rules []string, expression string) (*TagFilter, error) {
	filter := &TagFilter{source: expression}

	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}

		key, values, hasValues := strings.Cut(rule, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("tag rule %q has no key", rule)
		}

		parsed := tagRule{key: key}
		if hasValues {
			for _, value := range strings.Split(values, "|") {
				if value = strings.TrimSpace(value); value != "" {
					parsed.values = append(parsed.values, value)
				}
			}
			if len(parsed.values) == 0 {
				return nil, fmt.Errorf("tag rule %q has no values", rule)
			}
		}

		filter.rules = append(filter.rules, parsed)
	}

	if len(filter.rules) == 0 {
		return nil, fmt.Errorf("tag filter needs at least one rule")
	}

	if expression != "" {
		program, err := expr.Compile(expression, expr.Env(map[string]interface{}{"tags": map[string]string{}}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile tag expression: %w", err)
		}
		filter.expression = program
	}

	return filter, nil
}

// Match reports whether tags pass the filter.
func (f *TagFilter) Match(tags osm.Tags) bool {
	if len(tags) == 0 {
		return false
	}

	matched := false
	for _, rule := range f.rules {
		if !tags.HasTag(rule.key) {
			continue
		}
		if len(rule.values) == 0 {
			matched = true
			break
		}

		value := tags.Find(rule.key)
		for _, allowed := range rule.values {
			if value == allowed {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}

	if !matched || f.expression == nil {
		return matched
	}

	result, err := expr.Run(f.expression, map[string]interface{}{"tags": tags.Map()})
	if err != nil {
		return false
	}

	return result.(bool)
}

func (f *TagFilter) String() string {
	parts := make([]string, 0, len(f.rules))
	for _, rule := range f.rules {
		if len(rule.values) == 0 {
			parts = append(parts, rule.key)
		} else {
			parts = append(parts, rule.key+"="+strings.Join(rule.values, "|"))
		}
	}

	if f.source != "" {
		return fmt.Sprintf("%s where %s", strings.Join(parts, ","), f.source)
	}

	return strings.Join(parts, ",")
}
