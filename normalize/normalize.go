// Package normalize rewrites volatile query parameters to fixed sentinel values,
// so that requests differing only in those parameters share a cache key.
//
// The normalizer runs before the cache key is computed (a "viewer request" hook).
// It never fails: a missing query, or a query without the parameter,
// is left exactly as it was.
package normalize

import "fmt"

var (
	ErrorEmptyParam     = fmt.Errorf("normalize rule parameter name empty")
	ErrorDuplicateParam = fmt.Errorf("normalize rule parameter defined more than once")
)

// Rule rewrites the value of Param to Sentinel whenever Param is present.
type Rule struct {
	Param    string `yaml:"param" json:"param"`
	Sentinel string `yaml:"sentinel" json:"sentinel"`
}

// DefaultRule collapses the server component fetch parameter.
// Its value is a per-navigation hash that carries no meaning for the response.
var DefaultRule = Rule{Param: "_rsc", Sentinel: "1"}

// Query is a mutable mapping of parameter names to single values.
// Lookup reports presence separately from the value: an empty value is present.
type Query interface {
	Lookup(name string) (string, bool)
	Set(name, value string)
}

// Values is the simplest Query: one value per name.
type Values map[string]string

func (v Values) Lookup(name string) (string, bool) {
	val, ok := v[name]
	return val, ok
}

func (v Values) Set(name, value string) {
	v[name] = value
}

type Normalizer struct {
	rules []Rule
}

// New creates a normalizer applying the given rules in order.
// Without rules, DefaultRule is used.
func New(rules ...Rule) (*Normalizer, error) {
	if len(rules) == 0 {
		rules = []Rule{DefaultRule}
	}
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if rule.Param == "" {
			return nil, ErrorEmptyParam
		}
		if seen[rule.Param] {
			return nil, fmt.Errorf("%w: %s", ErrorDuplicateParam, rule.Param)
		}
		seen[rule.Param] = true
	}
	n := &Normalizer{rules: make([]Rule, len(rules))}
	copy(n.rules, rules)
	return n, nil
}

// Default returns a normalizer with only DefaultRule.
func Default() *Normalizer {
	return &Normalizer{rules: []Rule{DefaultRule}}
}

// Rules returns a copy of the configured rules.
func (n *Normalizer) Rules() []Rule {
	if n == nil {
		return nil
	}
	rules := make([]Rule, len(n.rules))
	copy(rules, n.rules)
	return rules
}

// Normalize sets every present rule parameter to its sentinel.
// It returns the names of the parameters whose value actually changed,
// so a query already holding the sentinels reports nothing.
// A nil query is treated as a query without parameters.
func (n *Normalizer) Normalize(q Query) []string {
	if n == nil || q == nil {
		return nil
	}
	var changed []string
	for _, rule := range n.rules {
		value, ok := q.Lookup(rule.Param)
		if !ok {
			continue
		}
		if value == rule.Sentinel {
			continue
		}
		q.Set(rule.Param, rule.Sentinel)
		changed = append(changed, rule.Param)
	}
	return changed
}
