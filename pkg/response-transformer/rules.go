package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules are evaluated in order; the first matching rule is applied.
type Rules []Rule

// Rule sets caching headers on successful origin responses to GET requests.
// A rule matches when all of its non-empty conditions match.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`
	// Query parameters the request must have.
	// An empty value only requires presence, e.g. `_rsc: ""` matches component payload fetches.
	Query    map[string]string `yaml:"query"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply is meant to be used as the origin response modifier.
func (r Rules) Apply(res *http.Response) error {
	if res.StatusCode != http.StatusOK || res.Request == nil {
		return nil
	}
	if rule := r.find(res.Request); rule != nil {
		applyRuleToResponse(*rule, res)
	}
	return nil
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	if req.Method != http.MethodGet {
		return nil
	}
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for i, rule := range r {
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &r[i]
	}
	return nil
}
