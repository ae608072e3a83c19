package cfevent

import (
	"encoding/json"
	"fmt"
	"io"
	"text/template"

	"github.com/always-cache/rsc-edge/normalize"
)

// Runtime is the CloudFront Functions runtime the rendered source targets.
const Runtime = "cloudfront-js-2.0"

var functionTemplate = template.Must(template.New("function").Parse(`// Generated by cf-function. Attach to the viewer request event.
var rules = {{.Rules}};

function handler(event) {
  var request = event.request;
  var querystring = request.querystring;
  if (!querystring) {
    return request;
  }
  for (var i = 0; i < rules.length; i++) {
    var param = rules[i].param;
    if (!Object.prototype.hasOwnProperty.call(querystring, param)) {
      continue;
    }
    var entry = querystring[param];
    if (entry) {
      entry.value = rules[i].sentinel;
      if (entry.multiValue && entry.multiValue.length > 0) {
        entry.multiValue[0].value = rules[i].sentinel;
      }
    }
  }
  return request;
}
`))

// Render writes the CloudFront Function source applying the given rules.
// JSON string literals are valid JavaScript, so the rules are embedded as JSON.
func Render(w io.Writer, rules []normalize.Rule) error {
	if len(rules) == 0 {
		rules = []normalize.Rule{normalize.DefaultRule}
	}
	encoded, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	return functionTemplate.Execute(w, struct{ Rules string }{string(encoded)})
}
