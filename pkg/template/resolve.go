// Package template expands the small context-key template language
// described by the tier classifier's rule format: a `{EXPR}` construct
// embedded in an otherwise literal string, where EXPR is a `|`-separated
// list of alternatives tried left-to-right until one produces a
// non-empty value.
//
// Resolution never fails outright — a malformed template or an EXPR with
// no successful alternative degrades to a literal fragment or the
// sentinel "unknown" rather than raising an error, because a
// misconfigured context-key template must not brick classification.
package template

import (
	"regexp"
	"strings"

	"github.com/gocallosum/callosum/pkg/model"
)

// unknown is the fallback value when no alternative in an EXPR succeeds.
const unknown = "unknown"

// mailRcptPattern and toPattern extract an email recipient from a shell
// command line, tried in this order per the commandRecipient alternative.
var (
	mailRcptPattern = regexp.MustCompile(`--mail-rcpt\s+'?([^'\s]+)`)
	toPattern       = regexp.MustCompile(`--to\s+'?([^'\s]+)`)
)

// Resolve expands tmpl against tool and params, returning the concrete
// context-key string. It never returns an error.
func Resolve(tmpl, tool string, params model.Params) string {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		open += i
		out.WriteString(tmpl[i:open])

		shut := strings.IndexByte(tmpl[open:], '}')
		if shut < 0 {
			// Unbalanced brace: tolerate by emitting the rest literally.
			out.WriteString(tmpl[open:])
			break
		}
		shut += open

		expr := tmpl[open+1 : shut]
		out.WriteString(resolveExpr(expr, tool, params))
		i = shut + 1
	}
	return out.String()
}

// resolveExpr evaluates a single `|`-separated alternative list.
func resolveExpr(expr, tool string, params model.Params) string {
	for _, alt := range strings.Split(expr, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		if v, ok := resolveAlt(alt, tool, params); ok {
			return v
		}
	}
	return unknown
}

// resolveAlt evaluates one alternative, returning (value, true) if it
// succeeds (produces a non-empty value) or ("", false) if it should be
// skipped in favor of the next alternative.
func resolveAlt(alt, tool string, params model.Params) (string, bool) {
	switch {
	case alt == "tool":
		if tool == "" {
			return "", false
		}
		return tool, true

	case alt == "commandRecipient":
		return extractRecipient(params)

	case strings.HasPrefix(alt, "params."):
		name := strings.TrimPrefix(alt, "params.")
		return params.String(name)

	case !strings.Contains(alt, "."):
		// Bare identifier with no dot: a literal fallback, always succeeds.
		return alt, true

	default:
		// Unknown dotted form: treat as a failed alternative rather than
		// erroring, per the "never raises" contract.
		return "", false
	}
}

// extractRecipient pulls an email recipient out of params["command"] by
// matching, in order, "--mail-rcpt '?([^'\s]+)" then "--to '?([^'\s]+)".
func extractRecipient(params model.Params) (string, bool) {
	cmd, ok := params.String("command")
	if !ok {
		return "", false
	}
	if m := mailRcptPattern.FindStringSubmatch(cmd); m != nil {
		return m[1], true
	}
	if m := toPattern.FindStringSubmatch(cmd); m != nil {
		return m[1], true
	}
	return "", false
}
