package template

import (
	"testing"

	"github.com/gocallosum/callosum/pkg/model"
)

func TestResolve_ToolLiteral(t *testing.T) {
	got := Resolve("{tool}", "exec", nil)
	if got != "exec" {
		t.Fatalf("got %q, want exec", got)
	}
}

func TestResolve_ParamsField(t *testing.T) {
	params := model.Params{"channel": "andy"}
	got := Resolve("channel:{params.channel}", "message", params)
	if got != "channel:andy" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_ParamsMissingFallsThrough(t *testing.T) {
	params := model.Params{}
	got := Resolve("{params.channel|generic}", "message", params)
	if got != "generic" {
		t.Fatalf("got %q, want generic", got)
	}
}

func TestResolve_CommandRecipientMailRcpt(t *testing.T) {
	params := model.Params{"command": `curl --url 'smtp://host' --mail-rcpt 'alice@example.com' --from bob`}
	got := Resolve("email:{commandRecipient}", "exec", params)
	if got != "email:alice@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_CommandRecipientTo(t *testing.T) {
	params := model.Params{"command": `mail --to 'bob@example.com'`}
	got := Resolve("email:{commandRecipient}", "exec", params)
	if got != "email:bob@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_CommandRecipientOrderPrefersMailRcpt(t *testing.T) {
	params := model.Params{"command": `curl --mail-rcpt 'first@example.com' --to 'second@example.com'`}
	got := Resolve("{commandRecipient}", "exec", params)
	if got != "first@example.com" {
		t.Fatalf("got %q, want first@example.com", got)
	}
}

func TestResolve_NoAlternativeYieldsUnknown(t *testing.T) {
	got := Resolve("key:{params.missing}", "exec", model.Params{})
	if got != "key:unknown" {
		t.Fatalf("got %q, want key:unknown", got)
	}
}

func TestResolve_NullParamFailsAlternative(t *testing.T) {
	params := model.Params{"recipient": nil}
	got := Resolve("{params.recipient|fallback}", "exec", params)
	if got != "fallback" {
		t.Fatalf("got %q, want fallback", got)
	}
}

func TestResolve_EmptyStringParamFailsAlternative(t *testing.T) {
	params := model.Params{"recipient": ""}
	got := Resolve("{params.recipient|fallback}", "exec", params)
	if got != "fallback" {
		t.Fatalf("got %q, want fallback", got)
	}
}

func TestResolve_MultipleExpansionsIndependent(t *testing.T) {
	params := model.Params{"a": "1", "b": "2"}
	got := Resolve("{params.a}-{params.b}", "exec", params)
	if got != "1-2" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_UnbalancedBraceTolerated(t *testing.T) {
	got := Resolve("literal-{tool", "exec", nil)
	if got != "literal-{tool" {
		t.Fatalf("got %q, malformed braces should pass through literally", got)
	}
}

func TestResolve_NoParamsIsEmptyMapNotError(t *testing.T) {
	got := Resolve("{params.x|literal}", "exec", nil)
	if got != "literal" {
		t.Fatalf("got %q, want literal", got)
	}
}

func TestResolve_NeverPanicsOnWeirdInput(t *testing.T) {
	inputs := []string{"", "{", "}", "{{}}", "{a|b|c|d}", "{{nested}}"}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Resolve(%q) panicked: %v", in, r)
				}
			}()
			Resolve(in, "exec", model.Params{})
		}()
	}
}
