package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/gocallosum/callosum/pkg/model"
)

// pendingCall is the classification snapshot taken at pre-call and
// threaded through to the matching post-call event. This resolves the
// open question in spec.md §9 about rule hot-reload racing the two
// events: post-call reuses the tier and context key decided at
// pre-call instead of re-running the classifier against whatever rule
// list happens to be loaded when the tool returns.
type pendingCall struct {
	Tier       model.Tier
	ContextKey model.ContextKey
	RuleName   string
	Window     int64
}

// pendingKey identifies one in-flight call. A single instance may have
// several tool calls in flight concurrently with different parameters,
// so the key folds in a digest of params rather than just (instance, tool).
func pendingKey(instance, tool string, params model.Params) string {
	return instance + "\x00" + tool + "\x00" + paramsDigest(params)
}

// paramsDigest produces a stable, order-independent fingerprint of a
// params map, used both as the pending-call correlation key and as the
// JournalEntry.ParamsDigest audit field.
func paramsDigest(params model.Params) string {
	if len(params) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// encoding/json already sorts map keys on marshal; params is
	// re-copied into a plain map so a custom Params.MarshalJSON (if one
	// is ever added) can't change that ordering guarantee out from under us.
	ordered := make(map[string]interface{}, len(params))
	for _, k := range keys {
		ordered[k] = params[k]
	}
	blob, err := json.Marshal(ordered)
	if err != nil {
		blob = []byte(err.Error())
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:16]
}
