package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gocallosum/callosum/pkg/config"
	"github.com/gocallosum/callosum/pkg/gate"
	"github.com/gocallosum/callosum/pkg/model"
)

// RemoteClient calls a running callosumd's RPC surface (spec.md §6's
// `intercept`/`complete`) instead of running a Gate locally, for a
// plugin-mode process configured with `mode: remote`.
type RemoteClient struct {
	baseURL string
	http    *http.Client
}

// NewRemoteClient builds a client against a callosumd instance
// listening at serverURL (e.g. "http://localhost:8089"), timing out
// each RPC after timeout (spec.md §6's `timeoutMs`, default 5s).
func NewRemoteClient(serverURL string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{baseURL: serverURL, http: &http.Client{Timeout: timeout}}
}

// BeforeToolCall posts to /rpc/intercept. Any transport-level failure —
// connection refused, timeout, non-2xx — is wrapped in
// gate.ErrRemoteUnavailable so callers can distinguish "the remote
// coordinator said no" from "the remote coordinator is unreachable."
func (c *RemoteClient) BeforeToolCall(instance, tool string, params model.Params) (gate.Verdict, error) {
	var resp interceptResponse
	if err := c.post("/rpc/intercept", interceptRequest{Instance: instance, Tool: tool, Params: params}, &resp); err != nil {
		return gate.Verdict{}, fmt.Errorf("%w: %v", gate.ErrRemoteUnavailable, err)
	}
	v := gate.Verdict{
		Kind:       gate.KindAllow,
		Tier:       resp.Tier,
		ContextKey: resp.ContextKey,
		RuleName:   resp.RuleName,
		JournalID:  resp.ID,
	}
	switch {
	case !resp.Proceed:
		v.Kind = gate.KindBlock
		v.Reason = resp.BlockReason
	case resp.Warning != "":
		v.Kind = gate.KindWarn
		v.Reason = resp.Warning
	}
	return v, nil
}

// AfterToolCall posts to /rpc/complete.
func (c *RemoteClient) AfterToolCall(instance, tool string, params model.Params, callErr error) error {
	req := completeRequest{Instance: instance, Tool: tool, Params: params}
	if callErr != nil {
		req.Error = callErr.Error()
	}
	var resp completeResponse
	if err := c.post("/rpc/complete", req, &resp); err != nil {
		return fmt.Errorf("%w: %v", gate.ErrRemoteUnavailable, err)
	}
	return nil
}

func (c *RemoteClient) post(path string, body, out interface{}) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(blob))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callosumd returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewRemoteHooks builds the plugin-mode hook pair for mode: remote,
// delegating each call to client and falling back to local's decision
// procedure when the remote coordinator is unreachable (spec.md §7's
// RemoteUnavailable policy: fall back to a local store and log a
// warning, rather than treat the daemon being down as a hard failure).
func NewRemoteHooks(client *RemoteClient, instance string, local Hooks, log *slog.Logger) Hooks {
	if log == nil {
		log = slog.Default()
	}
	return Hooks{
		Before: func(tool string, params model.Params) *string {
			verdict, err := client.BeforeToolCall(instance, tool, params)
			if err == nil {
				if verdict.Proceed() {
					return nil
				}
				reason := verdict.Reason
				return &reason
			}
			log.Warn("remote coordinator unavailable, falling back to local store", "tool", tool, "err", err)
			return local.Before(tool, params)
		},
		After: func(tool string, params model.Params, callErr error) {
			if err := client.AfterToolCall(instance, tool, params, callErr); err != nil {
				log.Warn("remote coordinator unavailable on post-call, falling back to local store", "tool", tool, "err", err)
				local.After(tool, params, callErr)
			}
		},
	}
}

// NewHooksFromConfig is the single decision point that makes cfg.Mode,
// cfg.ServerURL and cfg.TimeoutMs load-bearing: a plugin-mode host calls
// this instead of NewHooks directly so that a `mode: remote` config
// actually delegates over HTTP rather than only being parsed and
// ignored. localGate must always be constructed by the caller (it is
// also spec.md §7's RemoteUnavailable fallback target for mode: remote).
func NewHooksFromConfig(cfg config.Config, localGate *gate.Gate, onPersistenceError func(error), log *slog.Logger) Hooks {
	local := NewHooks(localGate, onPersistenceError)
	if cfg.Mode != config.ModeRemote || cfg.ServerURL == "" {
		return local
	}
	client := NewRemoteClient(cfg.ServerURL, cfg.Timeout())
	return NewRemoteHooks(client, localGate.Instance, local, log)
}
