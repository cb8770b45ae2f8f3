package bridge

import (
	"context"
	"encoding/json"
)

// acpInitializeResult is the subset of the ACP initialize response this
// bridge cares about: which session-management calls the agent actually
// supports.
type acpInitializeResult struct {
	ProtocolVersion    int `json:"protocolVersion"`
	AgentCapabilities struct {
		CanLoadSession  bool `json:"canLoadSession"`
		CanListSessions bool `json:"canListSessions"`
		CanContinueLast bool `json:"canContinueLast"`
	} `json:"agentCapabilities"`
}

// storeACPCapabilities parses an initialize response into
// SessionCapabilities, grounded on
// bridges/_acp_session.py::ACPSessionMixin._store_acp_capabilities.
func storeACPCapabilities(initResp acpInitializeResult) SessionCapabilities {
	return SessionCapabilities{
		CanLoad:         initResp.AgentCapabilities.CanLoadSession,
		CanList:         initResp.AgentCapabilities.CanListSessions,
		CanContinueLast: initResp.AgentCapabilities.CanContinueLast,
	}
}

type acpNewSessionParams struct {
	CWD        string           `json:"cwd"`
	MCPServers []acpMCPServer   `json:"mcpServers,omitempty"`
}

type acpMCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     []acpEnvPair      `json:"env,omitempty"`
}

// acpEnvPair: ACP passes env as a list of name/value pairs, not a map —
// grounded on gemini.py::_build_mcp_servers_acp.
type acpEnvPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type acpNewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// acpLoadSessionResult captures the (optional) sessionId an agent
// returns from load_session — some agents silently mint a new session
// id here instead of honoring the requested one, which the fs-fallback
// cascade below needs to detect.
type acpLoadSessionResult struct {
	SessionID string `json:"sessionId"`
}

type acpListSessionsResult struct {
	Sessions []acpSessionSummary `json:"sessions"`
}

type acpSessionSummary struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// createOrResumeSession implements the exact 3-step cascade from
// _create_or_resume_acp_session: try a specifically requested resume id,
// else try continuing the most-recently listed session via list+load,
// else fall back to a brand new session. Each step swallows its own
// error and falls through with a log line rather than propagating,
// matching the original's "warn and continue" behavior.
func (a *ACPBridge) createOrResumeSession(ctx context.Context, requestedSessionID string) error {
	mcpServers := buildACPMCPServers(a.cfg.MCPServers)

	if requestedSessionID != "" {
		var loadResult acpLoadSessionResult
		err := a.transport.Call(ctx, "load_session", map[string]any{
			"sessionId": requestedSessionID, "cwd": a.cfg.WorkingDir,
		}, &loadResult)
		if err == nil {
			actualID := requestedSessionID
			if loadResult.SessionID != "" && loadResult.SessionID != requestedSessionID {
				// The agent silently minted a new session instead of
				// honoring the resume request.
				actualID = loadResult.SessionID
				if a.provider == ProviderGemini {
					a.loadFallbackResumeContext(requestedSessionID)
				}
			}
			a.setSessionID(actualID)
			return nil
		}
		a.cfg.Logger.Warn().Err(err).Str("session_id", requestedSessionID).Msg("load_session failed, falling through cascade")
	}

	if a.caps().CanLoad && (a.caps().CanContinueLast || a.caps().CanList) {
		var listResult acpListSessionsResult
		if err := a.transport.Call(ctx, "list_sessions", map[string]any{"cwd": a.cfg.WorkingDir}, &listResult); err == nil && len(listResult.Sessions) > 0 {
			mostRecent := listResult.Sessions[0].SessionID
			var loadResult json.RawMessage
			if err := a.transport.Call(ctx, "load_session", map[string]any{
				"sessionId": mostRecent, "cwd": a.cfg.WorkingDir,
			}, &loadResult); err == nil {
				a.setSessionID(mostRecent)
				return nil
			}
		}
		a.cfg.Logger.Warn().Msg("continue-most-recent failed, falling through to new_session")
	}

	var newResult acpNewSessionResult
	if err := a.transport.Call(ctx, "new_session", acpNewSessionParams{
		CWD: a.cfg.WorkingDir, MCPServers: mcpServers,
	}, &newResult); err != nil {
		return err
	}
	a.setSessionID(newResult.SessionID)
	if requestedSessionID != "" && a.provider == ProviderGemini {
		// load_session failed outright (or was never supported) and the
		// cascade fell all the way through to a brand new session —
		// from the caller's perspective the requested resume was
		// silently converted into a new one.
		a.loadFallbackResumeContext(requestedSessionID)
	}
	return nil
}

func buildACPMCPServers(servers map[string]any) []acpMCPServer {
	var out []acpMCPServer
	for name, raw := range servers {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		s := acpMCPServer{Name: name}
		if cmd, ok := spec["command"].(string); ok {
			s.Command = cmd
		}
		if args, ok := spec["args"].([]string); ok {
			s.Args = args
		}
		if env, ok := spec["env"].(map[string]any); ok {
			for k, v := range env {
				if sv, ok := v.(string); ok {
					s.Env = append(s.Env, acpEnvPair{Name: k, Value: sv})
				}
			}
		}
		out = append(out, s)
	}
	return out
}

// applySessionMode calls set_session_mode, treating "auto"/"yolo" as a
// no-op since those modes need no agent-side acknowledgement.
func (a *ACPBridge) applySessionMode(ctx context.Context, mode string) error {
	if mode == "" || mode == "auto" || mode == "yolo" {
		return nil
	}
	return a.transport.Call(ctx, "set_session_mode", map[string]any{
		"sessionId": a.SessionID(), "mode": mode,
	}, nil)
}
