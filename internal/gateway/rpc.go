package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/version"
)

// RequestHandler processes an RPC request frame.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Ctx    context.Context
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{Code: code, Message: message})
}

// Fail maps err through the HTTP error taxonomy and responds with it.
func (rc *RequestContext) Fail(err error) {
	status, code := errorStatus(err)
	rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("rpc failed")
	rc.RespondError(code, publicMessage(status, err))
}

// Params unmarshals the request params into target.
func (rc *RequestContext) Params(target any) bool {
	if len(rc.Frame.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(rc.Frame.Params, target); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return false
	}
	return true
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("chat.send", s.rpcChatSend)
	s.Handle("memory.search", s.rpcMemorySearch)
	s.Handle("session.clear", s.rpcSessionClear)
	if s.records != nil {
		s.Handle("record.fetch", s.rpcRecordFetch)
	}
}

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:  "ok",
		Version: version.Get().Version,
		Clients: s.clients.Count(),
	}
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	rc.Respond(resp)
}

type chatSendParams struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) rpcChatSend(rc *RequestContext) {
	var p chatSendParams
	if !rc.Params(&p) {
		return
	}
	if strings.TrimSpace(p.TenantID) == "" {
		rc.RespondError("invalid_params", "tenant_id is required")
		return
	}
	reply, err := s.conv.HandleMessage(rc.Ctx, strings.TrimSpace(p.TenantID), p.SessionID, p.Message)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(reply)
}

type memorySearchParams struct {
	TenantID string `json:"tenant_id"`
	Query    string `json:"query"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) rpcMemorySearch(rc *RequestContext) {
	var p memorySearchParams
	if !rc.Params(&p) {
		return
	}
	hits, err := s.conv.Search(rc.Ctx, p.TenantID, p.Query, p.Limit)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"results": hits, "count": len(hits)})
}

type sessionClearParams struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) rpcSessionClear(rc *RequestContext) {
	var p sessionClearParams
	if !rc.Params(&p) {
		return
	}
	n, err := s.conv.Clear(rc.Ctx, p.TenantID, p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]int{"archived": n})
}

type recordFetchParams struct {
	TenantID string `json:"tenant_id"`
}

func (s *Server) rpcRecordFetch(rc *RequestContext) {
	var p recordFetchParams
	if !rc.Params(&p) {
		return
	}
	v, err := s.records.Fetch(rc.Ctx, p.TenantID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(v)
}
