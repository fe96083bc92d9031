package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/plant-monitor/pmc/internal/audit"
	"github.com/plant-monitor/pmc/internal/auth"
	"github.com/plant-monitor/pmc/internal/distribution"
)

var errForbidden = errors.New("FORBIDDEN")

// Subscriber commands.
const (
	CommandStatus    = "STATUS"
	CommandEmergency = "EMERGENCY"
)

// Replies written back to the sending subscriber.
const (
	ReplyRejected  = "ERR rejected"
	ReplyForbidden = "ERR forbidden"
	ReplyEmergency = "OK emergency"
	replyStatus    = "STATUS "
)

// handleMessage runs on the distributor's dispatcher goroutine. It must not
// wait on the lifecycle: EmergencyShutdown joins the dispatcher through
// Distributor.Stop, so it is started on its own goroutine.
func (m *Monitor) handleMessage(msg distribution.Message) {
	w := m.wired()
	ctx := audit.WithActor(context.Background(), actorFor(msg))
	raw := string(msg.Data)

	if !w.cfg.Security.ValidateInput(raw) {
		w.log.Warn("Rejected subscriber payload", "client", msg.ClientID, "subject", msg.Identity.Subject, "bytes", len(msg.Data))
		m.auditLog(ctx, audit.ActionInboundRejected, msg.ClientID, map[string]interface{}{"bytes": len(msg.Data)}, nil)
		m.reply(w, msg.ClientID, ReplyRejected)
		return
	}

	clean := strings.TrimSpace(w.cfg.Security.SanitizeInput(raw))
	verb, arg, _ := strings.Cut(clean, " ")

	switch strings.ToUpper(verb) {
	case CommandStatus:
		data, err := json.Marshal(m.GetSystemStatus())
		if err != nil {
			w.log.Error("Failed to encode status", "error", err)
			return
		}
		m.reply(w, msg.ClientID, replyStatus+string(data))

	case CommandEmergency:
		reason := strings.TrimSpace(arg)
		params := map[string]interface{}{"command": CommandEmergency, "reason": reason}
		if !msg.Identity.HasScope(auth.ScopeControl) {
			w.log.Warn("Emergency request without control scope", "client", msg.ClientID, "subject", msg.Identity.Subject)
			m.auditLog(ctx, audit.ActionSubscriberAction, msg.ClientID, params, errForbidden)
			m.reply(w, msg.ClientID, ReplyForbidden)
			return
		}
		m.auditLog(ctx, audit.ActionSubscriberAction, msg.ClientID, params, nil)
		m.reply(w, msg.ClientID, ReplyEmergency)
		if reason == "" {
			reason = "requested by " + actorFor(msg)
		}
		go m.EmergencyShutdown(reason)

	default:
		w.log.Info("Subscriber message", "client", msg.ClientID, "subject", msg.Identity.Subject, "message", clean)
	}
}

func (m *Monitor) handleTransportError(err error) {
	m.wired().log.Warn("Subscriber transport error", "error", err)
}

func (m *Monitor) handleAuth(clientID string, identity distribution.Identity, err error) {
	actor := identity.Subject
	if actor == "" {
		actor = clientID
	}
	ctx := audit.WithActor(context.Background(), actor)
	m.auditLog(ctx, audit.ActionSubscriberAuth, clientID, map[string]interface{}{"scopes": identity.Scopes}, err)
}

func (m *Monitor) reply(w *wiring, clientID, line string) {
	if err := w.cfg.Distributor.SendToClient(clientID, []byte(line+"\n")); err != nil {
		w.log.Debug("Reply not delivered", "client", clientID, "error", err)
	}
}

func actorFor(msg distribution.Message) string {
	if msg.Identity.Subject != "" {
		return msg.Identity.Subject
	}
	return msg.ClientID
}
