package authapi

import (
	"context"
	"log/slog"
	"net"

	"courier/cmd/identity"
)

// Audit events go to the structured log under the "auth." prefix. Emails are
// never logged; principals are identified by id only.

func (h *Handler) auditLoginFailed(ctx context.Context, role identity.Role, ip net.IP, ua, reason string) {
	h.audit(ctx, slog.LevelWarn, "auth.login.failed", "role", role, "ip", ipString(ip), "user_agent", ua, "reason", reason)
}

func (h *Handler) auditLoginSuccess(ctx context.Context, role identity.Role, principalID, sessionID string, ip net.IP, ua string) {
	h.audit(ctx, slog.LevelInfo, "auth.login.success", "role", role, "principal_id", principalID, "session_id", sessionID, "ip", ipString(ip), "user_agent", ua)
}

func (h *Handler) auditRegistered(ctx context.Context, role identity.Role, principalID string, ip net.IP) {
	h.audit(ctx, slog.LevelInfo, "auth.register", "role", role, "principal_id", principalID, "ip", ipString(ip))
}

func (h *Handler) auditRefresh(ctx context.Context, sessionID string, ip net.IP) {
	h.audit(ctx, slog.LevelInfo, "auth.refresh", "session_id", sessionID, "ip", ipString(ip))
}

func (h *Handler) auditLogout(ctx context.Context, ip net.IP, ua string) {
	h.audit(ctx, slog.LevelInfo, "auth.logout", "ip", ipString(ip), "user_agent", ua)
}

func (h *Handler) audit(ctx context.Context, level slog.Level, msg string, args ...any) {
	h.log.Log(ctx, level, msg, args...)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
