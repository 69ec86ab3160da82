package main

import (
	"context"
	"log/slog"

	"github.com/sakost/betcode/pkg/audit"
	"github.com/sakost/betcode/pkg/permission"
)

// permissionAuditAdapter satisfies permission.AuditLogger by forwarding
// onto the shared append-only audit trail, matching every allowed tool
// decision onto whether it came from a cached grant.
type permissionAuditAdapter struct {
	logger *audit.Logger
	slog   *slog.Logger
}

func (a *permissionAuditAdapter) LogPermissionDecision(sessionID, requestID, toolName string, action permission.Action, cached bool) {
	allowed := action == permission.ActionAllow
	if err := a.logger.LogPermissionDecision(context.Background(), sessionID, toolName, cached, allowed); err != nil {
		a.slog.Warn("audit log permission decision failed", "session_id", sessionID, "request_id", requestID, "error", err)
	}
}
