// Package logger provides structured logging utilities for CourseShield services
package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent is one admin action against the risk engine
type AuditEvent struct {
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id"`
	Status     string    `json:"status"` // success, failure, denied
	Reason     string    `json:"reason,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditLogger writes admin-action audit lines, separate from the risk
// event ledger: the ledger records what the engine decided about users,
// the audit log records what operators did to the engine.
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("resource_id", event.ResourceID),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}

	if event.Status == "failure" || event.Status == "denied" {
		a.logger.Warn("AUDIT", fields...)
		return
	}
	a.logger.Info("AUDIT", fields...)
}

// Success logs a successful admin action
func (a *AuditLogger) Success(actor, action, resource, resourceID string) {
	a.Log(&AuditEvent{Actor: actor, Action: action, Resource: resource, ResourceID: resourceID, Status: "success"})
}

// Failure logs a failed admin action
func (a *AuditLogger) Failure(actor, action, resource, resourceID, reason string) {
	a.Log(&AuditEvent{Actor: actor, Action: action, Resource: resource, ResourceID: resourceID, Status: "failure", Reason: reason})
}
