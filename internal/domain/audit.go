package domain

import (
	"strings"
	"time"
)

type EventType string

const (
	EventAuthLogin         EventType = "auth.login"
	EventAuthLogout        EventType = "auth.logout"
	EventAuthLoginFailed   EventType = "auth.login_failed"
	EventAuthTokenRejected EventType = "auth.token_rejected"

	EventRouteSearched           EventType = "route.searched"
	EventRouteValidationChecked  EventType = "route.validation_checked"
	EventRouteReserved           EventType = "route.reserved"
	EventRouteReservationFailed  EventType = "route.reservation_failed"
	EventRouteSMSRequired        EventType = "route.sms_required"
	EventRouteSMSWorkflowUpdated EventType = "route.sms_workflow_updated"

	EventUserCreated EventType = "user.created"
	EventUserUpdated EventType = "user.updated"
	EventUserDeleted EventType = "user.deleted"

	EventSystemStartup       EventType = "system.startup"
	EventSystemShutdown      EventType = "system.shutdown"
	EventSystemError         EventType = "system.error"
	EventSystemConfigChanged EventType = "system.config_changed"

	EventSecurityRateLimited       EventType = "security.rate_limited"
	EventSecuritySuspicious        EventType = "security.suspicious_activity"
	EventSecuritySMSAttemptsExceed EventType = "security.sms_attempts_exceeded"
	EventSecurityAccessDenied      EventType = "security.access_denied"

	EventDataAccessed EventType = "data.accessed"
	EventDataExported EventType = "data.exported"
	EventDataCleared  EventType = "data.cleared"
)

var eventTypes = map[EventType]bool{
	EventAuthLogin: true, EventAuthLogout: true, EventAuthLoginFailed: true, EventAuthTokenRejected: true,
	EventRouteSearched: true, EventRouteValidationChecked: true, EventRouteReserved: true,
	EventRouteReservationFailed: true, EventRouteSMSRequired: true, EventRouteSMSWorkflowUpdated: true,
	EventUserCreated: true, EventUserUpdated: true, EventUserDeleted: true,
	EventSystemStartup: true, EventSystemShutdown: true, EventSystemError: true, EventSystemConfigChanged: true,
	EventSecurityRateLimited: true, EventSecuritySuspicious: true, EventSecuritySMSAttemptsExceed: true,
	EventSecurityAccessDenied: true,
	EventDataAccessed: true, EventDataExported: true, EventDataCleared: true,
}

func ParseEventType(s string) (EventType, bool) {
	if eventTypes[EventType(s)] {
		return EventType(s), true
	}
	return "", false
}

// Category is the prefix before the dot, e.g. "route" for "route.reserved".
func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; ok {
		return sev, true
	}
	return "", false
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Actor identifies who caused an audit event, when known.
type Actor struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// NetworkContext describes where a request came from.
type NetworkContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type EventMetadata struct {
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
	Version       string `json:"version"`
}

// AuditEvent is an immutable record of a security or business relevant occurrence.
type AuditEvent struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	Severity     Severity       `json:"severity"`
	Actor        *Actor         `json:"actor,omitempty"`
	Network      NetworkContext `json:"network"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Metadata     EventMetadata  `json:"metadata"`
}
