// Package audit records security-relevant events. Recording is best-effort:
// a broken audit sink must never block or fail an authentication operation.
package audit

// Event types recorded by the auth core
const (
	EventLoginSuccess           = "LOGIN_SUCCESS"
	EventLoginFailed            = "LOGIN_FAILED"
	EventAccountLocked          = "ACCOUNT_LOCKED"
	EventLogout                 = "LOGOUT"
	EventTokenRefresh           = "TOKEN_REFRESH"
	EventUserRegistered         = "USER_REGISTERED"
	EventEmailVerified          = "EMAIL_VERIFIED"
	EventPasswordResetRequested = "PASSWORD_RESET_REQUESTED"
	EventPasswordResetComplete  = "PASSWORD_RESET_COMPLETE"
)

// Event is one security-relevant occurrence to be appended to the audit log
type Event struct {
	Type         string
	UserID       *int64
	IPAddress    string
	UserAgent    string
	ResourceType *string
	ResourceID   *string
	Metadata     map[string]interface{}
	Success      bool
}

// Sink accepts events without ever surfacing failures to the caller
type Sink interface {
	RecordEvent(event Event)
}

// AuthEvent builds an auth-flow event carrying the attempted email and, for
// failures, the reason
func AuthEvent(eventType string, userID *int64, ip, userAgent, email, reason string, success bool) Event {
	metadata := map[string]interface{}{}
	if email != "" {
		metadata["email"] = email
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return Event{
		Type:      eventType,
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		Metadata:  metadata,
		Success:   success,
	}
}

// DataEvent builds a resource-mutation event with a changes payload
func DataEvent(eventType string, userID *int64, ip, userAgent, resourceType, resourceID string, changes map[string]interface{}, success bool) Event {
	return Event{
		Type:         eventType,
		UserID:       userID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		Metadata:     changes,
		Success:      success,
	}
}
