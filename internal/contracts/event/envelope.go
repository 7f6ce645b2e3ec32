package event

import "time"

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// ScanRequestedPayload asks the service to run one extraction pass for a
// target. Produced by the scheduler and by the dashboard BFF.
// Keep fields tolerant: extra fields from producers are ignored.
type ScanRequestedPayload struct {
	TargetAccount string `json:"target_account,omitempty"`
	Target        string `json:"target,omitempty"` // legacy / older producer
	MaxFollowers  *int   `json:"max_followers,omitempty"`
}

// Account returns the target handle, accepting both field spellings.
func (p ScanRequestedPayload) Account() string {
	if p.TargetAccount != "" {
		return p.TargetAccount
	}
	return p.Target
}

// TargetRegisteredPayload provisions a tracked target created elsewhere
// (e.g. the onboarding flow) so reads work before the first scan.
type TargetRegisteredPayload struct {
	TargetAccount string `json:"target_account,omitempty"`
	Target        string `json:"target,omitempty"` // legacy
}

func (p TargetRegisteredPayload) Account() string {
	if p.TargetAccount != "" {
		return p.TargetAccount
	}
	return p.Target
}

// FollowerTransitionPayload is what the outbox publishes per lifecycle
// event for downstream analytics and notification services.
type FollowerTransitionPayload struct {
	TargetAccount      string     `json:"target_account"`
	FollowerKey        string     `json:"follower_key"`
	FollowerHandle     string     `json:"follower_handle"`
	EventType          string     `json:"event_type"`
	OccurredAt         time.Time  `json:"occurred_at"`
	DaysFollowed       int        `json:"days_followed,omitempty"`
	PreviousUnfollowAt *time.Time `json:"previous_unfollow_at,omitempty"`
	DaysAway           int        `json:"days_away,omitempty"`
}
