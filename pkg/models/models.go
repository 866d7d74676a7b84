package models

import (
	"time"
)

// ABACInput is the per-request authorization input. Optional numeric
// attributes are pointers so that "absent" is distinguishable from zero.
type ABACInput struct {
	Subject     Subject     `json:"subject"`
	Action      string      `json:"action"`
	Resource    Resource    `json:"resource"`
	Environment Environment `json:"environment"`
}

type Subject struct {
	TenantID       string   `json:"tenant_id"`
	UserID         string   `json:"user_id,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	ClearanceLevel *float64 `json:"clearance_level,omitempty"`
	DeviceLocation string   `json:"device_location,omitempty"`
}

type Resource struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	Classification string `json:"classification,omitempty"`
	Region         string `json:"region,omitempty"`
	OwnerTenant    string `json:"owner_tenant"`
	OwnerUser      string `json:"owner_user,omitempty"`
}

type Environment struct {
	Time          string   `json:"time,omitempty"`
	Country       string   `json:"country,omitempty"`
	Network       string   `json:"network,omitempty"`
	RiskScore     *float64 `json:"risk_score,omitempty"`
	BandwidthUsed *float64 `json:"bandwidth_used,omitempty"`
	MessageCount  *float64 `json:"message_count,omitempty"`
}

// PolicyDecision is the outcome of evaluating one request.
type PolicyDecision struct {
	Allow  bool     `json:"allow"`
	Redact []string `json:"redact,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// DecisionEvent is broadcast to stream subscribers after each evaluation.
type DecisionEvent struct {
	EventID      string         `json:"event_id"`
	TenantID     string         `json:"tenant_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Decision     PolicyDecision `json:"decision"`
	Input        ABACInput      `json:"input"`
	EvalDuration time.Duration  `json:"eval_duration_ns"`
}

// BundleStatus is the lifecycle state of a persisted bundle.
type BundleStatus string

const (
	BundleDraft    BundleStatus = "DRAFT"
	BundleActive   BundleStatus = "ACTIVE"
	BundleInactive BundleStatus = "INACTIVE"
	BundleArchived BundleStatus = "ARCHIVED"
)

// PolicyBundle is an immutable versioned compiled policy. At most one bundle
// per tenant is ACTIVE; activation promotes a new bundle and demotes the old
// one, it never edits a bundle in place.
type PolicyBundle struct {
	BundleID    string         `json:"bundle_id"`
	TenantID    string         `json:"tenant_id"`
	Version     uint64         `json:"version"`
	SourceCode  string         `json:"source_code"`
	Metadata    BundleMetadata `json:"metadata"`
	Status      BundleStatus   `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
}

type BundleMetadata struct {
	Semver      string    `json:"semver,omitempty"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
