package domain

import "time"

// UsageCounter is one metered-feature counter for one account and calendar day.
// The day is part of the identity, so counters roll over naturally at midnight UTC.
type UsageCounter struct {
	AccountID  string    `json:"accountId"`
	FeatureKey string    `json:"featureKey"`
	Day        time.Time `json:"day"` // date only, UTC
	Count      int       `json:"count"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Metered feature keys.
const (
	FeatureCalendarEvents  = "calendar_events"
	FeatureDocumentExports = "document_exports"
	FeatureMessageThreads  = "message_threads"
)

// DefaultFreeLimit applies to any feature key not in FeatureLimits.
const DefaultFreeLimit = 5

// FeatureLimits maps metered features to their free-tier daily limits.
// Premium accounts bypass these entirely.
var FeatureLimits = map[string]int{
	FeatureCalendarEvents:  3,
	FeatureDocumentExports: 2,
	FeatureMessageThreads:  10,
}

// LimitFor returns the free-tier daily limit for a feature key.
func LimitFor(featureKey string) int {
	if limit, ok := FeatureLimits[featureKey]; ok {
		return limit
	}
	return DefaultFreeLimit
}

// QuotaDecision is the outcome of a quota check or consumption attempt.
// Unlimited is set for premium accounts, in which case the numeric fields
// are not meaningful.
type QuotaDecision struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Unlimited bool `json:"isPremium"`
}

// ConsumeRequest is the input for POST /usage/consume.
type ConsumeRequest struct {
	Feature string `json:"feature" validate:"required,max=64"`
}
