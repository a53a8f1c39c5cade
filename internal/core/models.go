package core

import (
	"time"
)

// Content is the notification payload a campaign delivers.
type Content struct {
	Title     string `json:"title" validate:"required,max=200"`
	Body      string `json:"body" validate:"required,max=4000"`
	ImageURL  string `json:"imageUrl,omitempty" validate:"omitempty,url"`
	ActionURL string `json:"actionUrl,omitempty" validate:"omitempty,max=2048"`
}

type TargetKind string

const (
	TargetAll      TargetKind = "all"
	TargetFiltered TargetKind = "filtered"
	TargetSpecific TargetKind = "specific"
)

// Filter is one equality predicate on a recipient attribute.
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type TargetingRule struct {
	Kind        TargetKind `json:"kind"`
	Filters     []Filter   `json:"filters,omitempty"`
	ExplicitIDs []string   `json:"explicitIds,omitempty"`
}

// Counters are the aggregate delivery totals of a campaign. Targeted stays nil
// until the audience has been resolved for a send.
type Counters struct {
	Targeted  *int `json:"targeted,omitempty"`
	Sent      int  `json:"sent"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
}

type Campaign struct {
	ID               string        `json:"id"`
	Content          Content       `json:"content"`
	Targeting        TargetingRule `json:"targeting"`
	ScheduledFor     *time.Time    `json:"scheduledFor,omitempty"`
	Status           Status        `json:"status"`
	Counters         Counters      `json:"counters"`
	CreatedBy        string        `json:"createdBy"`
	CreatedAt        time.Time     `json:"createdAt"`
	SentAt           *time.Time    `json:"sentAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	SourceTemplateID *string       `json:"sourceTemplateId,omitempty"`
	FailureReason    string        `json:"failureReason,omitempty"`
}

// Template is reusable campaign content. Campaigns copy its title and body at
// creation time and keep only the id as a reference.
type Template struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Variables  []string  `json:"variables"`
	UsageCount int       `json:"usageCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Profile holds the recipient attributes available to personalization.
type Profile struct {
	FullName      string   `json:"fullName,omitempty"`
	FirstName     string   `json:"firstName,omitempty"`
	Email         string   `json:"email,omitempty"`
	Phone         string   `json:"phone,omitempty"`
	Category      string   `json:"category,omitempty"`
	City          string   `json:"city,omitempty"`
	District      string   `json:"district,omitempty"`
	Rating        *float64 `json:"rating,omitempty"`
	ReviewCount   int      `json:"reviewCount"`
	CompletedJobs int      `json:"completedJobs"`
}

type Recipient struct {
	ID      string
	Profile Profile
	Tokens  TokenField
}
