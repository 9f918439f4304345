package repository

import "time"

// ── Provider ─────────────────────────────────────────────────────────────────

// ProviderStatus is the closed provider lifecycle enum.
type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderObserved ProviderStatus = "observed"
	ProviderPaused   ProviderStatus = "paused"
	ProviderRemoved  ProviderStatus = "removed"
)

// providerTransitions encodes the one-directional lifecycle. The only way
// back up is the explicit admin reactivation paused → active. Removed is
// terminal; removed rows stay as tombstones for audit.
var providerTransitions = map[ProviderStatus][]ProviderStatus{
	ProviderActive:   {ProviderObserved, ProviderPaused, ProviderRemoved},
	ProviderObserved: {ProviderActive, ProviderPaused, ProviderRemoved},
	ProviderPaused:   {ProviderActive, ProviderRemoved},
	ProviderRemoved:  {},
}

// CanTransitionProvider reports whether from → to is a legal provider
// status change.
func CanTransitionProvider(from, to ProviderStatus) bool {
	for _, allowed := range providerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Provider is a vetted service provider. Only the provider registry mutates
// these rows.
type Provider struct {
	ID              string
	CompanyName     string
	Phone           string // normalized, digits only
	Status          ProviderStatus
	Services        []string
	Areas           []string
	EntityType      string
	Flags           int
	ComplianceScore float64
	ResponseRate    float64
	RepliesTotal    int
	RepliesGiven    int
	GroupIDs        []string
	ApplicationID   *string
	StatusReason    *string
	RemovedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ── Application ──────────────────────────────────────────────────────────────

// ApplicationStatus is the intake review enum.
type ApplicationStatus string

const (
	ApplicationPending     ApplicationStatus = "pending"
	ApplicationMoreInfo    ApplicationStatus = "more_info_required"
	ApplicationConditional ApplicationStatus = "conditionally_approved"
	ApplicationApproved    ApplicationStatus = "approved"
	ApplicationRejected    ApplicationStatus = "rejected"
)

// applicationTransitions: pending ⇄ more_info_required, then out to the
// decision states. Conditionally approved is a hold state that needs a
// second approve action. Approved and rejected are terminal.
var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	ApplicationPending:     {ApplicationMoreInfo, ApplicationConditional, ApplicationApproved, ApplicationRejected},
	ApplicationMoreInfo:    {ApplicationPending, ApplicationRejected},
	ApplicationConditional: {ApplicationApproved, ApplicationRejected},
	ApplicationApproved:    {},
	ApplicationRejected:    {},
}

// CanTransitionApplication reports whether from → to is a legal application
// status change.
func CanTransitionApplication(from, to ApplicationStatus) bool {
	for _, allowed := range applicationTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalApplication reports whether status admits no further decisions.
func IsTerminalApplication(status ApplicationStatus) bool {
	return status == ApplicationApproved || status == ApplicationRejected
}

// Application is a provider onboarding application. Mutated only by
// reviewer action; immutable once approved or rejected.
type Application struct {
	ID              string
	ApplicantName   string
	CompanyName     string
	Phone           string
	Email           *string
	Services        []string
	Areas           []string
	HasIDDocument   bool
	HasTradeLicense bool
	Status          ApplicationStatus
	EntityType      *string
	GroupIDs        []string
	ReviewNotes     *string
	DecidedBy       *string
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ── Request / Broadcast / Response ──────────────────────────────────────────

// RequestStatus tracks a customer request through coordination.
type RequestStatus string

const (
	RequestNew        RequestStatus = "new"
	RequestVerified   RequestStatus = "verified"
	RequestDispatched RequestStatus = "dispatched"
	RequestAwarded    RequestStatus = "awarded"
	RequestUnserved   RequestStatus = "unserved"
)

// Request is a customer service need.
type Request struct {
	ID            string
	CustomerName  string
	CustomerPhone string
	Service       string
	Area          string
	Description   *string
	Status        RequestStatus
	OTPVerified   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BroadcastState is the broadcast lifecycle enum.
type BroadcastState string

const (
	BroadcastOpen       BroadcastState = "open"
	BroadcastAwarded    BroadcastState = "awarded"
	BroadcastExpired    BroadcastState = "expired"     // expiry with replies but no valid yes
	BroadcastNoResponse BroadcastState = "no_response" // expiry with zero replies, or zero candidates
)

// Broadcast is one dispatch attempt of a request to a candidate set.
// Invariant: at most one winning response per broadcast; the open → awarded
// transition is a compare-and-swap on the state column.
type Broadcast struct {
	ID                string
	RequestID         string
	CandidateIDs      []string
	State             BroadcastState
	WinningResponseID *string
	DispatchedAt      time.Time
	ExpiresAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Reply is the normalized provider reply.
type Reply string

const (
	ReplyYes       Reply = "yes"
	ReplyNo        Reply = "no"
	ReplyAmbiguous Reply = "ambiguous"
)

// ResponseVerdict records how a response fared in resolution.
type ResponseVerdict string

const (
	VerdictRecorded   ResponseVerdict = "recorded"   // non-yes or still in flight
	VerdictAwarded    ResponseVerdict = "awarded"    // the single winner
	VerdictRaceLost   ResponseVerdict = "race_lost"  // valid yes after award
	VerdictIneligible ResponseVerdict = "ineligible" // failed receipt-time eligibility
)

// Response is a provider's reply to a broadcast. Immutable once recorded
// apart from the final verdict.
type Response struct {
	ID          string
	BroadcastID string
	ProviderID  string
	RawReply    string
	Reply       Reply
	Eligible    bool
	Verdict     ResponseVerdict
	ReceivedAt  time.Time
	CreatedAt   time.Time
}

// ── Flag / Feedback / Advisory ──────────────────────────────────────────────

// FlagSeverity grades a conduct flag.
type FlagSeverity string

const (
	SeverityLow    FlagSeverity = "low"
	SeverityMedium FlagSeverity = "medium"
	SeverityHigh   FlagSeverity = "high"
)

// FlagStatus tracks whether a flag is still held against the provider.
type FlagStatus string

const (
	FlagActive   FlagStatus = "active"
	FlagResolved FlagStatus = "resolved"
)

// FlagReasonPricingDispute marks flags that feed the pause-recommendation
// threshold rather than the auto-observe counter alone.
const FlagReasonPricingDispute = "pricing_dispute"

// Flag is a conduct or quality mark against a provider.
type Flag struct {
	ID         string
	ProviderID string
	Reason     string
	Severity   FlagSeverity
	Status     FlagStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// FeedbackStatus tracks the customer follow-up after service completion.
type FeedbackStatus string

const (
	FeedbackPending   FeedbackStatus = "pending_response"
	FeedbackCompleted FeedbackStatus = "completed"
)

// Feedback is a post-service customer follow-up record.
type Feedback struct {
	ID            string
	RequestID     string
	ProviderID    string
	CustomerPhone string
	Status        FeedbackStatus
	Rating        *int
	Comment       *string
	RequestedAt   time.Time
	CompletedAt   *time.Time
}

// Overdue reports whether the follow-up has waited longer than the given
// window without a reply.
func (f *Feedback) Overdue(now time.Time, window time.Duration) bool {
	return f.Status == FeedbackPending && now.Sub(f.RequestedAt) > window
}

// AdvisoryKind names a governance directive that requires (or informs) a
// human decision rather than acting automatically.
type AdvisoryKind string

const (
	AdvisoryRecommendPause AdvisoryKind = "recommend_pause"
	AdvisoryResponseRisk   AdvisoryKind = "response_risk"
)

// Advisory is a stored governance recommendation surfaced on dashboards.
type Advisory struct {
	ID         string
	ProviderID string
	Kind       AdvisoryKind
	Detail     string
	Status     string // open | acknowledged
	CreatedAt  time.Time
	AckedAt    *time.Time
	AckedBy    *string
}

// ── Support records ─────────────────────────────────────────────────────────

// OTPSession is a one-time-code verification attempt for a request.
type OTPSession struct {
	ID          string
	RequestID   string
	Phone       string
	Code        string
	Attempts    int
	LockedUntil *time.Time
	VerifiedAt  *time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// SyncJobKind names an out-of-band gateway synchronization action.
type SyncJobKind string

const (
	SyncContactUpsert SyncJobKind = "contact_upsert"
	SyncGroupAdd      SyncJobKind = "group_add"
)

// SyncJob is a pending gateway sync retried until it succeeds or runs out
// of attempts. Internal state is authoritative; these jobs only chase the
// eventually-consistent gateway side.
type SyncJob struct {
	ID         string
	ProviderID string
	Kind       SyncJobKind
	Payload    map[string]any
	Status     string // pending | done | failed
	Attempts   int
	LastError  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WebhookAudit records every inbound webhook payload regardless of whether
// it caused a state change.
type WebhookAudit struct {
	ID         string
	Source     string
	Payload    map[string]any
	Outcome    string
	ReceivedAt time.Time
}
