// Package types contains the shared types for mailverify.
// This package does not import anything from other mailverify packages
// to avoid circular imports.
package types

import "time"

// CheckLevel identifies the validation level.
type CheckLevel = string

const (
	LevelSyntax CheckLevel = "syntax"
	LevelDomain CheckLevel = "domain"
	LevelType   CheckLevel = "type"
	LevelSMTP   CheckLevel = "smtp"
)

// CheckResult is the outcome of a single validation level.
type CheckResult struct {
	Level      CheckLevel `json:"level"`
	Passed     bool       `json:"passed"`
	Details    string     `json:"details,omitempty"`
	MXHost     string     `json:"mxHost,omitempty"`
	SMTPCode   int        `json:"smtpCode,omitempty"`
	Suggestion string     `json:"suggestion,omitempty"`
}

// EmailType classifies the kind of mailbox an address points to.
type EmailType string

const (
	TypePersonal   EmailType = "personal"
	TypeRoleBased  EmailType = "role_based"
	TypeDisposable EmailType = "disposable"
	TypeUnknown    EmailType = "unknown"
)

// Outcome is the deliverability verdict for an address.
type Outcome string

const (
	OutcomeValid        Outcome = "valid"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeUnverifiable Outcome = "unverifiable"
	OutcomeCatchAll     Outcome = "catch_all"
)

// Confidence is the strength of an Outcome, independent of the outcome itself.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Bucket is the job-level category an address is counted under.
// Every resolved address lands in exactly one bucket.
type Bucket string

const (
	BucketValid      Bucket = "valid"
	BucketInvalid    Bucket = "invalid"
	BucketCatchAll   Bucket = "catch_all"
	BucketDisposable Bucket = "disposable"
	BucketRoleBased  Bucket = "role_based"
)

// Buckets lists all buckets in reporting order.
var Buckets = []Bucket{BucketValid, BucketInvalid, BucketCatchAll, BucketDisposable, BucketRoleBased}

// Verdict is the result of one deliverability probe.
type Verdict struct {
	Outcome    Outcome    `json:"outcome"`
	Confidence Confidence `json:"confidence"`
	// Verified is false when the server response carried no mailbox signal.
	Verified bool   `json:"verified"`
	Code     int    `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	MXHost   string `json:"mxHost,omitempty"`
}

// RecordOutcome maps the verdict onto the EmailRecord outcome enum:
// an unverified valid verdict is stored as unverifiable.
func (v Verdict) RecordOutcome() Outcome {
	if v.Outcome == OutcomeValid && !v.Verified {
		return OutcomeUnverifiable
	}
	return v.Outcome
}

// EmailRecord is the durable, per-address validation record.
type EmailRecord struct {
	Address         string     `json:"address"`
	SyntaxValid     bool       `json:"syntax_valid"`
	DomainValid     bool       `json:"domain_valid"`
	HasMX           bool       `json:"has_mx"`
	Type            EmailType  `json:"type"`
	SMTPOutcome     Outcome    `json:"smtp_outcome,omitempty"`
	Confidence      Confidence `json:"confidence,omitempty"`
	SMTPCode        int        `json:"smtp_code,omitempty"`
	MXHost          string     `json:"mx_host,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Suggestion      string     `json:"suggestion,omitempty"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	LastValidated   time.Time  `json:"last_validated"`
	ValidationCount int        `json:"validation_count"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// ApplyVerdict copies a probe verdict onto the record.
func (r *EmailRecord) ApplyVerdict(v Verdict) {
	r.SMTPOutcome = v.RecordOutcome()
	r.Confidence = v.Confidence
	r.SMTPCode = v.Code
	r.Reason = v.Reason
	if v.MXHost != "" {
		r.MXHost = v.MXHost
	}
}

// Bucket returns the job-level bucket for a resolved record.
func (r EmailRecord) Bucket() Bucket {
	switch r.Type {
	case TypeDisposable:
		return BucketDisposable
	case TypeRoleBased:
		if r.SyntaxValid && r.DomainValid {
			return BucketRoleBased
		}
	}
	switch r.SMTPOutcome {
	case OutcomeInvalid, "":
		return BucketInvalid
	case OutcomeCatchAll:
		return BucketCatchAll
	default:
		return BucketValid
	}
}

// Phase is the stage a validation job is in.
type Phase string

const (
	PhasePrecheck Phase = "precheck"
	PhaseSMTP     Phase = "smtp"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// Status is the lifecycle status of a validation job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidationJob tracks one submitted batch.
type ValidationJob struct {
	ID            string         `json:"job_id"`
	Version       int64          `json:"version"`
	Total         int            `json:"total"`
	Phase1Done    int            `json:"phase1_done"`
	Phase2Total   int            `json:"phase2_total"`
	Phase2Done    int            `json:"phase2_done"`
	OutcomeCounts map[Bucket]int `json:"outcome_counts"`
	Phase         Phase          `json:"phase"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Resolved returns the number of addresses with a terminal outcome.
func (j ValidationJob) Resolved() int {
	n := 0
	for _, c := range j.OutcomeCounts {
		n += c
	}
	return n
}

// ProgressDelta is an additive change to a job's counters.
type ProgressDelta struct {
	Phase1Done int            `json:"phase1_done,omitempty"`
	Phase2Done int            `json:"phase2_done,omitempty"`
	Counts     map[Bucket]int `json:"counts,omitempty"`
}

// Add merges other into d.
func (d *ProgressDelta) Add(other ProgressDelta) {
	d.Phase1Done += other.Phase1Done
	d.Phase2Done += other.Phase2Done
	for b, n := range other.Counts {
		if d.Counts == nil {
			d.Counts = make(map[Bucket]int)
		}
		d.Counts[b] += n
	}
}

// Empty reports whether applying d would change nothing.
func (d ProgressDelta) Empty() bool {
	if d.Phase1Done != 0 || d.Phase2Done != 0 {
		return false
	}
	for _, n := range d.Counts {
		if n != 0 {
			return false
		}
	}
	return true
}

// Progress is a point-in-time view of a job, shared by the poll and push paths.
type Progress struct {
	JobID      string         `json:"job_id"`
	Phase      Phase          `json:"phase"`
	Status     Status         `json:"status"`
	Percent    float64        `json:"percent"`
	Total      int            `json:"total"`
	Done       int            `json:"done"`
	Counts     map[Bucket]int `json:"counts"`
	ETASeconds float64        `json:"eta_seconds"`
	Error      string         `json:"error,omitempty"`
}

// DomainCacheEntry is a cached view of one domain's mail routing.
type DomainCacheEntry struct {
	Domain             string        `json:"domain"`
	MXRecords          []string      `json:"mx_records"`
	HasMX              bool          `json:"has_mx"`
	HasAddress         bool          `json:"has_address"`
	CachedAt           time.Time     `json:"cached_at"`
	TTL                time.Duration `json:"ttl"`
	IsCatchAll         bool          `json:"is_catch_all"`
	CatchAllConfidence Confidence    `json:"catch_all_confidence,omitempty"`
	CatchAllCachedAt   time.Time     `json:"catch_all_cached_at"`
	CatchAllTTL        time.Duration `json:"catch_all_ttl"`
}
