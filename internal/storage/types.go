package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values: "sqlite", "redis", "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// SequenceConfession names the counter used for confession ids.
const SequenceConfession = "confession"

// SettingGlobalDelay holds the persisted global inter-item delay, in whole seconds.
const SettingGlobalDelay = "broadcast.global_delay"

// ScopeGlobal is the ban scope covering every origin.
const ScopeGlobal = "global"

type SubmissionStatus string

const (
	StatusAccepted   SubmissionStatus = "accepted"
	StatusFlagged    SubmissionStatus = "flagged"
	StatusDispatched SubmissionStatus = "dispatched"
)

// Submission is a persisted confession. ID is 0 for flagged submissions.
type Submission struct {
	ID        int64
	SubjectID string
	OriginID  string
	Text      string
	CreatedAt time.Time
	Status    SubmissionStatus
	Reason    string
}

// Destination is a subscribed delivery target.
type Destination struct {
	ID           string
	Platform     string
	GroupID      string
	ChannelID    string
	RegisteredAt time.Time
}

// DestinationID derives the registry key for a group; one destination per group.
func DestinationID(platform, groupID string) string {
	return strings.ToLower(strings.TrimSpace(platform)) + ":" + strings.TrimSpace(groupID)
}

// Ban excludes a subject from one origin, or from all when Scope is ScopeGlobal.
// A zero Until means permanent.
type Ban struct {
	SubjectID string
	Scope     string
	Reason    string
	Until     time.Time
	CreatedAt time.Time
}

func (b Ban) Active(now time.Time) bool { return b.Until.IsZero() || now.Before(b.Until) }

// AcceptRequest is the single conditional write performed when a submission is admitted.
type AcceptRequest struct {
	// AttemptID identifies one logical submission attempt. Retrying Accept with
	// the same AttemptID never charges cooldown or quota twice.
	AttemptID  string
	Submission Submission
	// Day is the quota period key (YYYY-MM-DD) of Submission.CreatedAt.
	Day            string
	CooldownWindow time.Duration
	// QuotaLimit <= 0 disables the quota check.
	QuotaLimit int
}

type AcceptOutcome int

const (
	AcceptApplied AcceptOutcome = iota
	AcceptDuplicate
	AcceptCooldown
	AcceptQuota
)

func (o AcceptOutcome) String() string {
	switch o {
	case AcceptApplied:
		return "applied"
	case AcceptDuplicate:
		return "duplicate"
	case AcceptCooldown:
		return "cooldown"
	case AcceptQuota:
		return "quota"
	default:
		return "unknown"
	}
}

type AcceptResult struct {
	Outcome AcceptOutcome
	// ID is the confession id recorded for the attempt (applied or duplicate).
	ID int64
	// RetryAfter is set for AcceptCooldown.
	RetryAfter time.Duration
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At       time.Time
	ActorID  string
	OriginID string
	Action   string
	Target   string
	Error    string
}

// PruneStats reports rows removed by Prune.
type PruneStats struct {
	Quotas    int64
	Cooldowns int64
	Attempts  int64
	Bans      int64
}

func (p PruneStats) Total() int64 { return p.Quotas + p.Cooldowns + p.Attempts + p.Bans }
