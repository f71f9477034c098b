package raid

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a malformed raid definition. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "raid: invalid: " + e.Message
	}
	return fmt.Sprintf("raid: invalid %s: %s", e.Field, e.Message)
}

// Code identifies why a raid operation was rejected.
type Code string

const (
	CodeDuplicateParticipant Code = "duplicate_participant"
	CodeRaidNotFound         Code = "raid_not_found"
	CodeRaidFull             Code = "raid_full"
	CodeRaidEnded            Code = "raid_ended"
	CodeParticipantNotFound  Code = "participant_not_found"
	CodeDuplicateAction      Code = "duplicate_action"
	CodeNoMatchingObjective  Code = "no_matching_objective"
	CodeObjectiveComplete    Code = "objective_complete"
	CodeUnverified           Code = "unverified"
	CodeTooFast              Code = "too_fast"
)

// Rejection is a raid-domain refusal. Join returns it as an error;
// RecordAction reports it in ActionResult.
type Rejection struct {
	Code   Code
	RaidID string
	Detail string
}

func (r *Rejection) Error() string {
	var b strings.Builder
	b.WriteString("raid: ")
	b.WriteString(r.RaidID)
	b.WriteString(": ")
	b.WriteString(string(r.Code))
	if r.Detail != "" {
		b.WriteString(" (")
		b.WriteString(r.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func reject(raidID string, code Code, detail string) *Rejection {
	return &Rejection{Code: code, RaidID: raidID, Detail: detail}
}

// RejectionCode returns the code of a *Rejection in err's chain, or "".
func RejectionCode(err error) Code {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return ""
}
