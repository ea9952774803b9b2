// Package record defines the shared call record both participants negotiate
// through. The record is a small mergeable document: every field has one
// owner and every write is an idempotent merge, so two writers that never
// coordinate still converge on the same state.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies one of the two participant slots of a record.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

func (r Role) Valid() bool { return r == RoleA || r == RoleB }

// Status is the persisted lifecycle status of a call attempt.
type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusActive, StatusEnded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed status move.
// Writing the current status again is always allowed (no-op).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusRinging:
		return to == StatusActive || to == StatusEnded || to == StatusFailed
	case StatusActive:
		return to == StatusEnded || to == StatusFailed
	}
	return false
}

// Reason explains a terminal status.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonHangup              Reason = "hangup"
	ReasonTimeout             Reason = "timeout"
	ReasonDeclined            Reason = "declined"
	ReasonConnectivityLost    Reason = "connectivity_lost"
	ReasonMediaStalled        Reason = "media_stalled"
	ReasonAuthorizationFailed Reason = "authorization_failed"
	ReasonInternalError       Reason = "internal_error"
)

// DescriptionType distinguishes offers from answers.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is an opaque session description tagged with the negotiation
// epoch it belongs to. Epoch 0 is the initial negotiation; every ICE restart
// increments it.
type Description struct {
	Type  DescriptionType `json:"type" bson:"type"`
	SDP   string          `json:"sdp" bson:"sdp"`
	Epoch int             `json:"epoch" bson:"epoch"`
}

// Record is one call attempt between two participants.
type Record struct {
	ID            string       `json:"id" bson:"_id"`
	InitiatorRole Role         `json:"initiator_role" bson:"initiator_role"`
	ParticipantA  string       `json:"participant_a" bson:"participant_a"`
	ParticipantB  string       `json:"participant_b" bson:"participant_b"`
	Status        Status       `json:"status" bson:"status"`
	Reason        Reason       `json:"reason,omitempty" bson:"reason,omitempty"`
	Epoch         int          `json:"epoch" bson:"epoch"`
	Offer         *Description `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer        *Description `json:"answer,omitempty" bson:"answer,omitempty"`
	CandidatesA   []string     `json:"candidates_a" bson:"candidates_a"`
	CandidatesB   []string     `json:"candidates_b" bson:"candidates_b"`
	CreatedAt     time.Time    `json:"created_at" bson:"created_at"`
	EndedAt       *time.Time   `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Revision      int64        `json:"revision" bson:"revision"`
}

// New builds a ringing record for a call from initiator to remote. The pair is
// ordered so that the same two identities always map to the same A/B slots.
func New(id, initiator, remote string, now time.Time) *Record {
	a, b := OrderPair(initiator, remote)
	role := RoleA
	if initiator == b {
		role = RoleB
	}
	return &Record{
		ID:            id,
		InitiatorRole: role,
		ParticipantA:  a,
		ParticipantB:  b,
		Status:        StatusRinging,
		CandidatesA:   []string{},
		CandidatesB:   []string{},
		CreatedAt:     now.UTC(),
	}
}

// OrderPair returns the two identities in A/B order.
func OrderPair(x, y string) (a, b string) {
	if x <= y {
		return x, y
	}
	return y, x
}

// PairKey is the stable key of a participant pair.
func PairKey(x, y string) string {
	a, b := OrderPair(x, y)
	return a + "|" + b
}

func (r *Record) PairKey() string { return r.ParticipantA + "|" + r.ParticipantB }

// RoleOf returns the role held by identity, or false if it is not a participant.
func (r *Record) RoleOf(identity string) (Role, bool) {
	switch identity {
	case r.ParticipantA:
		return RoleA, true
	case r.ParticipantB:
		return RoleB, true
	}
	return "", false
}

// Participant returns the identity holding role.
func (r *Record) Participant(role Role) string {
	if role == RoleA {
		return r.ParticipantA
	}
	return r.ParticipantB
}

// Initiator returns the identity that created the record.
func (r *Record) Initiator() string { return r.Participant(r.InitiatorRole) }

// Responder returns the identity that did not create the record.
func (r *Record) Responder() string { return r.Participant(r.InitiatorRole.Other()) }

// Candidates returns the candidate array owned by role.
func (r *Record) Candidates(role Role) []string {
	if role == RoleA {
		return r.CandidatesA
	}
	return r.CandidatesB
}

// CurrentOffer returns the offer of the current epoch, or nil.
func (r *Record) CurrentOffer() *Description {
	if r.Offer == nil || r.Offer.Epoch != r.Epoch {
		return nil
	}
	return r.Offer
}

// CurrentAnswer returns the answer matching the current offer, or nil.
func (r *Record) CurrentAnswer() *Description {
	if r.Answer == nil || r.Answer.Epoch != r.Epoch {
		return nil
	}
	return r.Answer
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	c.CandidatesA = append([]string{}, r.CandidatesA...)
	c.CandidatesB = append([]string{}, r.CandidatesB...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Validate checks the structural invariants of a record.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record: id is required")
	}
	if r.ParticipantA == "" || r.ParticipantB == "" {
		return errors.New("record: both participants are required")
	}
	if r.ParticipantA == r.ParticipantB {
		return errors.New("record: participants must differ")
	}
	if r.ParticipantA > r.ParticipantB {
		return errors.New("record: participants must be in A/B order")
	}
	if !r.InitiatorRole.Valid() {
		return fmt.Errorf("record: invalid initiator role %q", r.InitiatorRole)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record: invalid status %q", r.Status)
	}
	if r.Status.Terminal() != (r.EndedAt != nil) {
		return errors.New("record: ended_at must be set exactly when status is terminal")
	}
	if r.Epoch < 0 {
		return errors.New("record: epoch must be >= 0")
	}
	if r.Offer != nil && r.Offer.Type != DescriptionOffer {
		return fmt.Errorf("record: offer has type %q", r.Offer.Type)
	}
	if r.Answer != nil && r.Answer.Type != DescriptionAnswer {
		return fmt.Errorf("record: answer has type %q", r.Answer.Type)
	}
	for _, set := range [][]string{r.CandidatesA, r.CandidatesB} {
		for _, c := range set {
			if c == "" {
				return errors.New("record: empty candidate")
			}
		}
	}
	return nil
}
