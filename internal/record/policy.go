package record

import (
	"errors"
	"fmt"
)

// ErrDenied is the error a Policy returns for a write it does not allow.
var ErrDenied = errors.New("record: write denied by policy")

// Policy decides who may write what. Stores consult it on every create and
// update; a denial surfaces to the writer as a rejected write.
type Policy interface {
	AuthorizeCreate(actor string, rec *Record) error
	AuthorizeUpdate(actor string, rec *Record, p Patch) error
}

// AllowAll accepts every write.
type AllowAll struct{}

func (AllowAll) AuthorizeCreate(string, *Record) error        { return nil }
func (AllowAll) AuthorizeUpdate(string, *Record, Patch) error { return nil }

// ParticipantPolicy enforces field ownership: only the two participants write,
// only the initiator creates and publishes offers, only the responder publishes
// answers. Candidate ownership is structural (Merge appends to the actor's role).
type ParticipantPolicy struct{}

func (ParticipantPolicy) AuthorizeCreate(actor string, rec *Record) error {
	if rec.Initiator() != actor {
		return fmt.Errorf("%w: %q may not create a record initiated by %q", ErrDenied, actor, rec.Initiator())
	}
	return nil
}

func (ParticipantPolicy) AuthorizeUpdate(actor string, rec *Record, p Patch) error {
	if _, ok := rec.RoleOf(actor); !ok {
		return fmt.Errorf("%w: %q is not a participant", ErrDenied, actor)
	}
	if p.Offer != nil && actor != rec.Initiator() {
		return fmt.Errorf("%w: only the initiator writes offers", ErrDenied)
	}
	if p.Answer != nil && actor != rec.Responder() {
		return fmt.Errorf("%w: only the responder writes answers", ErrDenied)
	}
	return nil
}
