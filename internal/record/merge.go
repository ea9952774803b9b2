package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotParticipant is returned when a patch author holds no role in the record.
	ErrNotParticipant = errors.New("record: actor is not a participant")
	// ErrTerminal is returned when a patch would change a record that already ended.
	ErrTerminal = errors.New("record: record is terminal")
	// ErrInvalidTransition is returned for a status move the lifecycle does not allow.
	ErrInvalidTransition = errors.New("record: invalid status transition")
)

// Patch is one participant's write against a record. Each field is merged
// independently; an empty field leaves the record untouched.
type Patch struct {
	// Actor is the identity performing the write. Candidates are always
	// appended to the actor's own role array.
	Actor      string
	Status     Status
	Reason     Reason
	Offer      *Description
	Answer     *Description
	Candidates []string
	// At stamps EndedAt when Status is terminal.
	At time.Time
}

// Empty reports whether the patch carries nothing to merge.
func (p Patch) Empty() bool {
	return p.Status == "" && p.Offer == nil && p.Answer == nil && len(p.Candidates) == 0
}

// Merge applies p to a copy of rec and returns the result and whether anything
// changed. Merge never depends on fields the actor does not own, so replaying a
// patch, or applying two participants' patches in either order, converges.
func Merge(rec *Record, p Patch) (*Record, bool, error) {
	role, ok := rec.RoleOf(p.Actor)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrNotParticipant, p.Actor)
	}

	out := rec.Clone()
	changed := false

	if rec.Status.Terminal() {
		if p.Status != "" && p.Status.Terminal() {
			// Remote and local terminations commute: the first terminal write wins.
			return out, false, nil
		}
		if !p.Empty() {
			return nil, false, ErrTerminal
		}
		return out, false, nil
	}

	if p.Offer != nil {
		if p.Offer.Type != DescriptionOffer {
			return nil, false, fmt.Errorf("record: offer has type %q", p.Offer.Type)
		}
		if out.Offer == nil || p.Offer.Epoch > out.Offer.Epoch {
			o := *p.Offer
			out.Offer = &o
			if o.Epoch > out.Epoch {
				out.Epoch = o.Epoch
			}
			changed = true
		}
	}

	if p.Answer != nil {
		if p.Answer.Type != DescriptionAnswer {
			return nil, false, fmt.Errorf("record: answer has type %q", p.Answer.Type)
		}
		// An answer only lands on the offer it answers, and only once.
		if out.CurrentOffer() != nil && p.Answer.Epoch == out.Epoch && out.CurrentAnswer() == nil {
			a := *p.Answer
			out.Answer = &a
			changed = true
		}
	}

	if len(p.Candidates) > 0 {
		existing := out.Candidates(role)
		seen := make(map[string]struct{}, len(existing)+len(p.Candidates))
		for _, c := range existing {
			seen[c] = struct{}{}
		}
		for _, c := range p.Candidates {
			if c == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			existing = append(existing, c)
			changed = true
		}
		if role == RoleA {
			out.CandidatesA = existing
		} else {
			out.CandidatesB = existing
		}
	}

	if p.Status != "" && p.Status != out.Status {
		if !CanTransition(out.Status, p.Status) {
			return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, out.Status, p.Status)
		}
		out.Status = p.Status
		if p.Status.Terminal() {
			at := p.At
			if at.IsZero() {
				at = time.Now()
			}
			at = at.UTC()
			out.EndedAt = &at
			out.Reason = p.Reason
		}
		changed = true
	}

	return out, changed, nil
}
