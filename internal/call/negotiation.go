package call

import (
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"

	"github.com/petervdpas/goopcall/internal/record"
)

// NegotiationState is the offer/answer phase of the current attempt.
type NegotiationState string

const (
	NegotiationNew             NegotiationState = "new"
	NegotiationHaveLocalOffer  NegotiationState = "have-local-offer"
	NegotiationHaveRemoteOffer NegotiationState = "have-remote-offer"
	NegotiationStable          NegotiationState = "stable"
)

// Negotiator drives one side of the offer/answer exchange. The initiator
// goes New -> HaveLocalOffer -> Stable, the responder New -> HaveRemoteOffer
// -> Stable. Every call out of order fails with ErrInvalidNegotiationState.
type Negotiator struct {
	tr        Transport
	initiator bool

	mu      sync.Mutex
	state   NegotiationState
	epoch   int
	offers  int
	answers int
}

// NewNegotiator returns a negotiator in state New at epoch 0.
func NewNegotiator(tr Transport, initiator bool) *Negotiator {
	return &Negotiator{tr: tr, initiator: initiator, state: NegotiationNew}
}

func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Epoch() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epoch
}

// Counts returns how many offers and answers this attempt created.
func (n *Negotiator) Counts() (offers, answers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers, n.answers
}

// CreateOffer creates the one offer of the current attempt.
func (n *Negotiator) CreateOffer() (*record.Description, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.initiator {
		return nil, fmt.Errorf("%w: responder cannot offer", ErrInvalidNegotiationState)
	}
	if n.state != NegotiationNew || n.offers > 0 {
		return nil, fmt.Errorf("%w: create offer in %s", ErrInvalidNegotiationState, n.state)
	}
	kinds := n.tr.LocalTrackKinds()
	if len(kinds) == 0 {
		return nil, ErrNoMediaAttached
	}
	s, err := n.tr.CreateOffer(n.epoch > 0)
	if err != nil {
		return nil, err
	}
	n.offers++
	if err := validateDescription(s, kinds); err != nil {
		return nil, err
	}
	n.state = NegotiationHaveLocalOffer
	return &record.Description{Type: record.DescriptionOffer, SDP: s, Epoch: n.epoch}, nil
}

// ApplyRemoteAnswer applies the responder's answer to the local offer.
func (n *Negotiator) ApplyRemoteAnswer(d *record.Description) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != NegotiationHaveLocalOffer {
		return fmt.Errorf("%w: apply answer in %s", ErrInvalidNegotiationState, n.state)
	}
	if d == nil || d.Type != record.DescriptionAnswer {
		return fmt.Errorf("%w: not an answer", ErrMalformedDescription)
	}
	if d.Epoch != n.epoch {
		return fmt.Errorf("%w: answer for epoch %d, negotiating %d", errStaleDescription, d.Epoch, n.epoch)
	}
	if err := n.tr.SetRemoteDescription(record.DescriptionAnswer, d.SDP); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	n.state = NegotiationStable
	return nil
}

// ApplyRemoteOffer applies the initiator's offer. A nil offer means the
// record has none yet: the caller waits, it is not an error. An offer from
// a newer epoch restarts the attempt at that epoch. applied is false when
// there was nothing new to apply.
func (n *Negotiator) ApplyRemoteOffer(d *record.Description) (applied bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initiator {
		return false, fmt.Errorf("%w: initiator cannot apply an offer", ErrInvalidNegotiationState)
	}
	if d == nil {
		return false, nil
	}
	if d.Type != record.DescriptionOffer {
		return false, fmt.Errorf("%w: not an offer", ErrMalformedDescription)
	}
	switch {
	case d.Epoch < n.epoch:
		return false, nil
	case d.Epoch > n.epoch:
		n.resetLocked(d.Epoch)
	case n.state != NegotiationNew:
		return false, nil
	}
	if err := n.tr.SetRemoteDescription(record.DescriptionOffer, d.SDP); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	n.state = NegotiationHaveRemoteOffer
	return true, nil
}

// CreateAnswer answers the applied remote offer.
func (n *Negotiator) CreateAnswer() (*record.Description, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != NegotiationHaveRemoteOffer {
		return nil, fmt.Errorf("%w: create answer in %s", ErrInvalidNegotiationState, n.state)
	}
	kinds := n.tr.LocalTrackKinds()
	if len(kinds) == 0 {
		return nil, ErrNoMediaAttached
	}
	s, err := n.tr.CreateAnswer()
	if err != nil {
		return nil, err
	}
	n.answers++
	if err := validateDescription(s, kinds); err != nil {
		return nil, err
	}
	n.state = NegotiationStable
	return &record.Description{Type: record.DescriptionAnswer, SDP: s, Epoch: n.epoch}, nil
}

// Restart re-enters New for an ICE restart and returns the new epoch.
func (n *Negotiator) Restart() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked(n.epoch + 1)
	return n.epoch
}

// ResetTo re-enters New at epoch.
func (n *Negotiator) ResetTo(epoch int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked(epoch)
}

func (n *Negotiator) resetLocked(epoch int) {
	n.epoch = epoch
	n.state = NegotiationNew
	n.offers = 0
	n.answers = 0
}

// validateDescription checks that every local track kind has an active
// media section in s.
func validateDescription(s string, kinds []TrackKind) error {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	present := make(map[TrackKind]bool)
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		present[TrackKind(m.MediaName.Media)] = true
	}
	for _, k := range kinds {
		if !present[k] {
			return fmt.Errorf("%w: no %s section", ErrMalformedDescription, k)
		}
	}
	return nil
}
