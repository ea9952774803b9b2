package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func offer(epoch int) *Description {
	return &Description{Type: DescriptionOffer, SDP: "offer-sdp", Epoch: epoch}
}

func answer(epoch int) *Description {
	return &Description{Type: DescriptionAnswer, SDP: "answer-sdp", Epoch: epoch}
}

func TestNewOrdersParticipants(t *testing.T) {
	rec := New("id-1", "zed", "amy", t0)
	assert.Equal(t, "amy", rec.ParticipantA)
	assert.Equal(t, "zed", rec.ParticipantB)
	assert.Equal(t, RoleB, rec.InitiatorRole)
	assert.Equal(t, "zed", rec.Initiator())
	assert.Equal(t, "amy", rec.Responder())
	assert.Equal(t, "amy|zed", rec.PairKey())
	assert.Equal(t, PairKey("zed", "amy"), rec.PairKey())
	require.NoError(t, rec.Validate())
}

func TestValidate(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)
	require.NoError(t, rec.Validate())

	bad := rec.Clone()
	bad.Status = StatusEnded
	assert.Error(t, bad.Validate(), "terminal status without ended_at")

	bad = rec.Clone()
	bad.ParticipantB = "amy"
	assert.Error(t, bad.Validate())

	bad = rec.Clone()
	bad.CandidatesA = []string{""}
	assert.Error(t, bad.Validate())
}

func TestMergeCandidatesAreSetUnionPerRole(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)

	out, changed, err := Merge(rec, Patch{Actor: "amy", Candidates: []string{"c1", "c2", "c1"}})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"c1", "c2"}, out.CandidatesA)
	assert.Empty(t, out.CandidatesB)

	out, changed, err = Merge(out, Patch{Actor: "amy", Candidates: []string{"c2"}})
	require.NoError(t, err)
	assert.False(t, changed, "duplicate append must be a no-op")

	out, _, err = Merge(out, Patch{Actor: "bob", Candidates: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, out.CandidatesB)
	assert.Equal(t, []string{"c1", "c2"}, out.CandidatesA)
}

func TestMergeConcurrentCandidateWritersCommute(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)
	pa := Patch{Actor: "amy", Candidates: []string{"a1", "a2"}}
	pb := Patch{Actor: "bob", Candidates: []string{"b1"}}

	x, _, err := Merge(rec, pa)
	require.NoError(t, err)
	x, _, err = Merge(x, pb)
	require.NoError(t, err)

	y, _, err := Merge(rec, pb)
	require.NoError(t, err)
	y, _, err = Merge(y, pa)
	require.NoError(t, err)

	assert.Equal(t, x.CandidatesA, y.CandidatesA)
	assert.Equal(t, x.CandidatesB, y.CandidatesB)
}

func TestMergeOfferAndAnswerPerEpoch(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)

	out, changed, err := Merge(rec, Patch{Actor: "amy", Offer: offer(0)})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, out.CurrentOffer())

	// Same epoch is never overwritten.
	again, changed, err := Merge(out, Patch{Actor: "amy", Offer: &Description{Type: DescriptionOffer, SDP: "other", Epoch: 0}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "offer-sdp", again.Offer.SDP)

	out, changed, err = Merge(out, Patch{Actor: "bob", Answer: answer(0)})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, out.CurrentAnswer())

	_, changed, err = Merge(out, Patch{Actor: "bob", Answer: &Description{Type: DescriptionAnswer, SDP: "late", Epoch: 0}})
	require.NoError(t, err)
	assert.False(t, changed, "answer is set at most once per epoch")

	// Restart: higher epoch offer replaces, previous answer no longer current.
	out, changed, err = Merge(out, Patch{Actor: "amy", Offer: offer(1)})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, out.Epoch)
	assert.Nil(t, out.CurrentAnswer())

	// A stale answer for epoch 0 does not land on the epoch 1 offer.
	_, changed, err = Merge(out, Patch{Actor: "bob", Answer: answer(0)})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMergeStatusTransitions(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)

	active, changed, err := Merge(rec, Patch{Actor: "bob", Status: StatusActive})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, active.EndedAt)

	_, changed, err = Merge(active, Patch{Actor: "amy", Status: StatusActive})
	require.NoError(t, err)
	assert.False(t, changed, "both sides marking active is idempotent")

	_, _, err = Merge(active, Patch{Actor: "amy", Status: StatusRinging})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ended, changed, err := Merge(active, Patch{Actor: "amy", Status: StatusEnded, Reason: ReasonHangup, At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, t0.Add(time.Minute), *ended.EndedAt)
	require.NoError(t, ended.Validate())
}

func TestMergeTerminationIsIdempotentAndCommutative(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)
	endA := Patch{Actor: "amy", Status: StatusEnded, Reason: ReasonHangup, At: t0.Add(time.Second)}
	endB := Patch{Actor: "bob", Status: StatusFailed, Reason: ReasonConnectivityLost, At: t0.Add(2 * time.Second)}

	x, _, err := Merge(rec, endA)
	require.NoError(t, err)
	x2, changed, err := Merge(x, endB)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusEnded, x2.Status)
	assert.Equal(t, *x.EndedAt, *x2.EndedAt, "ended_at is set exactly once")

	x3, changed, err := Merge(x2, endA)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, x2.Status, x3.Status)
}

func TestMergeRejectsWritesAfterTermination(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)
	ended, _, err := Merge(rec, Patch{Actor: "amy", Status: StatusFailed, Reason: ReasonTimeout, At: t0})
	require.NoError(t, err)

	_, _, err = Merge(ended, Patch{Actor: "bob", Answer: answer(0)})
	assert.ErrorIs(t, err, ErrTerminal)
	_, _, err = Merge(ended, Patch{Actor: "bob", Candidates: []string{"b1"}})
	assert.ErrorIs(t, err, ErrTerminal)
	_, _, err = Merge(ended, Patch{Actor: "bob", Status: StatusActive})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestMergeRejectsStrangers(t *testing.T) {
	rec := New("id-1", "amy", "bob", t0)
	_, _, err := Merge(rec, Patch{Actor: "eve", Candidates: []string{"x"}})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestParticipantPolicy(t *testing.T) {
	rec := New("id-1", "bob", "amy", t0) // bob initiates, holds role B
	p := ParticipantPolicy{}

	assert.NoError(t, p.AuthorizeCreate("bob", rec))
	assert.ErrorIs(t, p.AuthorizeCreate("amy", rec), ErrDenied)

	assert.NoError(t, p.AuthorizeUpdate("bob", rec, Patch{Actor: "bob", Offer: offer(0)}))
	assert.ErrorIs(t, p.AuthorizeUpdate("amy", rec, Patch{Actor: "amy", Offer: offer(0)}), ErrDenied)
	assert.NoError(t, p.AuthorizeUpdate("amy", rec, Patch{Actor: "amy", Answer: answer(0)}))
	assert.ErrorIs(t, p.AuthorizeUpdate("bob", rec, Patch{Actor: "bob", Answer: answer(0)}), ErrDenied)
	assert.ErrorIs(t, p.AuthorizeUpdate("eve", rec, Patch{Actor: "eve"}), ErrDenied)
}
