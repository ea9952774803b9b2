package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
)

func openTestMongo(t *testing.T) *Mongo {
	t.Helper()
	uri := os.Getenv("GOOPCALL_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("GOOPCALL_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := OpenMongo(ctx, MongoOptions{
		URI:        uri,
		Database:   "goopcall_test",
		Collection: "calls_" + uuid.NewString()[:8],
	}, push.NewHub(), record.ParticipantPolicy{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.coll.Drop(context.Background())
		_ = m.Close()
	})
	return m
}

func TestMongoNegotiationFields(t *testing.T) {
	m := openTestMongo(t)
	ctx := context.Background()
	amy, bob := "amy-"+uuid.NewString(), "bob-"+uuid.NewString()

	rec := record.New(uuid.NewString(), amy, bob, t0)
	_, err := m.Create(ctx, rec)
	require.NoError(t, err)

	_, err = m.Create(ctx, record.New(uuid.NewString(), bob, amy, t0))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.Update(ctx, rec.ID, record.Patch{Actor: amy, Offer: &record.Description{Type: record.DescriptionOffer, SDP: "o"}})
	require.NoError(t, err)
	_, err = m.Update(ctx, rec.ID, record.Patch{Actor: rec.Responder(), Answer: &record.Description{Type: record.DescriptionAnswer, SDP: "a"}})
	require.NoError(t, err)
	_, err = m.Update(ctx, rec.ID, record.Patch{Actor: amy, Candidates: []string{"c1", "c2"}})
	require.NoError(t, err)
	out, err := m.Update(ctx, rec.ID, record.Patch{Actor: bob, Candidates: []string{"c1"}})
	require.NoError(t, err)

	assert.Equal(t, "o", out.CurrentOffer().SDP)
	assert.Equal(t, "a", out.CurrentAnswer().SDP)
	assert.ElementsMatch(t, []string{"c1", "c2"}, out.Candidates(rec.InitiatorRole))
	assert.Equal(t, []string{"c1"}, out.Candidates(rec.InitiatorRole.Other()))

	rev := out.Revision
	out, err = m.Update(ctx, rec.ID, record.Patch{Actor: bob, Candidates: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, rev, out.Revision)

	out, err = m.Update(ctx, rec.ID, record.Patch{Actor: amy, Status: record.StatusEnded, Reason: record.ReasonHangup, At: t0})
	require.NoError(t, err)
	assert.Equal(t, record.StatusEnded, out.Status)
	require.NotNil(t, out.EndedAt)

	list, err := m.ListActive(ctx, amy)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = m.Create(ctx, record.New(uuid.NewString(), bob, amy, t0))
	assert.NoError(t, err)
}

func TestMongoStatusWriteGuards(t *testing.T) {
	rec := record.New("call-1", "amy", "bob", t0)
	next := rec.Clone()
	next.Status = record.StatusFailed
	next.Reason = record.ReasonTimeout
	next.EndedAt = &t0

	filter, update := statusWrite("call-1", next, []record.Status{record.StatusRinging})
	assert.Equal(t, bson.D{
		{Key: callIDField, Value: "call-1"},
		{Key: callLiveField, Value: true},
		{Key: callStatusField, Value: bson.D{{Key: "$in", Value: []record.Status{record.StatusRinging}}}},
	}, filter)
	set := update[0].Value.(bson.D)
	assert.Contains(t, set, bson.E{Key: callLiveField, Value: false})
	assert.Contains(t, set, bson.E{Key: callReasonField, Value: record.ReasonTimeout})

	// Active may only be reached from ringing, whatever the caller expects.
	next.Status = record.StatusActive
	filter, _ = statusWrite("call-1", next, []record.Status{record.StatusActive})
	assert.Equal(t, bson.E{Key: callStatusField, Value: bson.D{{Key: "$in", Value: []record.Status{}}}}, filter[2])
}

func TestMongoStatusOutcome(t *testing.T) {
	assert.NoError(t, statusOutcome(record.StatusActive, nil, 1))
	err := statusOutcome(record.StatusFailed, []record.Status{record.StatusRinging}, 0)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrStale)
}

func TestMongoStatusRaceIsStale(t *testing.T) {
	m := openTestMongo(t)
	ctx := context.Background()
	amy, bob := "amy-"+uuid.NewString(), "bob-"+uuid.NewString()
	rec := record.New(uuid.NewString(), amy, bob, t0)
	_, err := m.Create(ctx, rec)
	require.NoError(t, err)

	// The responder's active lands after the caller's precondition read.
	m.beforeStatusWrite = func() {
		m.beforeStatusWrite = nil
		_, err := m.Update(ctx, rec.ID, record.Patch{Actor: bob, Status: record.StatusActive}, record.StatusRinging)
		require.NoError(t, err)
	}
	_, err = m.Update(ctx, rec.ID,
		record.Patch{Actor: amy, Status: record.StatusFailed, Reason: record.ReasonTimeout, At: t0},
		record.StatusRinging)
	assert.ErrorIs(t, err, ErrStale)

	got, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusActive, got.Status)
	assert.Nil(t, got.EndedAt)
}
