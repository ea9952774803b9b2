package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
)

// Field names of the call documents.
const (
	callIDField          = "_id"
	callPairKeyField     = "pair_key"
	callLiveField        = "live"
	callParticipantA     = "participant_a"
	callParticipantB     = "participant_b"
	callStatusField      = "status"
	callReasonField      = "reason"
	callEpochField       = "epoch"
	callOfferField       = "offer"
	callAnswerField      = "answer"
	callCandidatesAField = "candidates_a"
	callCandidatesBField = "candidates_b"
	callCreatedAtField   = "created_at"
	callEndedAtField     = "ended_at"
	callRevisionField    = "revision"
)

var (
	mongoLivePairIndex = "calls_live_pair"
	mongoCallIndexes   = []mongo.IndexModel{
		{
			Keys: bson.D{{Key: callPairKeyField, Value: 1}},
			Options: options.Index().
				SetName(mongoLivePairIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: callLiveField, Value: true}}),
		},
		{Keys: bson.D{{Key: callParticipantA, Value: 1}, {Key: callLiveField, Value: 1}}},
		{Keys: bson.D{{Key: callParticipantB, Value: 1}, {Key: callLiveField, Value: 1}}},
	}
)

// mongoCall is the stored document: the record plus the live flag the
// partial unique index keys on.
type mongoCall struct {
	record.Record `bson:",inline"`
	PairKey       string `bson:"pair_key"`
	Live          bool   `bson:"live"`
}

// Mongo is a Store backed by a MongoDB collection, for participants that do
// not share a host. Each field of a patch is written by its own conditional
// update, so two writers never overwrite each other's fields.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	hub    *push.Hub
	policy record.Policy

	cancel context.CancelFunc
	done   chan struct{}

	// beforeStatusWrite runs between the precondition read and the guarded
	// status write. Tests use it to interleave a competing writer.
	beforeStatusWrite func()
}

// MongoOptions selects the database and collection.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
}

// OpenMongo connects, ensures indexes and starts forwarding change-stream
// events to hub. A deployment without change streams still works; the
// signaling channel falls back to polling.
func OpenMongo(ctx context.Context, opt MongoOptions, hub *push.Hub, policy record.Policy) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opt.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db, collName := opt.Database, opt.Collection
	if db == "" {
		db = "goopcall"
	}
	if collName == "" {
		collName = "calls"
	}
	coll := client.Database(db).Collection(collName)
	if _, err := coll.Indexes().CreateMany(ctx, mongoCallIndexes); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	if hub == nil {
		hub = push.NewHub()
	}
	if policy == nil {
		policy = record.ParticipantPolicy{}
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	m := &Mongo{client: client, coll: coll, hub: hub, policy: policy, cancel: cancel, done: make(chan struct{})}
	go m.watch(watchCtx)
	return m, nil
}

// Close stops the change stream and disconnects.
func (m *Mongo) Close() error {
	m.cancel()
	<-m.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Subscribe returns notices from the change stream.
func (m *Mongo) Subscribe() (<-chan push.Notice, func()) {
	return m.hub.Subscribe()
}

func (m *Mongo) watch(ctx context.Context) {
	defer close(m.done)
	cs, err := m.coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		log.Warnf("change streams unavailable, relying on polling: %v", err)
		return
	}
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var ev struct {
			FullDocument *mongoCall `bson:"fullDocument"`
		}
		if err := cs.Decode(&ev); err != nil || ev.FullDocument == nil {
			continue
		}
		rec := ev.FullDocument.Record
		m.hub.Publish(push.Notice{ID: rec.ID, Revision: rec.Revision, Record: &rec, Origin: push.OriginMongo})
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		log.Warnf("change stream ended: %v", err)
	}
}

// Create inserts rec. The live-pair partial index rejects a second live
// record for the same pair.
func (m *Mongo) Create(ctx context.Context, rec *record.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if err := m.policy.AuthorizeCreate(rec.Initiator(), rec); err != nil {
		return "", denied(err)
	}
	doc := mongoCall{Record: *rec.Clone(), PairKey: rec.PairKey(), Live: !rec.Status.Terminal()}
	doc.Revision = 1
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %s", ErrConflict, rec.PairKey())
		}
		return "", fmt.Errorf("insert call: %w", err)
	}
	m.hub.Publish(push.Notice{ID: rec.ID, Revision: doc.Revision, Record: doc.Record.Clone()})
	return rec.ID, nil
}

// Get returns the stored record.
func (m *Mongo) Get(ctx context.Context, id string) (*record.Record, error) {
	var doc mongoCall
	err := m.coll.FindOne(ctx, bson.D{{Key: callIDField, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	rec := doc.Record
	if rec.CandidatesA == nil {
		rec.CandidatesA = []string{}
	}
	if rec.CandidatesB == nil {
		rec.CandidatesB = []string{}
	}
	return &rec, nil
}

// Update validates p against the current document with record.Merge, then
// writes each owned field with an update guarded on that field alone.
func (m *Mongo) Update(ctx context.Context, id string, p record.Patch, expected ...record.Status) (*record.Record, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.policy.AuthorizeUpdate(p.Actor, cur, p); err != nil {
		return nil, denied(err)
	}
	if !statusExpected(cur.Status, expected) {
		return nil, stale("status is %s, expected %v", cur.Status, expected)
	}
	next, changed, err := record.Merge(cur, p)
	if err != nil {
		return nil, mergeError(err)
	}
	if !changed {
		return cur, nil
	}

	role, _ := cur.RoleOf(p.Actor)
	guard := func(extra ...bson.E) bson.D {
		f := bson.D{{Key: callIDField, Value: id}, {Key: callLiveField, Value: true}}
		if expected != nil {
			f = append(f, bson.E{Key: callStatusField, Value: bson.D{{Key: "$in", Value: expected}}})
		}
		return append(f, extra...)
	}
	bump := bson.E{Key: "$inc", Value: bson.D{{Key: callRevisionField, Value: 1}}}

	if p.Offer != nil && next.Offer != nil && next.Offer.Epoch == p.Offer.Epoch {
		_, err := m.coll.UpdateOne(ctx,
			guard(bson.E{Key: "$or", Value: bson.A{
				bson.D{{Key: callOfferField, Value: nil}},
				bson.D{{Key: callOfferField + ".epoch", Value: bson.D{{Key: "$lt", Value: p.Offer.Epoch}}}},
			}}),
			bson.D{
				{Key: "$set", Value: bson.D{
					{Key: callOfferField, Value: p.Offer},
					{Key: callEpochField, Value: p.Offer.Epoch},
				}},
				bump,
			})
		if err != nil {
			return nil, fmt.Errorf("set offer: %w", err)
		}
	}

	if p.Answer != nil && next.CurrentAnswer() != nil {
		_, err := m.coll.UpdateOne(ctx,
			guard(
				bson.E{Key: callEpochField, Value: p.Answer.Epoch},
				bson.E{Key: callOfferField + ".epoch", Value: p.Answer.Epoch},
				bson.E{Key: "$or", Value: bson.A{
					bson.D{{Key: callAnswerField, Value: nil}},
					bson.D{{Key: callAnswerField + ".epoch", Value: bson.D{{Key: "$ne", Value: p.Answer.Epoch}}}},
				}},
			),
			bson.D{{Key: "$set", Value: bson.D{{Key: callAnswerField, Value: p.Answer}}}, bump})
		if err != nil {
			return nil, fmt.Errorf("set answer: %w", err)
		}
	}

	field := callCandidatesAField
	if role == record.RoleB {
		field = callCandidatesBField
	}
	for _, c := range p.Candidates {
		if c == "" {
			continue
		}
		_, err := m.coll.UpdateOne(ctx,
			guard(bson.E{Key: field, Value: bson.D{{Key: "$ne", Value: c}}}),
			bson.D{{Key: "$push", Value: bson.D{{Key: field, Value: c}}}, bump})
		if err != nil {
			return nil, fmt.Errorf("push candidate: %w", err)
		}
	}

	var lost error
	if p.Status != "" && p.Status != cur.Status {
		if m.beforeStatusWrite != nil {
			m.beforeStatusWrite()
		}
		filter, update := statusWrite(id, next, expected)
		res, err := m.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return nil, fmt.Errorf("set status: %w", err)
		}
		lost = statusOutcome(next.Status, expected, res.MatchedCount)
	}

	out, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.hub.Publish(push.Notice{ID: id, Revision: out.Revision, Record: out.Clone()})
	if lost != nil {
		log.Debugf("[%s] %v", id, lost)
		return nil, lost
	}
	return out, nil
}

// statusWrite builds the update moving a live document to next.Status, guarded
// on the statuses the transition may start from and the caller expects.
func statusWrite(id string, next *record.Record, expected []record.Status) (filter, update bson.D) {
	from := []record.Status{record.StatusRinging}
	set := bson.D{{Key: callStatusField, Value: next.Status}}
	if next.Status.Terminal() {
		from = []record.Status{record.StatusRinging, record.StatusActive}
		set = append(set,
			bson.E{Key: callReasonField, Value: next.Reason},
			bson.E{Key: callEndedAtField, Value: *next.EndedAt},
			bson.E{Key: callLiveField, Value: false},
		)
	}
	filter = bson.D{
		{Key: callIDField, Value: id},
		{Key: callLiveField, Value: true},
		{Key: callStatusField, Value: bson.D{{Key: "$in", Value: intersect(from, expected)}}},
	}
	update = bson.D{
		{Key: "$set", Value: set},
		{Key: "$inc", Value: bson.D{{Key: callRevisionField, Value: 1}}},
	}
	return filter, update
}

// statusOutcome turns a guarded status write that matched nothing into a
// stale rejection, the same answer the sqlite store gives.
func statusOutcome(want record.Status, expected []record.Status, matched int64) error {
	if matched > 0 {
		return nil
	}
	return stale("status %s lost to a concurrent write (expected %v)", want, expected)
}

// ListActive returns the live records identity takes part in.
func (m *Mongo) ListActive(ctx context.Context, identity string) ([]*record.Record, error) {
	cur, err := m.coll.Find(ctx, bson.D{
		{Key: callLiveField, Value: true},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: callParticipantA, Value: identity}},
			bson.D{{Key: callParticipantB, Value: identity}},
		}},
	}, options.Find().SetSort(bson.D{{Key: callCreatedAtField, Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list active calls: %w", err)
	}
	defer cur.Close(ctx)

	var out []*record.Record
	for cur.Next(ctx) {
		var doc mongoCall
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec := doc.Record
		out = append(out, &rec)
	}
	return out, cur.Err()
}

// intersect narrows the statuses a transition may start from to those the
// caller expects.
func intersect(from, expected []record.Status) []record.Status {
	if expected == nil {
		return from
	}
	var out []record.Status
	for _, f := range from {
		if statusExpected(f, expected) {
			out = append(out, f)
		}
	}
	if out == nil {
		// Nothing can match; keep the filter unsatisfiable rather than open.
		out = []record.Status{}
	}
	return out
}
