// Package mongodb implements the datastore on MongoDB. Claims use
// FindOneAndUpdate so a row moves to exactly one poller even with
// several MSH instances on the same database.
package mongodb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

// Config holds connection settings.
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// Store implements storage.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	inMessages  *mongo.Collection
	outMessages *mongo.Collection
	inExcs      *mongo.Collection
	outExcs     *mongo.Collection
	retries     *mongo.Collection
}

// NewStore connects, verifies connectivity and prepares indexes.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging MongoDB")
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:      client,
		db:          db,
		inMessages:  db.Collection("in_messages"),
		outMessages: db.Collection("out_messages"),
		inExcs:      db.Collection("in_exceptions"),
		outExcs:     db.Collection("out_exceptions"),
		retries:     db.Collection("retry_reliability"),
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, errors.Wrap(err, "creating indexes")
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	messageIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ebms_message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "operation", Value: 1}, {Key: "claimed", Value: 1}, {Key: "inserted_at", Value: 1}}},
		{Keys: bson.D{{Key: "mpc", Value: 1}, {Key: "operation", Value: 1}}},
	}
	if _, err := s.inMessages.Indexes().CreateMany(ctx, messageIdx); err != nil {
		return err
	}
	if _, err := s.outMessages.Indexes().CreateMany(ctx, messageIdx); err != nil {
		return err
	}
	excIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "operation", Value: 1}, {Key: "claimed", Value: 1}}},
	}
	if _, err := s.inExcs.Indexes().CreateMany(ctx, excIdx); err != nil {
		return err
	}
	if _, err := s.outExcs.Indexes().CreateMany(ctx, excIdx); err != nil {
		return err
	}
	_, err := s.retries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_retry_time", Value: 1}}},
	})
	return err
}

func (s *Store) InsertInMessage(ctx context.Context, m *entities.InMessage) error {
	_, err := s.inMessages.InsertOne(ctx, m)
	return errors.Wrap(err, "inserting in-message")
}

func (s *Store) GetInMessage(ctx context.Context, id string) (*entities.InMessage, error) {
	var m entities.InMessage
	err := s.inMessages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading in-message")
	}
	return &m, nil
}

func (s *Store) UpdateInMessage(ctx context.Context, m *entities.InMessage) error {
	res, err := s.inMessages.ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return errors.Wrap(err, "updating in-message")
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ExistsInMessage(ctx context.Context, ebmsMessageID string) (bool, error) {
	n, err := s.inMessages.CountDocuments(ctx, bson.M{"ebms_message_id": ebmsMessageID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, "checking for duplicate")
	}
	return n > 0, nil
}

func (s *Store) ClaimInMessages(ctx context.Context, op entities.Operation, limit int) ([]*entities.InMessage, error) {
	var out []*entities.InMessage
	for len(out) < limit {
		var m entities.InMessage
		err := s.inMessages.FindOneAndUpdate(ctx,
			bson.M{"operation": op, "claimed": false},
			claimUpdate(),
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "inserted_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&m)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "claiming in-messages")
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *Store) InsertOutMessage(ctx context.Context, m *entities.OutMessage) error {
	_, err := s.outMessages.InsertOne(ctx, m)
	return errors.Wrap(err, "inserting out-message")
}

func (s *Store) GetOutMessage(ctx context.Context, id string) (*entities.OutMessage, error) {
	var m entities.OutMessage
	err := s.outMessages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading out-message")
	}
	return &m, nil
}

func (s *Store) GetOutMessageByEbmsID(ctx context.Context, ebmsMessageID string) (*entities.OutMessage, error) {
	var m entities.OutMessage
	err := s.outMessages.FindOne(ctx, bson.M{"ebms_message_id": ebmsMessageID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading out-message by ebms id")
	}
	return &m, nil
}

func (s *Store) UpdateOutMessage(ctx context.Context, m *entities.OutMessage) error {
	res, err := s.outMessages.ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return errors.Wrap(err, "updating out-message")
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimOutMessages(ctx context.Context, op entities.Operation, limit int) ([]*entities.OutMessage, error) {
	var out []*entities.OutMessage
	filter := bson.M{"operation": op, "claimed": false}
	if op == entities.OperationToBeSent {
		// Pull-channel rows wait for a PullRequest.
		filter["mep"] = bson.M{"$ne": entities.MEPPull}
	}
	for len(out) < limit {
		var m entities.OutMessage
		err := s.outMessages.FindOneAndUpdate(ctx,
			filter,
			claimUpdate(),
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "inserted_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&m)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "claiming out-messages")
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *Store) ClaimOutMessageForMPC(ctx context.Context, mpc string) (*entities.OutMessage, error) {
	var m entities.OutMessage
	err := s.outMessages.FindOneAndUpdate(ctx,
		bson.M{
			"operation": entities.OperationToBeSent,
			"mep":       entities.MEPPull,
			"mpc":       mpc,
			"claimed":   false,
		},
		claimUpdate(),
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "inserted_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "claiming pull message")
	}
	return &m, nil
}

func (s *Store) ClaimPiggybackSignals(ctx context.Context, mpc string, limit int) ([]*entities.OutMessage, error) {
	var out []*entities.OutMessage
	for len(out) < limit {
		var m entities.OutMessage
		err := s.outMessages.FindOneAndUpdate(ctx,
			bson.M{
				"operation": entities.OperationToBePiggyBacked,
				"mpc":       mpc,
				"claimed":   false,
			},
			claimUpdate(),
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&m)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "claiming piggyback signals")
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *Store) InsertInException(ctx context.Context, e *entities.InException) error {
	_, err := s.inExcs.InsertOne(ctx, e)
	return errors.Wrap(err, "inserting in-exception")
}

func (s *Store) UpdateInException(ctx context.Context, e *entities.InException) error {
	res, err := s.inExcs.ReplaceOne(ctx, bson.M{"_id": e.ID}, e)
	if err != nil {
		return errors.Wrap(err, "updating in-exception")
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetInException(ctx context.Context, id string) (*entities.InException, error) {
	var e entities.InException
	err := s.inExcs.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading in-exception")
	}
	return &e, nil
}

func (s *Store) ClaimInExceptions(ctx context.Context, op entities.Operation, limit int) ([]*entities.InException, error) {
	var out []*entities.InException
	for len(out) < limit {
		var e entities.InException
		err := s.inExcs.FindOneAndUpdate(ctx,
			bson.M{"operation": op, "claimed": false},
			claimUpdate(),
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&e)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "claiming in-exceptions")
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) InsertOutException(ctx context.Context, e *entities.OutException) error {
	_, err := s.outExcs.InsertOne(ctx, e)
	return errors.Wrap(err, "inserting out-exception")
}

func (s *Store) UpdateOutException(ctx context.Context, e *entities.OutException) error {
	res, err := s.outExcs.ReplaceOne(ctx, bson.M{"_id": e.ID}, e)
	if err != nil {
		return errors.Wrap(err, "updating out-exception")
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetOutException(ctx context.Context, id string) (*entities.OutException, error) {
	var e entities.OutException
	err := s.outExcs.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading out-exception")
	}
	return &e, nil
}

func (s *Store) ClaimOutExceptions(ctx context.Context, op entities.Operation, limit int) ([]*entities.OutException, error) {
	var out []*entities.OutException
	for len(out) < limit {
		var e entities.OutException
		err := s.outExcs.FindOneAndUpdate(ctx,
			bson.M{"operation": op, "claimed": false},
			claimUpdate(),
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&e)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "claiming out-exceptions")
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) InsertRetry(ctx context.Context, r *entities.RetryReliability) error {
	_, err := s.retries.InsertOne(ctx, r)
	return errors.Wrap(err, "inserting retry row")
}

// UpdateRetry writes the row back; Completed rows in the datastore are
// frozen and silently win over stale writers.
func (s *Store) UpdateRetry(ctx context.Context, r *entities.RetryReliability) error {
	res, err := s.retries.ReplaceOne(ctx,
		bson.M{"_id": r.ID, "status": entities.RetryPending}, r)
	if err != nil {
		return errors.Wrap(err, "updating retry row")
	}
	if res.MatchedCount == 0 {
		n, err := s.retries.CountDocuments(ctx, bson.M{"_id": r.ID}, options.Count().SetLimit(1))
		if err != nil {
			return errors.Wrap(err, "checking retry row")
		}
		if n == 0 {
			return storage.ErrNotFound
		}
	}
	return nil
}

func (s *Store) GetRetryByRef(ctx context.Context, ref entities.RetryRef) (*entities.RetryReliability, error) {
	filter := bson.M{}
	switch {
	case ref.InMessageID != "":
		filter["in_message_id"] = ref.InMessageID
	case ref.OutMessageID != "":
		filter["out_message_id"] = ref.OutMessageID
	case ref.InExceptionID != "":
		filter["in_exception_id"] = ref.InExceptionID
	case ref.OutExceptionID != "":
		filter["out_exception_id"] = ref.OutExceptionID
	}

	var r entities.RetryReliability
	err := s.retries.FindOne(ctx, filter).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading retry row")
	}
	return &r, nil
}

func (s *Store) DueRetries(ctx context.Context, limit int) ([]*entities.RetryReliability, error) {
	// A never-attempted row has no last_retry_time and is always due; an
	// attempted one is due once its interval elapsed. Interval filtering
	// on the variable retry_interval happens client-side.
	cursor, err := s.retries.Find(ctx,
		bson.M{"status": entities.RetryPending},
		options.Find().SetLimit(int64(limit*4)))
	if err != nil {
		return nil, errors.Wrap(err, "querying retry rows")
	}
	defer cursor.Close(ctx)

	now := time.Now()
	var out []*entities.RetryReliability
	for cursor.Next(ctx) {
		var r entities.RetryReliability
		if err := cursor.Decode(&r); err != nil {
			return nil, errors.Wrap(err, "decoding retry row")
		}
		if r.Due(now) {
			out = append(out, &r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, errors.Wrap(cursor.Err(), "iterating retry rows")
}

func (s *Store) ReleaseClaims(ctx context.Context, kind storage.EntityKind, ids []string) error {
	coll, err := s.collectionFor(kind)
	if err != nil {
		return err
	}
	_, err = coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"claimed": false}, "$unset": bson.M{"claimed_at": ""}})
	return errors.Wrap(err, "releasing claims")
}

func (s *Store) ReapExpiredClaims(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	filter := bson.M{"claimed": true, "claimed_at": bson.M{"$lt": cutoff}}
	update := bson.M{"$set": bson.M{"claimed": false}, "$unset": bson.M{"claimed_at": ""}}

	released := 0
	for _, coll := range []*mongo.Collection{s.inMessages, s.outMessages, s.inExcs, s.outExcs} {
		res, err := coll.UpdateMany(ctx, filter, update)
		if err != nil {
			return released, errors.Wrap(err, "reaping expired claims")
		}
		released += int(res.ModifiedCount)
	}
	return released, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) collectionFor(kind storage.EntityKind) (*mongo.Collection, error) {
	switch kind {
	case storage.KindInMessage:
		return s.inMessages, nil
	case storage.KindOutMessage:
		return s.outMessages, nil
	case storage.KindInException:
		return s.inExcs, nil
	case storage.KindOutException:
		return s.outExcs, nil
	default:
		return nil, errors.Errorf("unknown entity kind %q", kind)
	}
}

func claimUpdate() bson.M {
	return bson.M{"$set": bson.M{"claimed": true, "claimed_at": time.Now()}}
}
