// Package mongoservice implements remote.Service and remote.ChangeStream
// against a real go.mongodb.org/mongo-driver client, since the teacher's
// own stack is MongoDB rather than an abstract remote document service.
// Grounded on nodestorage/v2/storage_impl.go's Watch (change-stream setup,
// $match on operationType, decode to a normalized event) and the duplicate
// key detection idiom used throughout the teacher's mongo.IsDuplicateKeyError
// checks.
package mongoservice

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"docsync/nsync"
	"docsync/remote"
	"docsync/version"
)

// Service implements remote.Service against a *mongo.Client.
type Service struct {
	client *mongo.Client
	logger *zap.Logger
}

// New wraps an already-connected *mongo.Client.
func New(client *mongo.Client, logger *zap.Logger) *Service {
	return &Service{client: client, logger: logger}
}

func (s *Service) collection(ns nsync.Namespace) *mongo.Collection {
	return s.client.Database(ns.Database).Collection(ns.Collection)
}

func (s *Service) InsertOne(ctx context.Context, ns nsync.Namespace, doc bson.M) error {
	_, err := s.collection(ns).InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &remote.DuplicateKeyError{Err: err}
		}
		return fmt.Errorf("remote insert: %w", err)
	}
	return nil
}

func (s *Service) UpdateOne(ctx context.Context, ns nsync.Namespace, filter, update bson.M) (*remote.UpdateResult, error) {
	res, err := s.collection(ns).UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("remote update: %w", err)
	}
	return &remote.UpdateResult{MatchedCount: res.MatchedCount}, nil
}

func (s *Service) ReplaceOne(ctx context.Context, ns nsync.Namespace, filter bson.M, replacement bson.M) (*remote.UpdateResult, error) {
	res, err := s.collection(ns).ReplaceOne(ctx, filter, replacement)
	if err != nil {
		return nil, fmt.Errorf("remote replace: %w", err)
	}
	return &remote.UpdateResult{MatchedCount: res.MatchedCount}, nil
}

func (s *Service) DeleteOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (*remote.DeleteResult, error) {
	res, err := s.collection(ns).DeleteOne(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("remote delete: %w", err)
	}
	return &remote.DeleteResult{DeletedCount: res.DeletedCount}, nil
}

func (s *Service) Find(ctx context.Context, ns nsync.Namespace, filter bson.M) ([]bson.Raw, error) {
	cur, err := s.collection(ns).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("remote find: %w", err)
	}
	defer cur.Close(ctx)

	var out []bson.Raw
	for cur.Next(ctx) {
		raw := make(bson.Raw, len(cur.Current))
		copy(raw, cur.Current)
		out = append(out, raw)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("remote find cursor: %w", err)
	}
	return out, nil
}

func (s *Service) FindOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (bson.Raw, error) {
	var raw bson.Raw
	err := s.collection(ns).FindOne(ctx, filter).Decode(&raw)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("remote find one: %w", err)
	}
	return raw, nil
}

// Watch opens a change stream filtered to ids within ns, the wire request
// body of §6 ({database, collection, ids}).
func (s *Service) Watch(ctx context.Context, ns nsync.Namespace, ids []primitive.ObjectID) (remote.ChangeStream, error) {
	idValues := make(bson.A, len(ids))
	for i, id := range ids {
		idValues[i] = id
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}},
			{Key: "documentKey._id", Value: bson.D{{Key: "$in", Value: idValues}}},
		}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.collection(ns).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("open change stream for %s: %w", ns, err)
	}
	return &changeStream{stream: stream, ns: ns, logger: s.logger}, nil
}

type changeStream struct {
	stream *mongo.ChangeStream
	ns     nsync.Namespace
	logger *zap.Logger
}

func (c *changeStream) NextEvent(ctx context.Context) (*version.ChangeEvent, error) {
	if !c.stream.Next(ctx) {
		if err := c.stream.Err(); err != nil {
			return nil, fmt.Errorf("change stream error: %w", err)
		}
		return nil, ctx.Err()
	}

	var raw rawChangeEvent
	if err := c.stream.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode change stream event: %w", err)
	}

	return raw.toChangeEvent(c.ns), nil
}

func (c *changeStream) Close(ctx context.Context) error {
	return c.stream.Close(ctx)
}

// rawChangeEvent is the raw shape of a MongoDB change stream document
// sufficient to build a version.ChangeEvent.
type rawChangeEvent struct {
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	DocumentKey   struct {
		ID primitive.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument      bson.Raw              `bson:"fullDocument"`
	UpdateDescription *rawUpdateDescription `bson:"updateDescription"`
}

type rawUpdateDescription struct {
	UpdatedFields bson.M   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

func (r *rawChangeEvent) toChangeEvent(ns nsync.Namespace) *version.ChangeEvent {
	op := version.Operation(r.OperationType)

	var ud *version.UpdateDescription
	if r.UpdateDescription != nil {
		ud = &version.UpdateDescription{
			UpdatedFields: map[string]interface{}(r.UpdateDescription.UpdatedFields),
			RemovedFields: r.UpdateDescription.RemovedFields,
		}
	}

	return &version.ChangeEvent{
		ID:                primitive.NewObjectID(),
		Operation:         op,
		Namespace:         ns,
		DocumentID:        r.DocumentKey.ID,
		FullDocument:      r.FullDocument,
		UpdateDescription: ud,
	}
}
