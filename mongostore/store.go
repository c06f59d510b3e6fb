// Package mongostore implements C3: the statescan.Store interface over
// go.mongodb.org/mongo-driver. It is grounded in the original scanner's
// MongoHelper, one collection per record kind, scoped to a single batch by a
// "batch" field rather than the original's one-collection-per-batch layout —
// collections are cheap but not free, and a field filter plus a compound
// index gives the same isolation without letting an unbounded number of
// batches fragment the database's collection catalog.
package mongostore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
)

// Store implements statescan.Store against a single Mongo database holding
// six batch-scoped collections: endpoints, interactions, states,
// endpoint_clustering, interaction_clustering, experiments.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	batch  string

	endpoints            *mongo.Collection
	interactions         *mongo.Collection
	states               *mongo.Collection
	endpointClustering   *mongo.Collection
	interactionClustering *mongo.Collection
	experiments          *mongo.Collection
}

// Connect dials uri, selects the database named prefix, ensures the
// peer-group indexes exist, and returns a Store scoped to batch.
func Connect(ctx context.Context, uri, prefix, batch string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connecting: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: pinging %v: %w", uri, err)
	}

	db := client.Database(prefix)
	s := &Store{
		client:                client,
		db:                    db,
		batch:                 batch,
		endpoints:             db.Collection("endpoints"),
		interactions:          db.Collection("interactions"),
		states:                db.Collection("states"),
		endpointClustering:    db.Collection("endpoint_clustering"),
		interactionClustering: db.Collection("interaction_clustering"),
		experiments:           db.Collection("experiments"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	log4go.Info("mongostore: connected to %v, database %v, batch %v", uri, prefix, batch)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexModels := map[*mongo.Collection][]mongo.IndexModel{
		s.endpoints: {
			{Keys: bson.D{{Key: "batch", Value: 1}, {Key: "state_id", Value: 1}}},
			{Keys: bson.D{{Key: "batch", Value: 1}, {Key: "host", Value: 1}, {Key: "method", Value: 1},
				{Key: "scheme", Value: 1}, {Key: "path", Value: 1}, {Key: "state_id", Value: 1}}},
		},
		s.interactions: {
			{Keys: bson.D{{Key: "batch", Value: 1}, {Key: "state_id", Value: 1}}},
			{Keys: bson.D{{Key: "batch", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		s.states: {
			{Keys: bson.D{{Key: "batch", Value: 1}, {Key: "current", Value: 1}}},
			{Keys: bson.D{{Key: "batch", Value: 1}, {Key: "previous_state_id", Value: 1}}},
		},
	}
	for coll, models := range indexModels {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: creating indexes on %v: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// DropBatch deletes every document belonging to store's batch across all
// six collections, the Go analog of the original's clear_current_batch.
func DropBatch(ctx context.Context, s *Store) error {
	colls := []*mongo.Collection{s.endpoints, s.interactions, s.states, s.endpointClustering, s.interactionClustering, s.experiments}
	for _, coll := range colls {
		if _, err := coll.DeleteMany(ctx, bson.M{"batch": s.batch}); err != nil {
			return fmt.Errorf("mongostore: dropping batch %v from %v: %w", s.batch, coll.Name(), err)
		}
	}
	return nil
}

// RecordExperiment stores a snapshot of the config a batch ran with,
// alongside the hash padding it used, mirroring add_params/get_hash_padding
// in the original's evaluation-framework bootstrap. Not consulted by any
// core component; it exists purely as an experiment record for later audit.
func (s *Store) RecordExperiment(ctx context.Context, cfg *statescan.Config, hashPadding string) error {
	doc := bson.M{
		"batch":        s.batch,
		"config":       cfg,
		"hash_padding": hashPadding,
	}
	if _, err := s.experiments.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: recording experiment for batch %v: %w", s.batch, err)
	}
	return nil
}

func (s *Store) scope(filter bson.M) bson.M {
	if filter == nil {
		filter = bson.M{}
	}
	filter["batch"] = s.batch
	return filter
}

// newID mints a fresh primary key. IDs are plain strings rather than bson
// ObjectIDs (mongo accepts either for _id) so statescan.ObjectID stays a
// store-agnostic string type usable in the reachable_from cross edges
// without this package's help.
func newID() statescan.ObjectID {
	return statescan.ObjectID(uuid.NewString())
}
