// Package mongo provides a MongoDB implementation of the session store.
//
// Conditional updates are expressed as filtered UpdateOne calls so the
// read-filter-then-write step is atomic on the server: a claim race loses by
// matching zero documents, never by clobbering a newer writer.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"

	"github.com/omicronlabs/browserbroker/broker/store"
)

const pingerName = "session-mongo"

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// sessionDocument is the MongoDB document representation of a SessionRecord.
type sessionDocument struct {
	ID              string    `bson:"_id"`
	UserID          string    `bson:"user_id"`
	SessionID       string    `bson:"session_id"`
	Status          string    `bson:"status"`
	ClaimID         string    `bson:"claim_id"`
	Namespace       string    `bson:"namespace"`
	PodName         string    `bson:"pod_name"`
	ServiceName     string    `bson:"service_name"`
	MCPURL          string    `bson:"mcp_url"`
	ArtifactsPrefix string    `bson:"artifacts_prefix,omitempty"`
	ExpiresAt       time.Time `bson:"expires_at"`
	LastUsedAt      time.Time `bson:"last_used_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

// New creates a MongoDB store using the provided collection and ensures the
// unique (user_id, session_id) index exists.
func New(ctx context.Context, client *mongo.Client, collection *mongo.Collection) (*Store, error) {
	if collection == nil {
		return nil, errors.New("collection is required")
	}
	index := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "session_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := collection.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("mongodb ensure session index: %w", err)
	}
	expiryIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "expires_at", Value: 1},
		},
	}
	if _, err := collection.Indexes().CreateOne(ctx, expiryIndex); err != nil {
		return nil, fmt.Errorf("mongodb ensure expiry index: %w", err)
	}
	return &Store{client: client, collection: collection}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return pingerName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Get retrieves the row for (user, session).
func (s *Store) Get(ctx context.Context, userID, sessionID string) (store.SessionRecord, error) {
	var doc sessionDocument
	err := s.collection.FindOne(ctx, bson.M{"user_id": userID, "session_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("mongodb get session %q: %w", sessionID, err)
	}
	return doc.toRecord()
}

// GetBySession retrieves the row for a logical session id regardless of owner.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	var doc sessionDocument
	err := s.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("mongodb get session %q: %w", sessionID, err)
	}
	return doc.toRecord()
}

// Insert creates the row, mapping a duplicate-key error to ErrConflict.
func (s *Store) Insert(ctx context.Context, rec store.SessionRecord) error {
	doc := fromRecord(rec)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.UpdatedAt = time.Now().UTC()
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("mongodb insert session %q: %w", rec.SessionID, err)
	}
	return nil
}

// Update applies patch iff the row still matches filter at write time.
func (s *Store) Update(ctx context.Context, userID, sessionID string, filter store.Filter, patch store.Patch) (bool, error) {
	match := bson.M{"user_id": userID, "session_id": sessionID}
	for k, v := range filterDocument(filter) {
		match[k] = v
	}
	set := patchDocument(patch)
	set["updated_at"] = time.Now().UTC()
	res, err := s.collection.UpdateOne(ctx, match, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongodb update session %q: %w", sessionID, err)
	}
	return res.MatchedCount > 0, nil
}

// UpdateBySession is Update keyed by session id alone.
func (s *Store) UpdateBySession(ctx context.Context, sessionID string, filter store.Filter, patch store.Patch) (bool, error) {
	match := bson.M{"session_id": sessionID}
	for k, v := range filterDocument(filter) {
		match[k] = v
	}
	set := patchDocument(patch)
	set["updated_at"] = time.Now().UTC()
	res, err := s.collection.UpdateOne(ctx, match, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongodb update session %q: %w", sessionID, err)
	}
	return res.MatchedCount > 0, nil
}

// ListExpired returns up to limit expired starting/ready rows.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]store.SessionRecord, error) {
	filter := bson.M{
		"expires_at": bson.M{"$lt": now.UTC()},
		"status":     bson.M{"$in": []string{string(store.StatusStarting), string(store.StatusReady)}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list expired sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []store.SessionRecord
	for cursor.Next(ctx) {
		var doc sessionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongodb decode session: %w", err)
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongodb list expired sessions: %w", err)
	}
	return out, nil
}

func filterDocument(f store.Filter) bson.M {
	out := bson.M{}
	if len(f.Any) > 0 {
		subs := make([]bson.M, 0, len(f.Any))
		for _, sub := range f.Any {
			subs = append(subs, filterDocument(sub))
		}
		out["$or"] = subs
		return out
	}
	if f.ClaimID != nil {
		out["claim_id"] = *f.ClaimID
	}
	if len(f.StatusIn) > 0 {
		statuses := make([]string, len(f.StatusIn))
		for i, st := range f.StatusIn {
			statuses[i] = string(st)
		}
		out["status"] = bson.M{"$in": statuses}
	}
	if f.ExpiresBefore != nil {
		out["expires_at"] = bson.M{"$lt": f.ExpiresBefore.UTC()}
	}
	if f.StartingUpdatedBefore != nil {
		out["updated_at"] = bson.M{"$lt": f.StartingUpdatedBefore.UTC()}
		// The staleness cutoff only applies to starting rows. When StatusIn
		// already claimed the status key, intersect instead of overwriting.
		if _, taken := out["status"]; taken {
			out["$and"] = []bson.M{{"status": string(store.StatusStarting)}}
		} else {
			out["status"] = string(store.StatusStarting)
		}
	}
	return out
}

func patchDocument(p store.Patch) bson.M {
	set := bson.M{}
	if p.Status != nil {
		set["status"] = string(*p.Status)
	}
	if p.ClaimID != nil {
		set["claim_id"] = *p.ClaimID
	}
	if p.Namespace != nil {
		set["namespace"] = *p.Namespace
	}
	if p.PodName != nil {
		set["pod_name"] = *p.PodName
	}
	if p.ServiceName != nil {
		set["service_name"] = *p.ServiceName
	}
	if p.MCPURL != nil {
		set["mcp_url"] = *p.MCPURL
	}
	if p.ArtifactsPrefix != nil {
		set["artifacts_prefix"] = *p.ArtifactsPrefix
	}
	if p.ExpiresAt != nil {
		set["expires_at"] = p.ExpiresAt.UTC()
	}
	if p.LastUsedAt != nil {
		set["last_used_at"] = p.LastUsedAt.UTC()
	}
	return set
}

func fromRecord(rec store.SessionRecord) sessionDocument {
	return sessionDocument{
		ID:              rec.ID,
		UserID:          rec.UserID,
		SessionID:       rec.SessionID,
		Status:          string(rec.Status),
		ClaimID:         rec.ClaimID,
		Namespace:       rec.Namespace,
		PodName:         rec.PodName,
		ServiceName:     rec.ServiceName,
		MCPURL:          rec.MCPURL,
		ArtifactsPrefix: rec.ArtifactsPrefix,
		ExpiresAt:       rec.ExpiresAt.UTC(),
		LastUsedAt:      rec.LastUsedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}
}

func (doc sessionDocument) toRecord() (store.SessionRecord, error) {
	status, err := store.ParseStatus(doc.Status)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("mongodb session %q: %w", doc.SessionID, err)
	}
	return store.SessionRecord{
		ID:              doc.ID,
		UserID:          doc.UserID,
		SessionID:       doc.SessionID,
		Status:          status,
		ClaimID:         doc.ClaimID,
		Namespace:       doc.Namespace,
		PodName:         doc.PodName,
		ServiceName:     doc.ServiceName,
		MCPURL:          doc.MCPURL,
		ArtifactsPrefix: doc.ArtifactsPrefix,
		ExpiresAt:       doc.ExpiresAt.UTC(),
		LastUsedAt:      doc.LastUsedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}, nil
}
