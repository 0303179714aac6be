// Package mongo implements the MongoDB-backed transaction store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/record"
)

type (
	// Store exposes Mongo-backed transaction persistence.
	Store interface {
		health.Pinger
		record.Store

		// Load fetches one persisted transaction by id.
		Load(ctx context.Context, transactionID string) (*record.Transaction, error)
	}

	// Options configures the store.
	Options struct {
		Client       *mongodriver.Client
		Database     string
		Transactions string
		Events       string
		Timeout      time.Duration
	}

	store struct {
		mongo   *mongodriver.Client
		txs     collection
		evs     collection
		timeout time.Duration
	}

	// transactionDocument flattens the transaction for querying while
	// keeping the request/response payloads as opaque JSON.
	transactionDocument struct {
		TransactionID string    `bson:"transaction_id"`
		SessionID     string    `bson:"session_id,omitempty"`
		ClientFormat  string    `bson:"client_format"`
		PolicyClass   string    `bson:"policy_class,omitempty"`
		Model         string    `bson:"model"`
		Streaming     bool      `bson:"streaming"`
		Status        string    `bson:"status"`
		Error         string    `bson:"error,omitempty"`
		StartedAt     time.Time `bson:"started_at"`
		CompletedAt   time.Time `bson:"completed_at,omitempty"`

		OriginalRequest  []byte `bson:"original_request,omitempty"`
		FinalRequest     []byte `bson:"final_request,omitempty"`
		OriginalResponse []byte `bson:"original_response,omitempty"`
		FinalResponse    []byte `bson:"final_response,omitempty"`
	}

	eventDocument struct {
		TransactionID string    `bson:"transaction_id"`
		SessionID     string    `bson:"session_id,omitempty"`
		Type          string    `bson:"type"`
		Payload       []byte    `bson:"payload,omitempty"`
		Timestamp     time.Time `bson:"timestamp"`
	}
)

const (
	defaultTransactions = "transactions"
	defaultEvents       = "transaction_events"
	defaultTimeout      = 5 * time.Second
	storeName           = "record-mongo"
)

// ErrNotFound is returned by Load when no record exists for the id.
var ErrNotFound = errors.New("transaction not found")

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	txName := opts.Transactions
	if txName == "" {
		txName = defaultTransactions
	}
	evName := opts.Events
	if evName == "" {
		evName = defaultEvents
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	txs := mongoCollection{coll: db.Collection(txName)}
	evs := mongoCollection{coll: db.Collection(evName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, txs, evs); err != nil {
		return nil, err
	}
	return &store{mongo: opts.Client, txs: txs, evs: evs, timeout: timeout}, nil
}

func (s *store) Name() string {
	return storeName
}

func (s *store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// RecordTransaction upserts on transaction_id so repeated writes for the
// same transaction converge on one document.
func (s *store) RecordTransaction(ctx context.Context, tx *record.Transaction) error {
	if tx == nil || tx.TransactionID == "" {
		return errors.New("transaction id is required")
	}
	doc, err := encodeTransaction(tx)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.txs.ReplaceOne(ctx,
		bson.M{"transaction_id": tx.TransactionID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *store) RecordEvent(ctx context.Context, ev events.Event) error {
	if ev.TransactionID == "" {
		return errors.New("transaction id is required")
	}
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return err
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.evs.InsertOne(ctx, eventDocument{
		TransactionID: ev.TransactionID,
		SessionID:     ev.SessionID,
		Type:          ev.Type,
		Payload:       payload,
		Timestamp:     ev.Timestamp.UTC(),
	})
	return err
}

func (s *store) Load(ctx context.Context, transactionID string) (*record.Transaction, error) {
	if transactionID == "" {
		return nil, errors.New("transaction id is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc transactionDocument
	if err := s.txs.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeTransaction(&doc)
}

func (s *store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func encodeTransaction(tx *record.Transaction) (*transactionDocument, error) {
	doc := transactionDocument{
		TransactionID: tx.TransactionID,
		SessionID:     tx.SessionID,
		ClientFormat:  tx.ClientFormat,
		PolicyClass:   tx.PolicyClass,
		Model:         tx.Model,
		Streaming:     tx.Streaming,
		Status:        tx.Status,
		Error:         tx.Error,
		StartedAt:     tx.StartedAt.UTC(),
	}
	if !tx.CompletedAt.IsZero() {
		doc.CompletedAt = tx.CompletedAt.UTC()
	}
	var err error
	if doc.OriginalRequest, err = marshalOptional(tx.OriginalRequest); err != nil {
		return nil, fmt.Errorf("original request: %w", err)
	}
	if doc.FinalRequest, err = marshalOptional(tx.FinalRequest); err != nil {
		return nil, fmt.Errorf("final request: %w", err)
	}
	if doc.OriginalResponse, err = marshalOptional(tx.OriginalResponse); err != nil {
		return nil, fmt.Errorf("original response: %w", err)
	}
	if doc.FinalResponse, err = marshalOptional(tx.FinalResponse); err != nil {
		return nil, fmt.Errorf("final response: %w", err)
	}
	return &doc, nil
}

func decodeTransaction(doc *transactionDocument) (*record.Transaction, error) {
	tx := record.Transaction{
		TransactionID: doc.TransactionID,
		SessionID:     doc.SessionID,
		ClientFormat:  doc.ClientFormat,
		PolicyClass:   doc.PolicyClass,
		Model:         doc.Model,
		Streaming:     doc.Streaming,
		Status:        doc.Status,
		Error:         doc.Error,
		StartedAt:     doc.StartedAt,
		CompletedAt:   doc.CompletedAt,
	}
	if err := unmarshalOptional(doc.OriginalRequest, &tx.OriginalRequest); err != nil {
		return nil, fmt.Errorf("original request: %w", err)
	}
	if err := unmarshalOptional(doc.FinalRequest, &tx.FinalRequest); err != nil {
		return nil, fmt.Errorf("final request: %w", err)
	}
	if err := unmarshalOptional(doc.OriginalResponse, &tx.OriginalResponse); err != nil {
		return nil, fmt.Errorf("original response: %w", err)
	}
	if err := unmarshalOptional(doc.FinalResponse, &tx.FinalResponse); err != nil {
		return nil, fmt.Errorf("final response: %w", err)
	}
	return &tx, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](data []byte, out **T) error {
	if len(data) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*out = &v
	return nil
}

func ensureIndexes(ctx context.Context, txs, evs collection) error {
	unique := true
	_, err := txs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "transaction_id", Value: 1}},
		Options: &options.IndexOptions{Unique: &unique},
	})
	if err != nil {
		return err
	}
	_, err = evs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "transaction_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	return err
}
