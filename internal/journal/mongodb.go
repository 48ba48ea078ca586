package journal

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores entries in a MongoDB collection keyed by payment id.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoEntry struct {
	PaymentID       string    `bson:"_id"`
	UserID          int64     `bson:"userId"`
	Method          string    `bson:"method"`
	Amount          int64     `bson:"amount"`
	Currency        string    `bson:"currency"`
	BalanceAfter    int64     `bson:"balanceAfter"`
	ConfirmationRef string    `bson:"confirmationRef"`
	Recovered       bool      `bson:"recovered"`
	ConfirmedAt     time.Time `bson:"confirmedAt"`
}

// NewMongo connects, pings and ensures the indexes.
func NewMongo(connectionString, database, collection string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "confirmedAt", Value: -1}}},
		{Keys: bson.D{{Key: "confirmationRef", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &Mongo{client: client, collection: coll}, nil
}

// Record inserts the entry. A second record for the same payment is ignored.
func (m *Mongo) Record(ctx context.Context, e Entry) error {
	if e.PaymentID == "" {
		return fmt.Errorf("journal entry requires payment id")
	}
	_, err := m.collection.InsertOne(ctx, toMongo(e))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (m *Mongo) ListByUser(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "confirmedAt", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := m.collection.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find journal entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Entry
	for cursor.Next(ctx) {
		var me mongoEntry
		if err := cursor.Decode(&me); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		out = append(out, fromMongo(me))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return out, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func toMongo(e Entry) mongoEntry {
	return mongoEntry{
		PaymentID:       e.PaymentID,
		UserID:          e.UserID,
		Method:          e.Method,
		Amount:          e.Amount,
		Currency:        e.Currency,
		BalanceAfter:    e.BalanceAfter,
		ConfirmationRef: e.ConfirmationRef,
		Recovered:       e.Recovered,
		ConfirmedAt:     e.ConfirmedAt.UTC(),
	}
}

func fromMongo(me mongoEntry) Entry {
	return Entry{
		PaymentID:       me.PaymentID,
		UserID:          me.UserID,
		Method:          me.Method,
		Amount:          me.Amount,
		Currency:        me.Currency,
		BalanceAfter:    me.BalanceAfter,
		ConfirmationRef: me.ConfirmationRef,
		Recovered:       me.Recovered,
		ConfirmedAt:     me.ConfirmedAt,
	}
}
