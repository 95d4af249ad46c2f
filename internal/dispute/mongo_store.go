package dispute

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 5 * time.Second

// MongoStore persists disputes in MongoDB. A unique index on order_id
// enforces one dispute per order.
type MongoStore struct {
	disputes *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed dispute store using the "disputes" collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{disputes: db.Collection("disputes")}
}

type disputeDoc struct {
	ID                string            `bson:"_id"`
	ExternalID        string            `bson:"external_id"`
	ProviderDisputeID string            `bson:"provider_dispute_id,omitempty"`
	OrderID           string            `bson:"order_id"`
	OrderExternalID   string            `bson:"order_external_id,omitempty"`
	BuyerID           string            `bson:"buyer_id"`
	SellerID          string            `bson:"seller_id"`
	Amount            int64             `bson:"amount"`
	Currency          string            `bson:"currency"`
	Reason            string            `bson:"reason"`
	Metadata          map[string]string `bson:"metadata,omitempty"`
	Status            string            `bson:"status"`
	ResolutionNote    string            `bson:"resolution_note,omitempty"`
	ResolvedAt        *time.Time        `bson:"resolved_at,omitempty"`
	CreatedAt         time.Time         `bson:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at"`
}

func toDoc(d *Dispute) *disputeDoc {
	return &disputeDoc{
		ID:                d.ID,
		ExternalID:        d.ExternalID,
		ProviderDisputeID: d.ProviderDisputeID,
		OrderID:           d.OrderID,
		OrderExternalID:   d.OrderExternalID,
		BuyerID:           d.BuyerID,
		SellerID:          d.SellerID,
		Amount:            d.Amount,
		Currency:          d.Currency,
		Reason:            d.Reason,
		Metadata:          d.Metadata,
		Status:            string(d.Status),
		ResolutionNote:    d.ResolutionNote,
		ResolvedAt:        d.ResolvedAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func (doc *disputeDoc) toDispute() *Dispute {
	return &Dispute{
		ID:                doc.ID,
		ExternalID:        doc.ExternalID,
		ProviderDisputeID: doc.ProviderDisputeID,
		OrderID:           doc.OrderID,
		OrderExternalID:   doc.OrderExternalID,
		BuyerID:           doc.BuyerID,
		SellerID:          doc.SellerID,
		Amount:            doc.Amount,
		Currency:          doc.Currency,
		Reason:            doc.Reason,
		Metadata:          doc.Metadata,
		Status:            Status(doc.Status),
		ResolutionNote:    doc.ResolutionNote,
		ResolvedAt:        doc.ResolvedAt,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
}

// EnsureIndexes creates the unique order index and the status listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.disputes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "external_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, d *Dispute) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.disputes.InsertOne(ctx, toDoc(d))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateDispute
	}
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.findOne(ctx, bson.M{"order_id": orderID})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*Dispute, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc disputeDoc
	err := s.disputes.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toDispute(), nil
}

func (s *MongoStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.disputes.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []disputeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	result := make([]*Dispute, 0, len(docs))
	for i := range docs {
		result = append(result, docs[i].toDispute())
	}
	return result, nil
}

func (s *MongoStore) Resolve(ctx context.Context, id string, status Status, note string, at time.Time) (*Dispute, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":          string(status),
		"resolution_note": note,
		"resolved_at":     at,
		"updated_at":      at,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc disputeDoc
	err := s.disputes.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": string(StatusOpen)}, update, opts).Decode(&doc)
	if err == nil {
		return doc.toDispute(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	n, err := s.disputes.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrAlreadyResolved
	}
	return nil, ErrDisputeNotFound
}

// Compile-time assertion that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
