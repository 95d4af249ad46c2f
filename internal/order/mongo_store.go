package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 5 * time.Second

// MongoStore persists orders as documents in MongoDB.
type MongoStore struct {
	orders *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed order store using the "orders" collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{orders: db.Collection("orders")}
}

type orderDoc struct {
	ID               string               `bson:"_id"`
	ExternalID       string               `bson:"external_id"`
	TotalAmount      primitive.Decimal128 `bson:"total_amount"`
	Currency         string               `bson:"currency"`
	BuyerID          string               `bson:"buyer_id"`
	SellerID         string               `bson:"seller_id"`
	Status           string               `bson:"status"`
	DeliveryStatus   string               `bson:"delivery_status"`
	DeliveredAt      *time.Time           `bson:"delivered_at,omitempty"`
	Eligibility      string               `bson:"eligibility_status"`
	EligibleAt       *time.Time           `bson:"eligible_at,omitempty"`
	EscrowReleasedAt *time.Time           `bson:"escrow_released_at,omitempty"`
	IsDisputed       bool                 `bson:"is_disputed"`
	CreatedAt        time.Time            `bson:"created_at"`
	UpdatedAt        time.Time            `bson:"updated_at"`
}

func toDoc(o *Order) (*orderDoc, error) {
	amount, err := primitive.ParseDecimal128(o.TotalAmount.String())
	if err != nil {
		return nil, fmt.Errorf("encode total amount: %w", err)
	}
	return &orderDoc{
		ID:               o.ID,
		ExternalID:       o.ExternalID,
		TotalAmount:      amount,
		Currency:         o.Currency,
		BuyerID:          o.BuyerID,
		SellerID:         o.SellerID,
		Status:           string(o.Status),
		DeliveryStatus:   string(o.DeliveryStatus),
		DeliveredAt:      o.DeliveredAt,
		Eligibility:      string(o.Eligibility),
		EligibleAt:       o.EligibleAt,
		EscrowReleasedAt: o.EscrowReleasedAt,
		IsDisputed:       o.IsDisputed,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}, nil
}

func (d *orderDoc) toOrder() (*Order, error) {
	amount, err := decimal.NewFromString(d.TotalAmount.String())
	if err != nil {
		return nil, fmt.Errorf("decode total amount: %w", err)
	}
	e, err := ParseEligibility(d.Eligibility)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:               d.ID,
		ExternalID:       d.ExternalID,
		TotalAmount:      amount,
		Currency:         d.Currency,
		BuyerID:          d.BuyerID,
		SellerID:         d.SellerID,
		Status:           Status(d.Status),
		DeliveryStatus:   DeliveryStatus(d.DeliveryStatus),
		DeliveredAt:      d.DeliveredAt,
		Eligibility:      e,
		EligibleAt:       d.EligibleAt,
		EscrowReleasedAt: d.EscrowReleasedAt,
		IsDisputed:       d.IsDisputed,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}, nil
}

// EnsureIndexes creates the indexes backing the maturity and scheduling scans.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "eligibility_status", Value: 1},
			{Key: "status", Value: 1},
			{Key: "delivery_status", Value: 1},
			{Key: "delivered_at", Value: 1},
		}},
		{Keys: bson.D{{Key: "eligibility_status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "external_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, o *Order) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	doc, err := toDoc(o)
	if err != nil {
		return err
	}
	_, err = s.orders.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc orderDoc
	err := s.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toOrder()
}

func (s *MongoStore) ListMaturityCandidates(ctx context.Context, q CandidateQuery) ([]*Order, error) {
	delivered := bson.M{"$exists": true, "$ne": nil}
	if !q.DeliveredBy.IsZero() {
		delivered["$lte"] = q.DeliveredBy
	}
	filter := bson.M{
		"eligibility_status": string(EligibilityPendingMaturity),
		"status":             string(StatusCompleted),
		"delivery_status":    string(DeliveryDelivered),
		"delivered_at":       delivered,
		"is_disputed":        bson.M{"$ne": true},
	}
	if q.AfterID != "" {
		filter["$or"] = bson.A{
			bson.M{"delivered_at": bson.M{"$gt": q.AfterDelivered}},
			bson.M{"delivered_at": q.AfterDelivered, "_id": bson.M{"$gt": q.AfterID}},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "delivered_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.find(ctx, filter, opts, q.Limit)
}

func (s *MongoStore) ListByEligibility(ctx context.Context, e Eligibility, limit int) ([]*Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return s.find(ctx, bson.M{"eligibility_status": string(e)}, opts, limit)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions, limit int) ([]*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.orders.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	result := make([]*Order, 0, len(docs))
	for i := range docs {
		o, err := docs[i].toOrder()
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

func (s *MongoStore) CompareAndAdvance(ctx context.Context, o *Order, from Eligibility) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	filter := bson.M{
		"_id":                o.ID,
		"eligibility_status": string(from),
		"is_disputed":        bson.M{"$ne": true},
	}
	update := bson.M{"$set": bson.M{
		"eligibility_status": string(o.Eligibility),
		"eligible_at":        o.EligibleAt,
		"escrow_released_at": o.EscrowReleasedAt,
		"updated_at":         o.UpdatedAt,
	}}
	res, err := s.orders.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.orders.CountDocuments(ctx, bson.M{"_id": o.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return ErrTransitionConflict
}

// SetDisputed is a single findOneAndUpdate so no scan can observe the order
// between the freeze and the snapshot handed back to the caller.
func (s *MongoStore) SetDisputed(ctx context.Context, id string, disputed bool) (*Order, error) {
	update := bson.M{"$set": bson.M{"is_disputed": disputed, "updated_at": time.Now().UTC()}}
	return s.findOneAndUpdate(ctx, id, update)
}

func (s *MongoStore) ForceEligibility(ctx context.Context, id string, to Eligibility, at time.Time) (*Order, error) {
	update := bson.M{"$set": bson.M{"eligibility_status": string(to), "updated_at": at}}
	return s.findOneAndUpdate(ctx, id, update)
}

func (s *MongoStore) findOneAndUpdate(ctx context.Context, id string, update bson.M) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc orderDoc
	err := s.orders.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toOrder()
}

// Compile-time assertion that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
