package payout

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 5 * time.Second

// MongoStore persists payout schedules in MongoDB.
type MongoStore struct {
	schedules *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed payout store using the "payout_schedules" collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{schedules: db.Collection("payout_schedules")}
}

type scheduleDoc struct {
	ID                 string    `bson:"_id"`
	OrderID            string    `bson:"order_id"`
	SellerID           string    `bson:"seller_id"`
	TotalAmount        int64     `bson:"total_amount"`
	Currency           string    `bson:"currency"`
	WindowDate         string    `bson:"window_date"`
	Status             string    `bson:"status"`
	ExternalTransferID string    `bson:"external_transfer_id,omitempty"`
	FailureReason      string    `bson:"failure_reason,omitempty"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

func (d *scheduleDoc) toSchedule() *Schedule {
	return &Schedule{
		ID:                 d.ID,
		OrderID:            d.OrderID,
		SellerID:           d.SellerID,
		TotalAmount:        d.TotalAmount,
		Currency:           d.Currency,
		WindowDate:         d.WindowDate,
		Status:             Status(d.Status),
		ExternalTransferID: d.ExternalTransferID,
		FailureReason:      d.FailureReason,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

// EnsureIndexes creates the unique order index and the window listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.schedules.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "window_date", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, sc *Schedule) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.schedules.InsertOne(ctx, &scheduleDoc{
		ID:                 sc.ID,
		OrderID:            sc.OrderID,
		SellerID:           sc.SellerID,
		TotalAmount:        sc.TotalAmount,
		Currency:           sc.Currency,
		WindowDate:         sc.WindowDate,
		Status:             string(sc.Status),
		ExternalTransferID: sc.ExternalTransferID,
		FailureReason:      sc.FailureReason,
		CreatedAt:          sc.CreatedAt,
		UpdatedAt:          sc.UpdatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateSchedule
	}
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetByOrder(ctx context.Context, orderID string) (*Schedule, error) {
	return s.findOne(ctx, bson.M{"order_id": orderID})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc scheduleDoc
	err := s.schedules.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toSchedule(), nil
}

func (s *MongoStore) List(ctx context.Context, f ListFilter) ([]*Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.WindowDate != "" {
		filter["window_date"] = f.WindowDate
	}
	if f.HasTransfer {
		filter["external_transfer_id"] = bson.M{"$exists": true, "$ne": ""}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.schedules.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []scheduleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	result := make([]*Schedule, 0, len(docs))
	for i := range docs {
		result = append(result, docs[i].toSchedule())
	}
	return result, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) (*Schedule, error) {
	set := bson.M{"status": string(to), "updated_at": at}
	if reason != "" {
		set["failure_reason"] = reason
	}
	return s.conditionalUpdate(ctx, id, bson.M{"_id": id, "status": string(from)}, bson.M{"$set": set})
}

func (s *MongoStore) AttachTransfer(ctx context.Context, id, transferID string, at time.Time) (*Schedule, error) {
	filter := bson.M{"_id": id, "status": string(StatusScheduled)}
	update := bson.M{"$set": bson.M{
		"status":               string(StatusProcessing),
		"external_transfer_id": transferID,
		"updated_at":           at,
	}}
	sc, err := s.conditionalUpdate(ctx, id, filter, update)
	if !errors.Is(err, ErrStatusConflict) {
		return sc, err
	}
	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if cur.Status == StatusProcessing && cur.ExternalTransferID == transferID {
		return cur, nil
	}
	return nil, ErrStatusConflict
}

func (s *MongoStore) Reopen(ctx context.Context, id, windowDate string, at time.Time) (*Schedule, error) {
	filter := bson.M{
		"_id":                  id,
		"status":               string(StatusCancelled),
		"external_transfer_id": bson.M{"$in": bson.A{nil, ""}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":      string(StatusScheduled),
			"window_date": windowDate,
			"updated_at":  at,
		},
		"$unset": bson.M{"failure_reason": ""},
	}
	return s.conditionalUpdate(ctx, id, filter, update)
}

func (s *MongoStore) conditionalUpdate(ctx context.Context, id string, filter, update bson.M) (*Schedule, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc scheduleDoc
	err := s.schedules.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toSchedule(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	n, err := s.schedules.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrStatusConflict
	}
	return nil, ErrScheduleNotFound
}

// Compile-time assertion that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
