package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTest connects to a throwaway database and returns it with a cleanup
// function that drops the database.
//
//	db, cleanup := testutil.MongoTest(t)
//	defer cleanup()
//
// MONGO_URI is used when set. Otherwise a mongo container is started with
// testcontainers; if Docker is unavailable the test is skipped. Each call
// gets its own database so tests never see each other's documents.
func MongoTest(t *testing.T) (*mongo.Database, func()) {
	t.Helper()
	ctx := context.Background()

	uri, terminate := mongoURI(ctx, t)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		terminate()
		t.Fatalf("mongotest: connect: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		terminate()
		t.Fatalf("mongotest: ping: %v", err)
	}

	db := client.Database("keymarket_test_" + randomSuffix(t))
	cleanup := func() {
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
		terminate()
	}
	return db, cleanup
}

func mongoURI(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()
	if u := os.Getenv("MONGO_URI"); u != "" {
		return u, func() {}
	}

	ctr, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("MONGO_URI not set and mongo container unavailable: %v", err)
	}
	u, err := ctr.ConnectionString(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("mongotest: container connection string: %v", err)
	}
	return u, func() { _ = testcontainers.TerminateContainer(ctr) }
}

func randomSuffix(t *testing.T) string {
	t.Helper()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("mongotest: random suffix: %v", err)
	}
	return hex.EncodeToString(b)
}
