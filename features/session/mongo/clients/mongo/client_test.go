package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func TestMain(m *testing.M) {
	setupMongoDB()
	code := m.Run()
	teardownMongoDB()
	os.Exit(code)
}

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
	}
}

func teardownMongoDB() {
	ctx := context.Background()
	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
}

func newTestClient(t *testing.T) Client {
	t.Helper()
	if skipMongoTests {
		t.Skip("docker not available")
	}
	client, err := New(Options{
		Client:     testMongoClient,
		Database:   fmt.Sprintf("fabric_test_%d", time.Now().UnixNano()),
		Collection: "sessions",
	})
	require.NoError(t, err)
	return client
}

func testKey() acf.SessionKey {
	return acf.SessionKey{Tenant: "t1", Agent: "a1", Interlocutor: "i1", Channel: "web"}
}

func TestGetMissing(t *testing.T) {
	client := newTestClient(t)
	_, err := client.Get(context.Background(), testKey())
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestCreateAndGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, session.State{
		Key:       testKey(),
		Status:    session.StatusActive,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Variables: map[string]string{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := client.Get(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Equal(t, "ada", got.Variables["name"])

	_, err = client.Create(ctx, session.State{Key: testKey()})
	require.ErrorIs(t, err, session.ErrAlreadyExists)
}

func TestPutCAS(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, session.State{Key: testKey(), Status: session.StatusActive})
	require.NoError(t, err)

	created.TurnCount = 1
	updated, err := client.Put(ctx, created, created.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// The stale writer loses.
	_, err = client.Put(ctx, created, created.Version)
	require.ErrorIs(t, err, session.ErrVersionConflict)

	// A missing session is reported as such, not as a conflict.
	missing := session.State{Key: acf.SessionKey{Tenant: "t1", Agent: "a1", Interlocutor: "other", Channel: "web"}}
	_, err = client.Put(ctx, missing, 1)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Create(ctx, session.State{Key: testKey(), Status: session.StatusActive})
	require.NoError(t, err)
	require.NoError(t, client.Delete(ctx, testKey()))
	_, err = client.Get(ctx, testKey())
	require.ErrorIs(t, err, session.ErrNotFound)
}
