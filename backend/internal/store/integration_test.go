package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 对真实后端跑同一组 CAS 用例；没有可用实例时跳过
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()
	ws := seed(id, 0)
	ws.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	defer s.DeleteWorkspace(ctx, id)

	next := ws.Clone()
	next.Version = 1
	next.Name = "v1"
	require.NoError(t, s.ReplaceWorkspace(ctx, next, 0))
	assert.ErrorIs(t, s.ReplaceWorkspace(ctx, next, 0), ErrVersionConflict)

	got, err := s.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "v1", got.Name)

	doc, err := s.SaveCRDT(ctx, id, []byte("state-1"))
	require.NoError(t, err)
	doc2, err := s.SaveCRDT(ctx, id, []byte("state-2"))
	require.NoError(t, err)
	assert.Equal(t, doc.Version+1, doc2.Version)

	loaded, err := s.LoadCRDT(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-2"), loaded.DocState)
}

func TestMongo_Integration(t *testing.T) {
	uri := os.Getenv("SYNC_TEST_MONGO_URI")
	if uri == "" {
		uri = "mongodb://127.0.0.1:27017/?serverSelectionTimeoutMS=500"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := NewMongo(ctx, MongoOptions{URI: uri, Database: "sync_test"})
	if err != nil {
		t.Skipf("skip: mongo not available: %v", err)
	}
	defer m.Close(context.Background())
	exerciseStore(t, m)
}

func TestMySQL_Integration(t *testing.T) {
	dsn := os.Getenv("SYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skipf("skip: SYNC_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	s := NewMySQL(db)
	defer s.Close(context.Background())
	exerciseStore(t, s)
}
