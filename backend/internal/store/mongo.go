package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"syncServer/backend/internal/workspace"
)

type MongoOptions struct {
	URI                 string
	Database            string
	WorkspaceCollection string
	StateCollection     string
}

// Mongo 工作区记录存放在 workspaces（_id 为字符串），CRDT 状态存放在 workspacestates。
// 同时实现 ChangeSource：监听 workspaces 集合的变更流。
type Mongo struct {
	client     *mongo.Client
	workspaces *mongo.Collection
	states     *mongo.Collection

	mu          sync.Mutex
	resumeToken bson.Raw
}

type stateDocument struct {
	WorkspaceID  string    `bson:"workspaceId"`
	DocState     []byte    `bson:"docState"`
	Version      int64     `bson:"version"`
	LastModified time.Time `bson:"lastModified"`
}

func NewMongo(ctx context.Context, opt MongoOptions) (*Mongo, error) {
	if opt.WorkspaceCollection == "" {
		opt.WorkspaceCollection = "workspaces"
	}
	if opt.StateCollection == "" {
		opt.StateCollection = "workspacestates"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(opt.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(opt.Database)
	m := &Mongo{
		client:     client,
		workspaces: db.Collection(opt.WorkspaceCollection),
		states:     db.Collection(opt.StateCollection),
	}
	_, err = m.states.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workspaceId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure workspacestates index: %w", err)
	}
	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	var ws workspace.Workspace
	err := m.workspaces.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&ws)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find workspace %s: %w", id, err)
	}
	ws.Normalize()
	return &ws, nil
}

func (m *Mongo) CreateWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	doc := ws.Clone()
	_, err := m.workspaces.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert workspace %s: %w", ws.ID, err)
	}
	return nil
}

// versionFilter 历史数据可能没有 version 字段，按 0 处理
func versionFilter(id string, expected int64) bson.D {
	if expected == 0 {
		return bson.D{
			{Key: "_id", Value: id},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "version", Value: 0}},
				bson.D{{Key: "version", Value: bson.D{{Key: "$exists", Value: false}}}},
			}},
		}
	}
	return bson.D{{Key: "_id", Value: id}, {Key: "version", Value: expected}}
}

func (m *Mongo) ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace, expectedVersion int64) error {
	res, err := m.workspaces.ReplaceOne(ctx, versionFilter(ws.ID, expectedVersion), ws.Clone())
	if err != nil {
		return fmt.Errorf("replace workspace %s: %w", ws.ID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := m.workspaces.CountDocuments(ctx, bson.D{{Key: "_id", Value: ws.ID}})
	if err != nil {
		return fmt.Errorf("count workspace %s: %w", ws.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrNotFound)
	}
	return fmt.Errorf("workspace %s expected version %d: %w", ws.ID, expectedVersion, ErrVersionConflict)
}

func (m *Mongo) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := m.workspaces.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete workspace %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) LoadCRDT(ctx context.Context, workspaceID string) (*CRDTDocument, error) {
	var sd stateDocument
	err := m.states.FindOne(ctx, bson.D{{Key: "workspaceId", Value: workspaceID}}).Decode(&sd)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("crdt state %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find crdt state %s: %w", workspaceID, err)
	}
	return sd.toCRDT()
}

func (m *Mongo) SaveCRDT(ctx context.Context, workspaceID string, state []byte) (*CRDTDocument, error) {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "docState", Value: encodeBlob(state)},
			{Key: "lastModified", Value: time.Now()},
		}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var sd stateDocument
	err := m.states.FindOneAndUpdate(ctx, bson.D{{Key: "workspaceId", Value: workspaceID}}, update, opts).Decode(&sd)
	if err != nil {
		return nil, fmt.Errorf("save crdt state %s: %w", workspaceID, err)
	}
	return sd.toCRDT()
}

func (sd *stateDocument) toCRDT() (*CRDTDocument, error) {
	state, err := decodeBlob(sd.DocState)
	if err != nil {
		return nil, fmt.Errorf("crdt state %s: %w", sd.WorkspaceID, err)
	}
	return &CRDTDocument{
		WorkspaceID:  sd.WorkspaceID,
		DocState:     state,
		Version:      sd.Version,
		LastModified: sd.LastModified,
	}, nil
}

type changeStreamEvent struct {
	OperationType string   `bson:"operationType"`
	DocumentKey   bson.M   `bson:"documentKey"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

// Watch 监听 workspaces 集合。优先从上次的 resume token 续接，
// token 被拒绝（例如 oplog 已滚动）时退回到新的流。
func (m *Mongo) Watch(ctx context.Context, fn func(ChangeEvent)) error {
	m.mu.Lock()
	token := m.resumeToken
	m.mu.Unlock()

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if token != nil {
		opts.SetResumeAfter(token)
	}
	stream, err := m.workspaces.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil && token != nil {
		log.Printf("change stream resume rejected, starting fresh: %v", err)
		m.setResumeToken(nil)
		stream, err = m.workspaces.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	}
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer stream.Close(context.Background())
	fn(ChangeEvent{Kind: ChangeReady})

	for stream.Next(ctx) {
		var raw changeStreamEvent
		if err := stream.Decode(&raw); err != nil {
			log.Printf("decode change event error: %v", err)
			continue
		}
		if raw.OperationType == "invalidate" {
			m.setResumeToken(nil)
			return errors.New("change stream invalidated")
		}
		if evt, ok := raw.toChangeEvent(); ok {
			fn(evt)
		}
		m.setResumeToken(stream.ResumeToken())
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("change stream: %w", err)
	}
	return ctx.Err()
}

func (m *Mongo) setResumeToken(tok bson.Raw) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok == nil {
		m.resumeToken = nil
		return
	}
	m.resumeToken = append(bson.Raw(nil), tok...)
}

func (e *changeStreamEvent) toChangeEvent() (ChangeEvent, bool) {
	var id string
	switch v := e.DocumentKey["_id"].(type) {
	case string:
		id = v
	case bson.ObjectID:
		id = v.Hex()
	default:
		return ChangeEvent{}, false
	}
	switch e.OperationType {
	case "delete":
		return ChangeEvent{WorkspaceID: id, Kind: ChangeDeleted}, true
	case "insert", "update", "replace":
		evt := ChangeEvent{WorkspaceID: id, Kind: ChangeFull}
		if len(e.FullDocument) > 0 {
			var ws workspace.Workspace
			// 外部写入的文档形状不对时不带文档，由消费方回源
			if err := bson.Unmarshal(e.FullDocument, &ws); err == nil {
				ws.Normalize()
				evt.Document = &ws
			}
		}
		return evt, true
	}
	return ChangeEvent{}, false
}
