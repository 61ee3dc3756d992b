package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"syncServer/backend/internal/workspace"
)

type workspaceRow struct {
	ID            string    `gorm:"primaryKey;size:64"`
	Name          string    `gorm:"size:255;not null"`
	OwnerID       string    `gorm:"size:128;index"`
	Private       bool      `gorm:"not null;default:false"`
	Members       []byte    `gorm:"type:json"`
	SharedSchemas []byte    `gorm:"type:json"`
	Version       int64     `gorm:"not null;default:0"`
	IsActive      bool      `gorm:"not null;default:true"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (workspaceRow) TableName() string { return "workspaces" }

type stateRow struct {
	WorkspaceID  string    `gorm:"primaryKey;size:64"`
	DocState     []byte    `gorm:"type:longblob"`
	Version      int64     `gorm:"not null;default:0"`
	LastModified time.Time `gorm:"not null"`
}

func (stateRow) TableName() string { return "workspace_states" }

// MySQL 基于 gorm 的存储实现；变更通知由 CDC（Kafka）提供，见 changefeed.KafkaSource
type MySQL struct {
	db *gorm.DB
}

// InitMySQL 打开连接并建表。
// 强制 clientFoundRows：条件更新按"匹配行数"而不是"变更行数"计数，CAS 判定依赖这一点。
func InitMySQL(dsn string) (*gorm.DB, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = true
	db, err := gorm.Open(mysql.Open(cfg.FormatDSN()), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&workspaceRow{}, &stateRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func NewMySQL(db *gorm.DB) *MySQL {
	return &MySQL{db: db}
}

func (s *MySQL) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicateKey(err error) bool {
	var mysqlErr *gomysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func toRow(ws *workspace.Workspace) (*workspaceRow, error) {
	c := ws.Clone()
	members, err := json.Marshal(c.Members)
	if err != nil {
		return nil, err
	}
	schemas, err := json.Marshal(c.SharedSchemas)
	if err != nil {
		return nil, err
	}
	return &workspaceRow{
		ID:            c.ID,
		Name:          c.Name,
		OwnerID:       c.OwnerID,
		Private:       c.Private,
		Members:       members,
		SharedSchemas: schemas,
		Version:       c.Version,
		IsActive:      c.IsActive,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}, nil
}

func (r *workspaceRow) toWorkspace() (*workspace.Workspace, error) {
	ws := &workspace.Workspace{
		ID:        r.ID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		Private:   r.Private,
		Version:   r.Version,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Members) > 0 {
		if err := json.Unmarshal(r.Members, &ws.Members); err != nil {
			return nil, fmt.Errorf("workspace %s members: %w", r.ID, err)
		}
	}
	if len(r.SharedSchemas) > 0 {
		if err := json.Unmarshal(r.SharedSchemas, &ws.SharedSchemas); err != nil {
			return nil, fmt.Errorf("workspace %s sharedSchemas: %w", r.ID, err)
		}
	}
	ws.Normalize()
	return ws, nil
}

func (s *MySQL) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	var row workspaceRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find workspace %s: %w", id, err)
	}
	return row.toWorkspace()
}

func (s *MySQL) CreateWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	row, err := toRow(ws)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("workspace %s: %w", ws.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (s *MySQL) ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace, expectedVersion int64) error {
	row, err := toRow(ws)
	if err != nil {
		return err
	}
	// map 形式保证零值字段（false、空串）也会写入
	res := s.db.WithContext(ctx).Model(&workspaceRow{}).
		Where("id = ? AND version = ?", ws.ID, expectedVersion).
		Updates(map[string]interface{}{
			"name":           row.Name,
			"owner_id":       row.OwnerID,
			"private":        row.Private,
			"members":        row.Members,
			"shared_schemas": row.SharedSchemas,
			"version":        row.Version,
			"is_active":      row.IsActive,
			"updated_at":     row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("replace workspace %s: %w", ws.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&workspaceRow{}).Where("id = ?", ws.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("count workspace %s: %w", ws.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrNotFound)
	}
	return fmt.Errorf("workspace %s expected version %d: %w", ws.ID, expectedVersion, ErrVersionConflict)
}

func (s *MySQL) DeleteWorkspace(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&workspaceRow{})
	if res.Error != nil {
		return fmt.Errorf("delete workspace %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MySQL) LoadCRDT(ctx context.Context, workspaceID string) (*CRDTDocument, error) {
	var row stateRow
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("crdt state %s: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find crdt state %s: %w", workspaceID, err)
	}
	return row.toCRDT()
}

func (s *MySQL) SaveCRDT(ctx context.Context, workspaceID string, state []byte) (*CRDTDocument, error) {
	blob := encodeBlob(state)
	now := time.Now()
	var saved stateRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workspace_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"doc_state":     blob,
				"version":       gorm.Expr("version + 1"),
				"last_modified": now,
			}),
		}).Create(&stateRow{WorkspaceID: workspaceID, DocState: blob, Version: 1, LastModified: now}).Error
		if err != nil {
			return err
		}
		return tx.Where("workspace_id = ?", workspaceID).Take(&saved).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save crdt state %s: %w", workspaceID, err)
	}
	return saved.toCRDT()
}

func (r *stateRow) toCRDT() (*CRDTDocument, error) {
	state, err := decodeBlob(r.DocState)
	if err != nil {
		return nil, fmt.Errorf("crdt state %s: %w", r.WorkspaceID, err)
	}
	return &CRDTDocument{
		WorkspaceID:  r.WorkspaceID,
		DocState:     state,
		Version:      r.Version,
		LastModified: r.LastModified,
	}, nil
}
