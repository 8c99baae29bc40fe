package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// SQLStore keeps sessions in the relay_sessions table. Unlike FileStore it
// resolves tokens through an index rather than a scan.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore returns a store over db. The schema must already be migrated.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("registry: database connection is required")
	}
	return &SQLStore{db: db}, nil
}

func toModel(s Session) (models.RelaySession, error) {
	m := models.RelaySession{
		ID:            s.ID,
		Token:         strings.ToUpper(s.Token),
		TargetSession: s.TargetSession,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
	if len(s.Metadata) > 0 {
		data, err := json.Marshal(s.Metadata)
		if err != nil {
			return m, fmt.Errorf("marshal metadata: %w", err)
		}
		m.Metadata = string(data)
	}
	return m, nil
}

func fromModel(m models.RelaySession) Session {
	s := Session{
		ID:            m.ID,
		Token:         m.Token,
		TargetSession: m.TargetSession,
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
	}
	if m.Metadata != "" {
		// Metadata is advisory; a corrupt value should not hide the session.
		_ = json.Unmarshal([]byte(m.Metadata), &s.Metadata)
	}
	return s
}

func (q *SQLStore) Put(ctx context.Context, s Session) error {
	m, err := toModel(s)
	if err != nil {
		return err
	}
	return q.db.WithContext(ctx).Save(&m).Error
}

func (q *SQLStore) Get(ctx context.Context, id string) (Session, error) {
	var m models.RelaySession
	err := q.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return fromModel(m), nil
}

func (q *SQLStore) FindByToken(ctx context.Context, token string) (Session, error) {
	var m models.RelaySession
	err := q.db.WithContext(ctx).Where("token = ?", strings.ToUpper(token)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return fromModel(m), nil
}

func (q *SQLStore) List(ctx context.Context) ([]Session, error) {
	var rows []models.RelaySession
	if err := q.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromModel(r))
	}
	return out, nil
}

func (q *SQLStore) Delete(ctx context.Context, id string) error {
	return q.db.WithContext(ctx).Where("id = ?", id).Delete(&models.RelaySession{}).Error
}
