package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sqlTimestampStep is the coarsest timestamp precision among the SQL
// dialects (postgres keeps microseconds).
const sqlTimestampStep = time.Microsecond

// SQLStore keeps users, messages and metadata in normalised tables through
// gorm. An append and its trim run in one transaction.
type SQLStore struct {
	db    *gorm.DB
	opts  Options
	locks *keyedMutex
	log   *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore migrates the schema on db and returns a store over it.
func NewSQLStore(db *gorm.DB, opts Options, log *zap.Logger) (*SQLStore, error) {
	if err := db.AutoMigrate(&userModel{}, &messageModel{}, &metadataModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLStore{
		db:    db,
		opts:  opts.withDefaults(),
		locks: newKeyedMutex(),
		log:   log.With(zap.String("store", "sql")),
	}, nil
}

// ensureUser inserts a default user row unless one exists already and
// reports whether it did.
func (s *SQLStore) ensureUser(tx *gorm.DB, userID string, now time.Time) (bool, error) {
	u := userModel{UserID: userID, Personality: DefaultPersonality, CreatedAt: now, UpdatedAt: now}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&u)
	if res.Error != nil {
		return false, fmt.Errorf("create user: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLStore) findUser(tx *gorm.DB, userID string) (*userModel, error) {
	var users []userModel
	if err := tx.Where("user_id = ?", userID).Limit(1).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (s *SQLStore) Exists(ctx context.Context, userID string) (bool, error) {
	u, err := s.findUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

func (s *SQLStore) EnsureUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.ensureUser(s.db.WithContext(ctx), userID, s.opts.Now())
}

func (s *SQLStore) GetPersonality(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	var personality string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureUser(tx, userID, s.opts.Now()); err != nil {
			return err
		}
		u, err := s.findUser(tx, userID)
		if err != nil {
			return err
		}
		personality = u.Personality
		return nil
	})
	if err != nil {
		return "", err
	}
	return personality, nil
}

// upsertUserColumn creates the user with value in column, or updates column
// on the existing row.
func (s *SQLStore) upsertUserColumn(ctx context.Context, userID, column string, u userModel) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{column, "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", column, err)
	}
	return nil
}

func (s *SQLStore) SetPersonality(ctx context.Context, userID, personalityID string) error {
	now := s.opts.Now()
	return s.upsertUserColumn(ctx, userID, "personality", userModel{
		UserID: userID, Personality: personalityID, CreatedAt: now, UpdatedAt: now,
	})
}

func (s *SQLStore) SetDisplayName(ctx context.Context, userID, displayName string) error {
	now := s.opts.Now()
	return s.upsertUserColumn(ctx, userID, "display_name", userModel{
		UserID: userID, DisplayName: displayName, Personality: DefaultPersonality, CreatedAt: now, UpdatedAt: now,
	})
}

func (s *SQLStore) AppendMessage(ctx context.Context, userID string, role Role, content, displayName string) error {
	if err := validateAppend(userID, role); err != nil {
		return err
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.opts.Now()
		if _, err := s.ensureUser(tx, userID, now); err != nil {
			return err
		}

		var last []messageModel
		if err := tx.Where("user_id = ?", userID).
			Order("sent_at desc").Order("id desc").
			Limit(1).Find(&last).Error; err != nil {
			return fmt.Errorf("read last message: %w", err)
		}
		var lastTS time.Time
		if len(last) > 0 {
			lastTS = last[0].Timestamp
		}

		msg := messageModel{
			UserID:      userID,
			Role:        string(role),
			Content:     content,
			DisplayName: displayName,
			Timestamp:   nextTimestamp(now, lastTS, sqlTimestampStep),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if err := tx.Model(&userModel{}).Where("user_id = ?", userID).
			Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("touch user: %w", err)
		}
		return s.trim(tx, userID)
	})
}

// trim deletes the oldest messages of userID beyond the configured maximum.
func (s *SQLStore) trim(tx *gorm.DB, userID string) error {
	var count int64
	if err := tx.Model(&messageModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	over := int(count) - s.opts.MaxMessages
	if over <= 0 {
		return nil
	}
	var ids []uint64
	if err := tx.Model(&messageModel{}).Where("user_id = ?", userID).
		Order("sent_at asc").Order("id asc").
		Limit(over).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("select evicted messages: %w", err)
	}
	if err := tx.Where("id IN ?", ids).Delete(&messageModel{}).Error; err != nil {
		return fmt.Errorf("evict messages: %w", err)
	}
	return nil
}

func (s *SQLStore) GetHistory(ctx context.Context, userID string) ([]Message, error) {
	var rows []messageModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("sent_at asc").Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

func (s *SQLStore) GetAllHistories(ctx context.Context) (map[string][]Message, error) {
	var rows []messageModel
	if err := s.db.WithContext(ctx).
		Order("user_id asc").Order("sent_at asc").Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read histories: %w", err)
	}
	out := make(map[string][]Message)
	for _, r := range rows {
		out[r.UserID] = append(out[r.UserID], r.toMessage())
	}
	return out, nil
}

func (s *SQLStore) GetDisplayName(ctx context.Context, userID string) (string, error) {
	u, err := s.findUser(s.db.WithContext(ctx), userID)
	if err != nil || u == nil {
		return "", err
	}
	return u.DisplayName, nil
}

func (s *SQLStore) GetAllDisplayNames(ctx context.Context) (map[string]string, error) {
	var users []userModel
	if err := s.db.WithContext(ctx).Where("display_name <> ?", "").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("read display names: %w", err)
	}
	out := make(map[string]string, len(users))
	for _, u := range users {
		out[u.UserID] = u.DisplayName
	}
	return out, nil
}

func (s *SQLStore) GetMetadata(ctx context.Context, userID, key string) (json.RawMessage, bool, error) {
	var rows []metadataModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND meta_key = ?", userID, key).
		Limit(1).Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("read metadata: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return json.RawMessage(rows[0].Value), true, nil
}

func (s *SQLStore) SetMetadata(ctx context.Context, userID, key string, value any) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	raw, err := encodeMetadata(value)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", key, err)
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.opts.Now()
		if _, err := s.ensureUser(tx, userID, now); err != nil {
			return err
		}
		row := metadataModel{UserID: userID, Key: key, Value: datatypes.JSON(raw), UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "meta_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert metadata: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ResetHistory(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&messageModel{}).Error; err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteUser(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&messageModel{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&metadataModel{}).Error; err != nil {
			return fmt.Errorf("delete metadata: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&userModel{}).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
