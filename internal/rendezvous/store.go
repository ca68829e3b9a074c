package rendezvous

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Advertisement struct {
	PeerID   string            `gorm:"primaryKey"`
	Service  string            `gorm:"index;not null"`
	Info     map[string]string `gorm:"serializer:json"`
	LastSeen int64             `gorm:"index"` // unix nanoseconds
}

// OpenDB opens the advertisement database at path. An empty path gives a
// private in-memory database.
func OpenDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Advertisement{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Upsert records ad, replacing any earlier advertisement by the same peer.
func (s *Store) Upsert(ad Advertisement) error {
	return s.DB.Save(&ad).Error
}

// Remove deletes the peer's advertisement and returns it. It returns nil
// when the peer had none.
func (s *Store) Remove(peerID string) (*Advertisement, error) {
	ad := &Advertisement{}
	err := s.DB.First(ad, "peer_id = ?", peerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.DB.Delete(&Advertisement{}, "peer_id = ?", peerID).Error; err != nil {
		return nil, err
	}
	return ad, nil
}

func (s *Store) Touch(peerID string, now time.Time) error {
	return s.DB.Model(&Advertisement{}).Where("peer_id = ?", peerID).Update("last_seen", now.UnixNano()).Error
}

func (s *Store) ByService(service string) ([]Advertisement, error) {
	ads := []Advertisement{}
	err := s.DB.Where("service = ?", service).Order("peer_id").Find(&ads).Error
	if err != nil {
		return nil, err
	}
	return ads, nil
}

// DeleteExpired removes advertisements not seen since before and returns
// them.
func (s *Store) DeleteExpired(before time.Time) ([]Advertisement, error) {
	expired := []Advertisement{}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		cutoff := before.UnixNano()
		if err := tx.Where("last_seen < ?", cutoff).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		return tx.Where("last_seen < ?", cutoff).Delete(&Advertisement{}).Error
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
