package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/fetchq/internal/keys"
	"go.etcd.io/bbolt"
)

// Bolt is a durable Store backed by a bbolt database.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
	enc    Encoder
}

// OpenBolt opens (creating if needed) the database at path and ensures the
// token bucket for namespace ns exists.
func OpenBolt(path, ns string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tokens: open bolt %s: %w", path, err)
	}
	bucket := keys.For(ns).Bucket
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokens: create bucket: %w", err)
	}
	return &Bolt{db: db, bucket: bucket, enc: &JSONEncoder{}}, nil
}

// Close releases the database file lock.
func (s *Bolt) Close() error { return s.db.Close() }

func (s *Bolt) Get(_ context.Context, key string) (string, bool, error) {
	var (
		rec   record
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return s.enc.Decode(v, &rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("tokens: bolt get: %w", err)
	}
	return rec.Token, found, nil
}

func (s *Bolt) Set(_ context.Context, key, token string) error {
	data, err := s.enc.Encode(record{Token: token, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("tokens: encode: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("tokens: bolt put: %w", err)
	}
	return nil
}

func (s *Bolt) Clear(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("tokens: bolt delete: %w", err)
	}
	return nil
}
