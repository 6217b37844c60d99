// Package boltdbresumer provides a Resumer implementation that uses a Bolt database file as storage.
package boltdbresumer

import (
	"errors"
	"time"

	"github.com/cenkalti/pkgdl/internal/resumer"
	"github.com/zeebo/bencode"
	bolt "go.etcd.io/bbolt"
)

// Keys for the persistent storage.
var Keys = struct {
	State []byte
	Info  []byte
}{
	State: []byte("state"),
	Info:  []byte("info"),
}

// DefaultBucket holds one sub-bucket per download.
var DefaultBucket = []byte("resume")

// ErrLocked is returned from Open when another process holds the database.
var ErrLocked = errors.New("resume database is locked by another process")

// Resumer contains methods for saving/loading resume records to a BoltDB database.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	size   int
	owned  bool
}

var (
	_ resumer.Resumer    = (*Resumer)(nil)
	_ resumer.InfoWriter = (*Resumer)(nil)
	_ resumer.Lister     = (*Resumer)(nil)
)

type info struct {
	ContentID string `bencode:"content_id"`
	URL       string `bencode:"url"`
	SavedAt   int64  `bencode:"saved_at"`
}

// Open the database at path and return a Resumer that closes it on Close.
func Open(path string, size int) (*Resumer, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, ErrLocked
	} else if err != nil {
		return nil, err
	}
	r, err := New(db, DefaultBucket, size)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// New returns a new Resumer that keeps records under bucket in db.
func New(db *bolt.DB, bucket []byte, size int) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:     db,
		bucket: bucket,
		size:   size,
	}, nil
}

// Close the database if it was opened by Open.
func (r *Resumer) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

// Load the hash state of the download with `id`.
func (r *Resumer) Load(id string) ([]byte, error) {
	var state []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		value := b.Get(Keys.State)
		if len(value) != r.size {
			return nil
		}
		state = make([]byte, len(value))
		copy(state, value)
		return nil
	})
	return state, err
}

// Save the hash state of the download with `id`.
func (r *Resumer) Save(id string, state []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		return b.Put(Keys.State, state)
	})
}

// WriteInfo writes the description of the download with `id`.
func (r *Resumer) WriteInfo(id string, i resumer.Info) error {
	value, err := bencode.EncodeBytes(info{
		ContentID: i.ContentID,
		URL:       i.URL,
		SavedAt:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		return b.Put(Keys.Info, value)
	})
}

// Clear deletes all data of the download with `id`.
func (r *Resumer) Clear(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(r.bucket).DeleteBucket([]byte(id))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// List the downloads that have a valid state record.
func (r *Resumer) List() ([]resumer.Entry, error) {
	var entries []resumer.Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).ForEach(func(k, _ []byte) error {
			b := tx.Bucket(r.bucket).Bucket(k)
			if b == nil || len(b.Get(Keys.State)) != r.size {
				return nil
			}
			e := resumer.Entry{ID: string(k)}
			if value := b.Get(Keys.Info); value != nil {
				var i info
				if err := bencode.DecodeBytes(value, &i); err != nil {
					return err
				}
				e.Info = resumer.Info{ContentID: i.ContentID, URL: i.URL}
				e.SavedAt = time.Unix(i.SavedAt, 0)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
