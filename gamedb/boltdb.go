package gamedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFinalizations = []byte("finalizations")
	bucketReferrals     = []byte("referrals")
)

// boltDB implements Store over a single bbolt file. Records are JSON under
// their natural keys: session id for finalizations, wallet for referrals.
type boltDB struct {
	db *bolt.DB
}

var _ Store = (*boltDB)(nil)

// NewBoltDB opens (and migrates) the database at path.
func NewBoltDB(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFinalizations, bucketReferrals} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltDB{db: db}, nil
}

func (b *boltDB) Close() error { return b.db.Close() }

func (b *boltDB) CreateFinalization(_ context.Context, rec *FinalizationRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFinalizations)
		if bucket.Get([]byte(rec.SessionID)) != nil {
			return ErrDuplicateRecord
		}
		now := time.Now().UTC()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(rec.SessionID), raw)
	})
}

func (b *boltDB) FetchFinalization(_ context.Context, sessionID string) (*FinalizationRecord, error) {
	var rec FinalizationRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFinalizations).Get([]byte(sessionID))
		if raw == nil {
			return ErrRecordNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *boltDB) UpdateFinalization(_ context.Context, sessionID string, fn func(*FinalizationRecord) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFinalizations)
		raw := bucket.Get([]byte(sessionID))
		if raw == nil {
			return ErrRecordNotFound
		}
		var rec FinalizationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(sessionID), out)
	})
}

func (b *boltDB) FetchByOutcome(_ context.Context, outcome FinalizationOutcome) ([]*FinalizationRecord, error) {
	var recs []*FinalizationRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFinalizations).ForEach(func(_, raw []byte) error {
			var rec FinalizationRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.Outcome == outcome {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (b *boltDB) SetReferrer(_ context.Context, wallet, referrer string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReferrals)
		rec, err := loadReferral(bucket, wallet)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if rec == nil {
			rec = &ReferralProfile{Wallet: wallet}
		}
		if rec.ReferrerWallet != "" && rec.ReferrerWallet != referrer {
			return ErrDuplicateRecord
		}
		rec.ReferrerWallet = referrer
		return putReferral(bucket, rec)
	})
}

func (b *boltDB) FetchReferral(_ context.Context, wallet string) (*ReferralProfile, error) {
	var rec *ReferralProfile
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = loadReferral(tx.Bucket(bucketReferrals), wallet)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *boltDB) CreditReferral(_ context.Context, referrer string, lamports uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReferrals)
		rec, err := loadReferral(bucket, referrer)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if rec == nil {
			rec = &ReferralProfile{Wallet: referrer}
		}
		rec.EarnedLamports += lamports
		rec.MatchCount++
		return putReferral(bucket, rec)
	})
}

func loadReferral(bucket *bolt.Bucket, wallet string) (*ReferralProfile, error) {
	raw := bucket.Get([]byte(wallet))
	if raw == nil {
		return nil, ErrRecordNotFound
	}
	var rec ReferralProfile
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putReferral(bucket *bolt.Bucket, rec *ReferralProfile) error {
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(rec.Wallet), raw)
}
