/*
Postconfirm - Challenge/response mail confirmation daemon.
Copyright © 2023-2024 The postconfirm developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package limits

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSetFull is returned by BucketSet.TakeContext when the set tracks
// MaxBuckets keys already and no bucket is stale enough to be dropped.
var ErrSetFull = errors.New("limits: too many tracked keys")

// BucketSet combines a group of Ls into a single key-indexed structure.
// Each unique key gets its own limiter, the main use case being
// per-sender-domain limiting.
//
// The amount of buckets is capped at around MaxBuckets. When the cap is
// reached, the next take drops buckets that went unused for ReapInterval.
// If every bucket is in active use the take fails with ErrSetFull.
//
// A BucketSet without a New function assigned is no-op: takes always
// succeed and Release does nothing.
type BucketSet struct {
	// New constructs the underlying limiter of a fresh bucket.
	//
	// It is safe to change it only when the BucketSet is not used by any
	// goroutine.
	New func() L

	// Time after which a bucket is considered stale and can be removed
	// from the set. For safe use with the Rate limiter, it should be at
	// least twice as big as the refill interval.
	ReapInterval time.Duration

	MaxBuckets int

	mLck sync.Mutex
	m    map[string]*bucket
}

type bucket struct {
	l       L
	lastUse time.Time
}

func NewBucketSet(new_ func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          new_,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            map[string]*bucket{},
	}
}

func (r *BucketSet) Close() {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	for _, b := range r.m {
		b.l.Close()
	}
}

func (r *BucketSet) take(key string) L {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	if len(r.m) > r.MaxBuckets {
		now := time.Now()
		for k, b := range r.m {
			if now.Sub(b.lastUse) > r.ReapInterval {
				// Drop the bucket. If there happens to be a pending take
				// for it, that take fails, which is an acceptable way to
				// shed load given that reaping only runs under pressure.
				b.l.Close()
				delete(r.m, k)
			}
		}

		// Still full, every bucket is in active use.
		if len(r.m) > r.MaxBuckets {
			return nil
		}
	}

	b, ok := r.m[key]
	if !ok {
		b = &bucket{l: r.New()}
		r.m[key] = b
	}
	b.lastUse = time.Now()

	return b.l
}

func (r *BucketSet) TakeContext(ctx context.Context, key string) error {
	if r.New == nil {
		return nil
	}

	b := r.take(key)
	if b == nil {
		return ErrSetFull
	}
	return b.TakeContext(ctx)
}

func (r *BucketSet) Release(key string) {
	if r.New == nil {
		return
	}

	r.mLck.Lock()
	defer r.mLck.Unlock()

	b, ok := r.m[key]
	if !ok {
		return
	}
	b.l.Release()
}
