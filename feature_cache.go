// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package captioner

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FeatureCacheTTL is the default TTL for cached image features
const FeatureCacheTTL = 10 * time.Minute

// ImageEncoder maps encoded image bytes to a feature vector.
type ImageEncoder interface {
	Encode(ctx context.Context, image []byte) ([]float32, error)
	Dim() int
}

// CachedEncoder wraps an encoder so that identical image bytes are encoded
// once per TTL, and concurrent requests for the same image share one
// encoder call.
type CachedEncoder struct {
	encoder ImageEncoder
	cache   *ttlcache.Cache[uint64, []float32]
	sfGroup singleflight.Group
	logger  *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedEncoder wraps encoder with a cache of the given TTL (zero means
// FeatureCacheTTL). Call Close to stop the expiry loop.
func NewCachedEncoder(encoder ImageEncoder, ttl time.Duration, logger *zap.Logger) *CachedEncoder {
	if ttl <= 0 {
		ttl = FeatureCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, []float32](ttl),
	)
	go cache.Start()
	return &CachedEncoder{
		encoder: encoder,
		cache:   cache,
		logger:  logger.Named("feature_cache"),
	}
}

// Dim returns the wrapped encoder's vector width.
func (c *CachedEncoder) Dim() int { return c.encoder.Dim() }

// Encode returns the cached feature vector for image, encoding it on a miss.
// Callers must not modify the returned slice.
func (c *CachedEncoder) Encode(ctx context.Context, image []byte) ([]float32, error) {
	key := xxhash.Sum64(image)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("feature")
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(strconv.FormatUint(key, 16), func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("feature")

		start := time.Now()
		feature, err := c.encoder.Encode(ctx, image)
		if err != nil {
			return nil, err
		}
		RecordEncodeDuration(time.Since(start).Seconds())
		c.cache.Set(key, feature, ttlcache.DefaultTTL)

		c.logger.Debug("Image encoded and cached",
			zap.Int("bytes", len(image)),
			zap.Duration("duration", time.Since(start)))
		return feature, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.sfHits.Add(1)
	}
	return result.([]float32), nil
}

// FeatureCacheStats holds cache statistics.
type FeatureCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Stats returns cache statistics.
func (c *CachedEncoder) Stats() FeatureCacheStats {
	return FeatureCacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// Close stops the cache and closes the wrapped encoder if it can be closed.
func (c *CachedEncoder) Close() error {
	c.cache.Stop()
	if closer, ok := c.encoder.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
