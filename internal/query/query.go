// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package query implements the per-detection-session pipeline that
// turns a batch of Temporary Exposure Keys into exposure records: RPI
// expansion against an optional inline pre-filter, a store query with
// age/CTIN/attenuation rejection, temporal merging, validity
// filtering, attenuation bucketing, and an optional bounded
// in-memory cache of the produced records.
//
// A Session is single-threaded and not safe for concurrent use, per
// spec.md §5; the store it wraps may itself serve concurrent sessions
// through its own transaction discipline.
package query

import (
	"context"
	"log/slog"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
	"github.com/lucernahealth/exposure-core/internal/prefilter"
	"github.com/lucernahealth/exposure-core/lib/clock"
)

// DefaultCapacity is the upper bound on the exposure cache regardless
// of how large stored_count() is at session construction.
const DefaultCapacity = 915000

// DefaultCacheBatchSize is the enumeration batch size used when the
// caller does not specify one.
const DefaultCacheBatchSize = 1024

// Store is the subset of advstore.Store a query session depends on.
// Defined here so this package can be tested against a fake store
// without an on-disk SQLite file.
type Store interface {
	StoredCount(ctx context.Context) (uint64, error)
	BuildPrefilter(ctx context.Context, bufferSize, k int) (*prefilter.Filter, error)
	Match(ctx context.Context, rpiBuffer []byte, validity []bool) ([]enmodel.MatchedAdvertisement, error)
}

// Config parameterizes a new Session.
type Config struct {
	Store Store

	// AttenuationThreshold gates matches during annotation (§4.5.2,
	// rule 3): a match with attenuation >= this value is rejected.
	AttenuationThreshold uint8

	Configuration enmodel.Configuration

	// CacheExposureInfo enables the bounded in-memory exposure-record
	// cache (§4.5.6).
	CacheExposureInfo bool

	// PrefilterBufferSize and PrefilterK size an inline Bloom
	// pre-filter built from the store's current contents at session
	// construction. Either being zero disables the pre-filter: RPI
	// expansion then treats every slot as possibly present.
	PrefilterBufferSize int
	PrefilterK          int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is one query session: crypto expansion, store query, and
// post-processing, parameterized by a fixed attenuation threshold and
// exposure configuration for its lifetime.
type Session struct {
	store  Store
	config enmodel.Configuration

	threshold uint8
	filter    *prefilter.Filter
	cache     *exposureCache

	clock  clock.Clock
	logger *slog.Logger

	possibleRPICount uint64
	droppedCount     uint64
	matchedKeyCount  uint64
}

// New constructs a Session. If cfg.PrefilterBufferSize and
// cfg.PrefilterK are both positive, it builds an inline pre-filter
// from the store's current contents; otherwise queries fall back to
// scanning every candidate slot.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, enerrors.New("query.New", enerrors.InvalidArgument, "store is required")
	}
	if err := cfg.Configuration.Validate(); err != nil {
		return nil, enerrors.Wrap("query.New", enerrors.InvalidArgument, err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var filter *prefilter.Filter
	if cfg.PrefilterBufferSize > 0 && cfg.PrefilterK > 0 {
		built, err := cfg.Store.BuildPrefilter(ctx, cfg.PrefilterBufferSize, cfg.PrefilterK)
		if err != nil {
			return nil, err
		}
		filter = built
	}

	var cache *exposureCache
	if cfg.CacheExposureInfo {
		stored, err := cfg.Store.StoredCount(ctx)
		if err != nil {
			return nil, err
		}
		cache = newExposureCache(int(stored))
	}

	return &Session{
		store:     cfg.Store,
		config:    cfg.Configuration,
		threshold: cfg.AttenuationThreshold,
		filter:    filter,
		cache:     cache,
		clock:     clk,
		logger:    logger,
	}, nil
}

// PossibleRPICount returns the cumulative count of RPI-buffer slots
// marked valid across every MatchCount call so far.
func (s *Session) PossibleRPICount() uint64 { return s.possibleRPICount }

// DroppedCount returns the cumulative count of matched advertisements
// rejected during annotation, across every MatchCount call so far.
func (s *Session) DroppedCount() uint64 { return s.droppedCount }

// MatchedKeyCount returns the cumulative count of TEKs that produced
// at least one surviving exposure record, across every MatchCount
// call so far.
func (s *Session) MatchedKeyCount() uint64 { return s.matchedKeyCount }

// Configuration returns the Configuration this session was built
// with, so a caller layered on top (such as a detection session) can
// reuse it for its own post-hoc scoring.
func (s *Session) Configuration() enmodel.Configuration { return s.config }

// CachedExposureInfoCount returns the number of exposure records
// currently held in the cache, or 0 if caching is disabled.
func (s *Session) CachedExposureInfoCount() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.count()
}

// EnumerateCachedExposureInfo walks the cache in batches of batchSize
// (DefaultCacheBatchSize if <= 0), calling fn with each batch. A
// non-nil error from fn stops enumeration and is returned.
func (s *Session) EnumerateCachedExposureInfo(batchSize int, fn func([]enmodel.ExposureRecord) error) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.enumerateRange(0, s.cache.count(), batchSize, fn)
}

// EnumerateCachedExposureInfoRange is the same as
// EnumerateCachedExposureInfo restricted to cache records [start, end).
func (s *Session) EnumerateCachedExposureInfoRange(start, end, batchSize int, fn func([]enmodel.ExposureRecord) error) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.enumerateRange(start, end, batchSize, fn)
}

// MatchCount runs the full §4.5 pipeline for one batch of TEKs:
// expansion, store query, annotation, merging, filtering, and
// bucketing. It returns the number of TEKs in this batch that
// produced a surviving exposure record, caching each record if the
// session was configured with CacheExposureInfo.
func (s *Session) MatchCount(ctx context.Context, teks []enmodel.TEK) (uint64, error) {
	rpiBuffer, validity, deduped, err := expandTEKs(teks, s.filter)
	if err != nil {
		return 0, err
	}
	for _, v := range validity {
		if v {
			s.possibleRPICount++
		}
	}

	matches, err := s.store.Match(ctx, rpiBuffer, validity)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().Unix()
	s.droppedCount += uint64(annotateMatches(matches, deduped, now, s.threshold))

	order, groups := groupByTEK(matches)

	var produced uint64
	for _, dailyKeyIndex := range order {
		tek := deduped[dailyKeyIndex]
		group := mergeGroup(groups[dailyKeyIndex])
		group = filterValidity(group, tek)

		record, ok := bucketGroup(group, tek, s.config)
		if !ok {
			continue
		}
		produced++

		if s.cache != nil {
			s.cache.pushDedup(tek, record)
		}
	}

	s.matchedKeyCount += produced
	return produced, nil
}
