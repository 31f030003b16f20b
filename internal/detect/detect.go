// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package detect implements the detection session from spec.md §4.6:
// batched ingestion of one or more TEK export files through a query
// session, and post-hoc summary/per-exposure emission with risk
// scoring applied at read time rather than at match time.
package detect

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
	"github.com/lucernahealth/exposure-core/internal/query"
	"github.com/lucernahealth/exposure-core/internal/risk"
	"github.com/lucernahealth/exposure-core/internal/tekfile"
	"github.com/lucernahealth/exposure-core/lib/clock"
	"github.com/lucernahealth/exposure-core/lib/codec"
)

// BatchSize is the number of TEKs read from a file per
// query.Session.MatchCount call.
const BatchSize = 256

// roundingUnitSeconds and durationCapSeconds bound the duration
// figures emitted in summaries and per-exposure info, per §4.6.
const (
	roundingUnitSeconds = 60
	durationCapSeconds  = 1800
)

// Config parameterizes a new Session.
type Config struct {
	Store query.Store

	Configuration enmodel.Configuration

	// PrefilterBufferSize and PrefilterK size an inline pre-filter
	// built from the store's current contents at construction. Either
	// being zero disables it.
	PrefilterBufferSize int
	PrefilterK          int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session accumulates matches across one or more TEK export files and
// produces a risk-scored summary. It always queries with attenuation
// threshold 0xFF (no attenuation gating at query time; risk-weighted
// filtering happens at summary/info generation instead) and caching
// enabled, per §4.6.
type Session struct {
	id            uuid.UUID
	inner         *query.Session
	configuration enmodel.Configuration
	clock         clock.Clock
	logger        *slog.Logger

	fileCount   int
	matchedKeys uint64
}

// New constructs a detection Session backed by a fresh query.Session.
func New(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	id := uuid.New()
	logger = logger.With(slog.String("detection_session", id.String()))

	inner, err := query.New(ctx, query.Config{
		Store:                cfg.Store,
		AttenuationThreshold: 0xFF,
		Configuration:        cfg.Configuration,
		CacheExposureInfo:    true,
		PrefilterBufferSize:  cfg.PrefilterBufferSize,
		PrefilterK:           cfg.PrefilterK,
		Clock:                clk,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		id:            id,
		inner:         inner,
		configuration: cfg.Configuration,
		clock:         clk,
		logger:        logger,
	}, nil
}

// ID returns the session's correlation identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// IngestFile reads every TEK from r in batches of BatchSize, feeding
// each batch through the query session. Per §7's propagation rule,
// the first error from either the file reader or the query path
// stops processing of this file and is returned; keys matched in
// batches processed before the error remain counted and cached.
func (s *Session) IngestFile(ctx context.Context, r io.Reader) error {
	reader, err := tekfile.Open(r)
	if err != nil {
		return enerrors.Wrap("detect.IngestFile", enerrors.BadFormat, err)
	}
	s.fileCount++

	batch := make([]enmodel.TEK, 0, BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		produced, err := s.inner.MatchCount(ctx, batch)
		if err != nil {
			return err
		}
		s.matchedKeys += produced
		batch = batch[:0]
		return nil
	}

	for {
		tek, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return enerrors.Wrap("detect.IngestFile", enerrors.BadFormat, err)
		}

		batch = append(batch, tek)
		if len(batch) == BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.logger.Info("ingested tek file",
		slog.Int("file_count", s.fileCount),
		slog.Uint64("matched_key_count", s.matchedKeys))
	return nil
}

// MatchedKeyCount returns the cumulative count of TEKs that produced
// at least one surviving exposure record, across every ingested file.
func (s *Session) MatchedKeyCount() uint64 { return s.matchedKeys }

// GenerateSummary walks the cached exposure records, applies §4.7
// risk scoring and the minimum-risk gates, and returns the
// session-wide ExposureSummary.
func (s *Session) GenerateSummary() (enmodel.ExposureSummary, error) {
	now := s.clock.Now().Unix()

	var summary enmodel.ExposureSummary
	summary.MatchedKeyCount = int(s.matchedKeys)

	minDaysSince := -1
	var durationSums [3]int64

	err := s.inner.EnumerateCachedExposureInfo(0, func(records []enmodel.ExposureRecord) error {
		for _, record := range records {
			raw, clamped := risk.Score(s.configuration, record, now)
			if !risk.Admit(s.configuration, raw, clamped) {
				continue
			}

			if clamped > summary.MaximumRiskScore {
				summary.MaximumRiskScore = clamped
			}
			if raw > summary.MaximumRiskScoreFullRange {
				summary.MaximumRiskScoreFullRange = raw
			}
			summary.RiskScoreSumFullRange += raw

			days := risk.DaysSince(now, record.Date)
			if minDaysSince == -1 || days < minDaysSince {
				minDaysSince = days
			}

			for i := 0; i < len(durationSums) && i < len(record.AttenuationDurations); i++ {
				durationSums[i] += int64(record.AttenuationDurations[i])
			}
		}
		return nil
	})
	if err != nil {
		return enmodel.ExposureSummary{}, err
	}

	if minDaysSince == -1 {
		minDaysSince = 0
	}
	summary.DaysSinceLastExposure = minDaysSince
	for i, sum := range durationSums {
		summary.AttenuationDurations[i] = uint16(roundDurationSeconds(sum))
	}
	return summary, nil
}

// ExposureInfo walks the cached exposure records, applies the same
// gates as GenerateSummary, and returns the filtered, rounded list.
func (s *Session) ExposureInfo() ([]enmodel.ExposureRecord, error) {
	now := s.clock.Now().Unix()

	var out []enmodel.ExposureRecord
	err := s.inner.EnumerateCachedExposureInfo(0, func(records []enmodel.ExposureRecord) error {
		for _, record := range records {
			raw, clamped := risk.Score(s.configuration, record, now)
			if !risk.Admit(s.configuration, raw, clamped) {
				continue
			}

			rounded := record
			rounded.TotalDuration = uint16(roundDurationSeconds(int64(record.TotalDuration)))
			for i := range rounded.AttenuationDurations {
				rounded.AttenuationDurations[i] = uint16(roundDurationSeconds(int64(record.AttenuationDurations[i])))
			}
			out = append(out, rounded)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalSummary encodes a summary using the module's standard CBOR
// configuration, the only wire form enmodel.ExposureSummary crosses a
// process boundary in.
func MarshalSummary(summary enmodel.ExposureSummary) ([]byte, error) {
	return codec.Marshal(summary)
}

// MarshalExposureInfo encodes a filtered exposure-record list the
// same way.
func MarshalExposureInfo(records []enmodel.ExposureRecord) ([]byte, error) {
	return codec.Marshal(records)
}

// roundDurationSeconds rounds up to the nearest 60-second multiple and
// caps at 1800 seconds, per §4.6.
func roundDurationSeconds(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	rounded := ((seconds + roundingUnitSeconds - 1) / roundingUnitSeconds) * roundingUnitSeconds
	if rounded > durationCapSeconds {
		rounded = durationCapSeconds
	}
	return rounded
}
