package metrics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Metric kinds the journey engine can require.
const (
	// KindActiveDays counts distinct days with any qualifying activity.
	KindActiveDays = "active_days"
	// KindShared counts completed shared calendar activities.
	KindShared = "shared"
	// KindCalls counts completed voice/video calls.
	KindCalls = "calls"
)

// Value is one measured metric. Stale marks a last-known value served
// because the live source was unreachable.
type Value struct {
	Count int
	Stale bool
}

// Source provides per-relationship activity counts. Read-only from the
// journey engine's perspective.
type Source interface {
	Measure(ctx context.Context, relationshipID int64, kind string) (Value, error)
}

// DBSource measures counts from the activity_records table.
type DBSource struct {
	db *gorm.DB
}

// NewDBSource creates a DBSource.
func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

// Measure implements Source.
func (s *DBSource) Measure(ctx context.Context, relationshipID int64, kind string) (Value, error) {
	var n int64
	var err error
	switch kind {
	case KindActiveDays:
		err = s.db.WithContext(ctx).Model(&model.ActivityRecord{}).
			Where("relationship_id = ?", relationshipID).
			Distinct("day").Count(&n).Error
	case KindShared:
		err = s.db.WithContext(ctx).Model(&model.ActivityRecord{}).
			Where("relationship_id = ? AND kind = ?", relationshipID, model.ActivityShared).
			Count(&n).Error
	case KindCalls:
		err = s.db.WithContext(ctx).Model(&model.ActivityRecord{}).
			Where("relationship_id = ? AND kind = ?", relationshipID, model.ActivityCall).
			Count(&n).Error
	default:
		return Value{}, fmt.Errorf("metrics: unknown kind %q", kind)
	}
	if err != nil {
		return Value{}, err
	}
	return Value{Count: int(n)}, nil
}

// CachedSource wraps a Source with a last-known-value fallback. When the
// inner source is unreachable it serves the cached value marked Stale
// instead of failing the caller; a stage must never regress because of a
// transient read failure.
type CachedSource struct {
	inner  Source
	cache  cache.Cache
	logger *zap.Logger
}

// NewCachedSource creates a CachedSource.
func NewCachedSource(inner Source, c cache.Cache, logger *zap.Logger) *CachedSource {
	return &CachedSource{inner: inner, cache: c, logger: logger}
}

func lastKnownKey(relationshipID int64) string {
	return fmt.Sprintf("metrics:last:%d", relationshipID)
}

// Measure implements Source. Never returns an error for a known kind: an
// unreachable inner source degrades to the last-known value (or zero) with
// Stale set.
func (s *CachedSource) Measure(ctx context.Context, relationshipID int64, kind string) (Value, error) {
	v, err := s.inner.Measure(ctx, relationshipID, kind)
	if err == nil {
		// Best-effort write-through; a cache failure must not fail the read.
		_ = s.cache.HSet(ctx, lastKnownKey(relationshipID), kind, strconv.Itoa(v.Count))
		return v, nil
	}

	s.logger.Warn("metrics source unreachable, serving last-known value",
		zap.Int64("relationship_id", relationshipID),
		zap.String("kind", kind),
		zap.Error(err))

	cached, cerr := s.cache.HGet(ctx, lastKnownKey(relationshipID), kind)
	if cerr != nil {
		return Value{Count: 0, Stale: true}, nil
	}
	n, perr := strconv.Atoi(cached)
	if perr != nil {
		return Value{Count: 0, Stale: true}, nil
	}
	return Value{Count: n, Stale: true}, nil
}
