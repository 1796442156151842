package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

// ConflictType classifies a detected divergence between a source file and
// its destination counterpart.
type ConflictType string

const (
	ConflictDeletedSource     ConflictType = "deleted_source"
	ConflictDeletedDest       ConflictType = "deleted_dest"
	ConflictSizeMismatch      ConflictType = "size_mismatch"
	ConflictTimestampMismatch ConflictType = "timestamp_mismatch"
	ConflictNameConflict      ConflictType = "name_conflict"
	ConflictModifiedBoth      ConflictType = "modified_both"
)

// ConflictSeverity ranks how disruptive a conflict is.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// Winner names which side a resolution picked.
type Winner string

const (
	WinnerSource Winner = "source"
	WinnerDest   Winner = "dest"
	WinnerManual Winner = "manual"
)

// Conflict is one detected divergence awaiting resolution.
type Conflict struct {
	ID         uuid.UUID                `json:"id"`
	JobID      uuid.UUID                `json:"job_id"`
	Type       ConflictType             `json:"type"`
	Severity   ConflictSeverity         `json:"severity"`
	SourceFile *provider.FileDescriptor `json:"source_file,omitempty"`
	DestFile   *provider.FileDescriptor `json:"dest_file,omitempty"`
	DetectedAt time.Time                `json:"detected_at"`
	Resolution *Resolution              `json:"resolution,omitempty"`
}

// Resolution records the outcome of resolving a conflict.
type Resolution struct {
	Winner     Winner                   `json:"winner"`
	File       *provider.FileDescriptor `json:"file,omitempty"`
	Strategy   string                   `json:"strategy"`
	ResolvedAt time.Time                `json:"resolved_at"`
}

// ResolutionStrategy resolves one class of conflict. Resolve returns nil
// when the conflict needs manual intervention.
type ResolutionStrategy interface {
	Name() string
	Resolve(ctx context.Context, conflict *Conflict) (*Resolution, error)
}

// timestampEpsilon absorbs clock and storage-granularity skew between
// providers; modification times within it are treated as equal.
const timestampEpsilon = 1000 * time.Millisecond

// DetectConflict classifies the divergence between a source file and its
// destination counterpart. Exactly one type is returned per pair, checked
// in a fixed order so classification is deterministic. A nil return means
// the pair is consistent.
func DetectConflict(jobID uuid.UUID, source, dest *provider.FileDescriptor) *Conflict {
	if source == nil && dest == nil {
		return nil
	}

	conflict := &Conflict{
		ID:         uuid.New(),
		JobID:      jobID,
		SourceFile: source,
		DestFile:   dest,
		DetectedAt: time.Now(),
	}

	drift := time.Duration(0)
	if source != nil && dest != nil {
		drift = absDuration(source.ModifiedTime.Sub(dest.ModifiedTime))
	}

	switch {
	case source == nil:
		conflict.Type = ConflictDeletedSource
		conflict.Severity = SeverityHigh
	case dest == nil:
		conflict.Type = ConflictDeletedDest
		conflict.Severity = SeverityMedium
	case source.Size != dest.Size:
		conflict.Type = ConflictSizeMismatch
		conflict.Severity = SeverityMedium
	case drift > timestampEpsilon:
		conflict.Type = ConflictTimestampMismatch
		conflict.Severity = SeverityMedium
	case source.Name != dest.Name:
		conflict.Type = ConflictNameConflict
		conflict.Severity = SeverityLow
	case drift > 0 && !source.ModifiedTime.IsZero() && !dest.ModifiedTime.IsZero():
		// Timestamps disagree inside the epsilon window. Both sides
		// moved; content needs re-verification even though neither
		// clearly supersedes the other.
		conflict.Type = ConflictModifiedBoth
		conflict.Severity = SeverityLow
	default:
		// Metadata fully agrees.
		return nil
	}

	return conflict
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ConflictResolver holds the strategy table keyed by conflict type. The
// built-in table covers every ConflictType; RegisterStrategy replaces
// entries for callers that want different policies.
type ConflictResolver struct {
	strategies map[ConflictType]ResolutionStrategy
	tracer     trace.Tracer
}

// NewConflictResolver builds a resolver with the default policy table.
func NewConflictResolver() *ConflictResolver {
	r := &ConflictResolver{
		strategies: make(map[ConflictType]ResolutionStrategy),
		tracer:     otel.Tracer("transfer.conflict_resolver"),
	}

	r.RegisterStrategy(ConflictDeletedSource, &preferDestStrategy{})
	r.RegisterStrategy(ConflictDeletedDest, &preferSourceStrategy{})
	r.RegisterStrategy(ConflictSizeMismatch, &largerWinsStrategy{})
	r.RegisterStrategy(ConflictTimestampMismatch, &newerWinsStrategy{})
	r.RegisterStrategy(ConflictModifiedBoth, &newerWinsStrategy{})
	r.RegisterStrategy(ConflictNameConflict, &manualStrategy{})

	return r
}

// RegisterStrategy installs or replaces the strategy for a conflict type.
func (r *ConflictResolver) RegisterStrategy(conflictType ConflictType, strategy ResolutionStrategy) {
	r.strategies[conflictType] = strategy
}

// AutoResolve applies the registered strategy for the conflict's type. A
// (nil, nil) return means the conflict stays open for manual resolution.
func (r *ConflictResolver) AutoResolve(ctx context.Context, conflict *Conflict) (*Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "conflict_resolver.auto_resolve")
	defer span.End()

	span.SetAttributes(
		attribute.String("conflict.id", conflict.ID.String()),
		attribute.String("conflict.type", string(conflict.Type)),
	)

	strategy, ok := r.strategies[conflict.Type]
	if !ok {
		err := fmt.Errorf("no strategy registered for conflict type %q", conflict.Type)
		span.RecordError(err)
		return nil, err
	}

	resolution, err := strategy.Resolve(ctx, conflict)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resolution != nil {
		resolution.Strategy = strategy.Name()
		resolution.ResolvedAt = time.Now()
		conflict.Resolution = resolution
		span.SetAttributes(attribute.String("conflict.winner", string(resolution.Winner)))
	}

	return resolution, nil
}
