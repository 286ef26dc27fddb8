package directory

import (
	"context"

	"github.com/eyeKill/graindir/common"
)

// Store is a pluggable directory back-end. Every implementation must make
// TryInsert and CompareAndDelete atomic per grain; that is the only mutual
// exclusion the directory relies on.
//
// Transient failures, including an expired ctx, are reported as errors that
// satisfy errors.Is(err, common.ErrUnavailable). A missing record is never an error.
type Store interface {
	// TryInsert inserts address unless a record for address.GrainId exists.
	// On conflict ok is false and winner holds the stored record, or is zero
	// when the back-end could not return it in the same round trip.
	TryInsert(ctx context.Context, address common.GrainAddress) (ok bool, winner common.GrainAddress, err error)
	Lookup(ctx context.Context, grain common.GrainId) (common.GrainAddress, bool, error)
	// CompareAndDelete removes the record only if its ActivationId equals address.ActivationId.
	CompareAndDelete(ctx context.Context, address common.GrainAddress) (bool, error)
	// DeleteMany is a best-effort compare-and-delete of a batch no larger than MaxBatchSize.
	DeleteMany(ctx context.Context, addresses []common.GrainAddress) error
	// DeleteBySilo removes every record hosted on silo. Back-ends that cannot
	// scan by silo implement it as a no-op and rely on lazy eviction.
	DeleteBySilo(ctx context.Context, silo common.SiloAddress) error
	MaxBatchSize() int
}

// SiloCleanupPolicy documents how a back-end handles DeleteBySilo.
type SiloCleanupPolicy int

const (
	// EagerCleanup deletes all records of a dead silo in DeleteBySilo.
	EagerCleanup SiloCleanupPolicy = iota
	// LazyCleanup leaves stale records until a caller notices the dead silo and unregisters them.
	LazyCleanup
)

func (p SiloCleanupPolicy) String() string {
	switch p {
	case EagerCleanup:
		return "eager"
	case LazyCleanup:
		return "lazy"
	}
	return "unknown"
}

// CleanupPolicyReporter is implemented by stores to expose their DeleteBySilo policy.
type CleanupPolicyReporter interface {
	SiloCleanupPolicy() SiloCleanupPolicy
}
