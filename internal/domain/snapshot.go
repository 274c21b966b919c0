package domain

import (
	"fmt"
	"time"
)

// SchemaVersion tags persisted snapshots so future layouts can migrate
// old files instead of rejecting them.
const SchemaVersion = 1

// Snapshot is the serialized form of a cycle plus its open orders. It is the
// unit the durable store writes and the only thing trusted across restarts.
type Snapshot struct {
	Version    int       `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
	Cycle      Cycle     `json:"cycle"`
	OpenOrders []Order   `json:"open_orders"`
}

// Validate checks required fields and primitive types before the snapshot is
// trusted. An invalid snapshot must trigger the backup-recovery path, never
// a partial restore.
func (s *Snapshot) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("missing or invalid schema version %d", s.Version)
	}
	if s.Version > SchemaVersion {
		return fmt.Errorf("snapshot version %d newer than supported %d", s.Version, SchemaVersion)
	}
	if s.SavedAt.IsZero() {
		return fmt.Errorf("missing saved_at timestamp")
	}
	if err := s.Cycle.Validate(); err != nil {
		return fmt.Errorf("invalid cycle: %w", err)
	}
	for i := range s.OpenOrders {
		o := &s.OpenOrders[i]
		if err := o.Validate(); err != nil {
			return fmt.Errorf("invalid open order %d: %w", i, err)
		}
		if o.Terminal() {
			return fmt.Errorf("terminal order %s persisted as open", o.ID)
		}
	}
	return nil
}
