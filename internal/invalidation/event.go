// Package invalidation defines the schema-change events that evict table
// metadata.
package invalidation

import (
	"errors"
	"fmt"
	"time"

	"github.com/anandtrivedi/koop-provider-databricks/internal/validate"
)

// Event announces that a table's schema changed. Only the table matters to
// the consumer; Op and Source are kept for logs.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Table   string    `json:"table"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "create", "alter", "replace", "drop":
	default:
		return errors.New("op must be create|alter|replace|drop")
	}
	if err := validate.TableName(e.Table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}
