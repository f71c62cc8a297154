// Package mapper converts bounding boxes to H3 cell coverings.
package mapper

import (
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
)

// Coverer returns the cells covering bb at resolution res.
type Coverer interface {
	CellsForBBox(bb model.BBox, res int) (model.Cells, error)
}
