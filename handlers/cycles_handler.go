package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bft-labs/lock-contention-analyzer/db"
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/utils"
)

// GetCyclesHandler returns the reconstructed cycles of a measurement with cursor-based
// pagination, optionally restricted to a [from, to) attempt tsc window
func GetCyclesHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "id", "measurement")
		if !ok {
			return
		}
		page, err := utils.PageFromContext(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		from, to, windowed, err := utils.TSCWindowFromContext(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		q := db.CycleQuery{
			MeasurementID: objectID,
			Windowed:      windowed,
			From:          from,
			To:            to,
			After:         page.Cursor,
			Before:        page.Before,
		}
		ctx := c.Request.Context()

		// Get total count if requested (expensive operation)
		var totalCount *int
		if page.IncludeTotalCount {
			countQuery := q
			countQuery.After, countQuery.Before = nil, nil
			count, err := collection.CountDocuments(ctx, countQuery.Filter())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count cycles"})
				return
			}
			countInt := int(count)
			totalCount = &countInt
		}

		// Fetch limit+1 to determine whether more cycles lie beyond this page
		docs, err := db.FindCycles(ctx, collection, q, page.Skip, page.Limit+1)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		data, meta := paginate(docs, page.Limit, q.Backward(), page.Cursor != nil || page.Skip > 0)
		meta.TotalCount = totalCount
		c.JSON(http.StatusOK, types.PaginatedCyclesResponse{Data: data, Pagination: meta})
	}
}

// paginate trims a page fetched with limit+1 and derives its cursors. Forward pages
// drop the extra cycle at the end, backward pages the one at the front. resumed tells
// whether a forward page started after the first cycle.
func paginate(docs []types.CycleDocument, limit int, backward, resumed bool) ([]types.CycleDocument, types.CursorPaginationMeta) {
	meta := types.CursorPaginationMeta{Limit: limit}
	more := len(docs) > limit
	if backward {
		if more {
			docs = docs[len(docs)-limit:]
		}
		meta.HasPrevious = more
		meta.HasNext = true
	} else {
		if more {
			docs = docs[:limit]
		}
		meta.HasNext = more
		meta.HasPrevious = resumed
	}
	if docs == nil {
		docs = []types.CycleDocument{}
	}

	if meta.HasNext && len(docs) > 0 {
		next := strconv.FormatInt(docs[len(docs)-1].Seq, 10)
		meta.NextCursor = &next
	}
	if meta.HasPrevious && len(docs) > 0 {
		prev := strconv.FormatInt(docs[0].Seq, 10)
		meta.PreviousCursor = &prev
	}
	return docs, meta
}
