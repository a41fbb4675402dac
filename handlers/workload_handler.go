package handlers

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bft-labs/lock-contention-analyzer/db"
	"github.com/bft-labs/lock-contention-analyzer/queueing"
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/utils"
)

// CreateWorkloadHandler creates a new workload
func CreateWorkloadHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CreateWorkloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		workload := types.Workload{
			Name:        req.Name,
			Description: req.Description,
			NCore:       req.NCore,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}

		result, err := collection.InsertOne(c.Request.Context(), workload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		workload.ID = result.InsertedID.(primitive.ObjectID)
		c.JSON(http.StatusCreated, workload)
	}
}

// GetWorkloadHandler retrieves a workload by ID
func GetWorkloadHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "workloadId", "workload")
		if !ok {
			return
		}

		var workload types.Workload
		err := collection.FindOne(c.Request.Context(), bson.M{"_id": objectID}).Decode(&workload)
		if err == mongo.ErrNoDocuments {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workload not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		c.JSON(http.StatusOK, workload)
	}
}

// ListWorkloadsHandler lists every workload, newest first
func ListWorkloadsHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		cursor, err := collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		defer cursor.Close(ctx)

		workloads := []types.Workload{}
		if err := cursor.All(ctx, &workloads); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decode workloads"})
			return
		}

		c.JSON(http.StatusOK, workloads)
	}
}

// UpdateWorkloadHandler updates a workload by ID. A model given here replaces the one
// calibrated from the baseline.
func UpdateWorkloadHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "workloadId", "workload")
		if !ok {
			return
		}

		var req types.UpdateWorkloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		update, err := workloadUpdate(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		result, err := collection.UpdateOne(ctx, bson.M{"_id": objectID}, update)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		if result.MatchedCount == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workload not found"})
			return
		}

		var workload types.Workload
		if err := collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&workload); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve updated workload"})
			return
		}

		c.JSON(http.StatusOK, workload)
	}
}

// workloadUpdate renders req as a MongoDB update, rejecting models the queueing
// solver cannot evaluate.
func workloadUpdate(req types.UpdateWorkloadRequest) (bson.M, error) {
	update := bson.M{
		"$set": bson.M{
			"updatedAt": time.Now(),
		},
	}

	if req.Name != nil {
		update["$set"].(bson.M)["name"] = *req.Name
	}
	if req.Description != nil {
		update["$set"].(bson.M)["description"] = *req.Description
	}
	if req.NCore != nil {
		update["$set"].(bson.M)["nCore"] = *req.NCore
	}
	if req.Model != nil {
		if _, err := queueing.FromParams(*req.Model).IdealResponseTime(); err != nil {
			return nil, err
		}
		update["$set"].(bson.M)["model"] = *req.Model
		update["$unset"] = bson.M{"baselineId": ""}
	}
	return update, nil
}

// DeleteWorkloadHandler deletes a workload with its measurements, reports, cycles and
// uploaded traces
func DeleteWorkloadHandler(cols db.Collections, uploadDir string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "workloadId", "workload")
		if !ok {
			return
		}
		ctx := c.Request.Context()

		cursor, err := cols.Measurements.Find(ctx, bson.M{"workloadId": objectID}, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		var refs []struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.All(ctx, &refs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decode measurements"})
			return
		}
		ids := make([]primitive.ObjectID, len(refs))
		for i, r := range refs {
			ids[i] = r.ID
		}

		if len(ids) > 0 {
			if err := db.DeleteReports(ctx, cols.Reports, ids...); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
				return
			}
			if err := db.DeleteCycles(ctx, cols.Cycles, ids...); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
				return
			}
			if _, err := cols.Measurements.DeleteMany(ctx, bson.M{"workloadId": objectID}); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
				return
			}
		}

		result, err := cols.Workloads.DeleteOne(ctx, bson.M{"_id": objectID})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		if result.DeletedCount == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workload not found"})
			return
		}

		if err := os.RemoveAll(utils.GetWorkloadDir(uploadDir, objectID)); err != nil {
			// Log error but don't fail the deletion
			logger.Warn("failed to delete workload uploads", "workload", objectID.Hex(), "error", err)
		}

		c.JSON(http.StatusOK, gin.H{
			"message":             "Workload deleted successfully",
			"deletedMeasurements": len(ids),
		})
	}
}
