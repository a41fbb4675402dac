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
	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/utils"
)

// CreateMeasurementHandler creates a measurement under a workload. Multipart requests
// carry the request as a JSON "metadata" field plus the trace files; processing starts
// as soon as traces are present.
func CreateMeasurementHandler(cols db.Collections, uploadDir string, proc *Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		workloadID, ok := objectIDParam(c, "workloadId", "workload")
		if !ok {
			return
		}

		var req types.CreateMeasurementRequest
		var err error
		multipart := isMultipart(c)
		if multipart {
			req, err = bindMeasurementMetadata(c)
		} else {
			err = c.ShouldBindJSON(&req)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		count, err := cols.Workloads.CountDocuments(ctx, bson.M{"_id": workloadID})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		if count == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workload not found"})
			return
		}

		measurement := types.Measurement{
			ID:             primitive.NewObjectID(),
			WorkloadID:     workloadID,
			Name:           req.Name,
			Description:    req.Description,
			Role:           req.Role,
			LockAssignment: req.LockAssignment,
			Params:         req.Params(),
			Status:         types.MeasurementStatusTraceRequired,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}

		if multipart {
			form, err := c.MultipartForm()
			if err == nil && len(form.File[traceFilesField]) > 0 {
				dir, err := utils.EnsureMeasurementDir(uploadDir, workloadID, measurement.ID)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create measurement directory"})
					return
				}
				files, err := saveTraceFiles(dir, form.File[traceFilesField], 0)
				if err != nil {
					os.RemoveAll(dir)
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save trace files"})
					return
				}
				measurement.TraceFiles = files
				measurement.Status = types.MeasurementStatusProcessing
				measurement.ProcessingStatus = types.ProcessingStatusPending
			}
		}

		if _, err := cols.Measurements.InsertOne(ctx, measurement); err != nil {
			// Clean up uploaded files if database insert fails
			if measurement.HasTraceFiles() {
				os.RemoveAll(utils.GetMeasurementDir(uploadDir, workloadID, measurement.ID))
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		// If files were uploaded during creation, start processing automatically
		if measurement.HasTraceFiles() {
			if claimed, err := claimProcessing(ctx, cols.Measurements, measurement.ID); err == nil && claimed {
				measurement.ProcessingStatus = types.ProcessingStatusProcessing
				proc.Start(measurement)
			}
		}

		c.JSON(http.StatusCreated, measurement.ToResponse())
	}
}

// GetMeasurementHandler retrieves a measurement by ID
func GetMeasurementHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "id", "measurement")
		if !ok {
			return
		}
		measurement, ok := findMeasurement(c, collection, objectID)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, measurement.ToResponse())
	}
}

// ListMeasurementsHandler retrieves all measurements of a workload, oldest first
func ListMeasurementsHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		workloadID, ok := objectIDParam(c, "workloadId", "workload")
		if !ok {
			return
		}

		ctx := c.Request.Context()
		filter := bson.M{"workloadId": workloadID}
		if role := c.Query("role"); role != "" {
			filter["role"] = role
		}
		cursor, err := collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		defer cursor.Close(ctx)

		var measurements []types.Measurement
		if err := cursor.All(ctx, &measurements); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decode measurements"})
			return
		}

		// Convert to response format
		responses := make([]types.MeasurementResponse, len(measurements))
		for i, m := range measurements {
			responses[i] = m.ToResponse()
		}

		c.JSON(http.StatusOK, responses)
	}
}

// UpdateMeasurementHandler updates a measurement by ID. Changed analysis knobs apply on
// the next processing run.
func UpdateMeasurementHandler(collection *mongo.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "id", "measurement")
		if !ok {
			return
		}

		var req types.UpdateMeasurementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		result, err := collection.UpdateOne(ctx, bson.M{"_id": objectID}, measurementUpdate(req))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		if result.MatchedCount == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Measurement not found"})
			return
		}

		var measurement types.Measurement
		if err := collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&measurement); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve updated measurement"})
			return
		}

		c.JSON(http.StatusOK, measurement.ToResponse())
	}
}

func measurementUpdate(req types.UpdateMeasurementRequest) bson.M {
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
	if req.LockAssignment != nil {
		update["$set"].(bson.M)["lockAssignment"] = req.LockAssignment
	}
	if req.BinWidth != nil {
		update["$set"].(bson.M)["params.binWidth"] = *req.BinWidth
	}
	if req.Policy != nil {
		update["$set"].(bson.M)["params.policy"] = *req.Policy
	}
	return update
}

// DeleteMeasurementHandler deletes a measurement with its report, cycles and traces
func DeleteMeasurementHandler(cols db.Collections, uploadDir string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "id", "measurement")
		if !ok {
			return
		}
		measurement, ok := findMeasurement(c, cols.Measurements, objectID)
		if !ok {
			return
		}
		if measurement.ProcessingStatus == types.ProcessingStatusProcessing {
			c.JSON(http.StatusConflict, gin.H{"error": "Measurement is being processed"})
			return
		}

		ctx := c.Request.Context()
		if err := db.DeleteReports(ctx, cols.Reports, objectID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}
		if err := db.DeleteCycles(ctx, cols.Cycles, objectID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		result, err := cols.Measurements.DeleteOne(ctx, bson.M{"_id": objectID})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		if result.DeletedCount == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Measurement not found"})
			return
		}

		// the calibrated model stays; it just no longer points at a live baseline
		cols.Workloads.UpdateOne(ctx,
			bson.M{"_id": measurement.WorkloadID, "baselineId": objectID},
			bson.M{"$unset": bson.M{"baselineId": ""}})

		// Delete trace files if they exist
		if err := os.RemoveAll(utils.GetMeasurementDir(uploadDir, measurement.WorkloadID, objectID)); err != nil {
			// Log error but don't fail the deletion
			logger.Warn("failed to delete trace files", "measurement", objectID.Hex(), "error", err)
		}

		c.JSON(http.StatusOK, gin.H{"message": "Measurement deleted successfully"})
	}
}

// UploadTraceFilesHandler appends trace files to a measurement
func UploadTraceFilesHandler(collection *mongo.Collection, uploadDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "id", "measurement")
		if !ok {
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse multipart form"})
			return
		}

		files := form.File[traceFilesField]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No trace files provided"})
			return
		}

		measurement, ok := findMeasurement(c, collection, objectID)
		if !ok {
			return
		}
		if measurement.ProcessingStatus == types.ProcessingStatusProcessing {
			c.JSON(http.StatusConflict, gin.H{"error": "Measurement is being processed"})
			return
		}

		dir, err := utils.EnsureMeasurementDir(uploadDir, measurement.WorkloadID, measurement.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create measurement directory"})
			return
		}

		newFiles, err := saveTraceFiles(dir, files, measurement.TraceFileCount())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save trace files"})
			return
		}

		allFiles := append(measurement.TraceFiles, newFiles...)

		// Update status if this is the first upload
		newStatus := measurement.Status
		newProcessingStatus := measurement.ProcessingStatus
		if measurement.Status == types.MeasurementStatusTraceRequired {
			newStatus = types.MeasurementStatusProcessing
			newProcessingStatus = types.ProcessingStatusPending
		}

		update := bson.M{
			"$set": bson.M{
				"traceFiles":       allFiles,
				"status":           newStatus,
				"processingStatus": newProcessingStatus,
				"updatedAt":        time.Now(),
			},
		}

		if _, err := collection.UpdateOne(c.Request.Context(), bson.M{"_id": objectID}, update); err != nil {
			// Clean up uploaded files if database update fails
			removeTraceFiles(newFiles)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		// Create response with original filenames
		uploadedFileNames := make([]string, len(newFiles))
		for i, f := range newFiles {
			uploadedFileNames[i] = f.OriginalFilename
		}

		c.JSON(http.StatusOK, gin.H{
			"message":           "Trace files uploaded successfully",
			"uploadedFiles":     len(newFiles),
			"totalFiles":        len(allFiles),
			"uploadedFileNames": uploadedFileNames,
		})
	}
}

// ProcessMeasurementHandler analyses the traces of a measurement in the background
func ProcessMeasurementHandler(collection *mongo.Collection, proc *Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID, ok := objectIDParam(c, "id", "measurement")
		if !ok {
			return
		}
		measurement, ok := findMeasurement(c, collection, objectID)
		if !ok {
			return
		}

		// Check if trace files exist
		if !measurement.HasTraceFiles() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No trace files available for processing"})
			return
		}

		claimed, err := claimProcessing(c.Request.Context(), collection, objectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update processing status"})
			return
		}
		if !claimed {
			c.JSON(http.StatusConflict, gin.H{"error": "Measurement is already being processed"})
			return
		}

		proc.Start(measurement)

		c.JSON(http.StatusAccepted, gin.H{
			"message":       "Measurement processing started",
			"measurementId": objectID.Hex(),
			"status":        "processing",
		})
	}
}
