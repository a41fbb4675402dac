package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sugawarayuuta/sonnet"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bft-labs/lock-contention-analyzer/types"
	"github.com/bft-labs/lock-contention-analyzer/utils"
)

const traceFilesField = "tracefiles"

// objectIDParam parses the path parameter name, answering 400 when it is not an ObjectID.
func objectIDParam(c *gin.Context, name, what string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID"})
		return primitive.NilObjectID, false
	}
	return id, true
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// findMeasurement loads the measurement id, answering 404 or 500 itself on failure.
func findMeasurement(c *gin.Context, coll *mongo.Collection, id primitive.ObjectID) (types.Measurement, bool) {
	var m types.Measurement
	err := coll.FindOne(c.Request.Context(), bson.M{"_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		c.JSON(http.StatusNotFound, gin.H{"error": "Measurement not found"})
		return m, false
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return m, false
	}
	return m, true
}

// bindMeasurementMetadata decodes the JSON "metadata" part of a multipart create request
// and applies the same validation as the JSON body.
func bindMeasurementMetadata(c *gin.Context) (types.CreateMeasurementRequest, error) {
	var req types.CreateMeasurementRequest
	raw := c.PostForm("metadata")
	if raw == "" {
		return req, errors.New("metadata is required")
	}
	if err := sonnet.Unmarshal([]byte(raw), &req); err != nil {
		return req, fmt.Errorf("invalid metadata: %w", err)
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		return req, err
	}
	return req, nil
}

// saveTraceFiles copies the uploaded files into dir, numbering them from offset. On
// failure every file written so far is removed.
func saveTraceFiles(dir string, files []*multipart.FileHeader, offset int) ([]types.TraceFileInfo, error) {
	var saved []types.TraceFileInfo
	for i, fh := range files {
		filename := fmt.Sprintf("%d_%s", offset+i, utils.SafeFilename(fh.Filename))
		filePath := filepath.Join(dir, filename)
		if err := copyUpload(fh, filePath); err != nil {
			removeTraceFiles(saved)
			return nil, err
		}
		saved = append(saved, types.TraceFileInfo{
			OriginalFilename: fh.Filename,
			FilePath:         filePath,
			FileSize:         fh.Size,
			UploadedAt:       time.Now(),
		})
	}
	return saved, nil
}

func copyUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to read uploaded file %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("failed to save file %s: %w", path, err)
	}
	return dst.Close()
}

func removeTraceFiles(files []types.TraceFileInfo) {
	for _, f := range files {
		if f.FilePath != "" {
			os.Remove(f.FilePath)
		}
	}
}

// claimProcessing atomically moves a measurement to processing. It reports false when
// another run already holds it.
func claimProcessing(ctx context.Context, coll *mongo.Collection, id primitive.ObjectID) (bool, error) {
	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "processingStatus": bson.M{"$ne": types.ProcessingStatusProcessing}},
		bson.M{"$set": bson.M{
			"status":           types.MeasurementStatusProcessing,
			"processingStatus": types.ProcessingStatusProcessing,
			"updatedAt":        time.Now(),
		}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}
