package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// GetMeasurementDir returns the directory holding the trace logs of a measurement
func GetMeasurementDir(uploadDir string, workloadID, measurementID primitive.ObjectID) string {
	return filepath.Join(uploadDir,
		fmt.Sprintf("workload_%s", workloadID.Hex()),
		fmt.Sprintf("measurement_%s", measurementID.Hex()))
}

// EnsureMeasurementDir creates the measurement directory if it doesn't exist
func EnsureMeasurementDir(uploadDir string, workloadID, measurementID primitive.ObjectID) (string, error) {
	dir := GetMeasurementDir(uploadDir, workloadID, measurementID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create measurement directory: %w", err)
	}
	return dir, nil
}

// GetWorkloadDir returns the directory holding every measurement of a workload
func GetWorkloadDir(uploadDir string, workloadID primitive.ObjectID) string {
	return filepath.Join(uploadDir, fmt.Sprintf("workload_%s", workloadID.Hex()))
}

// SafeFilename strips any directory components from an uploaded file name.
func SafeFilename(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "trace.log"
	}
	return base
}
