package types

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ModelParams is the persisted form of a workload's queueing model.
type ModelParams struct {
	CriticalTime float64 `json:"criticalTime" bson:"criticalTime"`
	ParallelTime float64 `json:"parallelTime" bson:"parallelTime"`
	NCore        int     `json:"nCore" bson:"nCore"`
}

// Workload is one instrumented program run under varying lock assignments
type Workload struct {
	ID          primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	Name        string              `json:"name" bson:"name"`
	Description string              `json:"description" bson:"description"`
	NCore       int                 `json:"nCore" bson:"nCore"`
	Model       *ModelParams        `json:"model,omitempty" bson:"model,omitempty"`
	BaselineID  *primitive.ObjectID `json:"baselineId,omitempty" bson:"baselineId,omitempty"`
	CreatedAt   time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt" bson:"updatedAt"`
}

// MeasurementRole tells whether a measurement calibrates the model or is judged by it
type MeasurementRole string

const (
	RoleBaseline  MeasurementRole = "baseline"
	RoleCandidate MeasurementRole = "candidate"
)

// MeasurementStatus represents the overall status of a measurement
type MeasurementStatus string

const (
	MeasurementStatusTraceRequired MeasurementStatus = "trace_required"
	MeasurementStatusProcessing    MeasurementStatus = "processing"
	MeasurementStatusProcessed     MeasurementStatus = "processed"
	MeasurementStatusFailed        MeasurementStatus = "failed"
)

// ProcessingStatus represents the status of trace processing
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// TraceFileInfo represents metadata for an uploaded trace log
type TraceFileInfo struct {
	OriginalFilename string    `json:"originalFilename" bson:"originalFilename"`
	FilePath         string    `json:"filePath" bson:"filePath"`
	FileSize         int64     `json:"fileSize" bson:"fileSize"`
	UploadedAt       time.Time `json:"uploadedAt" bson:"uploadedAt"`
}

// AnalysisParams are the knobs a measurement is analysed with. Zero values fall back to
// the service defaults.
type AnalysisParams struct {
	Mode     string        `json:"mode" bson:"mode"`
	BinWidth int64         `json:"binWidth,omitempty" bson:"binWidth,omitempty"`
	Policy   OverlapPolicy `json:"policy,omitempty" bson:"policy,omitempty"`
	// ParallelFunction selects the spans that measure the lock-free phase of a baseline run.
	ParallelFunction string `json:"parallelFunction,omitempty" bson:"parallelFunction,omitempty"`
	// Sites restricts two-phase analysis to these lock sites; empty keeps all.
	Sites []int32 `json:"sites,omitempty" bson:"sites,omitempty"`
}

// ProcessingResult represents the result of processing trace files
type ProcessingResult struct {
	ProcessedFiles int            `json:"processedFiles" bson:"processedFiles"`
	TotalFiles     int            `json:"totalFiles" bson:"totalFiles"`
	Events         int            `json:"events" bson:"events"`
	Cycles         int            `json:"cycles" bson:"cycles"`
	ProcessingTime int64          `json:"processingTime" bson:"processingTime"` // in milliseconds
	Overhead       OverheadStatus `json:"overhead,omitempty" bson:"overhead,omitempty"`
	CacheHit       bool           `json:"cacheHit,omitempty" bson:"cacheHit,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	ProcessedAt    time.Time      `json:"processedAt" bson:"processedAt"`
}

// Measurement is one traced run of a workload under a single lock assignment
type Measurement struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	WorkloadID       primitive.ObjectID `json:"workloadId" bson:"workloadId"`
	Name             string             `json:"name" bson:"name"`
	Description      string             `json:"description" bson:"description"`
	Role             MeasurementRole    `json:"role" bson:"role"`
	LockAssignment   map[string]string  `json:"lockAssignment,omitempty" bson:"lockAssignment,omitempty"`
	Params           AnalysisParams     `json:"params" bson:"params"`
	TraceFiles       []TraceFileInfo    `json:"traceFiles,omitempty" bson:"traceFiles,omitempty"`
	Status           MeasurementStatus  `json:"status" bson:"status"`
	ProcessingStatus ProcessingStatus   `json:"processingStatus,omitempty" bson:"processingStatus,omitempty"`
	ProcessingResult *ProcessingResult  `json:"processingResult,omitempty" bson:"processingResult,omitempty"`
	CreatedAt        time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// CreateWorkloadRequest represents the request body for creating a workload
type CreateWorkloadRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	NCore       int    `json:"nCore" binding:"required,min=1"`
}

// UpdateWorkloadRequest represents the request body for updating a workload
type UpdateWorkloadRequest struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	NCore       *int         `json:"nCore,omitempty" binding:"omitempty,min=1"`
	Model       *ModelParams `json:"model,omitempty"`
}

// CreateMeasurementRequest represents the request body for creating a measurement
type CreateMeasurementRequest struct {
	Name             string            `json:"name" binding:"required"`
	Description      string            `json:"description"`
	Role             MeasurementRole   `json:"role" binding:"required,oneof=baseline candidate"`
	Mode             string            `json:"mode" binding:"required,oneof=two-phase four-phase span"`
	BinWidth         int64             `json:"binWidth" binding:"omitempty,min=1"`
	Policy           OverlapPolicy     `json:"policy" binding:"omitempty,oneof=strict-overlap arrival-only"`
	ParallelFunction string            `json:"parallelFunction"`
	Sites            []int32           `json:"sites"`
	LockAssignment   map[string]string `json:"lockAssignment"`
}

// Params returns the analysis knobs carried by the request.
func (r CreateMeasurementRequest) Params() AnalysisParams {
	return AnalysisParams{
		Mode:             r.Mode,
		BinWidth:         r.BinWidth,
		Policy:           r.Policy,
		ParallelFunction: r.ParallelFunction,
		Sites:            r.Sites,
	}
}

// UpdateMeasurementRequest represents the request body for updating a measurement
type UpdateMeasurementRequest struct {
	Name           *string           `json:"name,omitempty"`
	Description    *string           `json:"description,omitempty"`
	LockAssignment map[string]string `json:"lockAssignment,omitempty"`
	BinWidth       *int64            `json:"binWidth,omitempty" binding:"omitempty,min=1"`
	Policy         *OverlapPolicy    `json:"policy,omitempty" binding:"omitempty,oneof=strict-overlap arrival-only"`
}

// MeasurementResponse represents the response structure for measurement endpoints
type MeasurementResponse struct {
	ID               primitive.ObjectID `json:"id"`
	WorkloadID       primitive.ObjectID `json:"workloadId"`
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	Role             MeasurementRole    `json:"role"`
	LockAssignment   map[string]string  `json:"lockAssignment,omitempty"`
	Params           AnalysisParams     `json:"params"`
	TraceFiles       []string           `json:"traceFiles,omitempty"`
	Status           MeasurementStatus  `json:"status"`
	ProcessingStatus ProcessingStatus   `json:"processingStatus,omitempty"`
	ProcessingResult *ProcessingResult  `json:"processingResult,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// TraceFilePaths returns the on-disk paths of the uploaded traces in upload order.
func (m *Measurement) TraceFilePaths() []string {
	paths := make([]string, len(m.TraceFiles))
	for i, f := range m.TraceFiles {
		paths[i] = f.FilePath
	}
	return paths
}

func (m *Measurement) HasTraceFiles() bool {
	return len(m.TraceFiles) > 0
}

func (m *Measurement) TraceFileCount() int {
	return len(m.TraceFiles)
}

// ToResponse converts a Measurement to MeasurementResponse, hiding server-side paths.
func (m *Measurement) ToResponse() MeasurementResponse {
	var names []string
	for _, f := range m.TraceFiles {
		names = append(names, f.OriginalFilename)
	}
	return MeasurementResponse{
		ID:               m.ID,
		WorkloadID:       m.WorkloadID,
		Name:             m.Name,
		Description:      m.Description,
		Role:             m.Role,
		LockAssignment:   m.LockAssignment,
		Params:           m.Params,
		TraceFiles:       names,
		Status:           m.Status,
		ProcessingStatus: m.ProcessingStatus,
		ProcessingResult: m.ProcessingResult,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
