package model

// Response is a generic API response
type Response struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Data    any                    `json:"data,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(message string, data any) Response {
	return Response{
		Status:  "success",
		Message: message,
		Data:    data,
	}
}

// NewSuccessResponseWithMeta creates a success response with metadata (for pagination, etc.)
func NewSuccessResponseWithMeta(message string, data any, meta map[string]interface{}) Response {
	return Response{
		Status:  "success",
		Message: message,
		Data:    data,
		Meta:    meta,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string, details string) ErrorResponse {
	return ErrorResponse{
		Error:   err,
		Details: details,
	}
}

// ExecResponse is the API shape of a completed command execution.
type ExecResponse struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// FileWriteResult is the per-file outcome of a batch write.
type FileWriteResult struct {
	Path  string `json:"path"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WriteFilesResponse enumerates batch write outcomes. Failure of one file
// never masks success of another.
type WriteFilesResponse struct {
	Results   []FileWriteResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// DeployResponse is returned on a successful deployment.
type DeployResponse struct {
	ProjectID    string `json:"projectId"`
	DeploymentID string `json:"deploymentId"`
	SandboxID    string `json:"sandboxId"`
	Provider     string `json:"provider"`
	State        string `json:"state"`
	PreviewURL   string `json:"previewUrl"`
	PreviewToken string `json:"previewToken,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

// PreviewResponse resolves a sandbox port to its public address.
type PreviewResponse struct {
	SandboxID string `json:"sandboxId"`
	Port      int    `json:"port"`
	URL       string `json:"url"`
	Token     string `json:"token,omitempty"`
}
