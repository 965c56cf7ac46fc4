package model

// ProjectFile is one file of the generated project in a deploy request.
// Binary payloads are base64-encoded and flagged.
type ProjectFile struct {
	Path     string `json:"path" binding:"required"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "" or "utf8" for text, "base64" for binary
	Mode     uint32 `json:"mode,omitempty"`
}

// DeployRequest represents a request to (re-)build and publish a project.
type DeployRequest struct {
	Files        []ProjectFile     `json:"files" binding:"required"`
	Provider     string            `json:"provider,omitempty"`
	TemplateID   string            `json:"templateId,omitempty"`
	CPU          int               `json:"cpu,omitempty"`
	Mem          int               `json:"mem,omitempty"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
	BuildCommand string            `json:"buildCommand,omitempty"`
	StartCommand string            `json:"startCommand,omitempty"`
	Port         int               `json:"port,omitempty"`
	KeepWarm     *bool             `json:"keepWarm,omitempty"`
}

// ExecRequest represents a command execution request against a sandbox.
type ExecRequest struct {
	Command string            `json:"command" binding:"required"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds; bounded by config
}

// WriteFilesRequest represents a batch file write against a sandbox.
type WriteFilesRequest struct {
	Files []ProjectFile `json:"files" binding:"required"`
}

// SetEnvRequest replaces the sandbox session environment variables.
type SetEnvRequest struct {
	EnvVars map[string]string `json:"envVars" binding:"required"`
}
