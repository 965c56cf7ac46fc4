package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SandboxRecord is the durable mapping from a project to its current
// sandbox. The live truth about the remote environment is always the
// provider; this record only remembers which sandbox to resume for a warm
// redeploy and what we last knew about it.
type SandboxRecord struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SandboxID    string             `bson:"sandboxId" json:"sandboxId"`
	ProjectID    string             `bson:"projectId" json:"projectId"`
	Provider     string             `bson:"provider" json:"provider"`
	TemplateID   string             `bson:"templateId" json:"templateId"`
	CPU          int                `bson:"cpu" json:"cpu"`
	Mem          int                `bson:"mem" json:"mem"`
	Status       string             `bson:"status" json:"status"`
	PreviewURL   string             `bson:"previewUrl,omitempty" json:"previewUrl,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	LastActiveAt time.Time          `bson:"lastActiveAt" json:"lastActiveAt"`
	EnvVars      map[string]string  `bson:"envVars,omitempty" json:"envVars,omitempty"`
}

// DeploymentView is the API shape of a project's deployment ledger entry.
type DeploymentView struct {
	ProjectID  string    `json:"projectId"`
	State      string    `json:"state"`
	Ready      bool      `json:"ready"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastError  string    `json:"lastError,omitempty"`
	PreviewURL string    `json:"previewUrl,omitempty"`
}
