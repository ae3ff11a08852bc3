package model

import "time"

// SysParamDeployKeys names the system parameter that holds the deploy-key handle.
const SysParamDeployKeys = "REPO_DEPLOY_KEYS"

type Plan struct {
	UUID      string       `json:"uuid"`
	Name      string       `json:"name"`
	ProjectID string       `json:"projectId"`
	UserID    string       `json:"userId"`
	Username  string       `json:"username,omitempty"`
	TrustID   string       `json:"-"`
	TriggerID string       `json:"triggerId"`
	Version   string       `json:"version"`
	Content   *PlanContent `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
}

// secretMask replaces token values in API responses.
const secretMask = "***"

// Redacted returns a copy of p with artifact tokens masked. The stored
// plan keeps the real values.
func (p Plan) Redacted() Plan {
	if p.Content == nil {
		return p
	}
	content := *p.Content
	content.Artifacts = make([]Artifact, len(p.Content.Artifacts))
	for i, art := range p.Content.Artifacts {
		if art.RepoToken != "" {
			art.RepoToken = secretMask
		}
		if art.StatusToken != "" {
			art.StatusToken = secretMask
		}
		content.Artifacts[i] = art
	}
	p.Content = &content
	return p
}

type PlanContent struct {
	Version     string     `json:"version" yaml:"version"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Artifacts   []Artifact `json:"artifacts" yaml:"artifacts"`
}

type Artifact struct {
	Name         string          `json:"name" yaml:"name"`
	ArtifactType string          `json:"artifact_type,omitempty" yaml:"artifact_type,omitempty"`
	Content      ArtifactContent `json:"content" yaml:"content"`
	LanguagePack string          `json:"language_pack,omitempty" yaml:"language_pack,omitempty"`
	UnittestCmd  string          `json:"unittest_cmd,omitempty" yaml:"unittest_cmd,omitempty"`
	RunCmd       string          `json:"run_cmd,omitempty" yaml:"run_cmd,omitempty"`
	RepoToken    string          `json:"repo_token,omitempty" yaml:"repo_token,omitempty"`
	StatusToken  string          `json:"status_token,omitempty" yaml:"status_token,omitempty"`
}

type ArtifactContent struct {
	Href      string `json:"href" yaml:"href"`
	Private   bool   `json:"private,omitempty" yaml:"private,omitempty"`
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
}

// Parameter holds the per-plan user and system parameter maps.
type Parameter struct {
	PlanUUID   string            `json:"planUuid"`
	UserParams map[string]string `json:"userParams,omitempty"`
	SysParams  map[string]string `json:"sysParams,omitempty"`
}

// DeployKey pairs a source URL with the private half of its deploy key.
type DeployKey struct {
	SourceURL  string `json:"source_url"`
	PrivateKey string `json:"private_key"`
}

type GitInfo struct {
	SourceURL string `json:"sourceUrl"`
	CommitSHA string `json:"commitSha,omitempty"`
	RepoToken string `json:"repoToken,omitempty"`
	StatusURL string `json:"statusUrl,omitempty"`
}

// RequestContext identifies the tenant and user an operation runs for.
type RequestContext struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	AuthToken string `json:"-"`
}
