package plan

import (
	"strings"

	"keel/apperr"
	"keel/model"
)

// DefaultBaseImage lets the resolver pick the base image for the image format.
const DefaultBaseImage = "auto"

// Defaults fills in what an artifact leaves unset.
type Defaults struct {
	SourceFormat string
	ImageFormat  string
}

// BuildRequest is one artifact normalized for the build pipeline.
type BuildRequest struct {
	Name         string `json:"name"`
	SourceURI    string `json:"sourceUri"`
	BaseImageID  string `json:"baseImageId"`
	SourceFormat string `json:"sourceFormat"`
	ImageFormat  string `json:"imageFormat"`
	TestCmd      string `json:"testCmd,omitempty"`
	RunCmd       string `json:"runCmd,omitempty"`
	RepoToken    string `json:"-"`
	Private      bool   `json:"private,omitempty"`
}

// Validate checks every artifact has what a build needs.
func Validate(content *model.PlanContent) error {
	if content == nil {
		return apperr.New(apperr.CodeInvalidInput, "plan has no content")
	}
	for i, a := range content.Artifacts {
		if strings.TrimSpace(a.Name) == "" {
			return apperr.New(apperr.CodeInvalidInput, "artifact %d has no name", i)
		}
		if strings.TrimSpace(a.Content.Href) == "" {
			return apperr.New(apperr.CodeInvalidInput, "artifact %d (%s) has no content.href", i, a.Name)
		}
	}
	return nil
}

// Extract turns each artifact into a BuildRequest, in document order.
func Extract(content *model.PlanContent, d Defaults) ([]BuildRequest, error) {
	if err := Validate(content); err != nil {
		return nil, err
	}
	reqs := make([]BuildRequest, 0, len(content.Artifacts))
	for _, a := range content.Artifacts {
		reqs = append(reqs, Request(a, d))
	}
	return reqs, nil
}

// Request normalizes a single artifact.
func Request(a model.Artifact, d Defaults) BuildRequest {
	base := a.LanguagePack
	if base == "" {
		base = DefaultBaseImage
	}
	format := a.ArtifactType
	if format == "" {
		format = d.SourceFormat
	}
	return BuildRequest{
		Name:         a.Name,
		SourceURI:    strings.TrimSpace(a.Content.Href),
		BaseImageID:  base,
		SourceFormat: format,
		ImageFormat:  d.ImageFormat,
		TestCmd:      a.UnittestCmd,
		RunCmd:       a.RunCmd,
		RepoToken:    a.RepoToken,
		Private:      a.Content.Private,
	}
}

// PrivateArtifacts returns pointers into content for artifacts whose
// source needs a deploy key.
func PrivateArtifacts(content *model.PlanContent) []*model.Artifact {
	var out []*model.Artifact
	for i := range content.Artifacts {
		if content.Artifacts[i].Content.Private {
			out = append(out, &content.Artifacts[i])
		}
	}
	return out
}
