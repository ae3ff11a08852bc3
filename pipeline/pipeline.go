// Package pipeline is the API side of the build pipeline: it stores plans,
// creates assemblies and dispatches one build per artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"keel/apperr"
	"keel/conductor"
	"keel/model"
	"keel/plan"
	"keel/saga"
	"keel/store"
	"keel/worker"
)

// Keys provisions and removes deploy keys. deploykey.Provisioner implements it.
type Keys interface {
	Provision(ctx context.Context, planUUID string, content *model.PlanContent) (map[string]string, error)
	Delete(ctx context.Context, sysParams map[string]string) error
}

// Trust issues and redeems the delegated credential stored with a plan.
type Trust interface {
	Issue(rc model.RequestContext) (string, error)
	Exchange(ctx context.Context, trustID string) (model.RequestContext, error)
}

type Verifier interface {
	Verify(ctx context.Context, collabURL, token string) (bool, error)
}

type Builder interface {
	Build(ctx context.Context, job worker.BuildJob) error
}

type Destroyer interface {
	Destroy(ctx context.Context, assemblyID string) error
}

// Reporter is the conductor entry point, either in process or over
// messaging.
type Reporter interface {
	UpdateImage(ctx context.Context, u conductor.ImageUpdate) error
	UpdateAssembly(ctx context.Context, u conductor.AssemblyUpdate) error
}

type Deps struct {
	Registry store.Registry
	Plans    *plan.Registry
	Keys     Keys
	Trust    Trust
	Verifier Verifier
	Worker   Builder
	Deployer Destroyer
	Status   Reporter
	Events   saga.Store
	Defaults plan.Defaults
	Logger   *slog.Logger
}

type Dispatcher struct {
	reg      store.Registry
	plans    *plan.Registry
	keys     Keys
	trust    Trust
	verifier Verifier
	worker   Builder
	deployer Destroyer
	status   Reporter
	events   saga.Store
	defaults plan.Defaults
	logger   *slog.Logger
}

func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	plans := d.Plans
	if plans == nil {
		plans = plan.DefaultRegistry()
	}
	return &Dispatcher{
		reg:      d.Registry,
		plans:    plans,
		keys:     d.Keys,
		trust:    d.Trust,
		verifier: d.Verifier,
		worker:   d.Worker,
		deployer: d.Deployer,
		status:   d.Status,
		events:   d.Events,
		defaults: d.Defaults,
		logger:   logger.With("component", "pipeline"),
	}
}

// source is what a dispatch knows about the commit being built.
type source struct {
	commitSHA string
	statusURL string
}

// dispatch creates a PENDING image for every artifact of p and casts a
// build for it. A failing artifact does not stop its siblings; all
// failures are joined into the returned error.
func (d *Dispatcher) dispatch(ctx context.Context, p *model.Plan, a *model.Assembly, rc model.RequestContext, src source) error {
	if p.Content == nil || len(p.Content.Artifacts) == 0 {
		return nil
	}
	var credsRef string
	params, err := d.reg.GetParameters(ctx, p.UUID)
	switch {
	case err == nil:
		credsRef = params.SysParams[model.SysParamDeployKeys]
	case !errors.Is(err, apperr.NotFound):
		return err
	}

	var errs []error
	for _, art := range p.Content.Artifacts {
		if err := d.dispatchArtifact(ctx, art, a, rc, src, credsRef); err != nil {
			d.logger.Error("dispatch artifact", "assembly", a.UUID, "artifact", art.Name, "error", err)
			errs = append(errs, fmt.Errorf("artifact %s: %w", art.Name, err))
		}
	}
	return errors.Join(errs...)
}

// dispatchArtifact logs under the image uuid, the saga id the conductor
// continues for the rest of the image cycle.
func (d *Dispatcher) dispatchArtifact(ctx context.Context, art model.Artifact, a *model.Assembly, rc model.RequestContext, src source, credsRef string) error {
	if art.Content.Href == "" {
		return apperr.New(apperr.CodeInvalidInput, "artifact has no content.href")
	}
	req := plan.Request(art, d.defaults)

	img := &model.Image{
		UUID:         uuid.New().String(),
		Name:         req.Name,
		SourceURI:    req.SourceURI,
		BaseImageID:  req.BaseImageID,
		SourceFormat: req.SourceFormat,
		ImageFormat:  req.ImageFormat,
		State:        model.ImagePending,
		AssemblyUUID: a.UUID,
		ProjectID:    a.ProjectID,
		UserID:       a.UserID,
	}
	if err := d.reg.InsertImage(ctx, img); err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	sg := saga.Resume(d.events, img.UUID, a.UUID, "api", "build")

	token := art.StatusToken
	if token == "" {
		token = req.RepoToken
	}
	job := worker.BuildJob{
		BuildID: img.UUID,
		GitInfo: model.GitInfo{
			SourceURL: req.SourceURI,
			CommitSHA: src.commitSHA,
			RepoToken: token,
			StatusURL: src.statusURL,
		},
		Name:         req.Name,
		BaseImageID:  req.BaseImageID,
		SourceFormat: req.SourceFormat,
		ImageFormat:  req.ImageFormat,
		AssemblyID:   a.UUID,
		TestCmd:      req.TestCmd,
		RunCmd:       req.RunCmd,
		ProjectID:    a.ProjectID,
		UserID:       a.UserID,
		AuthToken:    rc.AuthToken,
	}
	if req.Private {
		job.SourceCredsRef = credsRef
	}

	if err := d.worker.Build(ctx, job); err != nil {
		// nobody will ever pick this image up
		if uerr := d.status.UpdateImage(ctx, conductor.ImageUpdate{
			ImageID:    img.UUID,
			AssemblyID: a.UUID,
			State:      model.ImageError,
			Message:    "dispatch failed",
		}); uerr != nil {
			d.logger.Error("mark undispatched image", "image", img.UUID, "error", uerr)
		}
		return fmt.Errorf("cast build: %w", err)
	}
	if err := sg.Log(ctx, saga.ActionStatus, "build dispatched for "+req.Name, map[string]string{
		"image":  img.UUID,
		"commit": src.commitSHA,
	}); err != nil {
		d.logger.Warn("saga append", "saga", sg.ID, "error", err)
	}
	d.logger.Info("build dispatched", "assembly", a.UUID, "image", img.UUID, "artifact", req.Name)
	return nil
}
