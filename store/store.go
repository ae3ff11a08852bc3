// Package store is the registry of plans, parameters, assemblies, images
// and endpoints.
package store

import (
	"context"
	"time"

	"keel/model"
)

// Registry is implemented by the Postgres DB and by Memory.
//
// Delete operations fail with apperr.StillReferenced while dependent
// records exist: assemblies keep their plan alive and endpoints keep
// their assembly alive. Images are detached from a deleted assembly.
//
// Status writes are conditional: UpdateAssemblyStatus and UpdateImage
// change the record only while it still holds the from value and fail
// with apperr.Conflict otherwise, so writers in different processes
// cannot overwrite each other.
type Registry interface {
	InsertPlan(ctx context.Context, p *model.Plan) error
	GetPlan(ctx context.Context, uuid string) (*model.Plan, error)
	GetPlanByTrigger(ctx context.Context, triggerID string) (*model.Plan, error)
	ListPlans(ctx context.Context, projectID string) ([]model.Plan, error)
	DeletePlan(ctx context.Context, uuid string) error

	SaveParameters(ctx context.Context, p *model.Parameter) error
	GetParameters(ctx context.Context, planUUID string) (*model.Parameter, error)
	DeleteParameters(ctx context.Context, planUUID string) error

	InsertAssembly(ctx context.Context, a *model.Assembly) error
	GetAssembly(ctx context.Context, uuid string) (*model.Assembly, error)
	ListAssemblies(ctx context.Context, planUUID string) ([]model.Assembly, error)
	UpdateAssemblyStatus(ctx context.Context, uuid string, from, to model.AssemblyStatus) error
	DeleteAssembly(ctx context.Context, uuid string) error

	InsertImage(ctx context.Context, img *model.Image) error
	GetImage(ctx context.Context, uuid string) (*model.Image, error)
	UpdateImage(ctx context.Context, uuid string, from, to model.ImageState, externalRef string) error
	ListImages(ctx context.Context, assemblyUUID string) ([]model.Image, error)
	ListStaleImages(ctx context.Context, before time.Time) ([]model.Image, error)

	InsertEndpoint(ctx context.Context, e *model.Endpoint) error
	ListEndpoints(ctx context.Context, assemblyUUID string) ([]model.Endpoint, error)
	DeleteEndpoints(ctx context.Context, assemblyUUID string) error

	Healthy(ctx context.Context) error
}
