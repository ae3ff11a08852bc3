package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"keel/apperr"
	"keel/model"
	"keel/saga"
)

// CreateAssembly creates a QUEUED assembly for the plan and dispatches its
// artifacts. The assembly is returned even when some dispatches failed.
func (d *Dispatcher) CreateAssembly(ctx context.Context, rc model.RequestContext, planUUID, name string) (*model.Assembly, error) {
	p, err := d.reg.GetPlan(ctx, planUUID)
	if err != nil {
		return nil, err
	}
	if p.ProjectID != rc.ProjectID && rc.ProjectID != "" {
		return nil, apperr.New(apperr.CodeNotFound, "plan %s not found", planUUID)
	}
	a, err := d.newAssembly(ctx, p, rc, name)
	if err != nil {
		return nil, err
	}
	return a, d.dispatch(ctx, p, a, rc, source{})
}

func (d *Dispatcher) newAssembly(ctx context.Context, p *model.Plan, rc model.RequestContext, name string) (*model.Assembly, error) {
	if name == "" {
		name = p.Name
	}
	a := &model.Assembly{
		UUID:      uuid.New().String(),
		Name:      name,
		PlanUUID:  p.UUID,
		Status:    model.AssemblyQueued,
		ProjectID: p.ProjectID,
		UserID:    rc.UserID,
		Username:  rc.Username,
	}
	if a.UserID == "" {
		a.UserID = p.UserID
	}
	if err := d.reg.InsertAssembly(ctx, a); err != nil {
		return nil, fmt.Errorf("create assembly: %w", err)
	}
	sg := saga.New(d.events, a.UUID, "api", "assembly")
	if err := sg.Log(ctx, saga.ActionStatus, "assembly "+a.Name+" queued", map[string]string{"plan": p.UUID}); err != nil {
		d.logger.Warn("saga append", "saga", sg.ID, "error", err)
	}
	d.logger.Info("assembly created", "assembly", a.UUID, "plan", p.UUID)
	return a, nil
}

func (d *Dispatcher) GetAssembly(ctx context.Context, uuid string) (*model.Assembly, error) {
	return d.reg.GetAssembly(ctx, uuid)
}

func (d *Dispatcher) ListAssemblies(ctx context.Context, planUUID string) ([]model.Assembly, error) {
	return d.reg.ListAssemblies(ctx, planUUID)
}

func (d *Dispatcher) ListImages(ctx context.Context, assemblyUUID string) ([]model.Image, error) {
	return d.reg.ListImages(ctx, assemblyUUID)
}

func (d *Dispatcher) ListEndpoints(ctx context.Context, assemblyUUID string) ([]model.Endpoint, error) {
	return d.reg.ListEndpoints(ctx, assemblyUUID)
}

// DeleteAssembly hands the assembly to the deployer for teardown. It
// returns once the request is accepted.
func (d *Dispatcher) DeleteAssembly(ctx context.Context, uuid string) error {
	if _, err := d.reg.GetAssembly(ctx, uuid); err != nil {
		return err
	}
	if err := d.deployer.Destroy(ctx, uuid); err != nil {
		return fmt.Errorf("cast destroy: %w", err)
	}
	d.logger.Info("teardown requested", "assembly", uuid)
	return nil
}

// Events returns the newest saga events of an assembly.
func (d *Dispatcher) Events(ctx context.Context, assemblyUUID string, limit int) ([]saga.Event, error) {
	if d.events == nil {
		return nil, nil
	}
	return d.events.ListBySubject(ctx, assemblyUUID, limit)
}

// ImageEvents returns the build trail of one image cycle, oldest first.
func (d *Dispatcher) ImageEvents(ctx context.Context, imageUUID string) ([]saga.Event, error) {
	if _, err := d.reg.GetImage(ctx, imageUUID); err != nil {
		return nil, err
	}
	if d.events == nil {
		return nil, nil
	}
	return d.events.ListBySaga(ctx, imageUUID)
}
