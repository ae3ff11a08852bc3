package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"keel/apperr"
	"keel/model"
	"keel/plan"
)

// CreatePlan parses raw, provisions deploy keys for private artifacts and
// stores the plan with a fresh trust and trigger id.
func (d *Dispatcher) CreatePlan(ctx context.Context, rc model.RequestContext, raw []byte) (*model.Plan, error) {
	content, err := d.plans.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(content); err != nil {
		return nil, err
	}

	p := &model.Plan{
		UUID:      uuid.New().String(),
		Name:      content.Name,
		ProjectID: rc.ProjectID,
		UserID:    rc.UserID,
		Username:  rc.Username,
		TriggerID: uuid.New().String(),
		Version:   content.Version,
		Content:   content,
	}
	if p.Name == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "plan has no name")
	}
	if d.trust != nil {
		trustID, err := d.trust.Issue(rc)
		if err != nil {
			return nil, fmt.Errorf("issue trust: %w", err)
		}
		p.TrustID = trustID
	}

	sys, err := d.keys.Provision(ctx, p.UUID, content)
	if err != nil {
		return nil, err
	}
	if err := d.reg.InsertPlan(ctx, p); err != nil {
		d.undoKeys(ctx, p.UUID, sys)
		return nil, fmt.Errorf("store plan: %w", err)
	}
	if err := d.reg.SaveParameters(ctx, &model.Parameter{PlanUUID: p.UUID, SysParams: sys}); err != nil {
		d.undoKeys(ctx, p.UUID, sys)
		d.reg.DeletePlan(ctx, p.UUID)
		return nil, fmt.Errorf("store parameters: %w", err)
	}

	d.logger.Info("plan created", "plan", p.UUID, "name", p.Name, "artifacts", len(content.Artifacts), "private", len(plan.PrivateArtifacts(content)))
	return p, nil
}

func (d *Dispatcher) undoKeys(ctx context.Context, planUUID string, sys map[string]string) {
	if err := d.keys.Delete(ctx, sys); err != nil {
		d.logger.Error("remove deploy keys of unsaved plan", "plan", planUUID, "error", err)
	}
}

func (d *Dispatcher) GetPlan(ctx context.Context, uuid string) (*model.Plan, error) {
	return d.reg.GetPlan(ctx, uuid)
}

func (d *Dispatcher) ListPlans(ctx context.Context, projectID string) ([]model.Plan, error) {
	return d.reg.ListPlans(ctx, projectID)
}

// DeletePlan removes the plan's deploy keys and then the plan. A plan with
// assemblies is STILL_REFERENCED and keeps its keys.
func (d *Dispatcher) DeletePlan(ctx context.Context, uuid string) error {
	if _, err := d.reg.GetPlan(ctx, uuid); err != nil {
		return err
	}
	assemblies, err := d.reg.ListAssemblies(ctx, uuid)
	if err != nil {
		return err
	}
	if len(assemblies) > 0 {
		return apperr.New(apperr.CodeStillReferenced, "plan %s has %d assemblies", uuid, len(assemblies))
	}

	params, err := d.reg.GetParameters(ctx, uuid)
	switch {
	case err == nil:
		if err := d.keys.Delete(ctx, params.SysParams); err != nil {
			return err
		}
		if err := d.reg.DeleteParameters(ctx, uuid); err != nil {
			return err
		}
	case !errors.Is(err, apperr.NotFound):
		return err
	}

	if err := d.reg.DeletePlan(ctx, uuid); err != nil {
		return err
	}
	d.logger.Info("plan deleted", "plan", uuid)
	return nil
}
