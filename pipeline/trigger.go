package pipeline

import (
	"context"
	"errors"
	"fmt"

	"keel/apperr"
	"keel/conductor"
	"keel/model"
	"keel/saga"
)

// TriggerRequest is what a webhook tells us about the commit to build.
type TriggerRequest struct {
	CommitSHA       string `json:"commitSha"`
	StatusURL       string `json:"statusUrl"`
	CollaboratorURL string `json:"collaboratorUrl"`
}

// Trigger rebuilds every assembly of the plan behind triggerID. An
// untrusted trigger returns UNAUTHORIZED and dispatches nothing.
func (d *Dispatcher) Trigger(ctx context.Context, triggerID string, req TriggerRequest) ([]model.Assembly, error) {
	p, err := d.reg.GetPlanByTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	rc, err := d.trust.Exchange(ctx, p.TrustID)
	if err != nil {
		d.logger.Warn("trigger rejected", "plan", p.UUID, "error", err)
		return nil, err
	}
	if err := d.verifyArtifacts(ctx, p, req.CollaboratorURL); err != nil {
		d.logger.Warn("trigger rejected", "plan", p.UUID, "error", err)
		return nil, err
	}

	assemblies, err := d.reg.ListAssemblies(ctx, p.UUID)
	if err != nil {
		return nil, err
	}
	if len(assemblies) == 0 {
		a, err := d.newAssembly(ctx, p, rc, "")
		if err != nil {
			return nil, err
		}
		assemblies = append(assemblies, *a)
	}

	src := source{commitSHA: req.CommitSHA, statusURL: req.StatusURL}
	var rebuilt []model.Assembly
	var errs []error
	for i := range assemblies {
		a := &assemblies[i]
		if a.Status == model.AssemblyDeleting {
			continue
		}
		if a.Status != model.AssemblyQueued {
			if err := d.status.UpdateAssembly(ctx, conductor.AssemblyUpdate{AssemblyID: a.UUID, Status: model.AssemblyQueued, Message: "triggered"}); err != nil {
				errs = append(errs, err)
				continue
			}
			a.Status = model.AssemblyQueued
		}
		sg := saga.New(d.events, a.UUID, "api", "trigger")
		if err := sg.Log(ctx, saga.ActionStatus, "triggered at "+short(req.CommitSHA), map[string]string{"commit": req.CommitSHA}); err != nil {
			d.logger.Warn("saga append", "saga", sg.ID, "error", err)
		}
		if err := d.dispatch(ctx, p, a, rc, src); err != nil {
			errs = append(errs, err)
		}
		rebuilt = append(rebuilt, *a)
	}
	if len(errs) > 0 {
		return rebuilt, fmt.Errorf("trigger %s: %w", triggerID, errors.Join(errs...))
	}
	return rebuilt, nil
}

// verifyArtifacts checks the triggering actor against the collaborator
// endpoint with each artifact's token. Any refusal rejects the whole
// trigger so no partial build starts.
func (d *Dispatcher) verifyArtifacts(ctx context.Context, p *model.Plan, collabURL string) error {
	if collabURL == "" || d.verifier == nil || p.Content == nil {
		return nil
	}
	for _, art := range p.Content.Artifacts {
		ok, err := d.verifier.Verify(ctx, collabURL, art.RepoToken)
		if err != nil {
			return fmt.Errorf("verify %s: %w", art.Name, err)
		}
		if !ok {
			return apperr.New(apperr.CodeUnauthorized, "sender is not a collaborator on %s", art.Name)
		}
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	if sha == "" {
		return "HEAD"
	}
	return sha
}
