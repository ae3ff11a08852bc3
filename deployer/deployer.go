// Package deployer starts COMPLETE images and tears assemblies down.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keel/apperr"
	"keel/conductor"
	"keel/model"
	"keel/saga"
	"keel/store"
)

// Reporter applies assembly transitions. conductor.Propagator and
// conductor.Client implement it.
type Reporter interface {
	UpdateAssembly(ctx context.Context, u conductor.AssemblyUpdate) error
}

type Service struct {
	reg     store.Registry
	status  Reporter
	backend Backend
	events  saga.Store
	logger  *slog.Logger
}

// NewService builds the deployer. events may be nil, in which case no
// step trail is kept.
func NewService(reg store.Registry, status Reporter, backend Backend, events saga.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reg:     reg,
		status:  status,
		backend: backend,
		events:  events,
		logger:  logger.With("component", "deployer", "backend", backend.Name()),
	}
}

// Deploy runs imageRef for the assembly, records its endpoints and marks
// it READY. A failed deploy marks the assembly ERROR.
func (s *Service) Deploy(ctx context.Context, assemblyID, imageRef string) error {
	a, err := s.reg.GetAssembly(ctx, assemblyID)
	if err != nil {
		return err
	}
	if a.Status == model.AssemblyDeleting {
		s.logger.Warn("skipping deploy of deleting assembly", "assembly", assemblyID)
		return nil
	}

	sg := saga.New(s.events, assemblyID, "deployer", "deploy")
	s.logStep(sg.StepStart(ctx, "deploy "+imageRef))
	start := time.Now()
	addrs, err := s.backend.Deploy(ctx, a, imageRef)
	if err != nil {
		s.logStep(sg.StepFailed(ctx, "deploy "+imageRef, err))
		s.setStatus(ctx, assemblyID, model.AssemblyError, "deploy failed: "+err.Error())
		return fmt.Errorf("deploy %s: %w", assemblyID, err)
	}
	s.logStep(sg.StepComplete(ctx, "deploy "+imageRef, time.Since(start)))
	for _, addr := range addrs {
		if err := s.reg.InsertEndpoint(ctx, &model.Endpoint{AssemblyUUID: assemblyID, Address: addr, ImageID: imageRef}); err != nil {
			s.logger.Warn("record endpoint", "assembly", assemblyID, "address", addr, "error", err)
		}
	}
	s.logger.Info("assembly deployed", "assembly", assemblyID, "image", imageRef, "endpoints", len(addrs))
	s.setStatus(ctx, assemblyID, model.AssemblyReady, "deployed "+imageRef)
	return nil
}

// Destroy marks the assembly DELETING, removes its workload and endpoints
// and deletes the record. When something still references the assembly
// the record stays in DELETING and a STILL_REFERENCED error is returned.
func (s *Service) Destroy(ctx context.Context, assemblyID string) error {
	a, err := s.reg.GetAssembly(ctx, assemblyID)
	if errors.Is(err, apperr.NotFound) {
		s.logger.Info("assembly already removed", "assembly", assemblyID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.status.UpdateAssembly(ctx, conductor.AssemblyUpdate{
		AssemblyID: assemblyID,
		Status:     model.AssemblyDeleting,
		Message:    "teardown started",
	}); err != nil {
		return fmt.Errorf("mark deleting: %w", err)
	}

	sg := saga.New(s.events, assemblyID, "deployer", "teardown")
	s.logStep(sg.StepStart(ctx, "teardown"))
	start := time.Now()
	if err := s.backend.Destroy(ctx, a); err != nil {
		s.logStep(sg.StepFailed(ctx, "teardown", err))
		return fmt.Errorf("destroy %s: %w", assemblyID, err)
	}
	if err := s.reg.DeleteEndpoints(ctx, assemblyID); err != nil {
		s.logStep(sg.StepFailed(ctx, "teardown", err))
		return fmt.Errorf("remove endpoints: %w", err)
	}

	err = s.reg.DeleteAssembly(ctx, assemblyID)
	switch {
	case err == nil:
		s.logStep(sg.StepComplete(ctx, "teardown", time.Since(start)))
		s.logger.Info("assembly removed", "assembly", assemblyID)
		return nil
	case errors.Is(err, apperr.NotFound):
		return nil
	case errors.Is(err, apperr.StillReferenced):
		s.logStep(sg.StepFailed(ctx, "teardown", err))
		s.logger.Warn("assembly still referenced, left in DELETING", "assembly", assemblyID)
		return err
	default:
		s.logStep(sg.StepFailed(ctx, "teardown", err))
		return fmt.Errorf("delete assembly %s: %w", assemblyID, err)
	}
}

func (s *Service) logStep(err error) {
	if err != nil {
		s.logger.Warn("saga append", "error", err)
	}
}

func (s *Service) setStatus(ctx context.Context, assemblyID string, status model.AssemblyStatus, msg string) {
	if err := s.status.UpdateAssembly(ctx, conductor.AssemblyUpdate{AssemblyID: assemblyID, Status: status, Message: msg}); err != nil {
		s.logger.Error("report assembly status", "assembly", assemblyID, "status", status, "error", err)
	}
}
