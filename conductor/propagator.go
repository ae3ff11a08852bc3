// Package conductor applies image and assembly status transitions and
// starts the deploy of images that complete. It is the only writer of
// image state and of assembly build status.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"keel/apperr"
	"keel/hub"
	"keel/model"
	"keel/saga"
	"keel/scm"
	"keel/store"
)

// Callback addresses the source-control status endpoint for a build.
type Callback struct {
	StatusURL string `json:"statusUrl"`
	Token     string `json:"token,omitempty"`
}

type ImageUpdate struct {
	ImageID     string           `json:"imageId"`
	AssemblyID  string           `json:"assemblyId,omitempty"`
	State       model.ImageState `json:"state"`
	Message     string           `json:"message,omitempty"`
	ExternalRef string           `json:"externalRef,omitempty"`
	LogURL      string           `json:"logUrl,omitempty"`
	Callback    *Callback        `json:"callback,omitempty"`
}

type AssemblyUpdate struct {
	AssemblyID string               `json:"assemblyId"`
	Status     model.AssemblyStatus `json:"status"`
	Message    string               `json:"message,omitempty"`
	SagaID     string               `json:"sagaId,omitempty"`
}

// Notifier posts commit statuses. scm.Client implements it.
type Notifier interface {
	Notify(ctx context.Context, statusURL, token string, st scm.Status) error
}

type Broadcaster interface {
	Broadcast(evt hub.Event)
}

// Deployer starts a built image. deployer.Client implements it.
type Deployer interface {
	Deploy(ctx context.Context, assemblyID, imageRef string) error
}

// maxAttempts bounds the re-reads after a conditional write lost to
// another writer.
const maxAttempts = 5

type Propagator struct {
	reg      store.Registry
	notifier Notifier
	hub      Broadcaster
	events   saga.Store
	deployer Deployer
	logger   *slog.Logger

	mu sync.Mutex
}

type Option func(*Propagator)

func WithNotifier(n Notifier) Option { return func(p *Propagator) { p.notifier = n } }
func WithBroadcaster(b Broadcaster) Option { return func(p *Propagator) { p.hub = b } }
func WithEvents(s saga.Store) Option { return func(p *Propagator) { p.events = s } }

// WithDeployer makes the propagator start the deploy of every image it
// moves to COMPLETE with an image reference.
func WithDeployer(d Deployer) Option { return func(p *Propagator) { p.deployer = d } }

func NewPropagator(reg store.Registry, logger *slog.Logger, opts ...Option) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Propagator{reg: reg, logger: logger.With("component", "conductor")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// callbackStatus maps image states to commit statuses. States missing
// from the table are not reported.
var callbackStatus = map[model.ImageState]scm.Status{
	model.ImageUnitTesting:       {State: scm.StatePending, Description: "Testing in progress"},
	model.ImageUnitTestingFailed: {State: scm.StateFailure, Description: "Tests failed"},
	model.ImageBuilding:          {State: scm.StatePending, Description: "Build in progress"},
	model.ImageComplete:          {State: scm.StateSuccess, Description: "Build succeeded"},
	model.ImageError:             {State: scm.StateFailure, Description: "Build failed"},
}

// UpdateImage applies u. Repeating an update, or sending one that would
// move the image backwards, changes nothing and reports nothing. The
// deploy of a COMPLETE image is started here, once, by the update that
// made it COMPLETE.
func (p *Propagator) UpdateImage(ctx context.Context, u ImageUpdate) error {
	if u.ImageID == "" {
		return nil
	}
	if !u.State.Valid() {
		return apperr.New(apperr.CodeInvalidInput, "unknown image state %q", u.State)
	}

	applied, assemblyID, err := p.applyImage(ctx, u)
	if err != nil || !applied {
		return err
	}

	meta := map[string]string{"image": u.ImageID, "state": string(u.State)}
	if u.ExternalRef != "" {
		meta["externalRef"] = u.ExternalRef
	}
	if u.LogURL != "" {
		meta["log"] = u.LogURL
	}
	p.record(ctx, u.ImageID, assemblyID, "build", fmt.Sprintf("image %s: %s", u.State, message(u.Message, string(u.State))), meta)
	p.broadcast(hub.Event{Type: hub.TypeImageState, Subject: assemblyID, Payload: map[string]string{
		"image": u.ImageID,
		"state": string(u.State),
	}})
	p.notify(ctx, u)
	if u.State == model.ImageComplete {
		p.deploy(ctx, assemblyID, u)
	}
	return nil
}

func (p *Propagator) applyImage(ctx context.Context, u ImageUpdate) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 1; ; attempt++ {
		img, err := p.reg.GetImage(ctx, u.ImageID)
		if err != nil {
			return false, "", err
		}
		assemblyID := u.AssemblyID
		if assemblyID == "" {
			assemblyID = img.AssemblyUUID
		}
		if img.State == u.State {
			p.logger.Debug("image update already applied", "image", u.ImageID, "state", u.State)
			return false, assemblyID, nil
		}
		if !img.State.CanTransition(u.State) {
			p.logger.Warn("ignoring image transition", "image", u.ImageID, "from", img.State, "to", u.State)
			return false, assemblyID, nil
		}
		err = p.reg.UpdateImage(ctx, u.ImageID, img.State, u.State, u.ExternalRef)
		if errors.Is(err, apperr.Conflict) && attempt < maxAttempts {
			p.logger.Debug("image changed during update", "image", u.ImageID, "attempt", attempt)
			continue
		}
		if err != nil {
			return false, assemblyID, err
		}
		p.logger.Info("image state", "image", u.ImageID, "state", u.State, "assembly", assemblyID)

		if status, ok := model.AssemblyStatusFor(u.State); ok && assemblyID != "" {
			if _, err := p.applyAssembly(ctx, AssemblyUpdate{AssemblyID: assemblyID, Status: status, Message: u.Message, SagaID: u.ImageID}); err != nil {
				p.logger.Warn("mirror image state onto assembly", "assembly", assemblyID, "error", err)
			}
		}
		return true, assemblyID, nil
	}
}

// deploy hands a freshly COMPLETE image to the deployer. An image that
// completed without a reference, as in test-only runs, is not deployed.
func (p *Propagator) deploy(ctx context.Context, assemblyID string, u ImageUpdate) {
	if p.deployer == nil || assemblyID == "" {
		return
	}
	if u.ExternalRef == "" {
		p.logger.Debug("complete image has no reference, not deploying", "image", u.ImageID)
		return
	}
	if err := p.deployer.Deploy(ctx, assemblyID, u.ExternalRef); err != nil {
		p.logger.Error("start deploy", "assembly", assemblyID, "image", u.ImageID, "error", err)
		if uerr := p.UpdateAssembly(ctx, AssemblyUpdate{
			AssemblyID: assemblyID,
			Status:     model.AssemblyError,
			Message:    "deploy could not be started",
			SagaID:     u.ImageID,
		}); uerr != nil {
			p.logger.Error("report deploy failure", "assembly", assemblyID, "error", uerr)
		}
	}
}

// UpdateAssembly applies u under the same idempotency rules as UpdateImage.
func (p *Propagator) UpdateAssembly(ctx context.Context, u AssemblyUpdate) error {
	if u.AssemblyID == "" {
		return nil
	}
	if !u.Status.Valid() {
		return apperr.New(apperr.CodeInvalidInput, "unknown assembly status %q", u.Status)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.applyAssembly(ctx, u)
	return err
}

// applyAssembly must be called with p.mu held.
func (p *Propagator) applyAssembly(ctx context.Context, u AssemblyUpdate) (bool, error) {
	for attempt := 1; ; attempt++ {
		a, err := p.reg.GetAssembly(ctx, u.AssemblyID)
		if err != nil {
			return false, err
		}
		if a.Status == u.Status {
			return false, nil
		}
		if !a.Status.CanTransition(u.Status) {
			p.logger.Warn("ignoring assembly transition", "assembly", u.AssemblyID, "from", a.Status, "to", u.Status)
			return false, nil
		}
		err = p.reg.UpdateAssemblyStatus(ctx, u.AssemblyID, a.Status, u.Status)
		if errors.Is(err, apperr.Conflict) && attempt < maxAttempts {
			p.logger.Debug("assembly changed during update", "assembly", u.AssemblyID, "attempt", attempt)
			continue
		}
		if err != nil {
			return false, err
		}
		break
	}
	p.logger.Info("assembly status", "assembly", u.AssemblyID, "status", u.Status)

	sagaID := u.SagaID
	if sagaID == "" {
		sagaID = u.AssemblyID
	}
	p.record(ctx, sagaID, u.AssemblyID, "assembly", fmt.Sprintf("assembly %s: %s", u.Status, message(u.Message, string(u.Status))),
		map[string]string{"status": string(u.Status)})
	p.broadcast(hub.Event{Type: hub.TypeAssemblyStatus, Subject: u.AssemblyID, Payload: map[string]string{
		"status": string(u.Status),
	}})
	return true, nil
}

func (p *Propagator) record(ctx context.Context, sagaID, subject, category, msg string, meta map[string]string) {
	if p.events == nil {
		return
	}
	s := saga.Resume(p.events, sagaID, subject, "conductor", category)
	if err := s.Log(ctx, saga.ActionStatus, msg, meta); err != nil {
		p.logger.Warn("saga append", "saga", sagaID, "error", err)
	}
}

func (p *Propagator) broadcast(evt hub.Event) {
	if p.hub != nil {
		p.hub.Broadcast(evt)
	}
}

// notify is best effort; failures are logged only.
func (p *Propagator) notify(ctx context.Context, u ImageUpdate) {
	if p.notifier == nil || u.Callback == nil || u.Callback.StatusURL == "" {
		return
	}
	st, ok := callbackStatus[u.State]
	if !ok {
		return
	}
	st.TargetURL = u.LogURL
	if err := p.notifier.Notify(ctx, u.Callback.StatusURL, u.Callback.Token, st); err != nil {
		p.logger.Warn("status callback failed", "image", u.ImageID, "state", st.State, "error", err)
	}
}

func message(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
