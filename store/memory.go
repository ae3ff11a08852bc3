package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"keel/apperr"
	"keel/model"
)

// Memory is an in-process Registry with the same reference rules as the
// Postgres schema. It backs the all-in-one role and tests.
type Memory struct {
	mu         sync.RWMutex
	plans      map[string]model.Plan
	params     map[string]model.Parameter
	assemblies map[string]model.Assembly
	images     map[string]model.Image
	endpoints  map[string][]model.Endpoint
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		plans:      make(map[string]model.Plan),
		params:     make(map[string]model.Parameter),
		assemblies: make(map[string]model.Assembly),
		images:     make(map[string]model.Image),
		endpoints:  make(map[string][]model.Endpoint),
	}
}

func notFound(what string) error {
	return apperr.New(apperr.CodeNotFound, "%s not found", what)
}

func conflict(kind, uuid, want, got string) error {
	return apperr.New(apperr.CodeConflict, "%s %s is %s, not %s", kind, uuid, got, want)
}

func (m *Memory) InsertPlan(_ context.Context, p *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.UUID]; ok {
		return apperr.New(apperr.CodeInvalidInput, "plan %s already exists", p.UUID)
	}
	for _, other := range m.plans {
		if other.TriggerID == p.TriggerID {
			return apperr.New(apperr.CodeInvalidInput, "trigger %s already in use", p.TriggerID)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.plans[p.UUID] = *p
	return nil
}

func (m *Memory) GetPlan(_ context.Context, uuid string) (*model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[uuid]
	if !ok {
		return nil, notFound("plan " + uuid)
	}
	return &p, nil
}

func (m *Memory) GetPlanByTrigger(_ context.Context, triggerID string) (*model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.TriggerID == triggerID {
			return &p, nil
		}
	}
	return nil, notFound("trigger " + triggerID)
}

func (m *Memory) ListPlans(_ context.Context, projectID string) ([]model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Plan
	for _, p := range m.plans {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeletePlan(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[uuid]; !ok {
		return notFound("plan " + uuid)
	}
	for _, a := range m.assemblies {
		if a.PlanUUID == uuid {
			return apperr.New(apperr.CodeStillReferenced, "plan %s is still referenced by assembly %s", uuid, a.UUID)
		}
	}
	delete(m.plans, uuid)
	delete(m.params, uuid)
	return nil
}

func (m *Memory) SaveParameters(_ context.Context, p *model.Parameter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.PlanUUID]; !ok {
		return apperr.New(apperr.CodeStillReferenced, "plan %s does not exist", p.PlanUUID)
	}
	m.params[p.PlanUUID] = model.Parameter{
		PlanUUID:   p.PlanUUID,
		UserParams: copyMap(p.UserParams),
		SysParams:  copyMap(p.SysParams),
	}
	return nil
}

func (m *Memory) GetParameters(_ context.Context, planUUID string) (*model.Parameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[planUUID]
	if !ok {
		return nil, notFound("parameters for plan " + planUUID)
	}
	p.UserParams = copyMap(p.UserParams)
	p.SysParams = copyMap(p.SysParams)
	return &p, nil
}

func (m *Memory) DeleteParameters(_ context.Context, planUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.params, planUUID)
	return nil
}

func (m *Memory) InsertAssembly(_ context.Context, a *model.Assembly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[a.PlanUUID]; !ok {
		return apperr.New(apperr.CodeStillReferenced, "plan %s does not exist", a.PlanUUID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.assemblies[a.UUID] = *a
	return nil
}

func (m *Memory) GetAssembly(_ context.Context, uuid string) (*model.Assembly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assemblies[uuid]
	if !ok {
		return nil, notFound("assembly " + uuid)
	}
	return &a, nil
}

func (m *Memory) ListAssemblies(_ context.Context, planUUID string) ([]model.Assembly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Assembly
	for _, a := range m.assemblies {
		if a.PlanUUID == planUUID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateAssemblyStatus(_ context.Context, uuid string, from, to model.AssemblyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assemblies[uuid]
	if !ok {
		return notFound("assembly " + uuid)
	}
	if a.Status != from {
		return conflict("assembly", uuid, string(from), string(a.Status))
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	m.assemblies[uuid] = a
	return nil
}

func (m *Memory) DeleteAssembly(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assemblies[uuid]; !ok {
		return notFound("assembly " + uuid)
	}
	if len(m.endpoints[uuid]) > 0 {
		return apperr.New(apperr.CodeStillReferenced, "assembly %s still has endpoints", uuid)
	}
	delete(m.assemblies, uuid)
	for id, img := range m.images {
		if img.AssemblyUUID == uuid {
			img.AssemblyUUID = ""
			m.images[id] = img
		}
	}
	return nil
}

func (m *Memory) InsertImage(_ context.Context, img *model.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img.AssemblyUUID != "" {
		if _, ok := m.assemblies[img.AssemblyUUID]; !ok {
			return apperr.New(apperr.CodeStillReferenced, "assembly %s does not exist", img.AssemblyUUID)
		}
	}
	now := time.Now().UTC()
	img.CreatedAt, img.UpdatedAt = now, now
	m.images[img.UUID] = *img
	return nil
}

func (m *Memory) GetImage(_ context.Context, uuid string) (*model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[uuid]
	if !ok {
		return nil, notFound("image " + uuid)
	}
	return &img, nil
}

func (m *Memory) UpdateImage(_ context.Context, uuid string, from, to model.ImageState, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[uuid]
	if !ok {
		return notFound("image " + uuid)
	}
	if img.State != from {
		return conflict("image", uuid, string(from), string(img.State))
	}
	img.State = to
	if externalRef != "" {
		img.ExternalRef = externalRef
	}
	img.UpdatedAt = time.Now().UTC()
	m.images[uuid] = img
	return nil
}

func (m *Memory) ListImages(_ context.Context, assemblyUUID string) ([]model.Image, error) {
	return m.filterImages(func(img model.Image) bool { return img.AssemblyUUID == assemblyUUID }), nil
}

func (m *Memory) ListStaleImages(_ context.Context, before time.Time) ([]model.Image, error) {
	return m.filterImages(func(img model.Image) bool {
		return !img.State.Terminal() && img.UpdatedAt.Before(before)
	}), nil
}

func (m *Memory) filterImages(keep func(model.Image) bool) []model.Image {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Image
	for _, img := range m.images {
		if keep(img) {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) InsertEndpoint(_ context.Context, e *model.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assemblies[e.AssemblyUUID]; !ok {
		return apperr.New(apperr.CodeStillReferenced, "assembly %s does not exist", e.AssemblyUUID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	list := m.endpoints[e.AssemblyUUID]
	for i := range list {
		if list[i].Address == e.Address {
			list[i].ImageID = e.ImageID
			return nil
		}
	}
	m.endpoints[e.AssemblyUUID] = append(list, *e)
	return nil
}

func (m *Memory) ListEndpoints(_ context.Context, assemblyUUID string) ([]model.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Endpoint(nil), m.endpoints[assemblyUUID]...), nil
}

func (m *Memory) DeleteEndpoints(_ context.Context, assemblyUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, assemblyUUID)
	return nil
}

func (m *Memory) Healthy(context.Context) error { return nil }

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
