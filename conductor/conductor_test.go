package conductor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/hub"
	"keel/messaging"
	"keel/model"
	"keel/saga"
	"keel/scm"
	"keel/store"
)

type sentStatus struct {
	url, token string
	st         scm.Status
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentStatus
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, url, token string, st scm.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentStatus{url, token, st})
	return f.err
}

type fakeHub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (f *fakeHub) Broadcast(evt hub.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

// countingRegistry fails the test on any registry access.
type countingRegistry struct {
	store.Registry
	t *testing.T
}

func (c countingRegistry) GetImage(context.Context, string) (*model.Image, error) {
	c.t.Fatal("registry must not be called")
	return nil, nil
}

type fixture struct {
	reg      *store.Memory
	notifier *fakeNotifier
	hub      *fakeHub
	events   *saga.MemoryStore
	prop     *Propagator
	assembly *model.Assembly
	image    *model.Image
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		reg:      store.NewMemory(),
		notifier: &fakeNotifier{},
		hub:      &fakeHub{},
		events:   saga.NewMemoryStore(),
	}
	f.prop = NewPropagator(f.reg, nil, WithNotifier(f.notifier), WithBroadcaster(f.hub), WithEvents(f.events))

	plan := &model.Plan{UUID: uuid.NewString(), Name: "p", ProjectID: "proj", UserID: "u", TriggerID: uuid.NewString(), Version: "1"}
	require.NoError(t, f.reg.InsertPlan(ctx, plan))
	f.assembly = &model.Assembly{UUID: uuid.NewString(), Name: "a", PlanUUID: plan.UUID, Status: model.AssemblyQueued, ProjectID: "proj", UserID: "u"}
	require.NoError(t, f.reg.InsertAssembly(ctx, f.assembly))
	f.image = &model.Image{UUID: uuid.NewString(), Name: "web", SourceURI: "https://git.example.com/web.git", State: model.ImagePending, AssemblyUUID: f.assembly.UUID, ProjectID: "proj", UserID: "u"}
	require.NoError(t, f.reg.InsertImage(ctx, f.image))
	return f
}

func (f *fixture) imageState(t *testing.T) model.ImageState {
	img, err := f.reg.GetImage(context.Background(), f.image.UUID)
	require.NoError(t, err)
	return img.State
}

func (f *fixture) assemblyStatus(t *testing.T) model.AssemblyStatus {
	a, err := f.reg.GetAssembly(context.Background(), f.assembly.UUID)
	require.NoError(t, err)
	return a.Status
}

func TestUpdateImageEmptyIDSkipsRegistry(t *testing.T) {
	p := NewPropagator(countingRegistry{t: t}, nil)
	assert.NoError(t, p.UpdateImage(context.Background(), ImageUpdate{State: model.ImageError}))
}

func TestUpdateImageMirrorsOntoAssembly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cb := &Callback{StatusURL: "https://scm.example.com/status/abc", Token: "tok"}

	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageUnitTesting, Callback: cb}))
	assert.Equal(t, model.AssemblyUnitTesting, f.assemblyStatus(t))

	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageBuilding, Message: "Starting the image build", Callback: cb}))
	assert.Equal(t, model.AssemblyBuilding, f.assemblyStatus(t))

	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{
		ImageID: f.image.UUID, State: model.ImageComplete, ExternalRef: "registry/web:1",
		LogURL: "https://logs.example.com/1", Callback: cb,
	}))
	assert.Equal(t, model.ImageComplete, f.imageState(t))
	// READY is set by the deployer once the image is running.
	assert.Equal(t, model.AssemblyBuilding, f.assemblyStatus(t))

	require.Len(t, f.notifier.sent, 3)
	assert.Equal(t, scm.StatePending, f.notifier.sent[0].st.State)
	assert.Equal(t, "Testing in progress", f.notifier.sent[0].st.Description)
	assert.Equal(t, "Build in progress", f.notifier.sent[1].st.Description)
	last := f.notifier.sent[2]
	assert.Equal(t, scm.StateSuccess, last.st.State)
	assert.Equal(t, "https://logs.example.com/1", last.st.TargetURL)
	assert.Equal(t, "tok", last.token)

	events, err := f.events.ListBySubject(ctx, f.assembly.UUID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.NotEmpty(t, f.hub.events)
}

func TestRepeatedTerminalUpdateNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := ImageUpdate{ImageID: f.image.UUID, State: model.ImageError, Message: "image not created",
		Callback: &Callback{StatusURL: "https://scm.example.com/s"}}

	require.NoError(t, f.prop.UpdateImage(ctx, u))
	require.NoError(t, f.prop.UpdateImage(ctx, u))

	assert.Len(t, f.notifier.sent, 1)
	assert.Equal(t, scm.StateFailure, f.notifier.sent[0].st.State)
	assert.Equal(t, model.AssemblyError, f.assemblyStatus(t))
}

func TestBackwardTransitionIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageBuilding}))
	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageUnitTesting}))
	assert.Equal(t, model.ImageBuilding, f.imageState(t))

	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageUnitTestingFailed}))
	assert.Equal(t, model.ImageBuilding, f.imageState(t))
}

func TestCallbackFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("connection refused")
	err := f.prop.UpdateImage(context.Background(), ImageUpdate{
		ImageID: f.image.UUID, State: model.ImageBuilding,
		Callback: &Callback{StatusURL: "https://scm.example.com/s"},
	})
	assert.NoError(t, err)
	assert.Equal(t, model.ImageBuilding, f.imageState(t))
}

func TestUnknownImage(t *testing.T) {
	f := newFixture(t)
	err := f.prop.UpdateImage(context.Background(), ImageUpdate{ImageID: "missing", State: model.ImageError})
	assert.Error(t, err)
}

func TestInvalidState(t *testing.T) {
	f := newFixture(t)
	err := f.prop.UpdateImage(context.Background(), ImageUpdate{ImageID: f.image.UUID, State: "DONE"})
	assert.Error(t, err)
}

func TestDeletingAssemblyIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.prop.UpdateAssembly(ctx, AssemblyUpdate{AssemblyID: f.assembly.UUID, Status: model.AssemblyDeleting}))
	require.NoError(t, f.prop.UpdateAssembly(ctx, AssemblyUpdate{AssemblyID: f.assembly.UUID, Status: model.AssemblyReady}))
	assert.Equal(t, model.AssemblyDeleting, f.assemblyStatus(t))

	// image progress no longer moves a deleting assembly
	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageBuilding}))
	assert.Equal(t, model.ImageBuilding, f.imageState(t))
	assert.Equal(t, model.AssemblyDeleting, f.assemblyStatus(t))
}

func TestReaperSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReaper(f.reg, f.prop, time.Hour, nil)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ImageError, f.imageState(t))
	assert.Equal(t, model.AssemblyError, f.assemblyStatus(t))
}

func TestReaperStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(f.reg, f.prop, time.Hour, nil)
	assert.Error(t, r.Start("every now and then"))
}

func TestServeOverMessaging(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := messaging.NewMemoryTransport(8)
	srv := messaging.NewServer(tr, "keel", messaging.TopicConductor, nil)
	require.NoError(t, Register(srv, f.prop, nil))
	go srv.Serve(ctx)

	client := NewClient(messaging.NewCaster(tr, "keel"))
	require.NoError(t, client.Echo(ctx, "ping"))
	require.NoError(t, client.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageBuilding}))
	require.NoError(t, client.UpdateAssembly(ctx, AssemblyUpdate{AssemblyID: f.assembly.UUID, Status: model.AssemblyReady}))

	require.Eventually(t, func() bool {
		return f.assemblyStatus(t) == model.AssemblyReady
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ImageBuilding, f.imageState(t))
}

type fakeDeployer struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *fakeDeployer) Deploy(_ context.Context, assemblyID, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{assemblyID, imageRef})
	return f.err
}

func (f *fixture) withDeployer(d *fakeDeployer) {
	f.prop = NewPropagator(f.reg, nil, WithNotifier(f.notifier), WithEvents(f.events), WithDeployer(d))
}

func complete(f *fixture, ref string) ImageUpdate {
	return ImageUpdate{ImageID: f.image.UUID, AssemblyID: f.assembly.UUID, State: model.ImageComplete, ExternalRef: ref}
}

func TestCompleteStartsDeployOnce(t *testing.T) {
	f := newFixture(t)
	d := &fakeDeployer{}
	f.withDeployer(d)
	ctx := context.Background()

	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageBuilding}))
	require.NoError(t, f.prop.UpdateImage(ctx, complete(f, "registry/web:1")))
	// redelivered or rebuilt: the image is already COMPLETE
	require.NoError(t, f.prop.UpdateImage(ctx, complete(f, "registry/web:1")))
	require.NoError(t, f.prop.UpdateImage(ctx, complete(f, "registry/web:2")))

	assert.Equal(t, [][2]string{{f.assembly.UUID, "registry/web:1"}}, d.calls)
}

func TestReapedImageIsNotDeployed(t *testing.T) {
	f := newFixture(t)
	d := &fakeDeployer{}
	f.withDeployer(d)
	ctx := context.Background()

	require.NoError(t, f.prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageError, Message: "timed out"}))
	require.NoError(t, f.prop.UpdateImage(ctx, complete(f, "registry/web:1")))

	assert.Equal(t, model.ImageError, f.imageState(t))
	assert.Empty(t, d.calls)
}

func TestCompleteWithoutReferenceIsNotDeployed(t *testing.T) {
	f := newFixture(t)
	d := &fakeDeployer{}
	f.withDeployer(d)

	require.NoError(t, f.prop.UpdateImage(context.Background(), complete(f, "")))
	assert.Equal(t, model.ImageComplete, f.imageState(t))
	assert.Empty(t, d.calls)
}

func TestDeployDispatchFailureMarksAssemblyError(t *testing.T) {
	f := newFixture(t)
	d := &fakeDeployer{err: errors.New("broker down")}
	f.withDeployer(d)

	require.NoError(t, f.prop.UpdateImage(context.Background(), complete(f, "registry/web:1")))
	assert.Equal(t, model.ImageComplete, f.imageState(t))
	assert.Equal(t, model.AssemblyError, f.assemblyStatus(t))
}

// interleavingRegistry runs before once, just ahead of the first
// assembly status write, as another process would.
type interleavingRegistry struct {
	store.Registry
	once   sync.Once
	before func()
}

func (r *interleavingRegistry) UpdateAssemblyStatus(ctx context.Context, uuid string, from, to model.AssemblyStatus) error {
	r.once.Do(r.before)
	return r.Registry.UpdateAssemblyStatus(ctx, uuid, from, to)
}

func TestConcurrentWriterCannotUndoDeleting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := NewPropagator(f.reg, nil)
	reg := &interleavingRegistry{Registry: f.reg, before: func() {
		require.NoError(t, other.UpdateAssembly(ctx, AssemblyUpdate{AssemblyID: f.assembly.UUID, Status: model.AssemblyDeleting}))
	}}
	prop := NewPropagator(reg, nil)

	require.NoError(t, prop.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageBuilding}))

	assert.Equal(t, model.ImageBuilding, f.imageState(t))
	assert.Equal(t, model.AssemblyDeleting, f.assemblyStatus(t))
}

func TestConcurrentImageWriterIsRespected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := &fakeDeployer{}
	reaper := NewPropagator(f.reg, nil)
	reg := &interleavingImages{Registry: f.reg, before: func() {
		require.NoError(t, reaper.UpdateImage(ctx, ImageUpdate{ImageID: f.image.UUID, State: model.ImageError}))
	}}
	prop := NewPropagator(reg, nil, WithDeployer(d))

	require.NoError(t, prop.UpdateImage(ctx, complete(f, "registry/web:1")))

	assert.Equal(t, model.ImageError, f.imageState(t))
	assert.Empty(t, d.calls)
}

type interleavingImages struct {
	store.Registry
	once   sync.Once
	before func()
}

func (r *interleavingImages) UpdateImage(ctx context.Context, uuid string, from, to model.ImageState, ref string) error {
	r.once.Do(r.before)
	return r.Registry.UpdateImage(ctx, uuid, from, to, ref)
}
