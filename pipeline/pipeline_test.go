package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/apperr"
	"keel/conductor"
	"keel/deploykey"
	"keel/model"
	"keel/plan"
	"keel/saga"
	"keel/store"
	"keel/trust"
	"keel/worker"
)

const testPlan = `
version: 1
name: shop
artifacts:
- name: web
  content:
    href: https://git.example.com/shop/web.git
  unittest_cmd: make test
  status_token: status-tok
- name: api
  artifact_type: dockerfile
  content:
    href: git@git.example.com:shop/api.git
    private: true
`

type fakeWorker struct {
	mu   sync.Mutex
	jobs []worker.BuildJob
	fail map[string]bool
}

func (f *fakeWorker) Build(_ context.Context, job worker.BuildJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[job.Name] {
		return errors.New("broker unavailable")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeDestroyer struct{ ids []string }

func (f *fakeDestroyer) Destroy(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return nil
}

type fakeVerifier struct {
	allowed bool
	calls   int
}

func (f *fakeVerifier) Verify(context.Context, string, string) (bool, error) {
	f.calls++
	return f.allowed, nil
}

// countingKeys counts deletes on top of a real provisioner.
type countingKeys struct {
	*deploykey.Provisioner
	deletes int
}

func (c *countingKeys) Delete(ctx context.Context, sys map[string]string) error {
	c.deletes++
	return c.Provisioner.Delete(ctx, sys)
}

type env struct {
	reg      *store.Memory
	worker   *fakeWorker
	deployer *fakeDestroyer
	verifier *fakeVerifier
	keys     *countingKeys
	trust    *trust.Issuer
	events   *saga.MemoryStore
	d        *Dispatcher
}

var rc = model.RequestContext{ProjectID: "tenant-1", UserID: "user-1", Username: "ada", AuthToken: "user-token"}

func newEnv(t *testing.T) *env {
	t.Helper()
	iss, err := trust.NewIssuer(strings.Repeat("k", 32), time.Hour)
	require.NoError(t, err)
	e := &env{
		reg:      store.NewMemory(),
		worker:   &fakeWorker{fail: map[string]bool{}},
		deployer: &fakeDestroyer{},
		verifier: &fakeVerifier{allowed: true},
		keys:     &countingKeys{Provisioner: deploykey.NewProvisioner(deploykey.InlineStore{}, nil)},
		trust:    iss,
		events:   saga.NewMemoryStore(),
	}
	e.d = New(Deps{
		Registry: e.reg,
		Keys:     e.keys,
		Trust:    e.trust,
		Verifier: e.verifier,
		Worker:   e.worker,
		Deployer: e.deployer,
		Status:   conductor.NewPropagator(e.reg, nil),
		Events:   e.events,
		Defaults: plan.Defaults{SourceFormat: "heroku", ImageFormat: "docker"},
	})
	return e
}

func TestCreatePlanProvisionsOnlyPrivateArtifacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	assert.NotEmpty(t, p.TriggerID)
	assert.NotEmpty(t, p.TrustID)

	stored, err := e.reg.GetPlan(ctx, p.UUID)
	require.NoError(t, err)
	web, api := stored.Content.Artifacts[0], stored.Content.Artifacts[1]
	assert.Empty(t, web.Content.PublicKey)
	assert.True(t, strings.HasPrefix(api.Content.PublicKey, "ssh-rsa "))

	params, err := e.reg.GetParameters(ctx, p.UUID)
	require.NoError(t, err)
	handle := params.SysParams[model.SysParamDeployKeys]
	require.NotEmpty(t, handle)

	key, err := e.keys.Lookup(ctx, handle, "git@git.example.com:shop/api.git")
	require.NoError(t, err)
	assert.Contains(t, key, "RSA PRIVATE KEY")
	none, err := e.keys.Lookup(ctx, handle, "https://git.example.com/shop/web.git")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreatePlanWithoutPrivateArtifacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte("version: 1\nname: pub\nartifacts:\n- name: web\n  content:\n    href: https://git.example.com/web.git\n"))
	require.NoError(t, err)

	params, err := e.reg.GetParameters(ctx, p.UUID)
	require.NoError(t, err)
	assert.Empty(t, params.SysParams[model.SysParamDeployKeys])
}

func TestCreatePlanRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.d.CreatePlan(ctx, rc, nil)
	assert.True(t, errors.Is(err, apperr.InvalidInput))

	_, err = e.d.CreatePlan(ctx, rc, []byte("version: 9\nname: x\n"))
	assert.True(t, errors.Is(err, apperr.UnsupportedVersion))

	_, err = e.d.CreatePlan(ctx, rc, []byte("version: 1\nname: x\nartifacts:\n- name: web\n  content: {}\n"))
	assert.True(t, errors.Is(err, apperr.InvalidInput))
}

func TestCreateAssemblyDispatchesEveryArtifact(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)

	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "")
	require.NoError(t, err)
	assert.Equal(t, model.AssemblyQueued, a.Status)
	assert.Equal(t, "shop", a.Name)

	require.Len(t, e.worker.jobs, 2)
	web, api := e.worker.jobs[0], e.worker.jobs[1]
	assert.Equal(t, "make test", web.TestCmd)
	assert.Equal(t, "heroku", web.SourceFormat)
	assert.Equal(t, "auto", web.BaseImageID)
	assert.Equal(t, "status-tok", web.GitInfo.RepoToken)
	assert.Empty(t, web.SourceCredsRef)
	assert.Equal(t, "user-token", web.AuthToken)

	assert.Equal(t, "dockerfile", api.SourceFormat)
	assert.NotEmpty(t, api.SourceCredsRef)

	imgs, err := e.reg.ListImages(ctx, a.UUID)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	for _, img := range imgs {
		assert.Equal(t, model.ImagePending, img.State)
	}

	events, err := e.d.Events(ctx, a.UUID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestFailingDispatchDoesNotStopSiblings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	e.worker.fail["web"] = true

	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "one")
	require.Error(t, err)
	require.NotNil(t, a)
	assert.Contains(t, err.Error(), "artifact web")

	require.Len(t, e.worker.jobs, 1)
	assert.Equal(t, "api", e.worker.jobs[0].Name)

	imgs, err := e.reg.ListImages(ctx, a.UUID)
	require.NoError(t, err)
	states := map[string]model.ImageState{}
	for _, img := range imgs {
		states[img.Name] = img.State
	}
	assert.Equal(t, model.ImageError, states["web"])
	assert.Equal(t, model.ImagePending, states["api"])
}

func TestDeletePlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "")
	require.NoError(t, err)

	err = e.d.DeletePlan(ctx, p.UUID)
	assert.True(t, errors.Is(err, apperr.StillReferenced))
	assert.Zero(t, e.keys.deletes)

	require.NoError(t, e.reg.DeleteAssembly(ctx, a.UUID))
	require.NoError(t, e.d.DeletePlan(ctx, p.UUID))
	assert.Equal(t, 1, e.keys.deletes)

	_, err = e.d.GetPlan(ctx, p.UUID)
	assert.True(t, errors.Is(err, apperr.NotFound))
}

func TestDeleteAssemblyCastsDestroy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "")
	require.NoError(t, err)

	require.NoError(t, e.d.DeleteAssembly(ctx, a.UUID))
	assert.Equal(t, []string{a.UUID}, e.deployer.ids)

	assert.True(t, errors.Is(e.d.DeleteAssembly(ctx, "missing"), apperr.NotFound))
}

func TestTriggerRebuildsExistingAssemblies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "")
	require.NoError(t, err)
	cur, err := e.reg.GetAssembly(ctx, a.UUID)
	require.NoError(t, err)
	require.NoError(t, e.reg.UpdateAssemblyStatus(ctx, a.UUID, cur.Status, model.AssemblyReady))
	e.worker.jobs = nil

	rebuilt, err := e.d.Trigger(ctx, p.TriggerID, TriggerRequest{
		CommitSHA:       "0123456789abcdef",
		StatusURL:       "https://scm.example.com/statuses/0123456789abcdef",
		CollaboratorURL: "https://scm.example.com/repos/shop/web/collaborators/ada",
	})
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	assert.Equal(t, a.UUID, rebuilt[0].UUID)

	got, err := e.reg.GetAssembly(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.AssemblyQueued, got.Status)

	require.Len(t, e.worker.jobs, 2)
	job := e.worker.jobs[0]
	assert.Equal(t, "0123456789abcdef", job.GitInfo.CommitSHA)
	assert.Equal(t, "https://scm.example.com/statuses/0123456789abcdef", job.GitInfo.StatusURL)
	assert.Equal(t, "tenant-1", job.ProjectID)
	assert.NotEmpty(t, job.AuthToken)
	assert.Equal(t, 2, e.verifier.calls)
}

func TestTriggerCreatesAssemblyWhenNone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)

	rebuilt, err := e.d.Trigger(ctx, p.TriggerID, TriggerRequest{CommitSHA: "abc"})
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	assert.Len(t, e.worker.jobs, 2)
}

func TestTriggerUntrustedDispatchesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)

	// a trust signed with another key no longer exchanges
	other, err := trust.NewIssuer(strings.Repeat("z", 32), time.Hour)
	require.NoError(t, err)
	e.d.trust = other

	_, err = e.d.Trigger(ctx, p.TriggerID, TriggerRequest{CommitSHA: "abc"})
	assert.True(t, errors.Is(err, apperr.Unauthorized))
	assert.Empty(t, e.worker.jobs)
	assemblies, err := e.reg.ListAssemblies(ctx, p.UUID)
	require.NoError(t, err)
	assert.Empty(t, assemblies)
}

func TestTriggerNonCollaboratorDispatchesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	e.verifier.allowed = false

	_, err = e.d.Trigger(ctx, p.TriggerID, TriggerRequest{CollaboratorURL: "https://scm.example.com/c/eve"})
	assert.True(t, errors.Is(err, apperr.Unauthorized))
	assert.Empty(t, e.worker.jobs)
}

func TestTriggerUnknownID(t *testing.T) {
	e := newEnv(t)
	_, err := e.d.Trigger(context.Background(), "nope", TriggerRequest{})
	assert.True(t, errors.Is(err, apperr.NotFound))
}

func TestImageEventsFollowOneImage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "")
	require.NoError(t, err)

	job := e.worker.jobs[0]
	events, err := e.d.ImageEvents(ctx, job.BuildID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, job.BuildID, events[0].SagaID)
	assert.Equal(t, a.UUID, events[0].Subject)
	assert.Equal(t, "build dispatched for "+job.Name, events[0].Message)

	_, err = e.d.ImageEvents(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.NotFound))
}

type unreachableStatus struct{}

func (unreachableStatus) UpdateImage(context.Context, conductor.ImageUpdate) error {
	return errors.New("conductor unreachable")
}

func (unreachableStatus) UpdateAssembly(context.Context, conductor.AssemblyUpdate) error {
	return errors.New("conductor unreachable")
}

func TestDispatchFailureWithUnreachableConductor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := e.d.CreatePlan(ctx, rc, []byte(testPlan))
	require.NoError(t, err)
	e.worker.fail["web"] = true
	e.d.status = unreachableStatus{}

	a, err := e.d.CreateAssembly(ctx, rc, p.UUID, "")
	require.Error(t, err)
	require.NotNil(t, a)
	assert.Contains(t, err.Error(), "cast build")
	require.Len(t, e.worker.jobs, 1)
}
