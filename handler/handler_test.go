package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/conductor"
	"keel/config"
	"keel/deploykey"
	"keel/model"
	"keel/pipeline"
	"keel/plan"
	"keel/saga"
	"keel/store"
	"keel/trust"
	"keel/worker"
)

const planDoc = `
version: 1
name: shop
artifacts:
- name: web
  content:
    href: https://github.com/acme/web.git
  repo_token: repo-tok
`

type fakeWorker struct {
	mu   sync.Mutex
	jobs []worker.BuildJob
}

func (f *fakeWorker) Build(_ context.Context, job worker.BuildJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeDestroyer struct{ ids []string }

func (f *fakeDestroyer) Destroy(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return nil
}

type recordingVerifier struct{ urls []string }

func (v *recordingVerifier) Verify(_ context.Context, collabURL, _ string) (bool, error) {
	v.urls = append(v.urls, collabURL)
	return !strings.HasSuffix(collabURL, "/mallory"), nil
}

type testAPI struct {
	srv      *httptest.Server
	reg      *store.Memory
	worker   *fakeWorker
	deployer *fakeDestroyer
	verifier *recordingVerifier
}

func newTestAPI(t *testing.T, cfg *config.Config, checks ...Check) *testAPI {
	t.Helper()
	iss, err := trust.NewIssuer(strings.Repeat("s", 32), time.Hour)
	require.NoError(t, err)
	api := &testAPI{
		reg:      store.NewMemory(),
		worker:   &fakeWorker{},
		deployer: &fakeDestroyer{},
		verifier: &recordingVerifier{},
	}
	p := pipeline.New(pipeline.Deps{
		Registry: api.reg,
		Keys:     deploykey.NewProvisioner(deploykey.InlineStore{}, nil),
		Trust:    iss,
		Verifier: api.verifier,
		Worker:   api.worker,
		Deployer: api.deployer,
		Status:   conductor.NewPropagator(api.reg, nil),
		Events:   saga.NewMemoryStore(),
		Defaults: plan.Defaults{SourceFormat: "heroku", ImageFormat: "docker"},
	})
	if cfg == nil {
		cfg = &config.Config{}
	}
	h := New(p, api.reg, cfg, nil, checks...)
	api.srv = httptest.NewServer(h.Router(nil, "test"))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *testAPI) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Project-Id", "acme")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (a *testAPI) createPlan(t *testing.T) model.Plan {
	t.Helper()
	resp, body := a.do(t, "POST", "/v1/plans", planDoc, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var p model.Plan
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func TestPlanEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	p := api.createPlan(t)
	assert.NotEmpty(t, p.UUID)
	assert.NotEmpty(t, p.TriggerID)
	assert.Equal(t, "acme", p.ProjectID)
	require.Len(t, p.Content.Artifacts, 1)
	assert.Equal(t, "***", p.Content.Artifacts[0].RepoToken)

	resp, body := api.do(t, "GET", "/v1/plans/"+p.UUID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "trustId")
	assert.NotContains(t, string(body), "repo-tok")
	assert.Contains(t, string(body), `"repo_token":"***"`)

	resp, body = api.do(t, "GET", "/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "repo-tok")
	var plans []model.Plan
	require.NoError(t, json.Unmarshal(body, &plans))
	assert.Len(t, plans, 1)

	stored, err := api.reg.GetPlan(context.Background(), p.UUID)
	require.NoError(t, err)
	assert.Equal(t, "repo-tok", stored.Content.Artifacts[0].RepoToken)

	resp, body = api.do(t, "GET", "/v1/plans", "", map[string]string{"X-Project-Id": "other"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = api.do(t, "DELETE", "/v1/plans/"+p.UUID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = api.do(t, "GET", "/v1/plans/"+p.UUID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")
}

func TestCreatePlanErrors(t *testing.T) {
	api := newTestAPI(t, nil)
	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty", "", "INVALID_INPUT"},
		{"not yaml", "version: [", "INVALID_INPUT"},
		{"unknown version", "version: 7\nname: x\n", "UNSUPPORTED_VERSION"},
		{"missing href", "version: 1\nname: x\nartifacts:\n- name: web\n", "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := api.do(t, "POST", "/v1/plans", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), tt.code)
		})
	}
}

func TestAssemblyEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	p := api.createPlan(t)

	resp, body := api.do(t, "POST", "/v1/assemblies", `{"planUuid":"`+p.UUID+`","name":"prod"}`, map[string]string{"Authorization": "Bearer user-tok"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var a model.Assembly
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, "prod", a.Name)
	assert.Equal(t, model.AssemblyQueued, a.Status)
	assert.NotContains(t, string(body), "dispatchError")

	require.Len(t, api.worker.jobs, 1)
	assert.Equal(t, "user-tok", api.worker.jobs[0].AuthToken)

	resp, body = api.do(t, "GET", "/v1/assemblies/"+a.UUID+"/images", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var images []model.Image
	require.NoError(t, json.Unmarshal(body, &images))
	require.Len(t, images, 1)
	assert.Equal(t, model.ImagePending, images[0].State)

	resp, body = api.do(t, "GET", "/v1/assemblies/"+a.UUID+"/events?limit=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []saga.Event
	require.NoError(t, json.Unmarshal(body, &events))
	assert.NotEmpty(t, events)

	resp, body = api.do(t, "GET", "/v1/assemblies/"+a.UUID+"/events?format=text", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	text := string(body)
	queued := strings.Index(text, "api/assembly -- assembly prod queued")
	dispatched := strings.Index(text, "api/build -- build dispatched for "+api.worker.jobs[0].Name)
	require.GreaterOrEqual(t, queued, 0, text)
	assert.Greater(t, dispatched, queued, text)

	resp, body = api.do(t, "GET", "/v1/images/"+images[0].UUID+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trail []saga.Event
	require.NoError(t, json.Unmarshal(body, &trail))
	require.Len(t, trail, 1)
	assert.Equal(t, images[0].UUID, trail[0].SagaID)
	resp, _ = api.do(t, "GET", "/v1/images/nope/events", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, "DELETE", "/v1/plans/"+p.UUID, "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = api.do(t, "DELETE", "/v1/assemblies/"+a.UUID, "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(body), "DELETING")
	assert.Equal(t, []string{a.UUID}, api.deployer.ids)

	resp, _ = api.do(t, "POST", "/v1/assemblies", `{"name":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = api.do(t, "POST", "/v1/assemblies", `{"planUuid":"nope"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = api.do(t, "GET", "/v1/assemblies/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

const pushEvent = `{
  "after": "1111111111111111111111111111111111111111",
  "head_commit": {"id": "2222222222222222222222222222222222222222"},
  "repository": {
    "statuses_url": "https://api.github.com/repos/acme/web/statuses/{sha}",
    "collaborators_url": "https://api.github.com/repos/acme/web/collaborators{/collaborator}"
  },
  "sender": {"login": "%s"}
}`

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestTriggerGitHubPush(t *testing.T) {
	api := newTestAPI(t, &config.Config{WebhookSecret: "hook"})
	p := api.createPlan(t)
	body := strings.Replace(pushEvent, "%s", "octocat", 1)

	resp, _ := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, body, map[string]string{
		"X-GitHub-Event":      "push",
		"X-Hub-Signature-256": "sha256=bad",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, api.worker.jobs)

	resp, out := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, body, map[string]string{
		"X-GitHub-Event":      "push",
		"X-Hub-Signature-256": sign(body, "hook"),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(out))
	assert.Contains(t, string(out), "assemblies")

	require.Len(t, api.worker.jobs, 1)
	job := api.worker.jobs[0]
	assert.Equal(t, "2222222222222222222222222222222222222222", job.GitInfo.CommitSHA)
	assert.Equal(t, "https://api.github.com/repos/acme/web/statuses/2222222222222222222222222222222222222222", job.GitInfo.StatusURL)
	assert.Equal(t, []string{"https://api.github.com/repos/acme/web/collaborators/octocat"}, api.verifier.urls)
}

func TestTriggerRejectsNonCollaborator(t *testing.T) {
	api := newTestAPI(t, nil)
	p := api.createPlan(t)
	body := strings.Replace(pushEvent, "%s", "mallory", 1)

	resp, out := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, body, map[string]string{"X-GitHub-Event": "push"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(out), "UNAUTHORIZED")
	assert.Empty(t, api.worker.jobs)
}

func TestTriggerExplicitRequest(t *testing.T) {
	api := newTestAPI(t, nil)
	p := api.createPlan(t)

	resp, _ := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, `{"commitSha":"abc123"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, api.worker.jobs, 1)
	assert.Equal(t, "abc123", api.worker.jobs[0].GitInfo.CommitSHA)

	resp, _ = api.do(t, "POST", "/v1/triggers/"+p.TriggerID, "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = api.do(t, "POST", "/v1/triggers/"+p.TriggerID, "{", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, "POST", "/v1/triggers/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, "{}", map[string]string{"X-GitHub-Event": "ping"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ignored")
}

const commentEvent = `{
  "action": "%s",
  "comment": {"body": "Flaky again. Keel Retry Tests please"},
  "issue": {"number": 7, "pull_request": {"url": "https://api.github.com/repos/acme/web/pulls/7"}},
  "repository": {
    "statuses_url": "https://api.github.com/repos/acme/web/statuses/{sha}",
    "collaborators_url": "https://api.github.com/repos/acme/web/collaborators{/collaborator}"
  },
  "sender": {"login": "octocat"}
}`

func TestTriggerRebuildComment(t *testing.T) {
	api := newTestAPI(t, &config.Config{RebuildPhrase: "keel retry tests"})
	p := api.createPlan(t)
	header := map[string]string{"X-GitHub-Event": "issue_comment"}

	resp, out := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, strings.Replace(commentEvent, "%s", "created", 1), header)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(out))
	require.Len(t, api.worker.jobs, 1)
	assert.Empty(t, api.worker.jobs[0].GitInfo.CommitSHA)
	assert.Empty(t, api.worker.jobs[0].GitInfo.StatusURL)
	assert.Equal(t, []string{"https://api.github.com/repos/acme/web/collaborators/octocat"}, api.verifier.urls)

	resp, out = api.do(t, "POST", "/v1/triggers/"+p.TriggerID, strings.Replace(commentEvent, "%s", "edited", 1), header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(out), "ignored")
	assert.Len(t, api.worker.jobs, 1)
}

func TestCommentWithoutPhraseIsIgnored(t *testing.T) {
	api := newTestAPI(t, &config.Config{RebuildPhrase: "keel retry tests"})
	p := api.createPlan(t)
	header := map[string]string{"X-GitHub-Event": "issue_comment"}

	chatter := strings.Replace(strings.Replace(commentEvent, "%s", "created", 1), "Keel Retry Tests please", "looks good", 1)
	resp, out := api.do(t, "POST", "/v1/triggers/"+p.TriggerID, chatter, header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(out), "ignored")

	// a plain issue is not a pull request
	onIssue := strings.Replace(strings.Replace(commentEvent, "%s", "created", 1),
		`, "pull_request": {"url": "https://api.github.com/repos/acme/web/pulls/7"}`, "", 1)
	resp, out = api.do(t, "POST", "/v1/triggers/"+p.TriggerID, onIssue, header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(out), "ignored")

	assert.Empty(t, api.worker.jobs)
	assert.Empty(t, api.verifier.urls)
}

func TestPullRequestPayload(t *testing.T) {
	var p githubPayload
	require.NoError(t, json.Unmarshal([]byte(`{
	  "pull_request": {"statuses_url": "https://api.github.com/repos/a/b/statuses/feed", "head": {"sha": "feed"}},
	  "repository": {"statuses_url": "https://api.github.com/repos/a/b/statuses/{sha}"}
	}`), &p))
	req := p.request()
	assert.Equal(t, "feed", req.CommitSHA)
	assert.Equal(t, "https://api.github.com/repos/a/b/statuses/feed", req.StatusURL)
	assert.Empty(t, req.CollaboratorURL)
}

func TestBearerAuth(t *testing.T) {
	api := newTestAPI(t, &config.Config{APIToken: "secret"})

	resp, _ := api.do(t, "GET", "/v1/plans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = api.do(t, "GET", "/v1/plans", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = api.do(t, "GET", "/v1/plans", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(t, "POST", "/v1/triggers/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil, Check{Name: "nomad", Ping: func(context.Context) error { return errors.New("refused") }})

	resp, body := api.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "up", got.Services["registry"])
	assert.Equal(t, "down", got.Services["nomad"])
}
