package nomad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	job := Translate(JobSpec{
		AssemblyUUID: "abc",
		Name:         "web",
		Image:        "registry/web:1",
		Port:         8080,
		Env:          map[string]string{"PORT": "8080"},
	})

	assert.Equal(t, "keel-abc", *job.ID)
	assert.Equal(t, []string{"dc1"}, job.Datacenters)
	assert.Equal(t, "abc", job.Meta["assembly"])
	require.Len(t, job.TaskGroups, 1)

	tg := job.TaskGroups[0]
	assert.Equal(t, 1, *tg.Count)
	require.Len(t, tg.Services, 1)
	assert.Equal(t, "keel-abc", tg.Services[0].Name)
	assert.Equal(t, 8080, tg.Networks[0].DynamicPorts[0].To)

	task := tg.Tasks[0]
	assert.Equal(t, "docker", task.Driver)
	assert.Equal(t, "registry/web:1", task.Config["image"])
	assert.Equal(t, 128, *task.Resources.MemoryMB)
}

func TestTranslateWithoutPort(t *testing.T) {
	job := Translate(JobSpec{AssemblyUUID: "abc", Image: "img", Count: 3, Datacenters: []string{"eu"}})
	tg := job.TaskGroups[0]
	assert.Empty(t, tg.Services)
	assert.Empty(t, tg.Networks)
	assert.Equal(t, 3, *tg.Count)
	assert.Equal(t, []string{"eu"}, job.Datacenters)
}

func healthyPtr(b bool) *nomadapi.AllocDeploymentStatus {
	return &nomadapi.AllocDeploymentStatus{Healthy: &b}
}

func TestAllHealthy(t *testing.T) {
	tests := []struct {
		name   string
		allocs []*nomadapi.AllocationListStub
		want   bool
	}{
		{"running healthy", []*nomadapi.AllocationListStub{{ClientStatus: "running", DeploymentStatus: healthyPtr(true)}}, true},
		{"old failed alloc ignored", []*nomadapi.AllocationListStub{
			{ClientStatus: "failed"},
			{ClientStatus: "running", DeploymentStatus: healthyPtr(true)},
		}, true},
		{"pending", []*nomadapi.AllocationListStub{{ClientStatus: "pending"}}, false},
		{"unhealthy", []*nomadapi.AllocationListStub{{ClientStatus: "running", DeploymentStatus: healthyPtr(false)}}, false},
		{"only terminal", []*nomadapi.AllocationListStub{{ClientStatus: "complete"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, allHealthy(tt.allocs))
		})
	}
}

func TestSubmitAndStopJob(t *testing.T) {
	var registered, deregistered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/jobs" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
			var req nomadapi.JobRegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			registered = *req.Job.ID
			json.NewEncoder(w).Encode(nomadapi.JobRegisterResponse{EvalID: "eval-1"})
		case r.URL.Path == "/v1/job/keel-abc" && r.Method == http.MethodDelete:
			deregistered = r.URL.Query().Get("purge")
			json.NewEncoder(w).Encode(nomadapi.JobDeregisterResponse{EvalID: "eval-2"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	ctx := context.Background()
	evalID, err := c.SubmitJob(ctx, Translate(JobSpec{AssemblyUUID: "abc", Image: "img"}))
	require.NoError(t, err)
	assert.Equal(t, "eval-1", evalID)
	assert.Equal(t, "keel-abc", registered)

	require.NoError(t, c.StopJob(ctx, "keel-abc", true))
	assert.Equal(t, "true", deregistered)
}
