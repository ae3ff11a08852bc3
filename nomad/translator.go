package nomad

import (
	"fmt"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"
)

// JobSpec describes the single-task service job that runs an assembly.
type JobSpec struct {
	AssemblyUUID string
	Name         string
	Image        string
	Port         int
	Count        int
	CPU          int
	MemoryMB     int
	Env          map[string]string
	Datacenters  []string
}

// JobID is the Nomad job id of an assembly.
func JobID(assemblyUUID string) string {
	return "keel-" + assemblyUUID
}

// ServiceName is the Consul service an assembly registers.
func ServiceName(assemblyUUID string) string {
	return "keel-" + assemblyUUID
}

// Translate converts a JobSpec into a Nomad service job with one docker
// task and a Consul-registered HTTP service.
func Translate(spec JobSpec) *nomadapi.Job {
	jobID := JobID(spec.AssemblyUUID)
	job := nomadapi.NewServiceJob(jobID, jobID, "global", 50)
	job.Datacenters = spec.Datacenters
	if len(job.Datacenters) == 0 {
		job.Datacenters = []string{"dc1"}
	}
	job.Meta = map[string]string{
		"assembly":  spec.AssemblyUUID,
		"name":      spec.Name,
		"image":     spec.Image,
		"deploy_ts": fmt.Sprintf("%d", time.Now().UnixMilli()),
	}

	count := spec.Count
	if count <= 0 {
		count = 1
	}
	tg := nomadapi.NewTaskGroup("app", count)

	attempts := 3
	interval := 5 * time.Minute
	delay := 15 * time.Second
	mode := "delay"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Interval: &interval,
		Delay:    &delay,
		Mode:     &mode,
	}

	maxParallel := 1
	healthy := 10 * time.Second
	autoRevert := true
	tg.Update = &nomadapi.UpdateStrategy{
		MaxParallel:    &maxParallel,
		MinHealthyTime: &healthy,
		AutoRevert:     &autoRevert,
	}

	task := nomadapi.NewTask("app", "docker")
	task.Config = map[string]interface{}{
		"image": spec.Image,
	}
	task.Env = spec.Env

	if spec.Port > 0 {
		task.Config["ports"] = []string{"http"}
		tg.Networks = []*nomadapi.NetworkResource{{
			DynamicPorts: []nomadapi.Port{{Label: "http", To: spec.Port}},
		}}
		tg.Services = []*nomadapi.Service{{
			Name:      ServiceName(spec.AssemblyUUID),
			PortLabel: "http",
			Provider:  "consul",
			Checks: []nomadapi.ServiceCheck{{
				Type:     "tcp",
				Interval: 10 * time.Second,
				Timeout:  5 * time.Second,
			}},
		}}
	}

	cpu := spec.CPU
	if cpu <= 0 {
		cpu = 100
	}
	mem := spec.MemoryMB
	if mem <= 0 {
		mem = 128
	}
	task.Resources = &nomadapi.Resources{
		CPU:      &cpu,
		MemoryMB: &mem,
	}

	tg.Tasks = []*nomadapi.Task{task}
	job.TaskGroups = []*nomadapi.TaskGroup{tg}
	return job
}
