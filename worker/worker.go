// Package worker runs the unit-test and build stages of an image and
// reports every transition to the conductor. The conductor starts the
// deploy once it accepts COMPLETE.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keel/conductor"
	"keel/model"
	"keel/resolver"
	"keel/runner"
	"keel/storage"
)

type Mode string

const (
	ModeShell    Mode = "shell"
	ModeTestOnly Mode = "test_only"
	ModeNoop     Mode = "noop"
)

const (
	msgBuilding  = "Starting the image build"
	msgBuilt     = "built successfully"
	msgNoImage   = "image not created"
	msgTesting   = "Running unit tests"
	msgTestsPass = "Unit tests passed"
	msgTestsFail = "Unit tests failed"
)

// BuildJob is the argument of the build and unittest casts. BuildID is
// the image uuid.
type BuildJob struct {
	BuildID        string        `json:"buildId"`
	GitInfo        model.GitInfo `json:"gitInfo"`
	Name           string        `json:"name"`
	BaseImageID    string        `json:"baseImageId"`
	SourceFormat   string        `json:"sourceFormat"`
	ImageFormat    string        `json:"imageFormat"`
	AssemblyID     string        `json:"assemblyId"`
	TestCmd        string        `json:"testCmd,omitempty"`
	RunCmd         string        `json:"runCmd,omitempty"`
	SourceCredsRef string        `json:"sourceCredsRef,omitempty"`
	ProjectID      string        `json:"projectId"`
	UserID         string        `json:"userId"`
	AuthToken      string        `json:"authToken,omitempty"`
}

// Reporter receives status transitions. Both conductor.Client and
// conductor.Propagator implement it.
type Reporter interface {
	UpdateImage(ctx context.Context, u conductor.ImageUpdate) error
	UpdateAssembly(ctx context.Context, u conductor.AssemblyUpdate) error
}

// KeyLookup resolves a deploy-key handle. deploykey.Provisioner implements it.
type KeyLookup interface {
	Lookup(ctx context.Context, handle, sourceURL string) (string, error)
}

type LogStore interface {
	UploadLog(ctx context.Context, key string, body []byte) (string, error)
}

type Config struct {
	Mode     Mode
	ToolsDir string
	TaskDir  string
	AuthURL  string
	Timeout  time.Duration
}

type Handler struct {
	cfg    Config
	status Reporter
	keys   KeyLookup
	run    runner.Runner
	logs   LogStore
	logger *slog.Logger
}

func NewHandler(cfg Config, status Reporter, keys KeyLookup, run runner.Runner, logs LogStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if run == nil {
		run = runner.ExecRunner{}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeShell
	}
	return &Handler{
		cfg:    cfg,
		status: status,
		keys:   keys,
		run:    run,
		logs:   logs,
		logger: logger.With("component", "worker", "mode", string(cfg.Mode)),
	}
}

// job is the per-run state shared by the stages.
type job struct {
	BuildJob
	privateKey string
	taskDir    string
	callback   *conductor.Callback
	logger     *slog.Logger
}

// Build runs the unit tests when the job has a test command and then
// builds the image.
func (h *Handler) Build(ctx context.Context, bj BuildJob) error {
	if h.cfg.Mode == ModeNoop {
		h.logger.Info("noop build", "image", bj.BuildID, "assembly", bj.AssemblyID, "source", bj.GitInfo.SourceURL)
		return nil
	}
	if h.cfg.Mode == ModeTestOnly {
		return h.Unittest(ctx, bj)
	}

	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	j, err := h.prepare(ctx, bj)
	if err != nil {
		return err
	}
	defer j.cleanup()

	if j.TestCmd != "" && !h.unittest(ctx, j) {
		return nil
	}
	return h.build(ctx, j)
}

// Unittest runs only the test stage. Passing tests finish the image and
// mark the assembly READY without deploying anything.
func (h *Handler) Unittest(ctx context.Context, bj BuildJob) error {
	if h.cfg.Mode == ModeNoop {
		h.logger.Info("noop unittest", "image", bj.BuildID, "assembly", bj.AssemblyID)
		return nil
	}
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	j, err := h.prepare(ctx, bj)
	if err != nil {
		return err
	}
	defer j.cleanup()

	if j.TestCmd != "" && !h.unittest(ctx, j) {
		return nil
	}
	h.report(ctx, j, model.ImageComplete, msgTestsPass, "", "")
	return h.status.UpdateAssembly(ctx, conductor.AssemblyUpdate{
		AssemblyID: j.AssemblyID,
		Status:     model.AssemblyReady,
		Message:    msgTestsPass,
		SagaID:     j.BuildID,
	})
}

func (h *Handler) Echo(_ context.Context, msg string) {
	h.logger.Info("echo", "message", msg)
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.cfg.Timeout)
}

// prepare looks up credentials and creates the task directory. Failures
// here end the image in ERROR.
func (h *Handler) prepare(ctx context.Context, bj BuildJob) (*job, error) {
	j := &job{
		BuildJob: bj,
		logger:   h.logger.With("image", bj.BuildID, "assembly", bj.AssemblyID),
	}
	if bj.GitInfo.StatusURL != "" {
		j.callback = &conductor.Callback{StatusURL: bj.GitInfo.StatusURL, Token: bj.GitInfo.RepoToken}
	}

	if bj.SourceCredsRef != "" && h.keys != nil {
		key, err := h.keys.Lookup(ctx, bj.SourceCredsRef, bj.GitInfo.SourceURL)
		if err != nil {
			h.report(ctx, j, model.ImageError, "deploy key unavailable", "", "")
			return nil, fmt.Errorf("image %s: %w", bj.BuildID, err)
		}
		j.privateKey = key
	}

	if h.cfg.TaskDir != "" {
		j.taskDir = filepath.Join(h.cfg.TaskDir, bj.BuildID)
		if err := os.MkdirAll(j.taskDir, 0o700); err != nil {
			h.report(ctx, j, model.ImageError, "task directory unavailable", "", "")
			return nil, fmt.Errorf("image %s: %w", bj.BuildID, err)
		}
	}
	return j, nil
}

func (j *job) cleanup() {
	if j.taskDir != "" {
		os.RemoveAll(j.taskDir)
	}
}

// unittest reports UNIT_TESTING, runs the tests and returns whether the
// build may continue.
func (h *Handler) unittest(ctx context.Context, j *job) bool {
	h.report(ctx, j, model.ImageUnitTesting, msgTesting, "", "")

	cmd, err := resolver.Resolve(resolver.VerbUnittest, j.SourceFormat, j.ImageFormat, j.BaseImageID)
	if err != nil {
		j.logger.Error("resolve unittest", "error", err)
		h.report(ctx, j, model.ImageError, err.Error(), "", "")
		return false
	}
	args := resolver.UnittestArgs(j.GitInfo.SourceURL, j.AssemblyID, j.ProjectID, j.privateKey, j.TestCmd)
	res, err := h.exec(ctx, j, cmd, args)
	logURL := h.uploadLog(ctx, j, "unittest", res)

	if err != nil || !res.Success() {
		j.logger.Warn("unit tests failed", "exit", exitCode(res), "error", err)
		h.report(ctx, j, model.ImageUnitTestingFailed, msgTestsFail, "", logURL)
		return false
	}
	j.logger.Info("unit tests passed", "duration", res.Duration)
	return true
}

func (h *Handler) build(ctx context.Context, j *job) error {
	h.report(ctx, j, model.ImageBuilding, msgBuilding, "", "")

	cmd, err := resolver.Resolve(resolver.VerbBuild, j.SourceFormat, j.ImageFormat, j.BaseImageID)
	if err != nil {
		j.logger.Error("resolve build", "error", err)
		h.report(ctx, j, model.ImageError, err.Error(), "", "")
		return nil
	}
	args := resolver.BuildArgs(j.GitInfo.SourceURL, j.Name, j.ProjectID, cmd, j.privateKey)
	res, err := h.exec(ctx, j, cmd, args)
	logURL := h.uploadLog(ctx, j, "build", res)

	if err != nil || !res.Success() {
		j.logger.Warn("build failed", "exit", exitCode(res), "error", err)
		h.report(ctx, j, model.ImageError, msgNoImage, "", logURL)
		return nil
	}
	imageID := runner.ParseResult(res.Output)
	if imageID == "" {
		j.logger.Warn("build produced no image id")
		h.report(ctx, j, model.ImageError, msgNoImage, "", logURL)
		return nil
	}

	j.logger.Info("image built", "ref", imageID, "duration", res.Duration)
	h.report(ctx, j, model.ImageComplete, msgBuilt, imageID, logURL)
	return nil
}

func (h *Handler) exec(ctx context.Context, j *job, cmd resolver.Command, args []string) (*runner.Result, error) {
	env := runner.Environment(runner.EnvContext{
		AuthToken: j.AuthToken,
		AuthURL:   h.cfg.AuthURL,
		ProjectID: j.ProjectID,
		BuildID:   j.BuildID,
		TaskDir:   j.taskDir,
	}, nil)
	return h.run.Run(ctx, runner.Spec{
		Path: cmd.Abs(h.cfg.ToolsDir),
		Args: args,
		Env:  env,
		Dir:  j.taskDir,
	})
}

// report sends a transition. The conductor may be unreachable; that is
// logged and the stage carries on.
func (h *Handler) report(ctx context.Context, j *job, state model.ImageState, msg, ref, logURL string) {
	// a timed-out job still has to report its final state
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	err := h.status.UpdateImage(ctx, conductor.ImageUpdate{
		ImageID:     j.BuildID,
		AssemblyID:  j.AssemblyID,
		State:       state,
		Message:     msg,
		ExternalRef: ref,
		LogURL:      logURL,
		Callback:    j.callback,
	})
	if err != nil {
		j.logger.Error("report status", "state", state, "error", err)
	}
}

func (h *Handler) uploadLog(ctx context.Context, j *job, stage string, res *runner.Result) string {
	if h.logs == nil || res == nil || len(res.Output) == 0 {
		return ""
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	u, err := h.logs.UploadLog(ctx, storage.LogKey(j.AssemblyID, j.BuildID, stage), res.Output)
	if err != nil {
		j.logger.Warn("upload log", "stage", stage, "error", err)
		return ""
	}
	return u
}

func exitCode(res *runner.Result) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}
