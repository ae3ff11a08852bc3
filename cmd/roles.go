package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"keel/conductor"
	"keel/deployer"
	"keel/handler"
	"keel/hub"
	"keel/messaging"
	"keel/pipeline"
	"keel/plan"
	"keel/runner"
	"keel/worker"
)

func init() {
	for _, c := range []*cobra.Command{
		roleCommand("api", "Serve the HTTP API and dispatch builds", runAPI),
		roleCommand("worker", "Run builds and unit tests", runWorker),
		roleCommand("conductor", "Apply status updates and reap stuck builds", runConductor),
		roleCommand("deployer", "Deploy built images and tear down assemblies", runDeployer),
		roleCommand("all", "Run every role in one process", runEverything),
	} {
		rootCmd.AddCommand(c)
	}
}

func roleCommand(name, short string, run func(ctx context.Context, rt *runtime) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			l := logger.With("role", name)
			rt, err := newRuntime(ctx, cfg, l, name)
			if err != nil {
				return err
			}
			defer rt.Close()

			l.Info("keel starting", "version", Version)
			err = run(ctx, rt)
			l.Info("keel stopped")
			return err
		},
	}
}

func runAPI(ctx context.Context, rt *runtime) error {
	svc, err := apiService(ctx, rt, nil, nil)
	if err != nil {
		return err
	}
	return runAll(ctx, rt.logger, svc)
}

func runWorker(ctx context.Context, rt *runtime) error {
	srv, err := workerServer(ctx, rt)
	if err != nil {
		return err
	}
	return runAll(ctx, rt.logger, serverService(srv, "worker"))
}

func runConductor(ctx context.Context, rt *runtime) error {
	reg, events, err := rt.registry(ctx)
	if err != nil {
		return err
	}
	prop := rt.propagator(reg, events, nil, conductor.WithDeployer(deployer.NewClient(rt.caster)))
	srv, err := conductorServer(rt, prop)
	if err != nil {
		return err
	}
	reaper, err := startReaper(rt, prop)
	if err != nil {
		return err
	}
	defer reaper.Stop()
	return runAll(ctx, rt.logger, serverService(srv, "conductor"))
}

func runDeployer(ctx context.Context, rt *runtime) error {
	reg, events, err := rt.registry(ctx)
	if err != nil {
		return err
	}
	srv, err := deployerServer(rt, rt.propagator(reg, events, nil))
	if err != nil {
		return err
	}
	return runAll(ctx, rt.logger, serverService(srv, "deployer"))
}

// runEverything shares one propagator, and so one websocket hub, across
// the api, conductor and deployer roles.
func runEverything(ctx context.Context, rt *runtime) error {
	reg, events, err := rt.registry(ctx)
	if err != nil {
		return err
	}
	ws := hub.New(rt.cfg.Origins(), rt.logger)
	prop := rt.propagator(reg, events, ws, conductor.WithDeployer(deployer.NewClient(rt.caster)))

	dsrv, err := deployerServer(rt, prop)
	if err != nil {
		return err
	}
	wsrv, err := workerServer(ctx, rt)
	if err != nil {
		return err
	}
	csrv, err := conductorServer(rt, prop)
	if err != nil {
		return err
	}
	api, err := apiService(ctx, rt, prop, ws)
	if err != nil {
		return err
	}
	reaper, err := startReaper(rt, prop)
	if err != nil {
		return err
	}
	defer reaper.Stop()

	return runAll(ctx, rt.logger,
		service{name: "hub", run: func(ctx context.Context) error { ws.Run(ctx); return nil }},
		api,
		serverService(wsrv, "worker"),
		serverService(csrv, "conductor"),
		serverService(dsrv, "deployer"),
	)
}

// apiService wires the dispatcher behind the HTTP router. prop and ws are
// shared with other roles when running in one process, in which case the
// deploy backend is already known and joins the health checks.
func apiService(ctx context.Context, rt *runtime, prop *conductor.Propagator, ws *hub.Hub) (service, error) {
	reg, events, err := rt.registry(ctx)
	if err != nil {
		return service{}, err
	}
	keys, err := rt.provisioner(ctx)
	if err != nil {
		return service{}, err
	}
	iss, err := rt.trustIssuer()
	if err != nil {
		return service{}, err
	}
	if prop == nil {
		prop = rt.propagator(reg, events, nil)
	}

	d := pipeline.New(pipeline.Deps{
		Registry: reg,
		Keys:     keys,
		Trust:    iss,
		Verifier: rt.scm,
		Worker:   worker.NewClient(rt.caster),
		Deployer: deployer.NewClient(rt.caster),
		Status:   prop,
		Events:   events,
		Defaults: plan.Defaults{SourceFormat: rt.cfg.SourceFormat, ImageFormat: rt.cfg.ImageFormat},
		Logger:   rt.logger,
	})

	var checks []handler.Check
	if s3 := rt.logStore(ctx); s3 != nil {
		checks = append(checks, handler.Check{Name: "s3", Ping: rt.s3.Healthy})
	}
	if rt.nomad != nil {
		checks = append(checks,
			handler.Check{Name: "nomad", Ping: func(context.Context) error { return rt.nomad.Healthy() }},
			handler.Check{Name: "consul", Ping: func(context.Context) error { return rt.consul.Healthy() }},
		)
	}
	var wsHandler http.HandlerFunc
	if ws != nil {
		wsHandler = ws.HandleConnect
	}
	h := handler.New(d, reg, rt.cfg, rt.logger, checks...)

	srv := &http.Server{
		Addr:              rt.cfg.BindAddr + ":" + rt.cfg.Port,
		Handler:           h.Router(wsHandler, Version),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return service{name: "http", run: func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() {
			rt.logger.Info("listening", "addr", srv.Addr)
			errc <- srv.ListenAndServe()
		}()
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		rt.logger.Info("shutting down http")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}}, nil
}

func workerServer(ctx context.Context, rt *runtime) (*messaging.Server, error) {
	keys, err := rt.provisioner(ctx)
	if err != nil {
		return nil, err
	}
	h := worker.NewHandler(worker.Config{
		Mode:     worker.Mode(rt.cfg.WorkerMode),
		ToolsDir: rt.cfg.ToolsDir,
		TaskDir:  rt.cfg.TaskDir,
		AuthURL:  rt.cfg.AuthURL,
		Timeout:  rt.cfg.BuildTimeout,
	}, conductor.NewClient(rt.caster), keys, runner.ExecRunner{}, rt.logStore(ctx), rt.logger)

	srv := messaging.NewServer(rt.transport, rt.cfg.TopicPrefix, messaging.TopicWorker, rt.logger)
	if err := worker.Register(srv, h); err != nil {
		return nil, err
	}
	return srv, nil
}

func conductorServer(rt *runtime, prop *conductor.Propagator) (*messaging.Server, error) {
	srv := messaging.NewServer(rt.transport, rt.cfg.TopicPrefix, messaging.TopicConductor, rt.logger)
	if err := conductor.Register(srv, prop, rt.logger); err != nil {
		return nil, err
	}
	return srv, nil
}

// deployerServer reports through a propagator in this process so the
// DELETING status is written before the record is removed.
func deployerServer(rt *runtime, prop *conductor.Propagator) (*messaging.Server, error) {
	reg, events, err := rt.registry(context.Background())
	if err != nil {
		return nil, err
	}
	svc := deployer.NewService(reg, prop, rt.backend(), events, rt.logger)
	srv := messaging.NewServer(rt.transport, rt.cfg.TopicPrefix, messaging.TopicDeployer, rt.logger)
	if err := deployer.Register(srv, svc); err != nil {
		return nil, err
	}
	return srv, nil
}

func startReaper(rt *runtime, prop *conductor.Propagator) (*conductor.Reaper, error) {
	reg, _, err := rt.registry(context.Background())
	if err != nil {
		return nil, err
	}
	r := conductor.NewReaper(reg, prop, rt.cfg.StaleAfter, rt.logger)
	if err := r.Start(rt.cfg.ReapSchedule); err != nil {
		return nil, err
	}
	rt.logger.Info("reaper scheduled", "schedule", rt.cfg.ReapSchedule, "staleAfter", rt.cfg.StaleAfter)
	return r, nil
}
