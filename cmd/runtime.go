package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"keel/conductor"
	"keel/config"
	"keel/consul"
	"keel/deployer"
	"keel/deploykey"
	"keel/hub"
	"keel/messaging"
	"keel/nomad"
	"keel/saga"
	"keel/scm"
	"keel/storage"
	"keel/store"
	"keel/trust"
	"keel/worker"
)

// runtime holds what the roles of one process share.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport messaging.Transport
	caster    *messaging.Caster

	reg    store.Registry
	events saga.Store
	keys   *deploykey.Provisioner
	scm    *scm.Client
	s3     *storage.Client
	nomad  *nomad.Client
	consul *consul.Client

	closers []func() error
}

func newRuntime(ctx context.Context, c *config.Config, l *slog.Logger, group string) (*runtime, error) {
	rt := &runtime{
		cfg:    c,
		logger: l,
		scm:    scm.NewClient(&http.Client{Timeout: 15 * time.Second}),
	}
	t, err := openTransport(ctx, c, l, group)
	if err != nil {
		return nil, err
	}
	rt.transport = t
	rt.caster = messaging.NewCaster(t, c.TopicPrefix)
	rt.closers = append(rt.closers, t.Close)
	return rt, nil
}

func openTransport(ctx context.Context, c *config.Config, l *slog.Logger, group string) (messaging.Transport, error) {
	switch c.Transport {
	case "redis":
		t, err := messaging.NewRedisTransport(ctx, c.RedisAddr, l)
		if err != nil {
			return nil, err
		}
		l.Info("messaging via redis", "addr", c.RedisAddr)
		return t, nil
	case "kafka":
		t, err := messaging.NewKafkaTransport(c.KafkaBrokers, c.TopicPrefix+"-"+group, l)
		if err != nil {
			return nil, err
		}
		l.Info("messaging via kafka", "brokers", c.KafkaBrokers, "group", c.TopicPrefix+"-"+group)
		return t, nil
	default:
		if group != "all" {
			l.Warn("memory transport only reaches roles in this process", "role", group)
		}
		return messaging.NewMemoryTransport(256), nil
	}
}

// registry opens the configured registry and saga store on first use.
func (rt *runtime) registry(ctx context.Context) (store.Registry, saga.Store, error) {
	if rt.reg != nil {
		return rt.reg, rt.events, nil
	}
	if rt.cfg.Registry == "memory" {
		rt.logger.Warn("using in-memory registry, state is lost on exit")
		rt.reg, rt.events = store.NewMemory(), saga.NewMemoryStore()
		return rt.reg, rt.events, nil
	}
	db, err := store.Connect(rt.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration: %w", err)
	}
	rt.closers = append(rt.closers, func() error { db.Close(); return nil })
	rt.reg, rt.events = db, saga.NewPostgresStore(db.Pool)
	return rt.reg, rt.events, nil
}

// provisioner opens the deploy-key store named by KEEL_SECRET_STORE.
func (rt *runtime) provisioner(ctx context.Context) (*deploykey.Provisioner, error) {
	if rt.keys != nil {
		return rt.keys, nil
	}
	s, err := deploykey.NewStore(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}
	if c, ok := s.(io.Closer); ok {
		rt.closers = append(rt.closers, c.Close)
	}
	rt.logger.Info("deploy keys stored", "store", s.Name())
	rt.keys = deploykey.NewProvisioner(s, rt.logger)
	return rt.keys, nil
}

func (rt *runtime) trustIssuer() (*trust.Issuer, error) {
	key := rt.cfg.TrustKey
	if key == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		key = hex.EncodeToString(b)
		rt.logger.Warn("KEEL_TRUST_KEY not set, triggers stop working after restart")
	}
	return trust.NewIssuer(key, rt.cfg.TrustTTL)
}

// logStore returns the build-log bucket, or nil when S3 is not configured.
func (rt *runtime) logStore(ctx context.Context) worker.LogStore {
	if rt.cfg.S3Endpoint == "" {
		return nil
	}
	if rt.s3 == nil {
		c, err := storage.NewClient(storage.Config{
			Endpoint:  rt.cfg.S3Endpoint,
			AccessKey: rt.cfg.S3AccessKey,
			SecretKey: rt.cfg.S3SecretKey,
			Region:    rt.cfg.S3Region,
			UseSSL:    rt.cfg.S3UseSSL,
			Bucket:    rt.cfg.S3LogBucket,
			LinkTTL:   rt.cfg.S3LinkTTL,
		}, rt.logger)
		if err != nil {
			rt.logger.Warn("S3 storage unavailable", "error", err)
			return nil
		}
		if err := c.EnsureBucket(ctx); err != nil {
			rt.logger.Warn("S3 log bucket unavailable", "error", err)
			return nil
		}
		rt.logger.Info("build logs stored in S3", "endpoint", rt.cfg.S3Endpoint, "bucket", rt.cfg.S3LogBucket)
		rt.s3 = c
	}
	return rt.s3
}

// backend picks the deploy backend. Nomad falls back to noop when the
// cluster cannot be reached at startup.
func (rt *runtime) backend() deployer.Backend {
	noop := deployer.NoopBackend{Logger: rt.logger}
	if rt.cfg.Deployer != "nomad" {
		return noop
	}
	n, err := nomad.NewClient(rt.cfg.NomadAddr)
	if err != nil {
		rt.logger.Warn("nomad unavailable, deploys are logged only", "error", err)
		return noop
	}
	if err := n.Healthy(); err != nil {
		rt.logger.Warn("nomad not healthy", "addr", rt.cfg.NomadAddr, "error", err)
	}
	c, err := consul.NewClient(rt.cfg.ConsulAddr)
	if err != nil {
		rt.logger.Warn("consul unavailable, deploys are logged only", "error", err)
		return noop
	}
	if err := c.Healthy(); err != nil {
		rt.logger.Warn("consul not healthy", "addr", rt.cfg.ConsulAddr, "error", err)
	}
	rt.nomad, rt.consul = n, c
	rt.logger.Info("deploying to nomad", "nomad", rt.cfg.NomadAddr, "consul", rt.cfg.ConsulAddr)
	return deployer.NewNomadBackend(n, c, deployer.NomadConfig{
		Port:          rt.cfg.AppPort,
		Datacenters:   rt.cfg.Datacenters(),
		HealthTimeout: rt.cfg.HealthTimeout,
	}, rt.logger)
}

// propagator applies status transitions in this process. Only the
// propagator serving the conductor topic gets a deployer, so a COMPLETE
// image starts one deploy.
func (rt *runtime) propagator(reg store.Registry, events saga.Store, ws *hub.Hub, extra ...conductor.Option) *conductor.Propagator {
	opts := []conductor.Option{conductor.WithNotifier(rt.scm), conductor.WithEvents(events)}
	if ws != nil {
		opts = append(opts, conductor.WithBroadcaster(ws))
	}
	return conductor.NewPropagator(reg, rt.logger, append(opts, extra...)...)
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close", "error", err)
		}
	}
}

// service runs until ctx is done.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func serverService(srv *messaging.Server, name string) service {
	return service{name: name, run: srv.Serve}
}

// runAll runs every service and stops them all when one fails or ctx
// is cancelled.
func runAll(ctx context.Context, l *slog.Logger, services ...service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(services))
	for i, s := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				l.Error("service stopped", "service", s.name, "error", err)
				errs[i] = fmt.Errorf("%s: %w", s.name, err)
			}
			cancel()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
