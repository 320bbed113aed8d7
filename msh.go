// Package msh assembles the message service handler from one settings
// file: the datastore and body store, the processing mode registry, the
// lifecycle agents with their datastore pollers, the pull scheduler,
// the retry agent and the receive-side HTTP listener.
//
// A handler is built with New and driven with Start and Stop:
//
//	cfg, err := config.Load("settings.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handler, err := msh.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handler.Start(ctx)
//	defer handler.Stop(context.Background())
//
// Messages enter through the HTTP listener (peer traffic) and the
// submit directory (producer traffic); everything after that is driven
// by the background workers.
package msh

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/internal/agents"
	"github.com/JoergVierling/eessi-as4.net/internal/bodystore"
	"github.com/JoergVierling/eessi-as4.net/internal/config"
	"github.com/JoergVierling/eessi-as4.net/internal/discovery"
	"github.com/JoergVierling/eessi-as4.net/internal/metrics"
	"github.com/JoergVierling/eessi-as4.net/internal/receivers"
	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/internal/server"
	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/internal/storage/mongodb"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
	"github.com/JoergVierling/eessi-as4.net/pkg/scheduler"
	"github.com/JoergVierling/eessi-as4.net/pkg/transport"
)

// MSH is the assembled message service handler.
type MSH struct {
	cfg *config.Config
	log *logrus.Entry

	store   storage.Store
	bodies  bodystore.Store
	pmodes  *pmode.Registry
	runtime *agents.Runtime
	server  *server.Server

	pollers []*receivers.DatastorePoller
	reaper  *receivers.Reaper
	submit  *receivers.FilePoller
	watcher *config.PModeWatcher
	sched   *scheduler.Scheduler
	retries *retry.Agent

	errs   chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a handler from validated settings. The context bounds the
// datastore connection attempt only; the handler itself runs under the
// context given to Start.
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*MSH, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "msh")

	store, bodies, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	senders := sender.NewRegistry(
		sender.FileStrategy{},
		sender.NewHTTPStrategy(nil),
		sender.NewAMQPStrategy(),
		sender.NewNATSStrategy(),
	)

	registry := pmode.NewRegistry()
	if err := config.LoadPModes(cfg.PModes, registry, senders); err != nil {
		return nil, errors.Wrap(err, "loading processing modes")
	}

	signer, encryptor, err := loadSecurity(cfg.Security)
	if err != nil {
		return nil, err
	}

	rtCfg := agents.Runtime{
		Store:     store,
		Bodies:    bodies,
		PModes:    registry,
		Senders:   senders,
		Signer:    signer,
		Encryptor: encryptor,
		Transport: transport.NewClient(nil),
		Discovery: discovery.NewResolver(discovery.Config{
			DNSServer: cfg.Discovery.DNSServer,
			Service:   cfg.Discovery.Service,
		}, log),
		PullBase: cfg.Pull.BaseInterval,
		PullMax:  cfg.Pull.MaxInterval,
		Log:      log,
	}
	if cfg.Metrics.Enabled {
		m := metrics.New(nil)
		rtCfg.Observer = m
		rtCfg.Pulls = m
	}
	rt := agents.NewRuntime(rtCfg)

	m := &MSH{
		cfg:     cfg,
		log:     log,
		store:   store,
		bodies:  bodies,
		pmodes:  registry,
		runtime: rt,
		errs:    make(chan error, 16),
	}

	m.server = server.New(serverConfig(cfg), rt, store, log)
	m.buildWorkers(rt, registry, senders, log)
	return m, nil
}

// Runtime exposes the agent runtime for embedding and tests.
func (m *MSH) Runtime() *agents.Runtime { return m.runtime }

// Handler exposes the routed HTTP handler for embedding and tests.
func (m *MSH) Handler() *server.Server { return m.server }

// Start launches the pollers, the pull scheduler, the retry agent and
// the HTTP listener. It returns immediately; failures of background
// workers surface on the shared error channel and are logged.
func (m *MSH) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	for _, p := range m.pollers {
		p.Start(ctx)
	}
	m.reaper.Start(ctx)
	if m.submit != nil {
		m.submit.Start(ctx)
	}
	if m.watcher != nil {
		m.watcher.Start(ctx)
	}
	m.sched.Start(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := m.retries.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.report(errors.Wrap(err, "retry agent"))
		}
	}()
	go func() {
		defer m.wg.Done()
		m.drainErrors(ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Start(); err != nil {
			m.report(errors.Wrap(err, "http listener"))
		}
	}()

	m.log.Info("message service handler started")
}

// Stop shuts the workers down, drains the HTTP listener within the
// context deadline and closes the datastore.
func (m *MSH) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	for _, p := range m.pollers {
		p.Stop()
	}
	m.reaper.Stop()
	if m.submit != nil {
		m.submit.Stop()
	}
	if m.watcher != nil {
		m.watcher.Stop()
	}
	m.sched.Stop()

	err := m.server.Shutdown(ctx)
	m.wg.Wait()

	if cerr := m.store.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	m.log.Info("message service handler stopped")
	return err
}

// buildWorkers creates the datastore pollers for every non-terminal
// operation a background agent owns, the claim reaper, the submit
// directory poller, the PMode watcher, the pull scheduler and the
// retry agent.
func (m *MSH) buildWorkers(rt *agents.Runtime, registry *pmode.Registry,
	senders *sender.Registry, log *logrus.Entry) {

	cfg := m.cfg
	pollerCfg := receivers.PollerConfig{
		PollInterval: cfg.Receivers.PollInterval,
		BatchSize:    cfg.Receivers.BatchSize,
	}
	targets := []receivers.Target{
		receivers.ForOutMessages(entities.OperationToBeSent, rt.HandleToBeSent),
		receivers.ForInMessages(entities.OperationToBeDelivered, rt.HandleToBeDelivered),
		receivers.ForInMessages(entities.OperationToBeForwarded, rt.HandleToBeForwarded),
		receivers.ForOutMessages(entities.OperationToBeNotified, rt.HandleOutMessageToBeNotified),
		receivers.ForInExceptions(entities.OperationToBeNotified, rt.HandleInExceptionToBeNotified),
		receivers.ForOutExceptions(entities.OperationToBeNotified, rt.HandleOutExceptionToBeNotified),
	}
	for _, target := range targets {
		m.pollers = append(m.pollers,
			receivers.NewDatastorePoller(m.store, target, pollerCfg, m.errs, log))
	}

	m.reaper = receivers.NewReaper(m.store, receivers.ReaperConfig{
		Interval: cfg.Receivers.Reaper.Interval,
		MaxAge:   cfg.Receivers.Reaper.MaxAge,
	}, log)

	if cfg.Submit.Directory != "" {
		m.submit = receivers.NewFilePoller(receivers.FilePollerConfig{
			Directory:    cfg.Submit.Directory,
			Pattern:      cfg.Submit.Pattern,
			PollInterval: cfg.Submit.PollInterval,
			Debounce:     cfg.Submit.Debounce,
		}, m.handleSubmitFile, log)
	}

	if cfg.PModes.WatchInterval > 0 {
		m.watcher = config.NewPModeWatcher(cfg.PModes, registry, senders, log)
	}

	m.sched = scheduler.New(log)
	rt.RegisterPullJobs(m.sched)

	m.retries = retry.NewAgent(m.store, rt, rt.Persister(), rt, retry.AgentConfig{
		PollInterval: cfg.Retry.PollInterval,
		BatchSize:    cfg.Retry.BatchSize,
	}, log)
}

// handleSubmitFile turns one submit document into an outbound message.
func (m *MSH) handleSubmitFile(ctx context.Context, path string) error {
	submit, err := parseSubmitFile(path)
	if err != nil {
		return err
	}
	msgCtx, err := m.runtime.Submit(ctx, submit)
	if err != nil {
		return err
	}
	return msgCtx.Failure
}

func (m *MSH) report(err error) {
	select {
	case m.errs <- err:
	default:
		m.log.WithError(err).Error("worker failure (error channel full)")
	}
}

// drainErrors logs worker failures until shutdown. Handler errors are
// already reflected in the records themselves; the log is for the
// operator.
func (m *MSH) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-m.errs:
			m.log.WithError(err).Error("worker failure")
		}
	}
}

func openStores(ctx context.Context, cfg *config.Config) (storage.Store, bodystore.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		store := storage.NewMemoryStore()
		bodies, err := bodystore.NewFileStore(cfg.Bodies.Directory)
		if err != nil {
			return nil, nil, err
		}
		return store, bodies, nil

	case "mongodb":
		mcfg := &mongodb.Config{
			URI:            cfg.Storage.MongoDB.URI,
			Database:       cfg.Storage.MongoDB.Database,
			GridFSBucket:   cfg.Storage.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: int32(cfg.Storage.MongoDB.GridFS.ChunkSizeBytes),
		}
		store, err := mongodb.NewStore(ctx, mcfg)
		if err != nil {
			return nil, nil, err
		}
		var bodies bodystore.Store
		if cfg.Bodies.Type == "gridfs" {
			bodies, err = mongodb.NewBodyStore(store, mcfg)
		} else {
			bodies, err = bodystore.NewFileStore(cfg.Bodies.Directory)
		}
		if err != nil {
			store.Close(ctx)
			return nil, nil, err
		}
		return store, bodies, nil

	default:
		return nil, nil, errors.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func serverConfig(cfg *config.Config) server.Config {
	sc := server.Config{
		Address:       cfg.Server.Address,
		BasePath:      cfg.Server.BasePath,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		EnableMetrics: cfg.Metrics.Enabled,
	}
	if cfg.Server.TLS.Enabled {
		sc.TLSCertFile = cfg.Server.TLS.CertFile
		sc.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	return sc
}
