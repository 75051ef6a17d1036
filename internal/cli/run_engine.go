package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fortify-onion/fortify/antireplay"
	"github.com/fortify-onion/fortify/api"
	"github.com/fortify-onion/fortify/challenge"
	"github.com/fortify-onion/fortify/cluster"
	"github.com/fortify-onion/fortify/events"
	"github.com/fortify-onion/fortify/fortlib"
	"github.com/fortify-onion/fortify/intensity"
	"github.com/fortify-onion/fortify/internal/config"
	"github.com/fortify-onion/fortify/internal/utils"
	"github.com/fortify-onion/fortify/logger"
	"github.com/fortify-onion/fortify/passport"
	"github.com/fortify-onion/fortify/reputation"
	"github.com/fortify-onion/fortify/stats"
	"github.com/fortify-onion/fortify/upstream"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	shutdownTimeout  = 10 * time.Second
	bootstrapBackoff = 500 * time.Millisecond
	bootstrapMaxWait = 30 * time.Second
)

func makeLogger(conf *config.Config) fortlib.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.TimestampFieldName = "timestamp"

	baseLogger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("node", conf.NodeID).
		Logger().
		Level(zerolog.InfoLevel)

	if conf.Debug.Get(false) {
		baseLogger = baseLogger.Level(zerolog.DebugLevel)
	}

	return logger.NewZeroLogger(baseLogger)
}

// statsOutputs держит экспортёры метрик, которые надо закрыть при остановке.
type statsOutputs struct {
	prometheus *stats.PrometheusFactory
	statsd     *stats.StatsdFactory
}

func (s statsOutputs) Close() error {
	var errs *multierror.Error

	if s.prometheus != nil {
		errs = multierror.Append(errs, s.prometheus.Close())
	}

	if s.statsd != nil {
		errs = multierror.Append(errs, s.statsd.Close())
	}

	return errs.ErrorOrNil() //nolint: wrapcheck
}

func makeEventStream(conf *config.Config, version string, log fortlib.Logger) (events.EventStream, statsOutputs, error) {
	factories := make([]events.ObserverFactory, 0, 2) //nolint: gomnd
	outputs := statsOutputs{}

	if conf.Stats.StatsD.Enabled.Get(false) {
		statsdFactory, err := stats.NewStatsd(
			conf.Stats.StatsD.Address.Get(""),
			conf.Stats.StatsD.MetricPrefix.Get(stats.DefaultMetricPrefix),
			conf.Stats.StatsD.TagFormat.Get(stats.TagFormatInfluxDB))
		if err != nil {
			return events.EventStream{}, outputs, fmt.Errorf("cannot build statsd observer: %w", err)
		}

		outputs.statsd = statsdFactory
		factories = append(factories, statsdFactory.Make)
	}

	if conf.Stats.Prometheus.Enabled.Get(false) {
		prometheus := stats.NewPrometheus(
			conf.Stats.Prometheus.MetricPrefix.Get(stats.DefaultMetricPrefix),
			conf.Stats.Prometheus.HTTPPath.Get(stats.DefaultHTTPPath),
			version)

		listener, err := utils.NewListener(conf.Stats.Prometheus.BindTo.Get(""))
		if err != nil {
			outputs.Close() //nolint: errcheck

			return events.EventStream{}, outputs, fmt.Errorf("cannot start prometheus listener: %w", err)
		}

		go func() {
			if err := prometheus.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WarningError("prometheus endpoint has stopped", err)
			}
		}()

		outputs.prometheus = prometheus
		factories = append(factories, prometheus.Make)
	}

	return events.NewEventStream(factories), outputs, nil
}

func makeKeyring(conf *config.Config, log fortlib.Logger) (*passport.Keyring, error) {
	key, err := privateKey(conf)
	if err != nil {
		return nil, fmt.Errorf("cannot load private key: %w", err)
	}

	peers, err := peerKeys(conf)
	if err != nil {
		return nil, err
	}

	return passport.NewKeyring(passport.KeyringOpts{ //nolint: wrapcheck
		NodeID:     conf.NodeID,
		PrivateKey: key,
		Peers:      peers,
		File:       conf.Passport.KeyringFile.Get(""),
		Logger:     log.Named("keyring"),
	})
}

func makeAntiReplayCache(conf *config.Config) fortlib.AntiReplayCache {
	if !conf.Passport.AntiReplay.Enabled.Get(false) {
		return antireplay.NewNoop()
	}

	return antireplay.NewStableBloomFilter(
		uint(conf.Passport.AntiReplay.MaxSize.Get(antireplay.DefaultStableBloomFilterMaxSize)),
		conf.Passport.AntiReplay.ErrorRate.Get(antireplay.DefaultStableBloomFilterErrorRate),
	)
}

func makeRedisClient(conf *config.Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     conf.Cluster.Redis.Address.Get(""),
		Password: conf.Cluster.Redis.Password,
		DB:       conf.Cluster.Redis.DB,
	})
}

// bootstrap загружает состояние кластера из redis. Пока загрузка не
// прошла, /readyz отвечает 503.
func bootstrap(ctx context.Context, syncer *cluster.Syncer, loaded *atomic.Bool, log fortlib.Logger) {
	backoff := retry.NewExponential(bootstrapBackoff)
	backoff = retry.WithCappedDuration(bootstrapMaxWait, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := syncer.Bootstrap(ctx); err != nil {
			log.WarningError("cannot load state from shared store, retrying", err)

			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		return
	}

	loaded.Store(true)
}

// background запускает долгоживущие компоненты и ждёт их остановки.
type background struct {
	wg sync.WaitGroup
}

func (b *background) Go(fn func()) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		fn()
	}()
}

func (b *background) Wait() {
	b.wg.Wait()
}

func serve(server *http.Server, listener net.Listener, log fortlib.Logger) {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WarningError("server has stopped", err)
	}
}

func runEngine(conf *config.Config, version string) error { //nolint: funlen, cyclop, gocognit
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := makeLogger(conf)

	log.BindJSON("configuration", conf.String()).Debug("configuration")

	eventStream, outputs, err := makeEventStream(conf, version, log)
	if err != nil {
		return err
	}

	defer outputs.Close() //nolint: errcheck
	defer eventStream.Shutdown()

	dial := intensity.NewDial(conf.Intensity.Level.Get(0), conf.Table())

	store, err := reputation.NewStore(reputation.Opts{
		Dial:           dial,
		MaxRecords:     conf.Reputation.MaxRecords.Get(reputation.DefaultMaxRecords),
		UnverifiedIdle: conf.Reputation.UnverifiedIdle.Get(reputation.DefaultUnverifiedIdle),
		OffenseMemory:  conf.Reputation.OffenseMemory.Get(reputation.DefaultOffenseMemory),
		BanMax:         conf.Reputation.BanMax.Get(reputation.DefaultBanMax),
	})
	if err != nil {
		return fmt.Errorf("cannot build reputation store: %w", err)
	}

	pool, err := challenge.NewPool(challenge.PoolOpts{
		Dial:           dial,
		Capacity:       conf.Pool.Capacity.Get(challenge.DefaultCapacity),
		MaxOutstanding: conf.Pool.MaxOutstanding.Get(challenge.DefaultMaxOutstanding),
	})
	if err != nil {
		return fmt.Errorf("cannot build challenge pool: %w", err)
	}

	var overflow *challenge.Overflow

	if conf.Pool.Overflow.Enabled.Get(false) {
		overflow, err = challenge.NewOverflow(challenge.OverflowOpts{
			Dir:         conf.Pool.Overflow.Dir,
			MaxBytes:    conf.Pool.Overflow.MaxSize.Get(challenge.DefaultMaxOverflowBytes),
			MinFreeDisk: uint64(conf.Pool.Overflow.MinFreeDisk.Get(challenge.DefaultMinFreeDisk)), //nolint: gosec
			MaxAge:      conf.Pool.Overflow.MaxAge.Get(challenge.DefaultMaxPuzzleAge),
		})
		if err != nil {
			return fmt.Errorf("cannot build pool overflow: %w", err)
		}
	}

	replenisher, err := challenge.NewReplenisher(challenge.ReplenisherOpts{
		Pool:         pool,
		Logger:       log.Named("replenisher"),
		Overflow:     overflow,
		CPU:          challenge.NewSystemCPU(),
		EventStream:  eventStream,
		Workers:      conf.Pool.Workers.Get(challenge.DefaultWorkers),
		Interval:     conf.Pool.ReplenishInterval.Get(challenge.DefaultReplenishInterval),
		DumpInterval: conf.Pool.DumpInterval.Get(challenge.DefaultDumpInterval),
	})
	if err != nil {
		return fmt.Errorf("cannot build replenisher: %w", err)
	}

	keyring, err := makeKeyring(conf, log)
	if err != nil {
		return fmt.Errorf("cannot build keyring: %w", err)
	}

	antiReplay := makeAntiReplayCache(conf)

	validator, err := passport.NewValidator(passport.ValidatorOpts{
		Keyring:         keyring,
		AntiReplayCache: antiReplay,
		Skew:            conf.Passport.Skew.Get(passport.DefaultSkew),
	})
	if err != nil {
		return fmt.Errorf("cannot build passport validator: %w", err)
	}

	engineOpts := fortlib.EngineOpts{
		Store:             store,
		Pool:              pool,
		Dial:              dial,
		EventStream:       eventStream,
		Logger:            log,
		Validator:         validator,
		RejectFloor:       conf.RejectFloor.Get(fortlib.DefaultRejectFloor),
		RetryAfter:        conf.RetryAfter.Get(fortlib.DefaultRetryAfter),
		LimiterCleanup:    conf.Limiter.Cleanup.Get(fortlib.DefaultLimiterCleanup),
		LimiterMaxEntries: conf.Limiter.MaxEntries.Get(fortlib.DefaultLimiterMaxEntries),
	}
	adminOpts := api.AdminOpts{
		Store:       store,
		Dial:        dial,
		Pool:        pool,
		Logger:      log,
		Tokens:      conf.AdminTokens(),
		Allowlist:   conf.AdminAllowlist(),
		EventStream: eventStream,
		AuditSize:   conf.Admin.AuditSize.Get(api.DefaultAuditSize),
	}

	if view, ok := antiReplay.(api.AntiReplayView); ok {
		adminOpts.AntiReplay = view
	}
	tasks := &background{}

	// Остальные узлы кластера: таблица пиров, паспорта и heartbeat.
	var (
		peerTable  *cluster.PeerTable
		packetConn net.PacketConn
	)

	if conf.Cluster.Enabled.Get(false) {
		packetConn, err = net.ListenPacket("udp", conf.Cluster.BindTo.Get(""))
		if err != nil {
			return fmt.Errorf("cannot start heartbeat listener: %w", err)
		}

		defer packetConn.Close()

		peerTable = cluster.NewPeerTable(cluster.PeerTableOpts{
			NodeID:            conf.NodeID,
			Peers:             conf.ClusterPeers(),
			HeartbeatInterval: conf.Cluster.HeartbeatInterval.Get(cluster.DefaultHeartbeatInterval),
			MissedHeartbeats:  conf.Cluster.MissedHeartbeats.Get(cluster.DefaultMissedHeartbeats),
			RemoveAfter:       conf.Cluster.RemoveAfter.Get(cluster.DefaultRemoveAfter),
			ForgetAfter:       conf.Cluster.ForgetAfter.Get(cluster.DefaultForgetAfter),
		})

		issuer, err := passport.NewIssuer(passport.IssuerOpts{
			Keyring: keyring,
			Guard:   peerTable,
			TTL:     conf.Passport.TTL.Get(passport.DefaultTTL),
		})
		if err != nil {
			return fmt.Errorf("cannot build passport issuer: %w", err)
		}

		engineOpts.Cluster = peerTable
		engineOpts.Issuer = issuer
		adminOpts.Peers = peerTable
	}

	loaded := &atomic.Bool{}

	var syncer *cluster.Syncer

	if conf.Cluster.Redis.Enabled.Get(false) {
		client := makeRedisClient(conf)

		defer client.Close()

		shared, err := cluster.NewRedisStore(cluster.RedisStoreOpts{
			Client:  client,
			Prefix:  conf.Cluster.Redis.KeyPrefix,
			Timeout: conf.Cluster.Redis.Timeout.Get(fortlib.DefaultPeerTimeout),
		})
		if err != nil {
			return fmt.Errorf("cannot build shared store: %w", err)
		}

		syncer, err = cluster.NewSyncer(cluster.SyncerOpts{
			Store:       store,
			Dial:        dial,
			Shared:      shared,
			NodeID:      conf.NodeID,
			Logger:      log.Named("syncer"),
			EventStream: eventStream,

			ReconcileInterval: conf.Cluster.Redis.Reconcile.Get(cluster.DefaultReconcileInterval),
		})
		if err != nil {
			return fmt.Errorf("cannot build syncer: %w", err)
		}

		adminOpts.Intensity = syncer
	} else {
		loaded.Store(true)
	}

	var dispatcher *upstream.Dispatcher

	if conf.Upstream.Enabled.Get(false) {
		client, err := upstream.NewClient(upstream.ClientOpts{
			Address:           conf.Upstream.Address,
			Table:             conf.Upstream.Table,
			Timeout:           conf.Upstream.Timeout.Get(upstream.DefaultTimeout),
			CooldownThreshold: conf.Upstream.CooldownThreshold.Get(upstream.DefaultCooldownThreshold),
			Cooldown:          conf.Upstream.Cooldown.Get(upstream.DefaultCooldown),
		})
		if err != nil {
			return fmt.Errorf("cannot build upstream client: %w", err)
		}

		dispatcher, err = upstream.NewDispatcher(upstream.DispatcherOpts{
			Executor:      client,
			Logger:        log.Named("upstream"),
			QueueSize:     conf.Upstream.QueueSize.Get(upstream.DefaultQueueSize),
			RetryBase:     conf.Upstream.RetryBase.Get(upstream.DefaultRetryBase),
			MaxRetries:    conf.Upstream.MaxRetries.Get(upstream.DefaultMaxRetries),
			RetryInterval: conf.Upstream.RetryInterval.Get(upstream.DefaultRetryInterval),
		})
		if err != nil {
			return fmt.Errorf("cannot build upstream dispatcher: %w", err)
		}

		engineOpts.Upstream = dispatcher
		adminOpts.Upstream = dispatcher
	}

	engine, err := fortlib.NewEngine(engineOpts)
	if err != nil {
		return fmt.Errorf("cannot build engine: %w", err)
	}

	defer engine.Shutdown()

	publicRouter, err := api.NewPublicRouter(api.PublicOpts{
		Engine:         engine,
		Pool:           pool,
		Logger:         log,
		IdentityHeader: conf.IdentityHeader,
		Loaded:         loaded.Load,
	})
	if err != nil {
		return fmt.Errorf("cannot build public API: %w", err)
	}

	publicListener, err := utils.NewListener(conf.Public.BindTo.Get(""))
	if err != nil {
		return fmt.Errorf("cannot start public listener: %w", err)
	}

	servers := []*http.Server{{Handler: publicRouter, ReadHeaderTimeout: requestTimeout}}
	listeners := []net.Listener{publicListener}

	if conf.Admin.Enabled.Get(false) {
		adminRouter, err := api.NewAdminRouter(adminOpts)
		if err != nil {
			return fmt.Errorf("cannot build admin API: %w", err)
		}

		adminListener, err := utils.NewListener(conf.Admin.BindTo.Get(""))
		if err != nil {
			return fmt.Errorf("cannot start admin listener: %w", err)
		}

		servers = append(servers, &http.Server{Handler: adminRouter, ReadHeaderTimeout: requestTimeout})
		listeners = append(listeners, adminListener)
	}

	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	tasks.Go(func() { replenisher.Run(workCtx) })
	tasks.Go(func() {
		store.RunDecay(workCtx, conf.Reputation.DecayInterval.Get(reputation.DefaultDecayInterval),
			eventStream, log.Named("decay"))
	})
	tasks.Go(func() {
		if err := keyring.Watch(workCtx); err != nil {
			log.WarningError("keyring file is not watched", err)
		}
	})

	if peerTable != nil {
		heartbeater, err := cluster.NewHeartbeater(cluster.HeartbeaterOpts{
			Conn:        packetConn,
			Table:       peerTable,
			NodeID:      conf.NodeID,
			Address:     conf.Public.Address,
			Load:        engine.Load,
			Dial:        dial,
			Logger:      log.Named("heartbeat"),
			EventStream: eventStream,
			Version:     version,
			Interval:    conf.Cluster.HeartbeatInterval.Get(cluster.DefaultHeartbeatInterval),
		})
		if err != nil {
			return fmt.Errorf("cannot build heartbeater: %w", err)
		}

		tasks.Go(func() { heartbeater.Run(workCtx) })
	}

	if syncer != nil {
		tasks.Go(func() { bootstrap(workCtx, syncer, loaded, log.Named("syncer")) })
		tasks.Go(func() { syncer.Run(workCtx) })
	}

	if dispatcher != nil {
		tasks.Go(func() { dispatcher.Run(workCtx) })
	}

	for i := range servers {
		server, listener := servers[i], listeners[i]

		go serve(server, listener, log.BindStr("bind", listener.Addr().String()))
	}

	log.BindStr("version", version).
		BindInt("intensity", dial.Level()).
		Info("engine has started")

	<-ctx.Done()

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WarningError("cannot gracefully stop server", err)
		}
	}

	// Replenisher сбрасывает пул в overflow при остановке.
	workCancel()
	tasks.Wait()

	return nil
}
