package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"artledger/internal/builder"
	"artledger/internal/checkpoint"
	"artledger/internal/config"
	"artledger/internal/contract"
	"artledger/internal/db"
	"artledger/internal/flow"
	"artledger/internal/identity"
	"artledger/internal/keys"
	"artledger/internal/metrics"
	"artledger/internal/migrate"
	"artledger/internal/notary"
	"artledger/internal/repo"
	"artledger/internal/session"
)

// Options tune how a Network is opened.
type Options struct {
	Workspace string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Redis overrides the client built from the checkpoint config.
	Redis *backend.Client
}

// Network runs every configured party in one process over an in-process hub,
// with the notary as a local collaborator.
type Network struct {
	Config  *config.Config
	Hub     *session.Hub
	Map     *identity.NetworkMap
	Notary  *notary.Service
	Metrics *metrics.Metrics

	nodes    map[string]*Node
	order    []string
	notaryDB *sql.DB
	redis    *backend.Client
	ownRedis bool
	logger   *zap.Logger
}

// Open builds the network described by cfg, migrates every vault and aborts
// runs left unfinished by a previous process.
func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *Network, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	n := &Network{
		Config:  cfg,
		Hub:     session.NewHub(session.WithLogger(logger)),
		Map:     identity.NewNetworkMap(),
		Metrics: m,
		nodes:   map[string]*Node{},
		redis:   opts.Redis,
		logger:  logger,
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	pairs := map[string]*keys.KeyPair{}
	for _, p := range cfg.Parties {
		k, err := keys.FromMnemonic(p.Name, p.Mnemonic)
		if err != nil {
			return nil, fmt.Errorf("party %s: %w", p.Name, err)
		}
		pairs[p.Name] = k
		if err := n.Map.Add(k.Party(), p.Notary); err != nil {
			return nil, err
		}
	}

	np := cfg.NotaryParty()
	n.notaryDB, err = openVault(ctx, cfg.VaultFor(np), opts.Workspace, np.Name)
	if err != nil {
		return nil, fmt.Errorf("notary store: %w", err)
	}
	n.Notary = notary.NewService(pairs[np.Name], notary.SQLStore{DB: n.notaryDB}, notary.WithLogger(logger.Named("notary")))
	retry := notary.DefaultRetryOptions()
	if cfg.Flow.NotaryRetries > 0 {
		retry.MaxRetries = cfg.Flow.NotaryRetries
	}
	if cfg.Flow.NotaryBackoff > 0 {
		retry.InitialInterval = cfg.Flow.NotaryBackoff
	}
	retry.Logger = logger.Named("notary-client")
	notaryClient := notary.NewRetryingClient(n.Notary, retry)

	if cfg.Checkpoints.Backend == config.BackendRedis && n.redis == nil {
		n.redis = backend.NewClient(&backend.Options{
			Addr:     cfg.Checkpoints.RedisAddr,
			Password: cfg.Checkpoints.RedisPassword,
			DB:       cfg.Checkpoints.RedisDB,
		})
		n.ownRedis = true
	}

	for _, p := range cfg.Nodes() {
		conn, err := openVault(ctx, cfg.VaultFor(p), opts.Workspace, p.Name)
		if err != nil {
			return nil, fmt.Errorf("party %s vault: %w", p.Name, err)
		}
		r := repo.Repo{DB: conn}
		vault := repo.NewVault(r, p.Name)
		nodeLogger := logger.Named(p.Name)
		fcfg := flow.Config{
			Self:            pairs[p.Name],
			Notary:          pairs[np.Name].Party(),
			Validator:       contract.New(),
			Builder:         builder.New(),
			Resolver:        n.Map,
			Transport:       n.Hub,
			NotaryClient:    notaryClient,
			Vault:           vault,
			Checkpoints:     n.checkpoints(p.Name, r, nodeLogger),
			ResponseTimeout: cfg.Flow.ResponseTimeout,
			FinalityTimeout: cfg.Flow.FinalityTimeout,
			Logger:          nodeLogger,
			Metrics:         m,
			Tracer:          otel.Tracer("artledger/" + p.Name),
		}
		node := NewNode(conn, vault, n.Map, fcfg)
		n.nodes[p.Name] = node
		n.order = append(n.order, p.Name)
		n.Hub.Register(node.Party(), node.Handle)
		if recovered, err := node.Recover(ctx); err != nil {
			return nil, fmt.Errorf("party %s recover: %w", p.Name, err)
		} else if recovered > 0 {
			logger.Warn("recovered interrupted runs", zap.String("node", p.Name), zap.Int("runs", recovered))
		}
	}
	return n, nil
}

func (n *Network) checkpoints(node string, r repo.Repo, logger *zap.Logger) *checkpoint.Manager {
	cc := n.Config.Checkpoints
	var store checkpoint.Store
	var opts []checkpoint.Option
	switch cc.Backend {
	case config.BackendMemory:
		store = checkpoint.NewMemoryStore()
	case config.BackendRedis:
		prefix := cc.Prefix
		if prefix == "" {
			prefix = "artledger:"
		}
		prefix += strings.ToLower(node) + ":"
		store = checkpoint.NewRedisStoreFromClient(n.redis, checkpoint.WithPrefix(prefix+"run:"), checkpoint.WithTTL(cc.TTL))
		if cc.Lock {
			opts = append(opts, checkpoint.WithLocker(checkpoint.NewRedsyncLocker(n.redis, prefix), 30*time.Second))
		}
	default:
		store = checkpoint.SQLStore{Repo: r}
	}
	opts = append(opts, checkpoint.WithLogger(logger))
	return checkpoint.NewManager(store, opts...)
}

func openVault(ctx context.Context, v config.Vault, workspace, name string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Driver: v.Driver, DSN: v.DSN, Workspace: workspace, Name: name})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	dialect := v.Driver
	if dialect == "" {
		dialect = db.DriverSQLite
	}
	if err := migrate.MigrateDialect(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// Node returns the named party's node.
func (n *Network) Node(name string) (*Node, error) {
	node, ok := n.nodes[name]
	if !ok {
		return nil, fmt.Errorf("no node for party %s", name)
	}
	return node, nil
}

// Nodes returns the nodes in configuration order.
func (n *Network) Nodes() []*Node {
	out := make([]*Node, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.nodes[name])
	}
	return out
}

// Close stops responders, then every node, the notary and Redis.
func (n *Network) Close() error {
	n.Hub.Close()
	var firstErr error
	for _, name := range n.order {
		if err := n.nodes[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.notaryDB != nil {
		if err := n.notaryDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.ownRedis && n.redis != nil {
		if err := n.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
