package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"artledger/internal/app"
	"artledger/internal/config"
	"artledger/internal/db"
	"artledger/internal/engine"
	"artledger/internal/keys"
	"artledger/internal/logging"
	"artledger/internal/metrics"
	"artledger/internal/server"
	artledgersdk "artledger/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "artledger CLI",
	Long: `artledger keeps a shared ledger of art sales between trading parties.
- Party: a named participant with an ed25519 key derived from a BIP39 mnemonic.
- Record: one sale (title, price, description, timestamp, seller, buyer) both parties signed.
- Run: one attempt to agree a record; it ends committed, rejected or aborted.
- Notary: the party that orders transactions and refuses double consumption.
- Vault: each party's own store of committed records and its event log.
Start the network with 'al serve', then create records with 'al record create'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ARTLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/artledger.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("party", "p", "PartyA", "party whose node the command talks to")
	rootCmd.PersistentFlags().String("api", "", "node API base URL (overrides the party's api_addr)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the node API")
	for _, name := range []string{"workspace", "config", "json", "party", "api", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(meCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "Manage party keys"}
	k.AddCommand(keysGenerateCmd())
	return k
}

func keysGenerateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a BIP39 mnemonic and show the key it derives",
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := keys.NewMnemonic()
			if err != nil {
				return err
			}
			k, err := keys.FromMnemonic(name, mnemonic)
			if err != nil {
				return err
			}
			fp, err := keys.Fingerprint(k.PublicKey())
			if err != nil {
				return err
			}
			out := map[string]string{
				"name":        name,
				"mnemonic":    mnemonic,
				"public_key":  k.PublicKey(),
				"fingerprint": fp,
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("name:        %s\nmnemonic:    %s\npublic key:  %s\nfingerprint: %s\n", name, mnemonic, k.PublicKey(), fp)
			fmt.Println("Keep the mnemonic secret; paste it into the party's entry in artledger.yml.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "PartyA", "party name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect network config",
		Long:  "The config lists the parties of the network, which of them is the notary, and how nodes store checkpoints and records.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the sample network config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the parties of the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Parties)
			}
			if path == "" {
				path = "(built-in sample)"
			}
			fmt.Println("config:", path)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Party", "Role", "API"})
			for _, p := range cfg.Parties {
				role := "trader"
				if p.Notary {
					role = "notary"
				}
				tw.AppendRow(table.Row{p.Name, role, p.APIAddr})
			}
			tw.Render()
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every party's node and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			network, err := engine.Open(ctx, cfg, engine.Options{Workspace: workspace, Logger: logger, Metrics: m})
			if err != nil {
				return err
			}
			defer network.Close()

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger.Named("auth")}
			if authCfg.JWTSecret == "" {
				logger.Warn("ARTLEDGER_JWT_SECRET is not set; the API accepts unauthenticated requests")
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, p := range cfg.Nodes() {
				if p.APIAddr == "" {
					continue
				}
				node, err := network.Node(p.Name)
				if err != nil {
					return err
				}
				handler, err := server.New(server.Config{
					Node:       node,
					BasePath:   cfg.Server.BasePath,
					Auth:       authCfg,
					RateLimit:  cfg.Server.RateLimit,
					Burst:      cfg.Server.Burst,
					Gatherer:   m.Registry,
					RunTimeout: cfg.Flow.ResponseTimeout + cfg.Flow.FinalityTimeout,
					Logger:     logger.Named(p.Name),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: p.APIAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("%s api: %w", p.Name, err)
					}
					return nil
				})
				logger.Info("serving node API",
					zap.String("party", p.Name),
					zap.String("url", "http://"+p.APIAddr+cfg.Server.BasePath),
					zap.String("docs", "http://"+p.APIAddr+"/docs"))
			}
			return g.Wait()
		},
	}
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer auth (env ARTLEDGER_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func meCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the node's party",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *artledgersdk.Client) error {
				me, err := c.Me(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(me)
			})
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List the other trading parties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *artledgersdk.Client) error {
				peers, err := c.Peers(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(peers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Party", "Public key"})
				for _, p := range peers {
					tw.AppendRow(table.Row{p.Name, p.PublicKey})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "record",
		Short: "Create and list records",
		Long:  "Records are committed art sales. Creating one runs the propose, sign and notarise flow with the buyer.",
	}
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordListCmd())
	return rec
}

func recordCreateCmd() *cobra.Command {
	var req artledgersdk.CreateRecordRequest
	var ts string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Sell a piece to a buyer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ts != "" {
				parsed, err := time.Parse(time.RFC3339, ts)
				if err != nil {
					return fmt.Errorf("--timestamp: %w", err)
				}
				req.Timestamp = &parsed
			}
			return withClient(func(c *artledgersdk.Client) error {
				resp, err := c.CreateRecord(cmd.Context(), req)
				if err != nil {
					var apiErr *artledgersdk.APIError
					if errors.As(err, &apiErr) && apiErr.Message != "" {
						return errors.New(apiErr.Message)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Println(resp.Message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Buyer, "buyer", "", "buyer party name")
	cmd.Flags().StringVar(&req.Title, "title", "", "title of the piece")
	cmd.Flags().StringVar(&req.Price, "price", "", "price as a decimal, e.g. 1200.50")
	cmd.Flags().StringVar(&req.Description, "description", "", "description of the piece")
	cmd.Flags().StringVar(&ts, "timestamp", "", "sale time in RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func recordListCmd() *cobra.Command {
	var mine bool
	var q artledgersdk.RecordQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in the node's vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *artledgersdk.Client) error {
				var recs []artledgersdk.Record
				var err error
				if mine {
					recs, err = c.MyRecords(cmd.Context(), q.Limit)
				} else {
					recs, err = c.Records(cmd.Context(), q)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Price", "Seller", "Buyer", "Date"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.LinearID, r.Title, r.Price, r.Seller.Name, r.Buyer.Name, r.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only records this party sold")
	cmd.Flags().StringVar(&q.Seller, "seller", "", "seller filter")
	cmd.Flags().StringVar(&q.Buyer, "buyer", "", "buyer filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum records")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect runs"}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	return run
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs the node took part in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *artledgersdk.Client) error {
				runs, err := c.Runs(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Role", "State", "Reason", "Updated"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.RunID, r.Role, r.State, r.Reason, r.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the latest checkpoint of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *artledgersdk.Client) error {
				r, err := c.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every node keeps a diary of committed records and run transitions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, cursor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *artledgersdk.Client) error {
				page, err := c.Events(cmd.Context(), n, cursor, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(page)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from a previous next_cursor")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, string, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func withClient(fn func(*artledgersdk.Client) error) error {
	base := viper.GetString("api")
	if base == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		base, err = apiURL(cfg, viper.GetString("party"))
		if err != nil {
			return err
		}
	}
	c := artledgersdk.New(base)
	c.BearerToken = viper.GetString("token")
	return fn(c)
}

func apiURL(cfg *config.Config, party string) (string, error) {
	for _, p := range cfg.Nodes() {
		if p.Name == party {
			if p.APIAddr == "" {
				return "", fmt.Errorf("party %s has no api_addr", party)
			}
			return "http://" + p.APIAddr, nil
		}
	}
	return "", fmt.Errorf("party %s is not a trading party in the config", party)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
