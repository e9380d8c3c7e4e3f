package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenilsonani/mailoutd/internal/admin"
	"github.com/fenilsonani/mailoutd/internal/auth"
	"github.com/fenilsonani/mailoutd/internal/broker"
	"github.com/fenilsonani/mailoutd/internal/config"
	"github.com/fenilsonani/mailoutd/internal/dns"
	"github.com/fenilsonani/mailoutd/internal/domainvalidator"
	"github.com/fenilsonani/mailoutd/internal/logging"
	"github.com/fenilsonani/mailoutd/internal/processor"
	"github.com/fenilsonani/mailoutd/internal/queue"
	"github.com/fenilsonani/mailoutd/internal/queuemonitor"
	"github.com/fenilsonani/mailoutd/internal/ratelimit"
	"github.com/fenilsonani/mailoutd/internal/reputation"
	"github.com/fenilsonani/mailoutd/internal/security"
	"github.com/fenilsonani/mailoutd/internal/setup"
	smtpserver "github.com/fenilsonani/mailoutd/internal/smtp"
	"github.com/fenilsonani/mailoutd/internal/smtp/delivery"
	"github.com/fenilsonani/mailoutd/internal/storage/metadata"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	db      *metadata.DB
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailoutd",
	Short: "Outbound email delivery engine",
	Long: `A standalone outbound mail relay supporting:
- Authenticated SMTP submission for multiple tenants
- MX-side delivery with connection pooling and reputation tracking
- DKIM signing, sender-domain ownership validation
- Multi-scope rate limiting and connection security policy`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		type resourceTracker struct {
			db             *metadata.DB
			redisQueue     *queue.RedisQueue
			brokerClient   interface{ Close() error }
			deliveryEngine *delivery.Engine
			smtpSrv        *smtpserver.Server
			adminSrv       *admin.Server
			monitor        *queuemonitor.Monitor
			monitorCancel  context.CancelFunc
			logger         *logging.Logger
		}
		resources := &resourceTracker{}

		cleanup := func() {
			if resources.logger != nil {
				resources.logger.Info("Starting graceful shutdown")
			}

			shutdownTimeout := 30 * time.Second
			if cfg.Server.ShutdownTimeout != "" {
				if t, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
					shutdownTimeout = t
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if resources.monitorCancel != nil {
				resources.monitorCancel()
			}

			if resources.adminSrv != nil {
				if resources.logger != nil {
					resources.logger.Info("Shutting down admin server")
				}
				if err := resources.adminSrv.Shutdown(shutdownCtx); err != nil && resources.logger != nil {
					resources.logger.Error("Admin server shutdown error", "error", err.Error())
				}
			}

			if resources.smtpSrv != nil {
				if resources.logger != nil {
					resources.logger.Info("Shutting down SMTP servers")
				}
				if err := resources.smtpSrv.Close(); err != nil && resources.logger != nil {
					resources.logger.Error("SMTP server shutdown error", "error", err.Error())
				}
			}

			if resources.deliveryEngine != nil {
				if resources.logger != nil {
					resources.logger.Info("Stopping delivery engine")
				}
				resources.deliveryEngine.Stop()
			}

			if resources.redisQueue != nil {
				if resources.logger != nil {
					resources.logger.Info("Closing queue connection")
				}
				if err := resources.redisQueue.Close(); err != nil && resources.logger != nil {
					resources.logger.Error("Queue close error", "error", err.Error())
				}
			}

			if resources.brokerClient != nil {
				_ = resources.brokerClient.Close()
			}

			if resources.db != nil {
				if resources.logger != nil {
					resources.logger.Info("Closing database")
				}
				if err := resources.db.Close(); err != nil && resources.logger != nil {
					resources.logger.Error("Database close error", "error", err.Error())
				}
			}

			if resources.logger != nil {
				resources.logger.Info("Shutdown complete")
			}
		}

		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", r)
				cleanup()
				panic(r)
			}
		}()

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		resources.logger = logger
		logger.Info("Delivery engine starting", "hostname", cfg.Server.Hostname)

		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to open database: %w", err)
		}
		resources.db = db
		logger.Info("Database opened", "path", cfg.Storage.DatabasePath)

		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(migrateCtx); err != nil {
			migrateCancel()
			cleanup()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		migrateCancel()
		logger.Info("Database migrations complete")

		tlsManager, err := security.NewTLSManager(cfg)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize TLS: %w", err)
		}
		if tlsManager.HasTLS() {
			logger.Info("TLS configured")
		} else {
			logger.Warn("TLS not configured - submission will run without encryption")
		}

		authenticator := auth.NewAuthenticator(db.DB)

		retryMaxAge, _ := time.ParseDuration(cfg.Queue.RetryMaxAge)
		if retryMaxAge == 0 {
			retryMaxAge = 7 * 24 * time.Hour
		}
		redisQueue, err := queue.NewRedisQueue(queue.Config{
			RedisURL:    cfg.Queue.RedisURL,
			Prefix:      cfg.Queue.Prefix,
			MaxRetries:  cfg.Queue.MaxRetries,
			RetryMaxAge: retryMaxAge,
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize queue: %w", err)
		}
		resources.redisQueue = redisQueue
		logger.Info("Queue connected", "url", cfg.Queue.RedisURL)

		brokerClient, err := broker.Connect(context.Background(), broker.Config{
			URL:            cfg.Queue.RedisURL,
			ConnectRetries: 3,
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		resources.brokerClient = brokerClient
		logger.Info("Broker connection established")

		dkimPool := security.NewDKIMSignerPool()
		systemDomains := make([]string, 0, len(cfg.Domains))
		for _, domain := range cfg.Domains {
			systemDomains = append(systemDomains, domain.Name)
			if domain.DKIMKeyFile != "" {
				if err := dkimPool.AddSigner(domain.Name, domain.DKIMSelector, domain.DKIMKeyFile, security.SignerOptions{}); err != nil {
					logger.Warn("Failed to load DKIM key for domain",
						"domain", domain.Name,
						"error", err.Error())
				} else {
					logger.Info("Loaded DKIM key", "domain", domain.Name, "selector", domain.DKIMSelector)
				}
			}
		}

		repCfg := reputation.Config{
			SoftFailureThreshold: int64(cfg.Reputation.SoftFailureThreshold),
			HardFailureThreshold: int64(cfg.Reputation.HardFailureThreshold),
		}
		if d, err := time.ParseDuration(cfg.Reputation.SoftBlockDuration); err == nil {
			repCfg.SoftBlockDuration = d
		}
		if d, err := time.ParseDuration(cfg.Reputation.HardBlockDuration); err == nil {
			repCfg.HardBlockDuration = d
		}
		repManager := reputation.New(repCfg, reputation.NewSQLiteStore(db.DB))
		repSweepCtx, repSweepCancel := context.WithCancel(context.Background())
		go repManager.StartSweeper(repSweepCtx, 5*time.Minute)

		secManager, err := security.NewManager(db.DB, cfg.Security.SpamScoreBlock, repManager)
		if err != nil {
			repSweepCancel()
			cleanup()
			return fmt.Errorf("failed to initialize security manager: %w", err)
		}

		limiterCfg := ratelimit.DefaultConfig()
		limiterCfg.Enabled = cfg.RateLimit.Enabled
		if cfg.RateLimit.ConnectionsPerIP > 0 {
			limiterCfg.Rules[ratelimit.ScopeConnectionIP] = ratelimit.Rule{Max: cfg.RateLimit.ConnectionsPerIP, Window: time.Minute}
		}
		if cfg.RateLimit.AuthAttemptsPerIP > 0 {
			limiterCfg.Rules[ratelimit.ScopeAuthIP] = ratelimit.Rule{Max: cfg.RateLimit.AuthAttemptsPerIP, Window: 15 * time.Minute}
		}
		if cfg.RateLimit.SendPerUserPerHour > 0 {
			limiterCfg.Rules[ratelimit.ScopeUser] = ratelimit.Rule{Max: cfg.RateLimit.SendPerUserPerHour, Window: time.Hour}
		}
		if cfg.RateLimit.SendPerTenantPerHour > 0 {
			limiterCfg.Rules[ratelimit.ScopeTenant] = ratelimit.Rule{Max: cfg.RateLimit.SendPerTenantPerHour, Window: time.Hour}
		}
		if cfg.RateLimit.SendPerDestPerHour > 0 {
			limiterCfg.Rules[ratelimit.ScopeDestination] = ratelimit.Rule{Max: cfg.RateLimit.SendPerDestPerHour, Window: time.Hour}
		}
		limiter := ratelimit.New(limiterCfg, brokerClient)

		domainValidator := domainvalidator.New(db.DB, cfg.Server.Domain, systemDomains)

		proc := processor.New(db.DB, domainValidator, dkimPool, redisQueue, secManager, cfg.Storage.QueuePath, cfg.Server.Hostname)

		connectTimeout, _ := time.ParseDuration(cfg.Delivery.ConnectTimeout)
		if connectTimeout == 0 {
			connectTimeout = 30 * time.Second
		}
		commandTimeout, _ := time.ParseDuration(cfg.Delivery.CommandTimeout)
		if commandTimeout == 0 {
			commandTimeout = 5 * time.Minute
		}
		deliveryEngine := delivery.NewEngine(delivery.Config{
			Workers:        cfg.Delivery.Workers,
			Hostname:       cfg.Server.Hostname,
			ConnectTimeout: connectTimeout,
			CommandTimeout: commandTimeout,
			MaxMessageSize: int64(cfg.Security.MaxMessageSize),
			RequireTLS:     cfg.Delivery.RequireTLS,
			VerifyTLS:      cfg.Delivery.VerifyTLS,
			RelayHost:      cfg.Delivery.RelayHost,
		}, redisQueue, dkimPool, repManager, logger)
		resources.deliveryEngine = deliveryEngine
		deliveryEngine.Start()
		logger.Info("Delivery engine started", "workers", cfg.Delivery.Workers)

		monitor := queuemonitor.New(queuemonitor.DefaultConfig(), redisQueue, brokerClient, logger.Queue())
		monitorCtx, monitorCancel := context.WithCancel(context.Background())
		resources.monitorCancel = monitorCancel
		go monitor.Run(monitorCtx)

		smtpBackend := smtpserver.NewBackend(cfg, authenticator, domainValidator, secManager, limiter, proc, logger)
		smtpSrv := smtpserver.NewServer(smtpBackend, cfg, tlsManager.TLSConfig())
		resources.smtpSrv = smtpSrv

		fmt.Printf("Delivery engine starting on %s\n", cfg.Server.Hostname)
		fmt.Printf("  SMTP: %d (MX), %d (submission), %d (SMTPS)\n",
			cfg.Server.SMTPPort, cfg.Server.SubmissionPort, cfg.Server.SMTPSPort)

		if err := smtpSrv.ListenAndServe(); err != nil {
			cleanup()
			return fmt.Errorf("failed to start SMTP server: %w", err)
		}
		logger.Info("SMTP MX server started", "port", cfg.Server.SMTPPort)

		if err := smtpSrv.ListenAndServeSubmission(); err != nil {
			cleanup()
			return fmt.Errorf("failed to start SMTP submission server: %w", err)
		}
		logger.Info("SMTP submission server started", "port", cfg.Server.SubmissionPort)

		if tlsManager.HasTLS() {
			if err := smtpSrv.ListenAndServeTLS(); err != nil {
				cleanup()
				return fmt.Errorf("failed to start SMTPS server: %w", err)
			}
			logger.Info("SMTPS server started", "port", cfg.Server.SMTPSPort)
		}

		if cfg.Admin.Enabled {
			adminSrv := admin.NewServer(db.DB, redisQueue, logger)
			resources.adminSrv = adminSrv
			adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.Listen, cfg.Admin.Port)
			go func() {
				if err := adminSrv.Start(adminAddr); err != nil {
					logger.Error("Admin server error", "error", err.Error())
				}
			}()
			fmt.Printf("  Admin: http://%s\n", adminAddr)
			logger.Info("Admin server started", "addr", adminAddr)
		}

		fmt.Println("\nServer is running. Press Ctrl+C to stop.")
		logger.Info("All services started successfully")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		sig := <-sigCh
		logger.Info("Received shutdown signal", "signal", sig.String())
		fmt.Printf("\nReceived signal %s, shutting down...\n", sig)

		cleanup()

		logger.Info("Server stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		fmt.Println("Migrations completed successfully")
		return nil
	},
}

// Tenant management commands.
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a new tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		result, err := db.ExecContext(context.Background(),
			"INSERT INTO tenants (name) VALUES (?)", name,
		)
		if err != nil {
			return fmt.Errorf("failed to add tenant: %w", err)
		}

		id, _ := result.LastInsertId()
		fmt.Printf("Tenant '%s' added with ID %d\n", name, id)
		return nil
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		rows, err := db.QueryContext(context.Background(),
			"SELECT id, name, is_active, created_at FROM tenants ORDER BY id",
		)
		if err != nil {
			return fmt.Errorf("failed to query tenants: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-5s %-30s %-8s %s\n", "ID", "NAME", "ACTIVE", "CREATED")
		fmt.Println("-------------------------------------------------------------")

		for rows.Next() {
			var id int64
			var name, created string
			var active bool
			if err := rows.Scan(&id, &name, &active, &created); err != nil {
				return err
			}
			status := "yes"
			if !active {
				status = "no"
			}
			fmt.Printf("%-5d %-30s %-8s %s\n", id, name, status, created)
		}
		return rows.Err()
	},
}

// Domain management commands.
var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage sending domains",
}

var domainAddCmd = &cobra.Command{
	Use:   "add <domain> <tenant-id>",
	Short: "Add a new sending domain after checking the tenant exists (the domain row does not record the tenant)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		domainName := args[0]
		tenantID := args[1]

		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		var tenantExists bool
		if err := db.QueryRowContext(context.Background(),
			"SELECT EXISTS(SELECT 1 FROM tenants WHERE id = ?)", tenantID,
		).Scan(&tenantExists); err != nil {
			return fmt.Errorf("failed to verify tenant: %w", err)
		}
		if !tenantExists {
			return fmt.Errorf("tenant %s not found. Add it first with: mailoutd tenant add <name>", tenantID)
		}

		result, err := db.ExecContext(context.Background(),
			"INSERT INTO domains (name, dkim_selector) VALUES (?, ?)",
			domainName, "mail",
		)
		if err != nil {
			return fmt.Errorf("failed to add domain: %w", err)
		}

		id, _ := result.LastInsertId()
		fmt.Printf("Domain '%s' added with ID %d\n", domainName, id)
		return nil
	},
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		rows, err := db.QueryContext(context.Background(),
			"SELECT id, name, dkim_selector, verified, is_active, created_at FROM domains ORDER BY name",
		)
		if err != nil {
			return fmt.Errorf("failed to query domains: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-5s %-30s %-10s %-10s %-8s %s\n", "ID", "DOMAIN", "DKIM", "VERIFIED", "ACTIVE", "CREATED")
		fmt.Println("-----------------------------------------------------------------------------")

		for rows.Next() {
			var id int64
			var name, selector, created string
			var verified, active bool
			if err := rows.Scan(&id, &name, &selector, &verified, &active, &created); err != nil {
				return err
			}
			activeStatus := "yes"
			if !active {
				activeStatus = "no"
			}
			verifiedStatus := "yes"
			if !verified {
				verifiedStatus = "no"
			}
			fmt.Printf("%-5d %-30s %-10s %-10s %-8s %s\n", id, name, selector, verifiedStatus, activeStatus, created)
		}
		return rows.Err()
	},
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify <domain>",
	Short: "Mark a domain as DNS-verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domainName := args[0]

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		result, err := db.ExecContext(context.Background(), `
			UPDATE domains SET verified = TRUE, verified_at = CURRENT_TIMESTAMP, verification_method = 'manual'
			WHERE name = ?
		`, domainName)
		if err != nil {
			return fmt.Errorf("failed to verify domain: %w", err)
		}

		affected, _ := result.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("domain not found: %s", domainName)
		}

		fmt.Printf("Domain '%s' marked as verified\n", domainName)
		return nil
	},
}

// DKIM key management commands.
var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "Manage DKIM signing keys",
}

var dkimAddCmd = &cobra.Command{
	Use:   "add <domain> <selector> <key-path>",
	Short: "Register a DKIM key for a domain",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		domainName, selector, keyPath := args[0], args[1], args[2]

		if _, err := security.NewDKIMSigner(domainName, selector, keyPath, security.SignerOptions{}); err != nil {
			return fmt.Errorf("key does not parse as a valid DKIM signing key: %w", err)
		}

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		var domainID int64
		if err := db.QueryRowContext(context.Background(),
			"SELECT id FROM domains WHERE name = ?", domainName,
		).Scan(&domainID); err != nil {
			return fmt.Errorf("domain '%s' not found. Add it first with: mailoutd domain add", domainName)
		}

		_, err = db.ExecContext(context.Background(), `
			INSERT INTO dkim_keys (domain_id, selector, algorithm, canonicalization, private_key_path, active)
			VALUES (?, ?, 'rsa-sha256', 'relaxed/relaxed', ?, TRUE)
		`, domainID, selector, keyPath)
		if err != nil {
			return fmt.Errorf("failed to register DKIM key: %w", err)
		}

		fmt.Printf("DKIM key registered for '%s' (selector %s)\n", domainName, selector)
		return nil
	},
}

// Submission-user management commands.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage SMTP AUTH submission users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> <domain> <password>",
	Short: "Create a submission user for a domain",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, domainName, password := args[0], args[1], args[2]

		var err error
		db, err = metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		var domainID int64
		if err := db.QueryRowContext(context.Background(),
			"SELECT id FROM domains WHERE name = ?", domainName,
		).Scan(&domainID); err != nil {
			return fmt.Errorf("domain '%s' not found. Add it first with: mailoutd domain add", domainName)
		}

		authenticator := auth.NewAuthenticator(db.DB)
		user, err := authenticator.CreateUser(context.Background(), username, password, domainID)
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		fmt.Printf("User '%s@%s' created with ID %d\n", username, domainName, user.ID)
		return nil
	},
}

// DNS management commands.
var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS record checking and generation",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check <domain>",
	Short: "Check DNS configuration for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := args[0]
		mailServer := cfg.Server.Hostname

		checker, err := dns.NewChecker(domain, mailServer)
		if err != nil {
			return fmt.Errorf("failed to create DNS checker: %w", err)
		}
		results := checker.CheckAll(context.Background())

		fmt.Printf("DNS Check for %s (mail server: %s)\n", domain, mailServer)
		fmt.Println("=========================================")

		for _, r := range results {
			var icon string
			switch r.Status {
			case dns.StatusPass:
				icon = "✓"
			case dns.StatusFail:
				icon = "✗"
			case dns.StatusWarning:
				icon = "!"
			case dns.StatusMissing:
				icon = "?"
			}

			fmt.Printf("[%s] %-8s %s\n", icon, r.RecordType, r.Status)
			if r.Actual != "" {
				fmt.Printf("    Found:    %s\n", r.Actual)
			}
			if r.Expected != "" && r.Status != dns.StatusPass {
				fmt.Printf("    Expected: %s\n", r.Expected)
			}
			fmt.Printf("    %s\n\n", r.Message)
		}

		return nil
	},
}

var dnsGenerateCmd = &cobra.Command{
	Use:   "generate <domain> <server-ip>",
	Short: "Generate required DNS records for a domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := args[0]
		mailServer := cfg.Server.Hostname
		serverIP := args[1]

		generator, err := dns.NewGenerator(domain, mailServer, serverIP)
		if err != nil {
			return fmt.Errorf("failed to create DNS generator: %w", err)
		}

		for _, d := range cfg.Domains {
			if d.Name == domain && d.DKIMKeyFile != "" {
				signer, err := security.NewDKIMSigner(d.Name, d.DKIMSelector, d.DKIMKeyFile, security.SignerOptions{})
				if err != nil {
					return fmt.Errorf("failed to load DKIM key: %w", err)
				}
				if err := generator.SetDKIMKey(signer.PublicKey()); err != nil {
					return fmt.Errorf("failed to use DKIM key: %w", err)
				}
				fmt.Printf("Using DKIM key from %s\n\n", d.DKIMKeyFile)
			}
		}

		records := generator.GenerateAll()

		fmt.Println(dns.FormatForProvider(records, domain))

		fmt.Println("\nZone file format:")
		fmt.Println("-----------------")
		fmt.Println(dns.FormatAsZone(records, domain))

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailoutd v0.1.0")
	},
}

var preflightForce bool

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check whether this host is ready to run the relay",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil // runs before a config exists, skip the root config-load hook
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		results := setup.RunPreflightWithOptions(preflightForce)
		results.Print()
		if !results.Ready {
			return fmt.Errorf("preflight checks failed")
		}
		return nil
	},
}

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively install and start the relay as a system service",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil // the wizard gathers and writes its own config
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return setup.RunSetupWithOptions(setupForce)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the health of a running relay installation",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := setup.RunDoctor(cfg)
		results.Print()
		if !results.Healthy {
			return fmt.Errorf("health check found issues")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	tenantCmd.AddCommand(tenantAddCmd)
	tenantCmd.AddCommand(tenantListCmd)
	rootCmd.AddCommand(tenantCmd)

	domainCmd.AddCommand(domainAddCmd)
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainVerifyCmd)
	rootCmd.AddCommand(domainCmd)

	dkimCmd.AddCommand(dkimAddCmd)
	rootCmd.AddCommand(dkimCmd)

	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(userCmd)

	dnsCmd.AddCommand(dnsCheckCmd)
	dnsCmd.AddCommand(dnsGenerateCmd)
	rootCmd.AddCommand(dnsCmd)

	preflightCmd.Flags().BoolVar(&preflightForce, "force", false, "only block on critical checks (ports/redis/disk)")
	rootCmd.AddCommand(preflightCmd)

	setupCmd.Flags().BoolVar(&setupForce, "force", false, "continue setup even if non-critical preflight checks fail")
	rootCmd.AddCommand(setupCmd)

	rootCmd.AddCommand(doctorCmd)
}
