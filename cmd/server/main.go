package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gitstuff/gitstuff/internal/cache"
	"github.com/gitstuff/gitstuff/internal/cloudsync"
	"github.com/gitstuff/gitstuff/internal/githubapi"
	"github.com/gitstuff/gitstuff/internal/reconcile"
	"github.com/gitstuff/gitstuff/internal/server"
	"github.com/gitstuff/gitstuff/internal/store"
	"github.com/gitstuff/gitstuff/internal/sweeper"
	"github.com/gitstuff/gitstuff/internal/tier"
	"github.com/gitstuff/gitstuff/internal/tracker"
)

const (
	commandUse              = "server"
	commandShortDescription = "Serve the follower tracking API over HTTP"
	envPrefix               = "GITSTUFF_SERVER"

	flagHostName            = "host"
	flagHostDescription     = "Host interface for the HTTP server"
	flagPortName            = "port"
	flagPortDescription     = "Port for the HTTP server"
	flagTokenName           = "github-token"
	flagTokenDescription    = "GitHub personal access token for authenticated requests"
	flagUserIDName          = "user-id"
	flagUserIDDescription   = "Identifier for the operator's whitelist and snapshot rows"
	flagAccountName         = "account-login"
	flagAccountDescription  = "GitHub login the operator acts as"
	flagPlanName            = "plan"
	flagPlanDescription     = "Subscription plan, free or pro"
	flagDatabaseName        = "database-path"
	flagDatabaseDescription = "Path to the SQLite database file"
	flagLedgerName          = "ledger-path"
	flagLedgerDescription   = "Path to the first-seen ledger JSON file"
	flagBaseURLName         = "github-base-url"
	flagBaseURLDescription  = "Base URL of the GitHub REST API"

	defaultHost         = "127.0.0.1"
	defaultPort         = 8080
	defaultUserID       = "local"
	defaultPlan         = "free"
	defaultDatabasePath = "gitstuff.db"
	defaultLedgerPath   = "gitstuff-ledger.json"

	errMessageLoggerCreate   = "create logger"
	errMessageClientCreate   = "create GitHub client"
	errMessageStoreOpen      = "open store"
	errMessageListenAndServe = "listen and serve"

	logMessageStartingServer = "starting HTTP server"
	logMessageServerStopped  = "server stopped"
	logMessageListenError    = "server listen failure"
	logFieldAddress          = "address"
	logFieldAccount          = "account"
)

func main() {
	cobra.CheckErr(newServerCommand().Execute())
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runServerCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagTokenName, "", flagTokenDescription)
	command.Flags().String(flagUserIDName, defaultUserID, flagUserIDDescription)
	command.Flags().String(flagAccountName, "", flagAccountDescription)
	command.Flags().String(flagPlanName, defaultPlan, flagPlanDescription)
	command.Flags().String(flagDatabaseName, defaultDatabasePath, flagDatabaseDescription)
	command.Flags().String(flagLedgerName, defaultLedgerPath, flagLedgerDescription)
	command.Flags().String(flagBaseURLName, "", flagBaseURLDescription)

	for _, flagName := range []string{
		flagHostName, flagPortName, flagTokenName, flagUserIDName,
		flagAccountName, flagPlanName, flagDatabaseName, flagLedgerName, flagBaseURLName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServerCommand(*cobra.Command, []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	client, clientErr := githubapi.NewClient(githubapi.Config{
		BaseURL: viper.GetString(flagBaseURLName),
	})
	if clientErr != nil {
		return fmt.Errorf("%s: %w", errMessageClientCreate, clientErr)
	}

	sqliteStore, storeErr := store.Open(viper.GetString(flagDatabaseName))
	if storeErr != nil {
		return fmt.Errorf("%s: %w", errMessageStoreOpen, storeErr)
	}
	defer func() {
		_ = sqliteStore.Close()
	}()

	ledger := tracker.NewLedger(tracker.Config{
		FilePath: viper.GetString(flagLedgerName),
		Logger:   logger,
	})
	reconciler := reconcile.NewService(reconcile.Config{
		Fetcher: client,
		Cache:   cache.NewStore(),
		Logger:  logger,
	})
	gate := sweeper.NewGate(sweeper.Config{
		Client:      client,
		Whitelist:   sqliteStore,
		Ledger:      ledger,
		Invalidator: reconciler,
		Logger:      logger,
	})
	syncer := cloudsync.NewSyncer(cloudsync.Config{
		Ledger: ledger,
		Store:  sqliteStore,
		Logger: logger,
	})

	accountLogin := viper.GetString(flagAccountName)
	sessions := server.StaticSessionProvider{
		UserID:       viper.GetString(flagUserIDName),
		AccountLogin: accountLogin,
		Plan:         tier.Plan(viper.GetString(flagPlanName)),
	}
	credentials := server.StaticCredentialStore{Token: viper.GetString(flagTokenName)}

	router, routerErr := server.NewRouter(server.RouterConfig{
		Reconciler:  reconciler,
		Ledger:      ledger,
		Gate:        gate,
		Syncer:      syncer,
		Whitelist:   sqliteStore,
		Sessions:    sessions,
		Credentials: credentials,
		Logger:      logger,
	})
	if routerErr != nil {
		return routerErr
	}

	address := fmt.Sprintf("%s:%d", viper.GetString(flagHostName), viper.GetInt(flagPortName))
	logger.Info(logMessageStartingServer,
		zap.String(logFieldAddress, address),
		zap.String(logFieldAccount, accountLogin))

	httpServer := &http.Server{Addr: address, Handler: router}
	if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error(logMessageListenError, zap.Error(serveErr))
		return fmt.Errorf("%s: %w", errMessageListenAndServe, serveErr)
	}

	logger.Info(logMessageServerStopped)
	return nil
}
