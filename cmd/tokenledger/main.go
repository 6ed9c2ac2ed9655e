package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/observability"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfig          = "config"
	flagDatabaseURL     = "database-url"
	flagStorageDriver   = "storage-driver"
	flagLogMode         = "log-mode"
	flagHTTPListenAddr  = "http-listen-addr"
	flagGRPCListenAddr  = "grpc-listen-addr"
	flagRedisURL        = "redis-url"
	flagPaymentProvider = "payment-provider"
	flagUserID          = "user-id"
	flagUserType        = "user-type"
	flagUserTypeID      = "user-type-id"
	flagAmount          = "amount"
	flagReason          = "reason"
	flagAdminID         = "admin-id"
	flagSubject         = "subject"
	flagAdmin           = "admin"
	flagService         = "service"
	flagTTL             = "ttl"

	defaultTokenTTL = 24 * time.Hour
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledger: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	source := config.NewViper()
	cmd := &cobra.Command{
		Use:           "tokenledger",
		Short:         "Token ledger server and operator tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindConfig(cmd, source)
		},
	}
	cmd.PersistentFlags().String(flagConfig, "", "optional config file (yaml, toml or json)")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "database connection string (postgres:// or sqlite://)")
	cmd.PersistentFlags().String(flagStorageDriver, "", "storage driver: gorm or pgx")
	cmd.PersistentFlags().String(flagLogMode, "", "log mode: production or development")

	cmd.AddCommand(newServeCommand(source))
	cmd.AddCommand(newMigrateCommand(source))
	cmd.AddCommand(newGrantCommand(source))
	cmd.AddCommand(newTokenCommand(source))
	return cmd
}

// bindConfig layers flags over environment variables over the optional config file.
func bindConfig(cmd *cobra.Command, source *viper.Viper) error {
	if path, _ := cmd.Flags().GetString(flagConfig); strings.TrimSpace(path) != "" {
		source.SetConfigFile(path)
		if err := source.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	bindings := map[string]string{
		config.KeyDatabaseURL:     flagDatabaseURL,
		config.KeyStorageDriver:   flagStorageDriver,
		config.KeyLogMode:         flagLogMode,
		config.KeyHTTPListenAddr:  flagHTTPListenAddr,
		config.KeyGRPCListenAddr:  flagGRPCListenAddr,
		config.KeyRedisURL:        flagRedisURL,
		config.KeyPaymentProvider: flagPaymentProvider,
	}
	for key, flagName := range bindings {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := source.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

func newServeCommand(source *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(source)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().String(flagHTTPListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC listen address")
	cmd.Flags().String(flagRedisURL, "", "redis url for notification jobs (log-only when empty)")
	cmd.Flags().String(flagPaymentProvider, "", "payment provider: demo or http")
	return cmd
}

func newMigrateCommand(source *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStorage(source)
			if err != nil {
				return err
			}
			if err := migrateSchema(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newGrantCommand(source *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit tokens to a user as an attributed manual adjustment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStorage(source)
			if err != nil {
				return err
			}
			return runGrant(cmd, cfg)
		},
	}
	cmd.Flags().String(flagUserID, "", "user to credit")
	cmd.Flags().String(flagUserType, "", "user type (artist, client, ...)")
	cmd.Flags().String(flagUserTypeID, "", "id of the user's typed profile")
	cmd.Flags().Int64(flagAmount, 0, "tokens to credit")
	cmd.Flags().String(flagReason, "", "reason recorded on the transaction")
	cmd.Flags().String(flagAdminID, "", "operator id recorded as adminUserId")
	_ = cmd.MarkFlagRequired(flagUserID)
	_ = cmd.MarkFlagRequired(flagAmount)
	_ = cmd.MarkFlagRequired(flagReason)
	_ = cmd.MarkFlagRequired(flagAdminID)
	return cmd
}

func runGrant(cmd *cobra.Command, cfg config.Config) error {
	logger, err := observability.NewLogger(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	flags := cmd.Flags()
	userID, _ := flags.GetString(flagUserID)
	userType, _ := flags.GetString(flagUserType)
	userTypeID, _ := flags.GetString(flagUserTypeID)
	rawAmount, _ := flags.GetInt64(flagAmount)
	reason, _ := flags.GetString(flagReason)
	adminID, _ := flags.GetString(flagAdminID)

	owner, err := ledger.NewOwner(userID, userType, userTypeID)
	if err != nil {
		return err
	}
	amount, err := ledger.NewTokenAmount(rawAmount)
	if err != nil {
		return err
	}
	if strings.TrimSpace(adminID) == "" {
		return fmt.Errorf("%s is required", flagAdminID)
	}

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	zapLogger := observability.NewZapOperationLogger(logger)
	service, err := ledger.NewService(store, store, utcNow,
		ledger.WithOperationLogger(zapLogger),
		ledger.WithAuditLogger(zapLogger),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	result, err := service.Grant(ctx, ledger.GrantRequest{
		Owner:    owner,
		Amount:   amount,
		Reason:   reason,
		Metadata: ledger.Metadata{ledger.MetadataKeyAdminUserID: strings.TrimSpace(adminID)},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s new balance %d\n", result.TransactionType, result.TransactionID, result.NewBalance)
	return nil
}

func newTokenCommand(source *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for the user, admin or service surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(source)
			if err != nil {
				return err
			}
			return runIssueToken(cmd, cfg)
		},
	}
	cmd.Flags().String(flagSubject, "", "user id, admin id with --admin, or service name with --service")
	cmd.Flags().String(flagUserType, "", "user type claim")
	cmd.Flags().String(flagUserTypeID, "", "user type id claim")
	cmd.Flags().Bool(flagAdmin, false, "sign with the admin key and the admin role")
	cmd.Flags().Bool(flagService, false, "sign with the service key and the service role for gRPC callers")
	cmd.MarkFlagsMutuallyExclusive(flagAdmin, flagService)
	cmd.Flags().Duration(flagTTL, defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired(flagSubject)
	return cmd
}

func runIssueToken(cmd *cobra.Command, cfg config.Config) error {
	flags := cmd.Flags()
	subject, _ := flags.GetString(flagSubject)
	userType, _ := flags.GetString(flagUserType)
	userTypeID, _ := flags.GetString(flagUserTypeID)
	admin, _ := flags.GetBool(flagAdmin)
	service, _ := flags.GetBool(flagService)
	ttl, _ := flags.GetDuration(flagTTL)

	signingKey := cfg.UserSigningKey
	claims := httpapi.Claims{UserType: userType, UserTypeID: userTypeID}
	switch {
	case admin:
		signingKey = cfg.AdminSigningKey
		claims = httpapi.Claims{Role: httpapi.RoleAdmin}
	case service:
		signingKey = cfg.ServiceSigningKey
		claims = httpapi.Claims{Role: httpapi.RoleService}
	}
	issuer, err := httpapi.NewTokenIssuer(signingKey, cfg.TokenIssuer, time.Now)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(subject, claims, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
