package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/auth"
	"github.com/MarcoPoloResearchLab/l2hub/internal/config"
	"github.com/MarcoPoloResearchLab/l2hub/internal/discord"
	"github.com/MarcoPoloResearchLab/l2hub/internal/eventsink"
	"github.com/MarcoPoloResearchLab/l2hub/internal/logging"
	"github.com/MarcoPoloResearchLab/l2hub/internal/observability"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/schedule"
	"github.com/MarcoPoloResearchLab/l2hub/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "l2hub-bot",
		Short: "L2Hub vote ledger, leaderboard and Discord bot",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, scheduler and Discord gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		newIssueTokenCommand(),
		newStandingsCommand(),
		newResetCommand(),
		newStatusCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("timezone", defaults.GetString("schedule.timezone"), "Reference timezone for days and months")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Operator token TTL in minutes")
	flags.String("signing-secret", "", "Operator token signing secret (overrides env)")
	flags.String("discord-token", "", "Discord bot token; the gateway is disabled when empty")
	flags.String("discord-guild-id", "", "Discord guild the bot manages")
	flags.String("kafka-brokers", "", "Comma separated Kafka brokers; event export is disabled when empty")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "schedule.timezone", "timezone")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "discord.token", "discord-token")
	bindFlag(cmd, "discord.guild_id", "discord-guild-id")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServe(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	scheduler, err := schedule.NewScheduler(schedule.Config{
		Database: app.db,
		Location: appConfig.Location,
		Interval: appConfig.TickInterval,
		Logger:   logger.Named("schedule"),
	})
	if err != nil {
		return err
	}
	for _, job := range app.hub.Jobs(appConfig) {
		if err := scheduler.Register(job); err != nil {
			return err
		}
	}

	metrics := observability.NewMetrics()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:     app.hub,
		Tokens:  tokenIssuer,
		Events:  app.dispatcher,
		Metrics: metrics,
		Logger:  logger.Named("http"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.DiscordEnabled() {
		gateway, err := discord.Open(signalCtx, discord.GatewayConfig{
			Token:   appConfig.DiscordToken,
			GuildID: appConfig.GuildID,
			Names: discord.Names{
				ServerListChannel:  appConfig.ServerListChannel,
				LeaderboardChannel: appConfig.LeaderboardChannel,
				VoterRole:          appConfig.VoterRole,
			},
			Prefix:    appConfig.CommandPrefix,
			Hub:       app.hub,
			Directory: app.registry,
			Events:    app.dispatcher,
			Logger:    logger.Named("discord"),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := gateway.Close(); err != nil {
				logger.Warn("discord gateway close failed", zap.Error(err))
			}
		}()
	} else {
		logger.Info("discord gateway disabled, no token configured")
	}

	metricsStream, unsubscribeMetrics := app.dispatcher.Subscribe(signalCtx)
	defer unsubscribeMetrics()
	go metrics.Run(signalCtx, metricsStream)

	if appConfig.KafkaEnabled() {
		sink, err := eventsink.NewKafkaSink(eventsink.Config{
			Brokers: appConfig.KafkaBrokers,
			Topic:   appConfig.KafkaTopic,
			Logger:  logger.Named("eventsink"),
		})
		if err != nil {
			return err
		}
		sinkStream, unsubscribeSink := app.dispatcher.Subscribe(signalCtx)
		sinkDone := make(chan struct{})
		go func() {
			defer close(sinkDone)
			sink.Run(signalCtx, sinkStream)
		}()
		defer func() {
			unsubscribeSink()
			<-sinkDone
			if err := sink.Close(); err != nil {
				logger.Warn("kafka sink close failed", zap.Error(err))
			}
		}()
		logger.Info("exporting events to kafka", zap.Strings("brokers", appConfig.KafkaBrokers), zap.String("topic", appConfig.KafkaTopic))
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := scheduler.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-schedulerDone
		return err
	case err := <-errCh:
		stop()
		<-schedulerDone
		return err
	}
}

func newIssueTokenCommand() *cobra.Command {
	var (
		subject    string
		privileged bool
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue an operator bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokenIssuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenIssuer.Issue(cmd.Context(), subject, privileged)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().BoolVar(&privileged, "admin", false, "Grant administrative privileges")
	return cmd
}

func newStandingsCommand() *cobra.Command {
	var display bool
	cmd := &cobra.Command{
		Use:   "standings",
		Short: "Print the current standings",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			standings, err := app.hub.Standings(cmd.Context())
			if err != nil {
				return err
			}
			if display {
				standings = ranking.DisplayOrder(standings)
			}
			return printStandings(cmd.OutOrStdout(), standings)
		},
	}
	cmd.Flags().BoolVar(&display, "display", false, "Print in leaderboard posting order")
	return cmd
}

func printStandings(out io.Writer, standings []ranking.Standing) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "RANK\tSERVER\tVOTES\tID")
	for _, standing := range standings {
		rank := "premium"
		if standing.Ranked() {
			rank = fmt.Sprintf("%d", standing.Rank)
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", rank, standing.Server.Name, standing.VoteTotal, standing.Server.ServerID)
	}
	return writer.Flush()
}
