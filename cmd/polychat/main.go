package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/MarcoPoloResearchLab/polychat/internal/client"
	"github.com/MarcoPoloResearchLab/polychat/internal/config"
	"github.com/MarcoPoloResearchLab/polychat/internal/database"
	"github.com/MarcoPoloResearchLab/polychat/internal/logging"
	"github.com/MarcoPoloResearchLab/polychat/internal/metrics"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	"github.com/MarcoPoloResearchLab/polychat/internal/server"
	"github.com/MarcoPoloResearchLab/polychat/internal/transcript"
	"github.com/MarcoPoloResearchLab/polychat/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout  = 10 * time.Second
	defaultServerURL = "http://localhost:3001"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "polychat",
		Short: "Polychat chat room service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newChatCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Credential TTL in minutes")
	cmd.Flags().String("signing-secret", "", "Credential signing secret (overrides env)")
	cmd.Flags().String("issuer", defaults.GetString("auth.issuer"), "Credential issuer")
	cmd.Flags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed browser origins")
	cmd.Flags().Int("send-buffer", defaults.GetInt("realtime.send_buffer"), "Outbound frames queued per session before eviction")
	cmd.Flags().Duration("write-timeout", defaults.GetDuration("realtime.write_timeout"), "Per-frame websocket write deadline")
	cmd.Flags().Int64("read-limit", defaults.GetInt64("realtime.read_limit"), "Largest inbound frame in bytes; longer frames are dropped")

	bindFlag(cmd.PersistentFlags().Lookup("log-level"), "log.level")
	bindFlag(cmd.Flags().Lookup("http-address"), "http.address")
	bindFlag(cmd.Flags().Lookup("database-path"), "database.path")
	bindFlag(cmd.Flags().Lookup("token-ttl-minutes"), "token.ttl_minutes")
	bindFlag(cmd.Flags().Lookup("signing-secret"), "auth.signing_secret")
	bindFlag(cmd.Flags().Lookup("issuer"), "auth.issuer")
	bindFlag(cmd.Flags().Lookup("allowed-origins"), "cors.allowed_origins")
	bindFlag(cmd.Flags().Lookup("send-buffer"), "realtime.send_buffer")
	bindFlag(cmd.Flags().Lookup("write-timeout"), "realtime.write_timeout")
	bindFlag(cmd.Flags().Lookup("read-limit"), "realtime.read_limit")
}

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
	}
	cmd.Flags().String("server", defaultServerURL, "Server base URL")
	cmd.Flags().String("room", rooms.GlobalRoomID, "Room id to join")
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password (prefer POLYCHAT_CLIENT_PASSWORD)")
	cmd.Flags().String("signup", "", "Register a new account with this username before chatting")

	bindFlag(cmd.Flags().Lookup("server"), "client.server_url")
	bindFlag(cmd.Flags().Lookup("room"), "client.room_id")
	bindFlag(cmd.Flags().Lookup("email"), "client.email")
	bindFlag(cmd.Flags().Lookup("password"), "client.password")
	bindFlag(cmd.Flags().Lookup("signup"), "client.signup_username")
	return cmd
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: rooms.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	transcriptStore, err := transcript.NewStore(transcript.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	collectors := metrics.NewRealtime(prometheus.DefaultRegisterer)
	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Transcript:   transcriptStore,
		Metrics:      collectors,
		Logger:       logger,
		SendBuffer:   appConfig.RealtimeSendBuffer,
		WriteTimeout: appConfig.RealtimeWriteTimeout,
		ReadLimit:    appConfig.RealtimeReadLimit,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Users:          userService,
		Rooms:          roomService,
		Transcript:     transcriptStore,
		Coordinator:    coordinator,
		Metrics:        collectors,
		Gatherer:       prometheus.DefaultGatherer,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: shutdownTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		// Hijacked websocket connections are not tracked by http.Server.
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(shutdownErr, coordinator.Shutdown(shutdownCtx))
	case err := <-errCh:
		return errors.Join(err, coordinator.Shutdown(context.Background()))
	}
}

func runChat(ctx context.Context) error {
	logger, err := logging.NewConsoleLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	chatClient, err := client.New(client.Config{
		BaseURL: viper.GetString("client.server_url"),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return chatClient.Chat(signalCtx, client.ChatOptions{
		RoomID:   viper.GetString("client.room_id"),
		Email:    viper.GetString("client.email"),
		Password: viper.GetString("client.password"),
		Username: viper.GetString("client.signup_username"),
		In:       os.Stdin,
		Out:      os.Stdout,
	})
}
