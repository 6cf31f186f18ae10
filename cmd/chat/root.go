package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"jean-claude-go/internal/config"
	"jean-claude-go/internal/transcript"
	"jean-claude-go/pkg/database"
	"jean-claude-go/pkg/kv"
	"jean-claude-go/pkg/log"
	"jean-claude-go/pkg/storage"
)

var (
	// Global flags
	cfgFile   string
	storeFlag string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "jean-claude-chat",
	Short: "Terminal client for the Jean-Claude chat proxy",
	Long: `Chat with Jean-Claude from the terminal.

Replies are streamed from the proxy and every conversation is saved to the
local transcript store, which can be listed, exported to Markdown or wiped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		switch storeFlag {
		case "":
		case "memory", "sqlite", "redis":
			cfg.Client.Store = storeFlag
		default:
			return fmt.Errorf("unknown store %q", storeFlag)
		}
		config.Conf = *cfg

		level := "warn"
		if verbose {
			level = "debug"
		}
		log.Init(level, "console", cfg.Log.OutputPath)
		return nil
	},
	RunE: runChat,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer log.Sync()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and environment only when empty)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "transcript store: memory, sqlite or redis (overrides client.store)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// openTranscripts 按 client.store 打开对话记录存储，返回的 cleanup 负责释放连接。
func openTranscripts(ctx context.Context, cfg config.Config) (*transcript.Store, func(), error) {
	var (
		backend kv.Store
		cleanup = func() {}
	)

	switch cfg.Client.Store {
	case "memory":
		backend = kv.NewMemoryStore()
	case "redis":
		rdb, err := database.NewRedis(ctx, cfg.Database.Redis)
		if err != nil {
			return nil, nil, err
		}
		backend = kv.NewRedisStore(rdb, "jean-claude:")
		cleanup = func() { _ = rdb.Close() }
	default:
		store, err := kv.NewSQLiteStore(cfg.Client.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		backend = store
		cleanup = func() { _ = store.Close() }
	}

	var opts []transcript.Option
	if cfg.MinIO.Enabled {
		archive, err := storage.NewMinIOArchive(ctx, cfg.MinIO)
		if err != nil {
			// 归档是可选的，导出仍然写本地文件
			log.Warnf("MinIO archive disabled: %v", err)
		} else {
			opts = append(opts, transcript.WithArchive(archive))
		}
	}
	return transcript.NewStore(backend, opts...), cleanup, nil
}
