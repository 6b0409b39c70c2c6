package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/auth"
	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"github.com/MarcoPoloResearchLab/somnia/internal/logging"
	"github.com/MarcoPoloResearchLab/somnia/offline"
	"github.com/MarcoPoloResearchLab/somnia/remote"
	"github.com/MarcoPoloResearchLab/somnia/storage"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var cliViper = viper.New()

func main() {
	rootCmd := &cobra.Command{
		Use:   "somnia",
		Short: "Somnia dream journal",
		Long:  "Record, browse, and sync dream journal entries. Without --server the journal stays on this device.",
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newAddCommand(), newListCommand(), newFavoriteCommand(), newDeleteCommand(), newPendingCommand(), newSyncCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	cliViper.SetEnvPrefix("SOMNIA")
	cliViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cliViper.AutomaticEnv()

	cmd.PersistentFlags().String("data", defaultDataPath(), "Path to the local journal database")
	cmd.PersistentFlags().String("server", "", "Sync server base URL (empty keeps the journal local)")
	cmd.PersistentFlags().String("device-key", "", "Device key for the sync server")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "data.path", "data")
	bindFlag(cmd, "server.url", "server")
	bindFlag(cmd, "device.key", "device-key")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := cliViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "somnia-journal.db"
	}
	return filepath.Join(home, ".somnia", "journal.db")
}

// journalEngine bundles the offline stack a command works against. Remote
// pieces stay nil in guest mode.
type journalEngine struct {
	logger  *zap.Logger
	db      *gorm.DB
	store   *storage.JournalStore
	tokens  *auth.DeviceTokenSource
	persist *offline.Persistence
	queue   *offline.Queue
}

func openEngine(ctx context.Context) (*journalEngine, error) {
	logger, err := logging.NewLogger(cliViper.GetString("log.level"), "console")
	if err != nil {
		return nil, err
	}

	dataPath := cliViper.GetString("data.path")
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(dataPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	keyValue, err := storage.NewSQLiteStore(storage.SQLiteStoreConfig{Database: db})
	if err != nil {
		return nil, err
	}
	store, err := storage.NewJournalStore(storage.JournalStoreConfig{KeyValue: keyValue})
	if err != nil {
		return nil, err
	}

	engine := &journalEngine{logger: logger, db: db, store: store}

	serverURL := strings.TrimSpace(cliViper.GetString("server.url"))
	if serverURL == "" {
		persist, err := offline.NewPersistence(offline.PersistenceConfig{Store: store, Logger: logger})
		if err != nil {
			return nil, err
		}
		engine.persist = persist
		if err := persist.LoadInitial(ctx); err != nil {
			return nil, err
		}
		return engine, nil
	}

	deviceKey := strings.TrimSpace(cliViper.GetString("device.key"))
	if deviceKey == "" {
		return nil, fmt.Errorf("device key is required with --server (flag --device-key or SOMNIA_DEVICE_KEY)")
	}
	tokens, err := auth.NewDeviceTokenSource(auth.DeviceTokenSourceConfig{
		BaseURL:   serverURL,
		DeviceKey: deviceKey,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:       serverURL,
		TokenProvider: tokens,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	persist, err := offline.NewPersistence(offline.PersistenceConfig{
		Store:       store,
		Remote:      client,
		Credentials: tokens,
		Logger:      logger,
		RemoteSync:  true,
	})
	if err != nil {
		return nil, err
	}
	engine.tokens = tokens
	engine.persist = persist
	if err := persist.LoadInitial(ctx); err != nil {
		return nil, err
	}

	queue, err := offline.NewQueue(offline.QueueConfig{
		Store:       store,
		Remote:      client,
		Snapshot:    persist,
		Logger:      logger,
		SyncEnabled: true,
		UserID:      tokens.CurrentUserID(),
	})
	if err != nil {
		return nil, err
	}
	if err := queue.LoadPending(ctx); err != nil {
		return nil, err
	}
	engine.queue = queue
	return engine, nil
}

func (e *journalEngine) Close() {
	if e.persist != nil {
		e.persist.Close()
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func (e *journalEngine) findDream(id int64) (dreams.DreamAnalysis, bool) {
	for _, dream := range e.persist.Dreams() {
		if dream.ID == id || (dream.HasRemoteID() && dream.RemoteID == id) {
			return dream, true
		}
	}
	return dreams.DreamAnalysis{}, false
}

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [transcript...]",
		Short: "Record a new dream entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			transcript := strings.TrimSpace(strings.Join(args, " "))
			if transcript == "" {
				return fmt.Errorf("transcript is required")
			}
			title, _ := cmd.Flags().GetString("title")
			title = strings.TrimSpace(title)
			if title == "" {
				title = defaultTitle(transcript)
			}

			now := time.Now()
			dream := dreams.DreamAnalysis{
				ID:             dreams.LocalIDFromTime(now),
				Title:          title,
				Transcript:     transcript,
				AnalysisStatus: dreams.AnalysisNone,
			}

			upsert := func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
				return dreams.UpsertDream(list, dream)
			}
			if engine.queue == nil {
				if err := engine.persist.UpdateSnapshot(ctx, upsert); err != nil {
					return err
				}
			} else {
				mutation, err := dreams.NewCreateMutation(uuid.NewString(), dream, now.UnixMilli())
				if err != nil {
					return err
				}
				if err := engine.queue.QueueOfflineOperation(ctx, mutation, upsert); err != nil {
					return err
				}
				syncQueued(ctx, cmd, engine)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "recorded dream %d\n", dream.ID)
			return nil
		},
	}
	cmd.Flags().String("title", "", "Title for the entry (defaults to the opening words)")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dream entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			list := engine.persist.Dreams()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dreams recorded")
				return nil
			}
			for _, dream := range list {
				marker := " "
				if dream.IsFavorite {
					marker = "*"
				}
				remoteColumn := "-"
				if dream.HasRemoteID() {
					remoteColumn = strconv.FormatInt(dream.RemoteID, 10)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d  remote:%s  %s\n", marker, dream.ID, remoteColumn, dream.Title)
			}
			return nil
		},
	}
}

func newFavoriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <id>",
		Short: "Toggle the favorite flag on an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			id, err := parseDreamID(args[0])
			if err != nil {
				return err
			}
			dream, ok := engine.findDream(id)
			if !ok {
				return fmt.Errorf("dream %d not found", id)
			}
			toggled := dream.Clone()
			toggled.IsFavorite = !dream.IsFavorite

			upsert := func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
				return dreams.UpsertDream(list, toggled)
			}
			if engine.queue == nil {
				if err := engine.persist.UpdateSnapshot(ctx, upsert); err != nil {
					return err
				}
			} else {
				mutation, err := dreams.NewUpdateMutation(uuid.NewString(), toggled, time.Now().UnixMilli())
				if err != nil {
					return err
				}
				if err := engine.queue.QueueOfflineOperation(ctx, mutation, upsert); err != nil {
					return err
				}
				syncQueued(ctx, cmd, engine)
			}

			state := "unmarked"
			if toggled.IsFavorite {
				state = "marked"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s dream %d as favorite\n", state, dream.ID)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			id, err := parseDreamID(args[0])
			if err != nil {
				return err
			}
			dream, ok := engine.findDream(id)
			if !ok {
				return fmt.Errorf("dream %d not found", id)
			}

			remove := func(list []dreams.DreamAnalysis) []dreams.DreamAnalysis {
				return dreams.RemoveDream(list, dream.ID, dream.RemoteID)
			}
			switch {
			case engine.queue == nil:
				if err := engine.persist.UpdateSnapshot(ctx, remove); err != nil {
					return err
				}
			case dream.HasRemoteID():
				mutation, err := dreams.NewDeleteMutation(uuid.NewString(), dream.ID, dream.RemoteID, time.Now().UnixMilli())
				if err != nil {
					return err
				}
				if err := engine.queue.QueueOfflineOperation(ctx, mutation, remove); err != nil {
					return err
				}
				syncQueued(ctx, cmd, engine)
			default:
				// Never synced: dropping the queued create is the whole delete.
				if _, err := engine.queue.ClearQueuedMutationsForDream(ctx, dream.ID); err != nil {
					return err
				}
				if err := engine.persist.UpdateSnapshot(ctx, remove); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted dream %d\n", dream.ID)
			return nil
		},
	}
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show mutations waiting for the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if engine.queue == nil {
				return fmt.Errorf("pending requires --server")
			}
			mutations := engine.queue.PendingMutations()
			if len(mutations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue empty")
				return nil
			}
			for _, mutation := range mutations {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  dream:%d\n", mutation.ID, mutation.Kind, mutation.EntityID())
			}
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued mutations against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if engine.queue == nil {
				return fmt.Errorf("sync requires --server")
			}
			if err := engine.queue.SyncPendingMutations(ctx); err != nil {
				return fmt.Errorf("sync stopped with %d pending: %w", engine.queue.PendingCount(), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue drained")
			return nil
		},
	}
}

func syncQueued(ctx context.Context, cmd *cobra.Command, engine *journalEngine) {
	if err := engine.queue.SyncPendingMutations(ctx); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "kept offline, %d pending: %v\n", engine.queue.PendingCount(), err)
	}
}

func parseDreamID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid dream id %q", raw)
	}
	return id, nil
}

func defaultTitle(transcript string) string {
	words := strings.Fields(transcript)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
