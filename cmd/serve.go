package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/vfs"
)

const (
	trashRetention  = 30 * 24 * time.Hour
	staleSweepLimit = 64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background workers",
	Long: `Runs the long-lived background workers: the indexing drain loop,
the periodic stale-index sweep, and the daily trash auto-purge. The
config file is watched and reloaded on change.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.Watch(a.logger); err != nil {
		a.logger.Warn("config watch unavailable", "error", err)
	}
	defer a.cfg.StopWatch()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() { a.purgeExpiredTrash(context.Background()) }); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 10m", func() {
		if n, err := a.indexer.RequeueStale(context.Background(), staleSweepLimit); err != nil {
			a.logger.Warn("stale index sweep failed", "error", err)
		} else if n > 0 {
			a.logger.Info("requeued stale index entries", "count", n)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	a.logger.Info("satchel serving", "data_dir", a.dirs.DataDir())

	poll := a.cfg.Get().Indexing.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if config.InMaintenance() {
				continue
			}
			if n, err := a.indexer.DrainOnce(ctx); err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("index drain failed", "error", err)
				}
			} else if n > 0 {
				a.logger.Debug("indexed resources", "count", n)
			}
		}
	}
}

// purgeExpiredTrash permanently removes entities soft-deleted longer than
// the retention window, then deleted folders and orphaned blobs.
func (a *app) purgeExpiredTrash(ctx context.Context) {
	if !config.EnterMaintenance() {
		a.logger.Warn("trash auto-purge skipped, maintenance already active")
		return
	}
	defer config.ExitMaintenance()

	cutoff := time.Now().UTC().Add(-trashRetention)
	purged := 0

	type deletedEntity struct {
		id        string
		deletedAt *string
		purge     func(context.Context, string) error
	}
	var entities []deletedEntity

	if notes, err := a.notes.ListDeleted(ctx); err == nil {
		for _, n := range notes {
			entities = append(entities, deletedEntity{n.ID, n.DeletedAt, a.notes.Purge})
		}
	}
	if maps, err := a.mindmaps.ListDeleted(ctx); err == nil {
		for _, m := range maps {
			entities = append(entities, deletedEntity{m.ID, m.DeletedAt, a.mindmaps.Purge})
		}
	}
	if essays, err := a.essays.ListDeleted(ctx); err == nil {
		for _, e := range essays {
			entities = append(entities, deletedEntity{e.ID, e.DeletedAt, a.essays.Purge})
		}
	}
	if exams, err := a.exams.ListDeleted(ctx); err == nil {
		for _, e := range exams {
			entities = append(entities, deletedEntity{e.ID, e.DeletedAt, a.exams.Purge})
		}
	}
	if files, err := a.files.ListDeleted(ctx); err == nil {
		for _, f := range files {
			entities = append(entities, deletedEntity{f.ID, f.DeletedAt, a.files.Purge})
		}
	}

	for _, entity := range entities {
		if !deletedBefore(entity.deletedAt, cutoff) {
			continue
		}
		if err := entity.purge(ctx, entity.id); err != nil {
			a.logger.Warn("trash purge failed", "id", entity.id, "error", err)
			continue
		}
		purged++
	}

	if folders, err := a.folders.ListDeleted(ctx); err == nil {
		for _, folder := range folders {
			if !deletedBefore(folder.DeletedAt, cutoff) {
				continue
			}
			if err := a.folders.PurgeDeleted(ctx, folder.ID); err != nil {
				a.logger.Warn("folder purge failed", "id", folder.ID, "error", err)
				continue
			}
			purged++
		}
	}

	swept, err := a.resources.SweepOrphanBlobs(a.pool.DB())
	if err != nil {
		a.logger.Warn("blob sweep failed", "error", err)
	}

	a.logger.Info("trash auto-purge finished", "purged", purged, "blobs_swept", swept)
	a.audit.Record(ctx, "trash.autopurge", "trash", "",
		map[string]any{"purged": purged, "blobs_swept": swept})
}

func deletedBefore(deletedAt *string, cutoff time.Time) bool {
	if deletedAt == nil {
		return false
	}
	at, err := vfs.ParseISO(*deletedAt)
	if err != nil {
		return false
	}
	return at.Before(cutoff)
}
