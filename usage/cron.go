package usage

import (
	"context"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// Encore cron jobs for usage archival

// ArchiveFlush persists the usage consumed since the last flush every 10
// minutes.
var _ = cron.NewJob("usage-archive-flush", cron.JobConfig{
	Title:    "Usage Archive Flush",
	Schedule: "*/10 * * * *",
	Endpoint: FlushUsage,
})

//encore:api private
func FlushUsage(ctx context.Context) error {
	if svc == nil {
		return nil
	}

	written, err := svc.flushToArchive(ctx)
	if err != nil {
		return err
	}
	if written > 0 {
		rlog.Info("flushed usage to archive", "rows", written)
	}
	return nil
}

// ArchiveMaintenance trims archive rows past the retention window daily at
// 3 AM.
var _ = cron.NewJob("usage-archive-maintenance", cron.JobConfig{
	Title:    "Usage Archive Maintenance",
	Schedule: "0 3 * * *",
	Endpoint: ArchiveMaintenance,
})

//encore:api private
func ArchiveMaintenance(ctx context.Context) error {
	if svc == nil {
		return nil
	}

	removed, err := svc.archiver.Cleanup(ctx, svc.config.ArchiveRetention)
	if err != nil {
		return err
	}
	if removed > 0 {
		rlog.Info("trimmed usage archive", "rows", removed)
	}
	return nil
}
