package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mholetzko/permetix/internal/logger"
	"github.com/mholetzko/permetix/internal/telemetry"
)

// SeriesExporter uploads one serialized usage-series document.
type SeriesExporter interface {
	Export(ctx context.Context, exportedAt time.Time, payload []byte) (string, error)
}

// Janitor runs the periodic maintenance jobs: it prunes the
// telemetry buffer every minute (Record prunes on traffic, but
// retention has to advance while idle too) and, when an exporter is
// configured, ships the minute series to S3 every hour.
type Janitor struct {
	cron     *cron.Cron
	buffer   *telemetry.Buffer
	exporter SeriesExporter
	log      *logger.Logger
}

// NewJanitor wires the maintenance schedule. exporter may be nil.
func NewJanitor(buffer *telemetry.Buffer, exporter SeriesExporter, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.DefaultLogger()
	}
	return &Janitor{
		cron:     cron.New(),
		buffer:   buffer,
		exporter: exporter,
		log:      log,
	}
}

// Start registers the jobs and starts the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", j.prune); err != nil {
		return err
	}
	if j.exporter != nil {
		if _, err := j.cron.AddFunc("@hourly", j.export); err != nil {
			return err
		}
	}
	j.cron.Start()
	j.log.Info("maintenance scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) prune() {
	j.buffer.Prune()
}

func (j *Janitor) export() {
	series := j.buffer.Series()
	if len(series) == 0 {
		return
	}

	payload, err := json.Marshal(series)
	if err != nil {
		j.log.Error("failed to marshal series export", logger.Fields{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := j.exporter.Export(ctx, time.Now(), payload)
	if err != nil {
		j.log.Warn("series export failed", logger.Fields{"error": err.Error()})
		return
	}
	j.log.Info("series exported", logger.Fields{"key": key, "tools": len(series)})
}
