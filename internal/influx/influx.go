// Package influx keeps a history of published positions in InfluxDB. When the
// server cannot be reached the points go to a gzipped line protocol file
// that can be imported later.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/pkg/core"
)

const (
	// Measurement is the InfluxDB measurement of position points.
	Measurement = "position"
	retention   = 90 * 24 * time.Hour
)

// ErrDisabled is returned by Open when influx.enabled is false.
var ErrDisabled = errors.New("influx.enabled is false")

type pointWriter interface {
	write(p *write.Point) error
	close() error
}

// History records positions to one destination chosen at Open.
type History struct {
	out    pointWriter
	backup bool
}

// Open connects to the server described by cfg, creating the organization
// and bucket when missing. An unreachable server selects the backup file at
// backupPath instead; with no backupPath that is an error.
func Open(ctx context.Context, cfg config.InfluxConfig, log zerolog.Logger, backupPath string) (*History, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", cfg.Protocol, cfg.Host, cfg.Port),
		cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000),
	)

	if ok, err := client.Ping(ctx); err != nil || !ok {
		client.Close()
		if backupPath == "" {
			return nil, errors.New("influxdb unreachable and no backup path configured")
		}
		out, err := openBackup(backupPath)
		if err != nil {
			return nil, err
		}
		log.Warn().Str("backupPath", backupPath).Msg("InfluxDB unreachable, writing position history to backup file")
		return &History{out: out, backup: true}, nil
	}

	if err := ensureBucket(ctx, client, cfg, log); err != nil {
		client.Close()
		return nil, err
	}
	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range w.Errors() {
			log.Error().Err(err).Str("bucket", cfg.Bucket).Msg("Error sending data to InfluxDB")
		}
	}()
	log.Info().Str("bucket", cfg.Bucket).Msg("InfluxDB client initialized")
	return &History{out: &live{client: client, api: w}}, nil
}

func ensureBucket(ctx context.Context, client influxdb2.Client, cfg config.InfluxConfig, log zerolog.Logger) error {
	orgs := client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, cfg.Org)
	if err != nil {
		log.Info().Str("org", cfg.Org).Msg("Organization not found, creating")
		if org, err = orgs.CreateOrganizationWithName(ctx, cfg.Org); err != nil {
			return fmt.Errorf("create organization %s: %w", cfg.Org, err)
		}
	}

	buckets := client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, cfg.Bucket); err == nil {
		return nil
	}
	log.Info().Str("bucket", cfg.Bucket).Msg("Bucket not found, creating")
	expire := domain.RetentionRuleTypeExpire
	_, err = buckets.CreateBucketWithName(ctx, org, cfg.Bucket, domain.RetentionRule{
		Type:         &expire,
		EverySeconds: int64(retention / time.Second),
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	return nil
}

// PositionPoint builds the point recorded for one published sample.
func PositionPoint(userID string, s core.Sample) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(Measurement,
		map[string]string{"user": userID},
		map[string]any{"lat": s.Lat, "long": s.Long},
		ts,
	)
}

// Backup reports whether points go to the backup file.
func (h *History) Backup() bool { return h.backup }

// WritePosition records a sample. Safe for concurrent use.
func (h *History) WritePosition(_ context.Context, userID string, s core.Sample) error {
	return h.out.write(PositionPoint(userID, s))
}

// Close flushes pending points and releases the destination.
func (h *History) Close() error {
	return h.out.close()
}

type live struct {
	client influxdb2.Client
	api    api.WriteAPI
}

func (l *live) write(p *write.Point) error {
	l.api.WritePoint(p)
	return nil
}

func (l *live) close() error {
	l.api.Flush()
	l.client.Close()
	return nil
}

type backup struct {
	mu   sync.Mutex
	file *os.File
	gz   *gzip.Writer
}

func openBackup(path string) (*backup, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating backup file: %w", err)
	}
	return &backup{file: f, gz: gzip.NewWriter(f)}, nil
}

func (b *backup) write(p *write.Point) error {
	line := write.PointToLineProtocol(p, time.Nanosecond)
	if n := len(line); n == 0 || line[n-1] != '\n' {
		line += "\n"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gz == nil {
		return errors.New("influx backup closed")
	}
	if _, err := b.gz.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

func (b *backup) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gz == nil {
		return nil
	}
	err := errors.Join(b.gz.Close(), b.file.Close())
	b.gz, b.file = nil, nil
	return err
}
