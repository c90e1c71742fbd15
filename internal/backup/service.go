package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/scrypster/locai/internal/retention"
	"github.com/scrypster/locai/pkg/types"
)

const (
	filePrefix = "locai-backup-"
	fileSuffix = ".db"
	timeLayout = "20060102-150405.000000"
)

// Service runs backups on demand or on a schedule.
type Service struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	lastTime time.Time
	nextTime time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now for file names and retention ages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService validates cfg and creates the backup directory.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, types.NewError(types.KindConfiguration, "backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, types.NewError(types.KindConfiguration, "backup: backup directory is required")
	}
	if err := cfg.Retention.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, types.Wrap(types.KindConfiguration, err, "backup: create %s", cfg.Dir)
	}
	s := &Service{cfg: cfg, logger: log.Default(), now: time.Now, stopCh: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs scheduled backups until ctx is cancelled or Stop is called.
// It blocks.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return types.NewError(types.KindOperation, "backup service is already running")
	}
	s.running = true
	stop := s.stopCh
	s.nextTime = s.now().Add(s.cfg.Interval)
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("backup service started", "interval", s.cfg.Interval, "dir", s.cfg.Dir)

	for {
		select {
		case <-ctx.Done():
			s.setStopped()
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			res, err := s.BackupNow(ctx)
			if err != nil {
				s.logger.Error("scheduled backup failed", "err", err)
			} else {
				s.logger.Info("scheduled backup completed", "path", res.Path,
					"size", humanize.Bytes(uint64(res.Size)), "duration", res.Duration, "verified", res.Verified)
			}
			s.mu.Lock()
			s.nextTime = s.now().Add(s.cfg.Interval)
			s.mu.Unlock()
		}
	}
}

func (s *Service) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop ends a running Start loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return types.NewError(types.KindOperation, "backup service is not running")
	}
	close(s.stopCh)
	s.stopCh = make(chan struct{})
	s.running = false
	return nil
}

// BackupNow writes a timestamped copy of the database, verifies it when
// configured and applies retention. Retention failures are logged, not
// returned.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	start := time.Now()
	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, types.Wrap(types.KindNotFound, err, "backup: database %s", s.cfg.DBPath)
	}

	path := filepath.Join(s.cfg.Dir, filePrefix+s.now().UTC().Format(timeLayout)+fileSuffix)
	if err := backupSQLite(ctx, s.cfg.DBPath, path); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, types.Wrap(types.KindOperation, err, "backup: stat %s", path)
	}
	res := &Result{Path: path, Size: fi.Size()}

	if s.cfg.Verify {
		if err := verifyBackup(ctx, path); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.Verified = true
	}

	s.mu.Lock()
	s.lastTime = s.now()
	s.mu.Unlock()

	pruned, err := s.ApplyRetention()
	if err != nil {
		s.logger.Warn("backup retention failed", "err", err)
	}
	res.Pruned = pruned
	res.Duration = time.Since(start)
	return res, nil
}

// List returns the backups in the directory, newest first. The timestamp
// comes from the file name, falling back to the modification time.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, types.Wrap(types.KindOperation, err, "backup: read %s", s.cfg.Dir)
	}
	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		ts := fi.ModTime()
		if strings.HasPrefix(name, filePrefix) {
			stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
			if parsed, err := time.Parse(timeLayout, stamp); err == nil {
				ts = parsed
			}
		}
		out = append(out, Info{Path: filepath.Join(s.cfg.Dir, name), Timestamp: ts, Size: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// ApplyRetention deletes backups the policy does not keep and returns
// their paths. A zero policy keeps everything.
func (s *Service) ApplyRetention() ([]string, error) {
	if s.cfg.Retention.IsZero() {
		return nil, nil
	}
	backups, err := s.List()
	if err != nil {
		return nil, err
	}
	_, drop := retention.Select(backups, func(b Info) time.Time { return b.Timestamp }, s.cfg.Retention, s.now())

	var (
		removed []string
		lastErr error
	)
	for _, b := range drop {
		if err := os.Remove(b.Path); err != nil {
			lastErr = err
			continue
		}
		removed = append(removed, b.Path)
	}
	if lastErr != nil {
		return removed, types.Wrap(types.KindOperation, lastErr, "backup: delete old backups")
	}
	return removed, nil
}

// Restore replaces the database with backupPath. The database must be
// closed and the scheduler stopped. On failure the previous database is put
// back.
func (s *Service) Restore(ctx context.Context, backupPath string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return types.NewError(types.KindOperation, "cannot restore while the backup service is running")
	}
	if _, err := os.Stat(backupPath); err != nil {
		return types.Wrap(types.KindNotFound, err, "backup %s", backupPath)
	}

	safety := s.cfg.DBPath + ".pre-restore"
	if _, err := os.Stat(s.cfg.DBPath); err == nil {
		_ = os.Remove(safety)
		if err := backupSQLite(ctx, s.cfg.DBPath, safety); err != nil {
			return types.Wrap(types.KindOperation, err, "pre-restore backup")
		}
		defer func() { _ = os.Remove(safety) }()
	}

	if err := restoreSQLite(ctx, backupPath, s.cfg.DBPath); err != nil {
		if _, statErr := os.Stat(safety); statErr == nil {
			if rbErr := restoreSQLite(ctx, safety, s.cfg.DBPath); rbErr != nil {
				return types.Wrap(types.KindOperation, err, "restore failed and rollback failed (%v)", rbErr)
			}
			return types.Wrap(types.KindOperation, err, "restore failed, rolled back")
		}
		return err
	}
	s.logger.Info("database restored", "from", backupPath)
	return nil
}

// HealthCheck summarises the backup directory.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	last, next := s.lastTime, s.nextTime
	s.mu.Unlock()

	backups, err := s.List()
	if err != nil {
		return nil, err
	}
	var used int64
	for _, b := range backups {
		used += b.Size
	}
	if last.IsZero() && len(backups) > 0 {
		last = backups[0].Timestamp
	}

	st := &HealthStatus{
		Status:        "healthy",
		LastBackup:    last,
		NextBackup:    next,
		TotalBackups:  len(backups),
		Dir:           s.cfg.Dir,
		DiskSpaceUsed: used,
	}
	switch age := s.now().Sub(last); {
	case last.IsZero():
		st.Message = "no backups yet"
	case age > 2*s.cfg.Interval:
		st.Status = "warning"
		st.Message = fmt.Sprintf("backup overdue, last one %s", humanize.RelTime(last, s.now(), "ago", "from now"))
	default:
		st.Message = fmt.Sprintf("last backup %s, %d backups using %s",
			humanize.RelTime(last, s.now(), "ago", "from now"), len(backups), humanize.Bytes(uint64(used)))
	}
	return st, nil
}
