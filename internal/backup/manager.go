package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 24 * time.Hour
	defaultKeepLast = 7
	defaultPrefix   = "backups"

	filePrefix = "gdpetl-"
	fileSuffix = ".duckdb"
)

// Manager runs periodic warehouse snapshots with optional remote upload.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager initializes the backup manager. It returns nil when backups are
// disabled. uploader may be nil for local-only snapshots.
func NewManager(store Snapshotter, cfg Config, uploader Uploader) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: warehouse path is empty (in-memory store)")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: local-dir is required when backup is enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if cfg.RemotePrefix == "" {
		cfg.RemotePrefix = defaultPrefix
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	m := &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Startup snapshot to reduce recovery point after restarts.
	if err := m.RunOnce(m.ctx); err != nil {
		log.Printf("backup: startup snapshot failed: %v", err)
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil {
				log.Printf("backup: periodic snapshot failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce snapshots the warehouse, uploads the snapshot when an uploader is
// configured, and prunes old copies beyond KeepLast.
func (m *Manager) RunOnce(ctx context.Context) error {
	fileName := snapshotName(time.Now())
	localPath := filepath.Join(m.cfg.LocalDir, fileName)

	size, err := m.store.SnapshotTo(localPath)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	log.Printf("backup: created snapshot %s (%d bytes)", localPath, size)

	if m.uploader != nil {
		uri, err := m.uploader.UploadFile(ctx, localPath, path.Join(m.cfg.RemotePrefix, fileName))
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		log.Printf("backup: uploaded snapshot to %s", uri)

		if pruner, ok := m.uploader.(RemotePruner); ok {
			if err := pruneRemoteBackups(ctx, pruner, m.cfg.RemotePrefix, m.cfg.KeepLast); err != nil {
				log.Printf("backup: prune remote snapshots: %v", err)
			}
		}
	}

	if err := pruneLocalBackups(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return fmt.Errorf("prune local backups: %w", err)
	}
	return nil
}

// Stop cancels any in-flight upload and terminates the backup loop.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		close(m.done)
		m.wg.Wait()
	})
}

// snapshotName embeds a UTC timestamp so lexical order matches chronology.
func snapshotName(t time.Time) string {
	return filePrefix + t.UTC().Format("20060102-150405.000") + fileSuffix
}

func pruneLocalBackups(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(localDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	for _, old := range expired(matches, keepLast) {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func pruneRemoteBackups(ctx context.Context, p RemotePruner, prefix string, keepLast int) error {
	keys, err := p.List(ctx, prefix+"/")
	if err != nil {
		return err
	}
	var snaps []string
	for _, k := range keys {
		base := path.Base(k)
		if strings.HasPrefix(base, filePrefix) && strings.HasSuffix(base, fileSuffix) {
			snaps = append(snaps, k)
		}
	}
	for _, old := range expired(snaps, keepLast) {
		if err := p.Remove(ctx, old); err != nil {
			return err
		}
	}
	return nil
}

// expired returns the entries beyond the newest keepLast.
func expired(names []string, keepLast int) []string {
	if len(names) <= keepLast {
		return nil
	}
	sorted := append([]string(nil), names...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	return sorted[keepLast:]
}
