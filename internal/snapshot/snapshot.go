package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidPath marks a snapshot lookup whose components would escape the
// snapshot tree.
var ErrInvalidPath = errors.New("path escapes snapshot tree")

// Store owns the camera-partitioned snapshot tree
// <root>/<camera_id>/snapshot_YYYYMMDD_HHMMSS_ffffff.jpg and its retention.
// Creation is the tracking workers' job; the sweeper enforces a per-directory
// file cap so a noisy camera cannot evict a quiet one's stills.
type Store struct {
	root     string
	maxFiles int
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates the snapshot root and returns a store sweeping every interval
// down to maxFiles per camera directory.
func New(root string, maxFiles int, interval time.Duration, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot root: %w", err)
	}
	return &Store{
		root:     root,
		maxFiles: maxFiles,
		interval: interval,
		log:      logger.WithField("component", "snapshot"),
	}, nil
}

// Root returns the snapshot tree root.
func (s *Store) Root() string { return s.root }

// Save writes a JPEG for a camera and returns its path.
func (s *Store) Save(cameraID string, jpeg []byte, ts time.Time) (string, error) {
	dir := filepath.Join(s.root, cameraID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create camera snapshot directory: %w", err)
	}

	ts = ts.UTC()
	name := fmt.Sprintf("snapshot_%s_%06d.jpg", ts.Format("20060102_150405"), ts.Nanosecond()/1000)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, jpeg, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}

// Recent lists a camera's snapshot paths, newest first. limit <= 0 means 20.
func (s *Store) Recent(cameraID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	files, err := listJPEGs(filepath.Join(s.root, cameraID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// listJPEGs sorts oldest first.
	var paths []string
	for i := len(files) - 1; i >= 0 && len(paths) < limit; i-- {
		paths = append(paths, files[i].path)
	}
	return paths, nil
}

// Resolve maps a camera id and file name to an on-disk snapshot path. Both
// components must be bare names; anything that could step outside the tree is
// rejected with ErrInvalidPath.
func (s *Store) Resolve(cameraID, file string) (string, error) {
	for _, part := range []string{cameraID, file} {
		if part == "" || part == "." || part == ".." ||
			strings.ContainsAny(part, `/\`) || part != filepath.Base(part) {
			return "", ErrInvalidPath
		}
	}
	if !strings.HasSuffix(file, ".jpg") {
		return "", ErrInvalidPath
	}

	path := filepath.Join(s.root, cameraID, file)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Start launches the retention sweeper.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()

	s.log.WithFields(logrus.Fields{
		"max_files": s.maxFiles,
		"interval":  s.interval,
	}).Info("Snapshot sweeper started")
}

// Stop halts the sweeper and waits for the current pass to finish.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.log.Info("Snapshot sweeper stopped")
}

func (s *Store) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one retention pass over every camera directory. Each directory
// is capped independently; errors on single files are logged and skipped.
func (s *Store) Sweep() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list snapshot root")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s.sweepDir(filepath.Join(s.root, entry.Name()))
	}
}

func (s *Store) sweepDir(dir string) {
	files, err := listJPEGs(dir)
	if err != nil {
		s.log.WithError(err).WithField("dir", dir).Warn("Failed to list snapshot directory")
		return
	}
	if len(files) <= s.maxFiles {
		return
	}

	excess := len(files) - s.maxFiles
	for _, f := range files[:excess] {
		if err := os.Remove(f.path); err != nil {
			s.log.WithError(err).WithField("file", f.path).Warn("Failed to delete snapshot")
			continue
		}
	}

	s.log.WithFields(logrus.Fields{
		"dir":     dir,
		"deleted": excess,
	}).Debug("Snapshot retention pass")
}

type jpegFile struct {
	path    string
	modTime time.Time
}

// listJPEGs returns the .jpg files of one directory sorted by mtime, oldest
// first. Name breaks mtime ties so the order is stable.
func listJPEGs(dir string) ([]jpegFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []jpegFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jpg") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, jpegFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}
