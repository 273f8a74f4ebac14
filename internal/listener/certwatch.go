package listener

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/eventrelay/internal/logging"
	"go.uber.org/zap"
)

// CertWatcher reloads a certificate/key pair when either file changes.
type CertWatcher struct {
	watcher  *fsnotify.Watcher
	certFile string
	keyFile  string
	reload   func(certFile, keyFile string) error
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
	once  sync.Once
}

// NewCertWatcher creates a watcher that calls reload after changes settle.
func NewCertWatcher(certFile, keyFile string, reload func(certFile, keyFile string) error) (*CertWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CertWatcher{
		watcher:  fsWatcher,
		certFile: certFile,
		keyFile:  keyFile,
		reload:   reload,
		debounce: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets the debounce duration for file changes
func (w *CertWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching the directories holding the certificate and key.
// Watching directories survives the atomic symlink swaps used by mounted
// secrets.
func (w *CertWatcher) Start() error {
	dirs := map[string]struct{}{
		filepath.Dir(w.certFile): {},
		filepath.Dir(w.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}

	go w.watch()
	return nil
}

func (w *CertWatcher) relevant(name string) bool {
	base := filepath.Base(name)
	return base == filepath.Base(w.certFile) ||
		base == filepath.Base(w.keyFile) ||
		base == "..data" // kubernetes secret volume swap
}

func (w *CertWatcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.apply)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("TLS certificate watcher error", zap.Error(err))
		}
	}
}

func (w *CertWatcher) apply() {
	if err := w.reload(w.certFile, w.keyFile); err != nil {
		// keep serving the previous certificate
		logging.Error("Failed to reload TLS certificate",
			zap.String("cert_file", w.certFile),
			zap.Error(err),
		)
		return
	}
	logging.Info("TLS certificate reloaded", zap.String("cert_file", w.certFile))
}

// Stop stops watching for changes
func (w *CertWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}
