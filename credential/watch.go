package credential

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the keyfile for external writes (another local process
// logging in) and loads the new credential into the store. It blocks until
// ctx is cancelled. A store without a keyfile has nothing to watch.
func (s *Store) Watch(ctx context.Context) error {
	if s.keyfile == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(s.keyfile)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.keyfile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s.reloadKeyfile()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Credential file watcher error", "error", err)
		}
	}
}

// reloadKeyfile picks up an externally written credential. The write is not
// persisted back; the external writer already owns the file contents.
func (s *Store) reloadKeyfile() {
	cred, err := readKeyfile(s.keyfile)
	if err != nil {
		s.logger.Warn("Failed to reload credential file", "path", s.keyfile, "error", err)
		return
	}
	if !cred.Valid() {
		return
	}

	s.mu.RLock()
	same := s.cred.Value == cred.Value
	s.mu.RUnlock()
	if same {
		return
	}

	s.logger.Info("Credential file changed externally; reloading")
	s.update(cred, StateAuthenticated)
}
