// Package watcher auto-ingests files dropped into per-project inbox
// folders: inbox/<folder_uuid>/<file>. The folder segment identifies the
// project; the file is removed after a successful ingest and left in place
// (with a logged error) otherwise.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/local/docpipe/internal/processor"
	"github.com/local/docpipe/internal/storage"
	"github.com/local/docpipe/internal/store"
)

// Watcher tails the inbox tree with fsnotify.
type Watcher struct {
	store       store.Store
	proc        *processor.Processor
	layout      *storage.Layout
	settleDelay time.Duration

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the watcher. settleDelay is how long a file must stop growing
// before it is read; editors and network copies write in bursts.
func New(st store.Store, proc *processor.Processor, layout *storage.Layout, settleDelay time.Duration) (*Watcher, error) {
	if settleDelay <= 0 {
		settleDelay = 2 * time.Second
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{store: st, proc: proc, layout: layout, settleDelay: settleDelay, fs: fs}, nil
}

// Start watches the inbox root plus every existing project inbox and begins
// processing events. New project directories are picked up from root events.
func (w *Watcher) Start() error {
	root := w.layout.InboxRoot()
	if err := w.fs.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.fs.Add(filepath.Join(root, e.Name())); err != nil {
				log.Warn().Err(err).Str("dir", e.Name()).Msg("could not watch project inbox")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	log.Info().Str("root", root).Msg("inbox watcher started")
	return nil
}

// Close stops the watcher and waits for the event loop.
func (w *Watcher) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.fs.Close()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				// A new project inbox appeared under the root.
				if filepath.Dir(ev.Name) == w.layout.InboxRoot() {
					if err := w.fs.Add(ev.Name); err != nil {
						log.Warn().Err(err).Str("dir", ev.Name).Msg("could not watch new project inbox")
					}
				}
				continue
			}
			if ev.Has(fsnotify.Create) {
				w.wg.Add(1)
				go func(path string) {
					defer w.wg.Done()
					w.ingestWhenSettled(ctx, path)
				}(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("inbox watcher error")
		}
	}
}

// ingestWhenSettled waits for the file size to stop changing, then ingests
// it into the project owning the inbox folder.
func (w *Watcher) ingestWhenSettled(ctx context.Context, path string) {
	folder := filepath.Base(filepath.Dir(path))
	name := filepath.Base(path)

	var lastSize int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.settleDelay):
		}
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == lastSize {
			break
		}
		lastSize = info.Size()
	}

	project, err := w.projectForFolder(ctx, folder)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Str("file", name).Msg("inbox file has no project; leaving in place")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("could not read inbox file")
		return
	}

	_, err = w.proc.Ingest(ctx, processor.IngestInput{
		ProjectID:    project.ID,
		OriginalName: name,
		Data:         data,
		UploadedBy:   "inbox",
	})
	if err != nil {
		log.Warn().Err(err).Str("file", name).Str("project_id", project.ID).Msg("inbox ingest rejected; leaving file in place")
		return
	}

	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("ingested inbox file not removed")
	}
	log.Info().Str("file", name).Str("project_id", project.ID).Msg("inbox file ingested")
}

func (w *Watcher) projectForFolder(ctx context.Context, folder string) (store.Project, error) {
	projects, err := w.store.ListProjects(ctx)
	if err != nil {
		return store.Project{}, err
	}
	for _, p := range projects {
		if p.FolderUUID == folder {
			return p, nil
		}
	}
	return store.Project{}, os.ErrNotExist
}
