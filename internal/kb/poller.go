package kb

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/metrics"
	"github.com/local/docpipe/internal/store"
)

// Supervisor runs one parse poller goroutine per document in PARSING_KB.
// Launch dedupes per document; Resume re-spawns pollers after a daemon
// restart; Close stops everything and waits.
type Supervisor struct {
	store    store.Store
	remote   Remote
	interval time.Duration

	mu      sync.Mutex
	active  map[string]struct{}
	wg      sync.WaitGroup
	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewSupervisor builds the supervisor with its own root context.
func NewSupervisor(st store.Store, remote Remote, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:    st,
		remote:   remote,
		interval: interval,
		active:   map[string]struct{}{},
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// Launch starts a poller for the document unless one is already running.
func (s *Supervisor) Launch(documentID string) {
	s.mu.Lock()
	if _, running := s.active[documentID]; running {
		s.mu.Unlock()
		return
	}
	s.active[documentID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	metrics.PollerStarted()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, documentID)
			s.mu.Unlock()
			metrics.PollerStopped()
			s.wg.Done()
		}()
		s.poll(documentID)
	}()
}

// Resume launches pollers for every document left in PARSING_KB. Called at
// daemon start; this is the crash-recovery path.
func (s *Supervisor) Resume(ctx context.Context) error {
	docs, err := s.store.ListDocumentsByStatus(ctx, store.StatusParsingKB)
	if err != nil {
		return errs.Internal(err, "list documents in PARSING_KB")
	}
	for _, d := range docs {
		s.Launch(d.ID)
	}
	if len(docs) > 0 {
		log.Info().Int("documents", len(docs)).Msg("resumed parse pollers")
	}
	return nil
}

// Close stops all pollers and waits for them to exit. Documents stay in
// PARSING_KB; the next start resumes them.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

// poll watches one document until the remote parse terminates, the local
// row leaves PARSING_KB (deleted, rebuilt, advanced elsewhere), or the
// supervisor shuts down. Transient listing errors never fail the document.
func (s *Supervisor) poll(documentID string) {
	started := time.Now()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := log.With().Str("document_id", documentID).Logger()
	logger.Debug().Msg("parse poller started")

	for {
		select {
		case <-s.rootCtx.Done():
			logger.Debug().Msg("parse poller stopped by shutdown")
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.rootCtx, 30*time.Second)
		done := s.pollOnce(ctx, logger, documentID, started)
		cancel()
		if done {
			return
		}
	}
}

// pollOnce runs one cycle; true means the poller should exit.
func (s *Supervisor) pollOnce(ctx context.Context, logger zerolog.Logger, documentID string, started time.Time) bool {
	d, ok, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		logger.Warn().Err(err).Msg("poller could not load document; retrying")
		return false
	}
	if !ok || d.Status != store.StatusParsingKB {
		logger.Debug().Msg("document left PARSING_KB; poller exiting")
		return true
	}

	p, ok, err := s.store.GetProject(ctx, d.ProjectID)
	if err != nil || !ok || p.DatasetID == "" {
		logger.Debug().Msg("project or dataset gone; poller exiting")
		return true
	}

	remoteDocs, err := s.remote.ListDocuments(ctx, p.DatasetID)
	if err != nil {
		// A flapping KB must not fail documents; only an explicit remote
		// rejection (the dataset no longer lists, the key was revoked)
		// means the parse can never complete.
		if errs.IsTransient(err) || !errs.IsKind(err, errs.KindUpstreamRejected) {
			logger.Warn().Err(err).Msg("poll listing failed; retrying")
			return false
		}
		msg := "knowledge base listing rejected: " + errs.Message(err)
		won, uerr := s.store.UpdateDocumentIf(ctx, documentID,
			[]store.Status{store.StatusParsingKB},
			store.DocumentPatch{
				Status:       store.StatusPtr(store.StatusKBParseFailed),
				ErrorMessage: store.StrPtr(msg),
			})
		if uerr != nil {
			logger.Warn().Err(uerr).Msg("could not record listing rejection; retrying")
			return false
		}
		if won {
			metrics.IncProcessed("kb_parse_failed")
			logger.Warn().Str("reason", msg).Msg("knowledge base rejected the dataset listing")
		}
		return true
	}

	var remote *RemoteDocument
	for i := range remoteDocs {
		if remoteDocs[i].ID == d.RagDocumentID {
			remote = &remoteDocs[i]
			break
		}
	}
	if remote == nil {
		logger.Debug().Str("rag_document_id", d.RagDocumentID).Msg("remote document not listed yet; retrying")
		return false
	}

	switch {
	case remote.Progress >= 1.0 && remote.Run == RunDone:
		won, uerr := s.store.UpdateDocumentIf(ctx, documentID,
			[]store.Status{store.StatusParsingKB},
			store.DocumentPatch{
				Status:       store.StatusPtr(store.StatusCompleted),
				Progress:     store.IntPtr(store.ProgressCompleted),
				ErrorMessage: store.StrPtr(""),
			})
		if uerr != nil {
			logger.Warn().Err(uerr).Msg("could not record parse completion; retrying")
			return false
		}
		if won {
			metrics.IncProcessed("completed")
			metrics.ObserveParseWait(time.Since(started))
			logger.Info().Dur("parse_wait", time.Since(started)).Msg("document parsed")
		}
		return true

	case ParseFailed(remote.Run):
		msg := remote.ProgressMsg
		if msg == "" {
			msg = "knowledge base parse ended in " + remote.Run
		}
		won, uerr := s.store.UpdateDocumentIf(ctx, documentID,
			[]store.Status{store.StatusParsingKB},
			store.DocumentPatch{
				Status:       store.StatusPtr(store.StatusKBParseFailed),
				ErrorMessage: store.StrPtr(msg),
			})
		if uerr != nil {
			logger.Warn().Err(uerr).Msg("could not record parse failure; retrying")
			return false
		}
		if won {
			metrics.IncProcessed("kb_parse_failed")
			metrics.ObserveParseWait(time.Since(started))
			logger.Warn().Str("run", remote.Run).Str("reason", msg).Msg("knowledge base parse failed")
		}
		return true

	default:
		logger.Debug().Float64("remote_progress", remote.Progress).Str("run", remote.Run).Msg("still parsing")
		return false
	}
}
