// Package session drives one rebrand run over a duplex connection: it reads
// a single configuration message, probes the site, enumerates and rewrites
// the matching posts and streams progress events back.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/ghost"
	"github.com/agentworkforce/rebrander/internal/rebrand"
	"github.com/agentworkforce/rebrander/internal/runstore"
)

const (
	outboundBuffer    = 256
	reportSaveTimeout = 5 * time.Second
)

type State int

const (
	StateAwaitingConfig State = iota
	StateAuthenticating
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

type ClientFactory func(siteURL, credential string) (*ghost.Client, error)

type Options struct {
	PageSize int
	// MaxConcurrency caps the fan-out of every session regardless of the
	// requested limit. Progress throttling still follows the requested limit.
	MaxConcurrency int
	HTTPClient     *http.Client
	Reports        runstore.Backend
	NewClient      ClientFactory
	Rand           func() float64
	Now            func() time.Time
}

type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	if opts.PageSize <= 0 {
		opts.PageSize = ghost.DefaultPageSize
	}
	if opts.NewClient == nil {
		httpClient := opts.HTTPClient
		opts.NewClient = func(siteURL, credential string) (*ghost.Client, error) {
			return ghost.NewClientForCredential(siteURL, credential, httpClient)
		}
	}
	if opts.MaxConcurrency <= 0 || opts.MaxConcurrency > MaxConcurrencyLimit {
		opts.MaxConcurrency = MaxConcurrencyLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{opts: opts}
}

type session struct {
	id      string
	handler *Handler
	conn    Conn
	state   State

	out           chan Event
	writerDone    chan struct{}
	writerStarted bool
	closeOnce     sync.Once

	mu         sync.Mutex
	job        *rebrand.Job
	peerGone   bool
	closing    bool
	total      int
	processed  int
	errorCount int
	skipped    int
	failed     []string
	interval   int
	completed  bool
}

// Serve runs a session to completion on conn. It returns once the session has
// terminated and every in-flight mutation has finished.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	s := &session{
		id:         uuid.NewString(),
		handler:    h,
		conn:       conn,
		out:        make(chan Event, outboundBuffer),
		writerDone: make(chan struct{}),
	}
	logger := zerolog.Ctx(ctx).With().Str("session_id", s.id).Logger()
	ctx = logger.WithContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("session failed")
			s.terminate(ctx, CloseServerError, "Server error")
		}
	}()
	s.run(ctx)
}

func (s *session) run(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	s.setState(ctx, StateAwaitingConfig)

	data, err := s.conn.Read(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("peer left before sending configuration")
		s.setState(ctx, StateTerminated)
		return
	}
	req, err := ParseRequest(data)
	if err != nil {
		reason := "Invalid request"
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			reason = reqErr.Reason()
		}
		logger.Warn().Err(err).Str("code", string(rebrand.Classify(err))).Msg("rejected configuration")
		s.terminate(ctx, CloseClientError, reason)
		return
	}
	ctx = logger.With().Str("site", req.URL).Logger().WithContext(ctx)
	logger = zerolog.Ctx(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readLoop(runCtx, cancel)

	s.setState(ctx, StateAuthenticating)
	client, err := s.handler.opts.NewClient(req.URL, req.Credential)
	if err == nil {
		var info ghost.SiteInfo
		info, err = client.SiteInfo(runCtx)
		if err == nil {
			logger.Info().Str("title", info.Title).Msg("site probe succeeded")
		}
	}
	if err != nil {
		if s.gone() {
			s.terminate(ctx, CloseNormal, "")
			return
		}
		logger.Error().Err(err).Str("code", string(rebrand.Classify(err))).Msg("unable to get site info")
		s.terminate(ctx, CloseClientError, "Unable to get site info: "+err.Error())
		return
	}

	s.setState(ctx, StateRunning)
	report := runstore.RunReport{
		ID:          s.id,
		Site:        req.URL,
		Target:      req.TargetString,
		Replacement: req.ReplacementString,
		StartedAt:   s.handler.opts.Now().UTC(),
	}
	ids, err := client.PostIDs(runCtx, req.TargetString, s.handler.opts.PageSize)
	if err != nil {
		if s.gone() {
			report.Outcome = runstore.OutcomeAborted
			s.saveReport(ctx, report)
			s.terminate(ctx, CloseNormal, "")
			return
		}
		logger.Error().Err(err).Str("code", string(rebrand.Classify(err))).Msg("unable to enumerate posts")
		report.Outcome = runstore.OutcomeFailed
		report.FailureCode = string(rebrand.Classify(err))
		report.FailureReason = err.Error()
		s.saveReport(ctx, report)
		s.terminate(ctx, CloseClientError, "Unable to update posts: "+err.Error())
		return
	}
	concurrency := min(req.ConcurrencyLimit, s.handler.opts.MaxConcurrency)
	logger.Info().Int("total", len(ids)).Int("concurrency", concurrency).Msg("updating posts")

	s.writerStarted = true
	go s.writeLoop(ctx)

	s.mu.Lock()
	s.total = len(ids)
	s.interval = NotificationInterval(req.ConcurrencyLimit)
	s.out <- statusEvent(s.total, 0)
	if s.total == 0 {
		s.out <- successEvent(0, 0, 0)
		s.completed = true
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		mutate := rebrand.PostMutator(client, req.TargetString, req.ReplacementString)
		if req.FaultInjectionRate > 0 {
			logger.Info().Float64("rate", req.FaultInjectionRate).Msg("fault injection enabled")
			mutate = rebrand.WithFaultInjection(mutate, req.FaultInjectionRate, s.handler.opts.Rand)
		}
		job := rebrand.Run(context.WithoutCancel(ctx), ids, mutate, concurrency, s.onStatus(ctx))
		s.attach(job)
		job.Wait()
	}

	s.mu.Lock()
	report.Total = s.total
	report.Processed = s.processed
	report.Success = s.processed - s.errorCount
	report.Error = s.errorCount
	report.Skipped = s.skipped
	report.FailedIDs = append([]string{}, s.failed...)
	completed := s.completed
	s.mu.Unlock()

	if completed {
		report.Success = report.Total - report.Error
		report.Outcome = runstore.OutcomeCompleted
		s.saveReport(ctx, report)
		logger.Info().Int("total", report.Total).Int("error", report.Error).Int("skipped", report.Skipped).Msg("update complete")
		s.terminate(ctx, CloseNormal, "Update complete")
		return
	}
	report.Outcome = runstore.OutcomeAborted
	s.saveReport(ctx, report)
	logger.Info().Int("processed", report.Processed).Int("total", report.Total).Msg("update aborted")
	s.terminate(ctx, CloseNormal, "")
}

func (s *session) onStatus(ctx context.Context) rebrand.StatusFunc {
	logger := zerolog.Ctx(ctx)
	return func(id string, status rebrand.Status, err error) {
		if err != nil {
			logger.Warn().Err(err).Str("post_id", id).Str("code", string(rebrand.Classify(err))).Msg("post update failed")
		} else {
			logger.Debug().Str("post_id", id).Str("status", string(status)).Msg("post processed")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		switch status {
		case rebrand.StatusError:
			s.errorCount++
			s.failed = append(s.failed, id)
			s.out <- errorEvent(id)
		case rebrand.StatusSkipped:
			s.skipped++
		}
		s.processed++
		if s.processed%s.interval == 0 {
			s.out <- statusEvent(s.total, s.processed)
		}
		if s.processed == s.total {
			s.out <- successEvent(s.total, s.errorCount, s.skipped)
			s.completed = true
		}
	}
}

func (s *session) attach(job *rebrand.Job) {
	s.mu.Lock()
	s.job = job
	gone := s.peerGone
	s.mu.Unlock()
	if gone {
		job.Abort()
	}
}

func (s *session) gone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerGone
}

// readLoop watches the connection after configuration. Any read failure means
// the peer is gone, which aborts the run.
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	logger := zerolog.Ctx(ctx)
	for {
		if _, err := s.conn.Read(ctx); err != nil {
			s.mu.Lock()
			closing := s.closing
			s.peerGone = true
			job := s.job
			s.mu.Unlock()
			if job != nil {
				job.Abort()
			}
			if !closing {
				logger.Info().Err(err).Msg("peer disconnected")
			}
			cancel()
			return
		}
		logger.Warn().Msg("ignoring message received after configuration")
	}
}

func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	logger := zerolog.Ctx(ctx)
	failed := false
	for event := range s.out {
		if failed {
			continue
		}
		data, err := json.Marshal(event)
		if err != nil {
			logger.Error().Err(err).Msg("encoding event")
			continue
		}
		if err := s.conn.Write(ctx, data); err != nil {
			logger.Debug().Err(err).Msg("writing event")
			failed = true
		}
	}
}

func (s *session) terminate(ctx context.Context, code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		if s.writerStarted {
			close(s.out)
			<-s.writerDone
		}
		if err := s.conn.Close(code, reason); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("closing connection")
		}
		s.setState(ctx, StateTerminated)
	})
}

func (s *session) setState(ctx context.Context, state State) {
	s.state = state
	zerolog.Ctx(ctx).Debug().Str("state", state.String()).Msg("session state")
}

func (s *session) saveReport(ctx context.Context, report runstore.RunReport) {
	if s.handler.opts.Reports == nil {
		return
	}
	report.FinishedAt = s.handler.opts.Now().UTC()
	if report.FailedIDs == nil {
		report.FailedIDs = []string{}
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportSaveTimeout)
	defer cancel()
	if err := s.handler.opts.Reports.Save(saveCtx, report); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("saving run report")
	}
}
