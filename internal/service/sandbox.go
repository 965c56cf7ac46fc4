package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"appforge/internal/config"
	"appforge/internal/metrics"
	"appforge/internal/model"
	"appforge/internal/provider"
	"appforge/internal/repository"
)

// SandboxService exposes direct sandbox operations outside the deploy
// pipeline: listing, inspection, command execution, file access, env vars,
// keepalive, preview resolution, termination. Every call attaches to the
// sandbox fresh; handles are never cached here.
type SandboxService struct {
	cfg      *config.Config
	registry *provider.Registry
	repo     repository.ISandboxRepository
	metrics  *metrics.Manager
}

func NewSandboxService(cfg *config.Config, registry *provider.Registry, repo repository.ISandboxRepository, metricsManager *metrics.Manager) *SandboxService {
	return &SandboxService{cfg: cfg, registry: registry, repo: repo, metrics: metricsManager}
}

// List returns the recorded sandboxes. Records, not live state; callers
// wanting live truth use Get or wait for the next status sweep.
func (s *SandboxService) List(ctx context.Context) ([]*model.SandboxRecord, error) {
	return s.repo.List(ctx)
}

// Get returns the record for one sandbox plus a fresh provider snapshot
// when the backend answers.
func (s *SandboxService) Get(ctx context.Context, sandboxID string) (*model.SandboxRecord, error) {
	rec, err := s.repo.FindBySandboxID(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, provider.ErrSandboxNotFound
	}
	prov, err := s.registry.Get(rec.Provider)
	if err != nil {
		return rec, nil
	}
	info, err := prov.GetInfo(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, provider.ErrSandboxNotFound) {
			rec.Status = provider.StatusStopped
		}
		return rec, nil
	}
	rec.Status = info.Status
	rec.LastActiveAt = info.LastActiveAt
	return rec, nil
}

// Terminate destroys a sandbox and removes its record. Idempotent end to
// end: an already-gone sandbox still gets its record cleaned up.
func (s *SandboxService) Terminate(ctx context.Context, sandboxID string) error {
	rec, err := s.repo.FindBySandboxID(ctx, sandboxID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	prov, err := s.registry.Get(rec.Provider)
	if err != nil {
		return err
	}
	res := prov.Terminate(ctx, sandboxID, provider.TerminationOptions{})
	if s.metrics != nil {
		s.metrics.ObserveSandboxOp(rec.Provider, "terminate", res.Err)
	}
	if res.Err != nil {
		return res.Err
	}
	if s.metrics != nil {
		s.metrics.SandboxStopped(rec.Provider)
	}
	return s.repo.Delete(ctx, sandboxID)
}

// Exec runs a command inside a sandbox. The requested timeout is clamped
// to the configured maximum; zero means the default.
func (s *SandboxService) Exec(ctx context.Context, sandboxID string, req model.ExecRequest) (*model.ExecResponse, error) {
	sb, rec, err := s.attach(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Deploy.CommandTimeoutSec
	}
	if timeout > s.cfg.Deploy.MaxCommandTimeoutSec {
		timeout = s.cfg.Deploy.MaxCommandTimeoutSec
	}

	result, err := sb.ExecuteCommand(ctx, req.Command, provider.CommandOptions{
		Cwd:     req.Cwd,
		Env:     req.Env,
		Timeout: time.Duration(timeout) * time.Second,
	})
	if s.metrics != nil {
		s.metrics.ObserveSandboxOp(rec.Provider, "exec", err)
	}
	var cmdErr *provider.CommandError
	if err != nil && !errors.As(err, &cmdErr) {
		return nil, err
	}
	// A nonzero exit is a result, not a transport failure; surface the
	// partial output to the caller.
	if touchErr := s.repo.Touch(ctx, sandboxID); touchErr != nil {
		log.Printf("[sandbox] touch %s: %v", sandboxID, touchErr)
	}
	return &model.ExecResponse{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMs: result.Duration.Milliseconds(),
	}, nil
}

// WriteFiles pushes a batch of files into a sandbox and returns the
// per-file outcomes. A partial failure is a valid response, not an error.
func (s *SandboxService) WriteFiles(ctx context.Context, sandboxID string, req model.WriteFilesRequest) (*model.WriteFilesResponse, error) {
	sb, rec, err := s.attach(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	files, err := decodeFiles(req.Files)
	if err != nil {
		return nil, err
	}
	batch, err := sb.WriteFiles(ctx, files)
	if s.metrics != nil {
		s.metrics.ObserveSandboxOp(rec.Provider, "write_files", err)
	}
	if err != nil {
		return nil, err
	}
	resp := &model.WriteFilesResponse{
		Succeeded: batch.Succeeded,
		Failed:    batch.Failed,
	}
	for _, r := range batch.Results {
		item := model.FileWriteResult{Path: r.Path, Ok: r.Err == nil}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		resp.Results = append(resp.Results, item)
	}
	return resp, nil
}

// ReadFile returns the raw content of one file in the sandbox.
func (s *SandboxService) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	sb, _, err := s.attach(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return sb.ReadFile(ctx, path)
}

// ListFiles enumerates a directory in the sandbox.
func (s *SandboxService) ListFiles(ctx context.Context, sandboxID, path string) ([]provider.FileInfo, error) {
	sb, _, err := s.attach(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return sb.ListFiles(ctx, path)
}

// DeleteFile removes one file from the sandbox.
func (s *SandboxService) DeleteFile(ctx context.Context, sandboxID, path string) error {
	sb, _, err := s.attach(ctx, sandboxID)
	if err != nil {
		return err
	}
	return sb.DeleteFile(ctx, path)
}

// SetEnvVars replaces the sandbox session environment and records it.
func (s *SandboxService) SetEnvVars(ctx context.Context, sandboxID string, vars map[string]string) error {
	sb, rec, err := s.attach(ctx, sandboxID)
	if err != nil {
		return err
	}
	if err := sb.SetEnvVars(ctx, vars); err != nil {
		return err
	}
	rec.EnvVars = vars
	if err := s.repo.Upsert(ctx, rec); err != nil {
		log.Printf("[sandbox] recording env vars for %s: %v", sandboxID, err)
	}
	return nil
}

// KeepAlive resets the backend expiry timer for one sandbox.
func (s *SandboxService) KeepAlive(ctx context.Context, sandboxID string) error {
	sb, rec, err := s.attach(ctx, sandboxID)
	if err != nil {
		return err
	}
	err = sb.KeepAlive(ctx)
	if s.metrics != nil {
		s.metrics.ObserveKeepalive(rec.Provider, err)
	}
	if err != nil {
		return err
	}
	if touchErr := s.repo.Touch(ctx, sandboxID); touchErr != nil {
		log.Printf("[sandbox] touch %s: %v", sandboxID, touchErr)
	}
	return nil
}

// Preview resolves the preview URL for a sandbox port.
func (s *SandboxService) Preview(ctx context.Context, sandboxID string, port int) (*model.PreviewResponse, error) {
	sb, _, err := s.attach(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if port <= 0 {
		port = s.cfg.Deploy.Port
	}
	info, err := sb.PreviewInfo(ctx, port)
	if err != nil {
		return nil, err
	}
	return &model.PreviewResponse{
		SandboxID: sandboxID,
		Port:      port,
		URL:       info.URL,
		Token:     info.Token,
	}, nil
}

// attach resolves the record and connects to the live sandbox.
func (s *SandboxService) attach(ctx context.Context, sandboxID string) (provider.Sandbox, *model.SandboxRecord, error) {
	rec, err := s.repo.FindBySandboxID(ctx, sandboxID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, provider.ErrSandboxNotFound
	}
	prov, err := s.registry.Get(rec.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox %s recorded against unknown provider %q: %w", sandboxID, rec.Provider, err)
	}
	sb, err := prov.Connect(ctx, sandboxID, provider.ConnectOptions{Timeout: 30 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	return sb, rec, nil
}

// RefreshStatuses fetches a live snapshot for every recorded sandbox and
// updates the drifted ones. Bounded concurrency, one sweep at a time per
// caller; backend errors degrade a record to stopped or unknown rather
// than failing the sweep.
func (s *SandboxService) RefreshStatuses(ctx context.Context) error {
	records, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sandboxes: %w", err)
	}

	maxConc := s.cfg.Health.Concurrency
	if maxConc <= 0 {
		maxConc = config.DefaultHealthConcurrency
	}
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup

	for _, rec := range records {
		rec := rec

		prov, err := s.registry.Get(rec.Provider)
		if err != nil {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer func() { <-sem; wg.Done() }()

			infoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			newStatus := rec.Status
			info, err := prov.GetInfo(infoCtx, rec.SandboxID)
			switch {
			case err == nil:
				newStatus = info.Status
			case errors.Is(err, provider.ErrSandboxNotFound):
				newStatus = provider.StatusStopped
			default:
				// Backend unreachable, not sandbox-gone. Mark unknown so
				// readers can tell stale from dead.
				log.Printf("[health] sandbox %s (%s) unreachable: %v", rec.SandboxID, rec.Provider, err)
				newStatus = provider.StatusUnknown
			}

			if rec.Status != newStatus {
				if err := s.repo.UpdateStatus(ctx, rec.SandboxID, newStatus); err != nil {
					log.Printf("[health] failed to update status for %s: %v", rec.SandboxID, err)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}
