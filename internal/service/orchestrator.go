package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"appforge/internal/config"
	"appforge/internal/deploy"
	"appforge/internal/metrics"
	"appforge/internal/model"
	"appforge/internal/provider"
	"appforge/internal/repository"

	"github.com/google/uuid"
)

// ErrInvalidFiles marks a deploy request whose file payload cannot be
// decoded. Callers map it to a client error rather than a backend one.
var ErrInvalidFiles = errors.New("invalid file payload")

// Orchestrator drives one deployment pipeline end to end: admission
// through the state ledger, sandbox acquisition through the provider
// registry, file push, build, start, preview resolution, terminal state.
//
// A sandbox handle is owned by the Deploy invocation that acquired it; the
// only handle that outlives Deploy is the one parked in the warm set with
// a keepalive ticker attached.
type Orchestrator struct {
	cfg      *config.Config
	registry *provider.Registry
	states   deploy.Store
	repo     repository.ISandboxRepository
	metrics  *metrics.Manager

	mu   sync.Mutex
	warm map[string]*warmSession
}

// warmSession is a handle kept alive between deployments of one project.
type warmSession struct {
	sb     provider.Sandbox
	cancel context.CancelFunc
}

func NewOrchestrator(cfg *config.Config, registry *provider.Registry, states deploy.Store, repo repository.ISandboxRepository, metricsManager *metrics.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		states:   states,
		repo:     repo,
		metrics:  metricsManager,
		warm:     make(map[string]*warmSession),
	}
}

// Deploy builds and publishes the project's files into a sandbox. Returns
// deploy.ErrConflict unchanged when a pipeline is already in flight for
// this project.
func (o *Orchestrator) Deploy(ctx context.Context, projectID string, req model.DeployRequest) (*model.DeployResponse, error) {
	if _, err := o.states.Apply(ctx, projectID, deploy.EventRequest, ""); err != nil {
		if errors.Is(err, deploy.ErrConflict) && o.metrics != nil {
			o.metrics.ObserveConflict()
		}
		return nil, err
	}

	start := time.Now()
	deploymentID := uuid.NewString()
	log.Printf("[deploy] %s: admitted deployment %s (%d files)", projectID, deploymentID, len(req.Files))

	files, err := decodeFiles(req.Files)
	if err != nil {
		cause := fmt.Errorf("%w: %w", ErrInvalidFiles, err)
		o.finishFailed(ctx, projectID, "", start, cause)
		return nil, cause
	}

	prov, err := o.registry.Pick(req.Provider)
	if err != nil {
		o.finishFailed(ctx, projectID, "", start, err)
		return nil, err
	}

	sb, fresh, err := o.acquire(ctx, prov, projectID, req)
	if err != nil {
		o.finishFailed(ctx, projectID, prov.Name(), start, err)
		return nil, err
	}

	resp, err := o.runPipeline(ctx, projectID, deploymentID, prov, sb, files, req)
	if err != nil && errors.Is(err, provider.ErrSandboxNotFound) && !fresh {
		// The recorded sandbox expired under us mid-build. One fresh
		// provision, full file rewrite, then give up. Nothing written to
		// the old sandbox is assumed to survive.
		log.Printf("[deploy] %s: sandbox %s vanished mid-build, re-provisioning once", projectID, sb.ID())
		o.dropWarm(projectID, nil)
		sb, err = o.createSandbox(ctx, prov, projectID, req)
		if err == nil {
			resp, err = o.runPipeline(ctx, projectID, deploymentID, prov, sb, files, req)
		}
	}
	if err != nil {
		o.finishFailed(ctx, projectID, prov.Name(), start, err)
		return nil, err
	}

	if _, applyErr := o.states.Apply(ctx, projectID, deploy.EventSucceed, ""); applyErr != nil {
		// The pipeline itself succeeded; a ledger write failure here is
		// an operational fault, not a deploy failure.
		log.Printf("[deploy] %s: state write failed after successful deploy: %v", projectID, applyErr)
	}

	keepWarm := o.cfg.Deploy.KeepWarm
	if req.KeepWarm != nil {
		keepWarm = *req.KeepWarm
	}
	if keepWarm {
		o.parkWarm(projectID, sb)
	}

	if o.metrics != nil {
		o.metrics.ObserveDeployment("deployed", prov.Name(), time.Since(start))
	}
	resp.DurationMs = time.Since(start).Milliseconds()
	resp.State = string(deploy.StateDeployed)
	log.Printf("[deploy] %s: deployed on %s (%s) in %s", projectID, sb.ID(), prov.Name(), time.Since(start).Round(time.Millisecond))
	return resp, nil
}

// runPipeline pushes files and runs the build and start commands against
// one sandbox. Called at most twice per Deploy (original + one
// re-provision).
func (o *Orchestrator) runPipeline(ctx context.Context, projectID, deploymentID string, prov provider.Provider, sb provider.Sandbox, files []provider.File, req model.DeployRequest) (*model.DeployResponse, error) {
	if len(req.EnvVars) > 0 {
		if err := sb.SetEnvVars(ctx, req.EnvVars); err != nil {
			return nil, fmt.Errorf("setting env vars: %w", err)
		}
	}

	batch, err := sb.WriteFiles(ctx, files)
	if o.metrics != nil {
		o.metrics.ObserveSandboxOp(prov.Name(), "write_files", err)
	}
	if err != nil {
		return nil, fmt.Errorf("pushing files: %w", err)
	}
	if batch.Failed > 0 {
		return nil, fmt.Errorf("pushing files: %d of %d failed, first: %w", batch.Failed, len(files), batch.FirstError())
	}

	// Files are in place; the blocking preparation phase is over. On the
	// re-provision retry the ledger already reads deploying.
	if err := o.markDeploying(ctx, projectID); err != nil {
		return nil, fmt.Errorf("advancing state: %w", err)
	}

	port := req.Port
	if port <= 0 {
		port = o.cfg.Deploy.Port
	}

	buildCmd := req.BuildCommand
	if buildCmd == "" {
		buildCmd = o.cfg.Deploy.BuildCommand
	}
	buildTimeout := time.Duration(o.cfg.Deploy.BuildTimeoutSec) * time.Second
	if _, err := sb.ExecuteCommand(ctx, buildCmd, provider.CommandOptions{Cwd: "/app", Timeout: buildTimeout}); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	startCmd := req.StartCommand
	if startCmd == "" {
		startCmd = o.cfg.Deploy.StartCommand
	}
	startCmd = strings.ReplaceAll(startCmd, "{port}", strconv.Itoa(port))
	// The app server must outlive this call; detach it and let the log
	// land next to the app.
	detached := fmt.Sprintf("nohup %s > /tmp/appforge-app.log 2>&1 &", startCmd)
	if _, err := sb.ExecuteCommand(ctx, detached, provider.CommandOptions{Cwd: "/app", Timeout: 30 * time.Second}); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	preview, err := sb.PreviewInfo(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("resolving preview: %w", err)
	}

	rec := &model.SandboxRecord{
		SandboxID:  sb.ID(),
		ProjectID:  projectID,
		Provider:   prov.Name(),
		TemplateID: req.TemplateID,
		CPU:        req.CPU,
		Mem:        req.Mem,
		Status:     provider.StatusRunning,
		PreviewURL: preview.URL,
		EnvVars:    req.EnvVars,
	}
	if err := o.repo.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording sandbox: %w", err)
	}

	return &model.DeployResponse{
		ProjectID:    projectID,
		DeploymentID: deploymentID,
		SandboxID:    sb.ID(),
		Provider:     prov.Name(),
		PreviewURL:   preview.URL,
		PreviewToken: preview.Token,
	}, nil
}

// acquire returns a handle for the project: the parked warm handle, a
// reconnect/resume of the recorded sandbox, or a fresh create. fresh
// reports whether the handle came from a new provision (and therefore no
// re-provision retry is owed).
func (o *Orchestrator) acquire(ctx context.Context, prov provider.Provider, projectID string, req model.DeployRequest) (sb provider.Sandbox, fresh bool, err error) {
	if warm := o.takeWarm(projectID); warm != nil {
		if warm.ProviderName() == prov.Name() {
			return warm, false, nil
		}
		// Provider switched; the old sandbox is now orphaned, clean it up.
		res := warm.Terminate(ctx, provider.TerminationOptions{})
		if res.Err != nil {
			log.Printf("[deploy] %s: releasing old sandbox %s: %v", projectID, warm.ID(), res.Err)
		}
	}

	rec, repoErr := o.repo.FindByProject(ctx, projectID)
	if repoErr != nil {
		return nil, false, fmt.Errorf("looking up sandbox record: %w", repoErr)
	}
	if rec != nil && rec.Provider == prov.Name() {
		opts := provider.ConnectOptions{Timeout: 30 * time.Second}
		if sb, err := prov.Connect(ctx, rec.SandboxID, opts); err == nil {
			return sb, false, nil
		}
		if sb, err := prov.Resume(ctx, rec.SandboxID, opts); err == nil {
			return sb, false, nil
		}
		log.Printf("[deploy] %s: recorded sandbox %s not reusable, provisioning fresh", projectID, rec.SandboxID)
	}

	sb, err = o.createSandbox(ctx, prov, projectID, req)
	return sb, true, err
}

func (o *Orchestrator) createSandbox(ctx context.Context, prov provider.Provider, projectID string, req model.DeployRequest) (provider.Sandbox, error) {
	cfg := provider.SandboxConfig{
		TemplateID: req.TemplateID,
		VCPUs:      req.CPU,
		MemoryMB:   req.Mem,
		Metadata:   map[string]string{"project": projectID},
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = o.cfg.Deploy.DefaultVCPUs
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = o.cfg.Deploy.DefaultMemoryMB
	}

	sb, err := prov.Create(ctx, cfg)
	if o.metrics != nil {
		o.metrics.ObserveSandboxOp(prov.Name(), "create", err)
	}
	if err != nil {
		return nil, fmt.Errorf("provisioning sandbox: %w", err)
	}
	if o.metrics != nil {
		o.metrics.SandboxStarted(prov.Name())
	}
	return sb, nil
}

// Rollback returns the project to idle and releases its sandbox. Cleanup
// failures are logged, not returned: termination is safe to call from any
// cleanup path and must not leak into the caller's error flow.
func (o *Orchestrator) Rollback(ctx context.Context, projectID string) error {
	if _, err := o.states.Apply(ctx, projectID, deploy.EventRollback, ""); err != nil {
		return err
	}
	o.dropWarm(projectID, nil)

	rec, err := o.repo.FindByProject(ctx, projectID)
	if err != nil || rec == nil {
		return nil
	}
	if prov, pickErr := o.registry.Get(rec.Provider); pickErr == nil {
		res := prov.Terminate(ctx, rec.SandboxID, provider.TerminationOptions{})
		if res.Err != nil {
			log.Printf("[deploy] %s: rollback cleanup of %s: %v", projectID, rec.SandboxID, res.Err)
		} else if o.metrics != nil {
			o.metrics.SandboxStopped(rec.Provider)
		}
	}
	if err := o.repo.Delete(ctx, rec.SandboxID); err != nil {
		log.Printf("[deploy] %s: deleting sandbox record %s: %v", projectID, rec.SandboxID, err)
	}
	return nil
}

// Status reports the project's ledger entry plus the recorded preview URL.
func (o *Orchestrator) Status(ctx context.Context, projectID string) (model.DeploymentView, error) {
	rec, err := o.states.Get(ctx, projectID)
	if err != nil {
		return model.DeploymentView{}, err
	}
	view := model.DeploymentView{
		ProjectID: projectID,
		State:     string(rec.State),
		Ready:     !rec.State.Blocking(),
		UpdatedAt: rec.UpdatedAt,
		LastError: rec.LastError,
	}
	if sbRec, repoErr := o.repo.FindByProject(ctx, projectID); repoErr == nil && sbRec != nil {
		view.PreviewURL = sbRec.PreviewURL
	}
	return view, nil
}

// Shutdown stops the keepalive tickers. Warm sandboxes are left running:
// they expire backend-side, and a restarted server resumes them from the
// records.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for projectID, ws := range o.warm {
		ws.cancel()
		delete(o.warm, projectID)
	}
}

// markDeploying advances the ledger out of preparing. Admission gives the
// running pipeline exclusive ownership of the project's entry, so reading
// then applying is not racy here. A no-op when already deploying.
func (o *Orchestrator) markDeploying(ctx context.Context, projectID string) error {
	rec, err := o.states.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if rec.State != deploy.StatePreparing {
		return nil
	}
	_, err = o.states.Apply(ctx, projectID, deploy.EventPrepared, "")
	return err
}

// finishFailed records the terminal failed state. The ledger has no
// preparing to failed edge, so a preparation failure is walked through
// deploying first; the rest of the system only ever observes failures as
// deploying to failed.
func (o *Orchestrator) finishFailed(ctx context.Context, projectID, providerName string, start time.Time, cause error) {
	if err := o.markDeploying(ctx, projectID); err != nil {
		log.Printf("[deploy] %s: state advance during failure: %v", projectID, err)
	}
	if _, err := o.states.Apply(ctx, projectID, deploy.EventFail, cause.Error()); err != nil {
		log.Printf("[deploy] %s: recording failure: %v", projectID, err)
	}
	if o.metrics != nil {
		o.metrics.ObserveDeployment("failed", providerName, time.Since(start))
	}
	log.Printf("[deploy] %s: failed after %s: %v", projectID, time.Since(start).Round(time.Millisecond), cause)
}

// parkWarm holds the handle between deployments and keeps the backend
// expiry timer reset.
func (o *Orchestrator) parkWarm(projectID string, sb provider.Sandbox) {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &warmSession{sb: sb, cancel: cancel}

	o.mu.Lock()
	if old, ok := o.warm[projectID]; ok {
		old.cancel()
	}
	o.warm[projectID] = ws
	o.mu.Unlock()

	interval := time.Duration(o.cfg.Deploy.KeepAliveIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(config.DefaultKeepAliveIntervalSec) * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
				err := sb.KeepAlive(pingCtx)
				pingCancel()
				if o.metrics != nil {
					o.metrics.ObserveKeepalive(sb.ProviderName(), err)
				}
				if err != nil {
					// An expired sandbox stops answering; drop the warm
					// slot and let the next deploy re-provision.
					log.Printf("[keepalive] %s: sandbox %s: %v", projectID, sb.ID(), err)
					if errors.Is(err, provider.ErrSandboxNotFound) {
						o.dropWarm(projectID, ws)
						return
					}
				}
			}
		}
	}()
}

// takeWarm removes and returns the project's warm handle, stopping its
// keepalive ticker. Ownership passes to the caller.
func (o *Orchestrator) takeWarm(projectID string) provider.Sandbox {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws, ok := o.warm[projectID]
	if !ok {
		return nil
	}
	ws.cancel()
	delete(o.warm, projectID)
	return ws.sb
}

// dropWarm releases the project's warm slot. With a non-nil only the
// slot is dropped just when it still holds that session: a keepalive
// goroutine noticing its sandbox expired must not tear down a newer
// session parked after it was replaced.
func (o *Orchestrator) dropWarm(projectID string, only *warmSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws, ok := o.warm[projectID]
	if !ok {
		return
	}
	if only != nil && ws != only {
		return
	}
	ws.cancel()
	delete(o.warm, projectID)
}

// decodeFiles converts API file payloads into provider writes.
func decodeFiles(in []model.ProjectFile) ([]provider.File, error) {
	out := make([]provider.File, 0, len(in))
	for _, f := range in {
		if f.Path == "" {
			return nil, fmt.Errorf("file with empty path")
		}
		var content []byte
		switch f.Encoding {
		case "", "utf8":
			content = []byte(f.Content)
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return nil, fmt.Errorf("file %s: %w", f.Path, err)
			}
			content = decoded
		default:
			return nil, fmt.Errorf("file %s: unknown encoding %q", f.Path, f.Encoding)
		}
		out = append(out, provider.File{Path: f.Path, Content: content, Mode: f.Mode})
	}
	return out, nil
}
