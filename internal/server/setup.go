package server

import (
	"context"
	"strconv"

	"appforge/internal/config"
	"appforge/internal/deploy"
	"appforge/internal/handler"
	"appforge/internal/metrics"
	"appforge/internal/provider"
	"appforge/internal/provider/e2b"
	"appforge/internal/provider/microvm"
	"appforge/internal/repository"
	"appforge/internal/service"

	"go.mongodb.org/mongo-driver/mongo"
)

// Repositories holds all data stores
type Repositories struct {
	Sandbox    repository.ISandboxRepository
	Deployment deploy.Store
}

func InitRepositories(ctx context.Context, db *mongo.Database) (*Repositories, error) {
	sandboxRepo := repository.NewSandboxRepository(db)
	if err := sandboxRepo.Init(ctx); err != nil {
		return nil, err
	}
	deploymentRepo := repository.NewDeploymentRepository(db)
	if err := deploymentRepo.Init(ctx); err != nil {
		return nil, err
	}
	return &Repositories{
		Sandbox:    sandboxRepo,
		Deployment: deploymentRepo,
	}, nil
}

// Services holds all business logic layers
type Services struct {
	Orchestrator *service.Orchestrator
	Sandbox      *service.SandboxService
	Metrics      *metrics.Manager
}

func InitServices(cfg *config.Config, registry *provider.Registry, repos *Repositories, metricsManager *metrics.Manager) *Services {
	return &Services{
		Orchestrator: service.NewOrchestrator(cfg, registry, repos.Deployment, repos.Sandbox, metricsManager),
		Sandbox:      service.NewSandboxService(cfg, registry, repos.Sandbox, metricsManager),
		Metrics:      metricsManager,
	}
}

// Handlers holds all HTTP handlers
type Handlers struct {
	Deploy  *handler.DeployHandler
	Sandbox *handler.SandboxHandler
	Version *handler.VersionHandler
}

func InitHandlers(services *Services) *Handlers {
	return &Handlers{
		Deploy:  handler.NewDeployHandler(services.Orchestrator),
		Sandbox: handler.NewSandboxHandler(services.Sandbox),
		Version: handler.NewVersionHandler(),
	}
}

// providerFactories maps adapter names to their constructors.
func providerFactories() map[string]provider.Factory {
	return map[string]provider.Factory{
		"e2b":     e2b.New,
		"microvm": microvm.New,
	}
}

// providerConfigs turns the configuration into registry entries. The
// configured default provider is placed first so the registry treats it as
// the default.
func providerConfigs(cfg *config.Config) []provider.ProviderConfig {
	var configs []provider.ProviderConfig

	if cfg.Providers.E2B.Enabled {
		configs = append(configs, provider.ProviderConfig{
			Name:     "e2b",
			APIKey:   cfg.Providers.E2B.APIKey,
			Endpoint: cfg.Providers.E2B.Domain,
			Extra: map[string]string{
				"template":    cfg.Providers.E2B.Template,
				"timeout_sec": strconv.Itoa(cfg.Providers.E2B.TimeoutSec),
			},
		})
	}
	if cfg.Providers.Microvm.Enabled {
		configs = append(configs, provider.ProviderConfig{
			Name:     "microvm",
			APIKey:   cfg.Providers.Microvm.Token,
			Endpoint: cfg.Providers.Microvm.Endpoint,
			Extra: map[string]string{
				"guest_cidr":     cfg.Providers.Microvm.GuestCIDR,
				"template":       cfg.Providers.Microvm.Template,
				"preview_domain": cfg.Providers.Microvm.PreviewDomain,
			},
		})
	}

	for i, pc := range configs {
		if pc.Name == cfg.Providers.Default && i != 0 {
			configs[0], configs[i] = configs[i], configs[0]
		}
	}
	return configs
}
