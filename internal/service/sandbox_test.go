package service

import (
	"context"
	"errors"
	"testing"

	"appforge/internal/config"
	"appforge/internal/model"
	"appforge/internal/provider"
)

func testSandboxService(t *testing.T, backend *fakeBackend) (*SandboxService, *fakeSandboxRepo, *config.Config) {
	t.Helper()
	cfg := config.New()
	factories := map[string]provider.Factory{
		"fake": func() provider.Provider { return backend },
	}
	registry, err := provider.NewRegistry(context.Background(), factories, []provider.ProviderConfig{{Name: "fake"}})
	if err != nil {
		t.Fatal(err)
	}
	repo := newFakeSandboxRepo()
	return NewSandboxService(cfg, registry, repo, nil), repo, cfg
}

func seedSandbox(t *testing.T, backend *fakeBackend, repo *fakeSandboxRepo, projectID, sandboxID string) *fakeSandbox {
	t.Helper()
	sb := newFakeSandbox(sandboxID)
	backend.sandboxes[sandboxID] = sb
	if err := repo.Upsert(context.Background(), &model.SandboxRecord{
		ProjectID: projectID,
		SandboxID: sandboxID,
		Provider:  "fake",
		Status:    provider.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}
	return sb
}

func TestSandboxServiceExec(t *testing.T) {
	backend := newFakeBackend()
	svc, repo, _ := testSandboxService(t, backend)
	seedSandbox(t, backend, repo, "p1", "sb-1")

	resp, err := svc.Exec(context.Background(), "sb-1", model.ExecRequest{Command: "ls /app"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ExitCode != 0 || resp.Stdout != "ok" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSandboxServiceExecNonzeroExit(t *testing.T) {
	backend := newFakeBackend()
	svc, repo, _ := testSandboxService(t, backend)
	sb := seedSandbox(t, backend, repo, "p1", "sb-1")
	sb.execErr = &provider.CommandError{Command: "false", ExitCode: 1, Stderr: "nope"}

	resp, err := svc.Exec(context.Background(), "sb-1", model.ExecRequest{Command: "false"})
	if err != nil {
		t.Fatalf("nonzero exit is a result, not an error: %v", err)
	}
	if resp.ExitCode == 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSandboxServiceExecUnknownSandbox(t *testing.T) {
	backend := newFakeBackend()
	svc, _, _ := testSandboxService(t, backend)

	_, err := svc.Exec(context.Background(), "ghost", model.ExecRequest{Command: "ls"})
	if !errors.Is(err, provider.ErrSandboxNotFound) {
		t.Fatalf("want ErrSandboxNotFound, got %v", err)
	}
}

func TestSandboxServiceTerminateIdempotent(t *testing.T) {
	backend := newFakeBackend()
	svc, repo, _ := testSandboxService(t, backend)
	seedSandbox(t, backend, repo, "p1", "sb-1")

	if err := svc.Terminate(context.Background(), "sb-1"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := repo.FindBySandboxID(context.Background(), "sb-1"); rec != nil {
		t.Fatal("record should be deleted")
	}
	// No record left: terminating again is a no-op success.
	if err := svc.Terminate(context.Background(), "sb-1"); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestSandboxServiceGetReportsStoppedForVanished(t *testing.T) {
	backend := newFakeBackend()
	svc, repo, _ := testSandboxService(t, backend)
	seedSandbox(t, backend, repo, "p1", "sb-1")
	delete(backend.sandboxes, "sb-1")

	rec, err := svc.Get(context.Background(), "sb-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != provider.StatusStopped {
		t.Fatalf("status = %s, want stopped", rec.Status)
	}
}

func TestSandboxServiceRefreshStatuses(t *testing.T) {
	backend := newFakeBackend()
	svc, repo, _ := testSandboxService(t, backend)
	seedSandbox(t, backend, repo, "p1", "sb-live")
	seedSandbox(t, backend, repo, "p2", "sb-dead")
	delete(backend.sandboxes, "sb-dead")

	if err := svc.RefreshStatuses(context.Background()); err != nil {
		t.Fatal(err)
	}

	live, _ := repo.FindBySandboxID(context.Background(), "sb-live")
	if live.Status != provider.StatusRunning {
		t.Fatalf("live status = %s", live.Status)
	}
	dead, _ := repo.FindBySandboxID(context.Background(), "sb-dead")
	if dead.Status != provider.StatusStopped {
		t.Fatalf("dead status = %s", dead.Status)
	}
}

func TestSandboxServicePreview(t *testing.T) {
	backend := newFakeBackend()
	svc, repo, cfg := testSandboxService(t, backend)
	seedSandbox(t, backend, repo, "p1", "sb-1")

	resp, err := svc.Preview(context.Background(), "sb-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Port != cfg.Deploy.Port {
		t.Fatalf("port = %d, want configured default %d", resp.Port, cfg.Deploy.Port)
	}
	if resp.URL == "" || resp.Token == "" {
		t.Fatalf("resp = %+v", resp)
	}
}
