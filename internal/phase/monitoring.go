package phase

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astraops/internal/job"
	"astraops/internal/runner"
)

const (
	monitoringPhase   = "monitoring"
	monitoringRepo    = "prometheus-community"
	monitoringRepoURL = "https://prometheus-community.github.io/helm-charts"
	grafanaService    = monitoringRelease + "-grafana"
)

// DashboardUser is the fixed Grafana administrator.
const DashboardUser = "admin"

// Dashboard is the access information for a monitoring installation.
type Dashboard struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Monitoring installs or upgrades the monitoring stack on the job's cluster.
func (e *Executor) Monitoring(ctx context.Context, j job.Job) (Dashboard, Outcome) {
	s := e.newStep(j, monitoringPhase)

	if !s.requireCredentials() {
		return Dashboard{}, s.fail("No AWS credentials available; supply awsCredentials to set up monitoring")
	}

	scratch, cleanup, err := s.scratch("monitoring")
	if err != nil {
		return Dashboard{}, s.fail("Failed to prepare workspace: %s", describe(err))
	}
	defer cleanup()

	var dash Dashboard
	out := s.withKubeconfig(ctx, scratch, func(kubeconfig string) Outcome {
		var out Outcome
		dash, out = s.installMonitoring(ctx, kubeconfig)
		return out
	})
	if !out.Success {
		return Dashboard{}, out
	}
	return dash, out
}

// withKubeconfig fetches scoped cluster credentials into a file that is
// removed when fn returns, however it returns.
func (s *step) withKubeconfig(ctx context.Context, dir string, fn func(kubeconfig string) Outcome) Outcome {
	path := filepath.Join(dir, "kubeconfig-"+s.phase)
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove kubeconfig", "error", err)
		}
	}()

	s.info("Fetching cluster credentials")
	if err := s.updateKubeconfig(ctx, path); err != nil {
		return s.fail("Failed to fetch cluster credentials: %s", describe(err))
	}
	return fn(path)
}

func (s *step) installMonitoring(ctx context.Context, kubeconfig string) (Dashboard, Outcome) {
	password := rand.Text()
	mask := func(line string) string {
		return strings.ReplaceAll(runner.Redact(line), password, "********")
	}
	helm := func(args ...string) (runner.Result, error) {
		return s.exec(ctx, runner.Command{
			Name:      "helm",
			Args:      args,
			Env:       s.env(map[string]string{"KUBECONFIG": kubeconfig}),
			Transform: mask,
		})
	}

	s.bestEffort("Adding chart repository", func() error {
		_, err := helm("repo", "add", monitoringRepo, monitoringRepoURL, "--force-update")
		return err
	})
	s.bestEffort("Updating chart repositories", func() error {
		_, err := helm("repo", "update")
		return err
	})

	s.info("Installing %s into namespace %s", monitoringRelease, monitoringNamespace)
	if _, err := helm("upgrade", "--install", monitoringRelease, monitoringRepo+"/"+monitoringRelease,
		"--namespace", monitoringNamespace, "--create-namespace",
		"--set", "grafana.adminUser="+DashboardUser,
		"--set", "grafana.adminPassword="+password,
		"--set", "grafana.service.type=LoadBalancer",
		"--wait", fmt.Sprintf("--timeout=%ds", int(s.e.timing.MonitoringTimeout.Seconds())),
	); err != nil {
		if out, stop := s.interrupted(ctx); stop {
			return Dashboard{}, out
		}
		return Dashboard{}, s.fail("Helm install of %s failed: %s", monitoringRelease, describe(err))
	}

	// An existing release keeps its old admin secret; force ours.
	s.bestEffort("Resetting dashboard password", func() error {
		_, err := s.exec(ctx, runner.Command{
			Name: "kubectl",
			Args: []string{"exec", "-n", monitoringNamespace, "deploy/" + grafanaService, "-c", "grafana", "--",
				"grafana", "cli", "admin", "reset-admin-password", password},
			Env:       s.env(map[string]string{"KUBECONFIG": kubeconfig}),
			Transform: mask,
		})
		return err
	})

	s.info("Resolving dashboard endpoint")
	host, err := s.loadBalancerHost(ctx, kubeconfig, monitoringNamespace, grafanaService)
	if err != nil {
		if out, stop := s.interrupted(ctx); stop {
			return Dashboard{}, out
		}
		return Dashboard{}, s.fail("Dashboard endpoint not available: %s", describe(err))
	}

	dash := Dashboard{URL: "http://" + host, Username: DashboardUser, Password: password}
	s.success("Grafana available at %s", dash.URL)
	return dash, succeeded(dash.URL)
}
