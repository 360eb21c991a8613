package phase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"astraops/internal/job"
	"astraops/internal/manifest"
	"astraops/pkg/backoff"
)

var errEndpointPending = errors.New("load balancer endpoint not yet assigned")

// Waiting reasons that warrant pulling pod logs into the diagnostics.
var unhealthyReasons = []string{"ImagePullBackOff", "ErrImagePull", "CrashLoopBackOff"}

// AppApply deploys the application workloads onto the cluster.
func (e *Executor) AppApply(ctx context.Context, j job.Job) Outcome {
	s := e.newStep(j, string(job.PhaseApplication))
	req := j.Request
	t := e.timing

	if !s.requireCredentials() {
		return s.fail("No AWS credentials available for this job; supply awsCredentials to deploy the application")
	}

	scratch, cleanup, err := s.scratch("app")
	if err != nil {
		return s.fail("Failed to prepare workspace: %s", describe(err))
	}
	defer cleanup()

	s.info("Waiting for cluster %s to become active", req.ClusterName())
	active, err := backoff.Poll(ctx, t.ClusterActiveAttempts, t.ClusterActiveInterval, func(int) bool {
		return s.clusterStatus(ctx) == clusterActive
	})
	if err != nil {
		return s.fail("Application deployment interrupted")
	}
	if !active {
		return s.fail("Cluster %s did not become active", req.ClusterName())
	}

	s.bestEffort("Waiting for node groups", func() error {
		return s.waitForNodeGroups(ctx)
	})

	kubeconfig := filepath.Join(scratch, "kubeconfig")
	s.info("Fetching cluster credentials")
	if err := s.updateKubeconfig(ctx, kubeconfig); err != nil {
		return s.fail("Failed to fetch cluster credentials after %d attempts: %s", t.KubeconfigAttempts, describe(err))
	}

	if t.PropagationDelay > 0 {
		s.info("Waiting %s for cluster access to propagate", t.PropagationDelay)
		if err := backoff.Sleep(ctx, t.PropagationDelay); err != nil {
			return s.fail("Application deployment interrupted")
		}
	}

	set, err := manifest.Render(filepath.Join(scratch, "manifests"), req.AstraopsConfig)
	if err != nil {
		return s.fail("Failed to render manifests: %s", describe(err))
	}
	ns := req.Namespace()

	s.info("Creating namespace %s", ns)
	if _, err := s.kubectl(ctx, kubeconfig, false, "apply", "-f", set.Namespace); err != nil {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Failed to create namespace %s: %s", ns, describe(err))
	}

	args := []string{"apply", "--server-side", "--force-conflicts"}
	for _, f := range set.Workloads {
		args = append(args, "-f", f)
	}
	s.info("Applying %d service manifests", len(set.Workloads))
	err = backoff.Retry(ctx, t.ApplyAttempts, t.ApplyInterval, func(attempt int) error {
		_, err := s.kubectl(ctx, kubeconfig, false, args...)
		if err != nil && attempt < t.ApplyAttempts {
			s.warn("Manifest apply failed (attempt %d/%d); retrying", attempt, t.ApplyAttempts)
		}
		return err
	})
	if err != nil {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Failed to apply manifests after %d attempts: %s", t.ApplyAttempts, describe(err))
	}

	s.info("Waiting for workloads to become available")
	if _, err := s.kubectl(ctx, kubeconfig, false,
		"wait", "--for=condition=available", "deployment", "--all",
		"-n", ns, fmt.Sprintf("--timeout=%ds", int(t.RolloutTimeout.Seconds()))); err != nil {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		s.warn("Workloads not available; collecting diagnostics")
		s.collectDiagnostics(ctx, kubeconfig, ns)
		return s.fail("Workloads did not become available within %s", t.RolloutTimeout)
	}
	s.success("All workloads available")

	s.bestEffort("Resolving public endpoint", func() error {
		host, err := s.loadBalancerHost(ctx, kubeconfig, ns, set.Exposed)
		if err != nil {
			return err
		}
		port := req.AstraopsConfig.Services[0].Port
		url := "http://" + host
		if port != 80 {
			url = fmt.Sprintf("http://%s:%d", host, port)
		}
		s.success("Service %s available at %s", set.Exposed, url)
		return nil
	})

	s.success("Application %s deployed", req.ApplicationName())
	return succeeded("application deployed")
}

func (s *step) waitForNodeGroups(ctx context.Context) error {
	t := s.e.timing
	req := s.job.Request
	res, err := s.exec(ctx, s.aws("eks", "list-nodegroups",
		"--cluster-name", req.ClusterName(),
		"--query", "nodegroups", "--output", "text"))
	if err != nil {
		return err
	}
	groups := strings.Fields(res.Output())
	if len(groups) == 0 {
		return errors.New("no node groups found")
	}

	for _, ng := range groups {
		active, err := backoff.Poll(ctx, t.NodeGroupAttempts, t.NodeGroupInterval, func(int) bool {
			res, err := s.exec(ctx, s.aws("eks", "describe-nodegroup",
				"--cluster-name", req.ClusterName(),
				"--nodegroup-name", ng,
				"--query", "nodegroup.status", "--output", "text"))
			return err == nil && strings.EqualFold(firstLine(res), clusterActive)
		})
		if err != nil {
			return err
		}
		if !active {
			return fmt.Errorf("node group %s is not active", ng)
		}
	}
	s.info("Node groups active: %s", strings.Join(groups, ", "))
	return nil
}

// collectDiagnostics streams cluster state that explains a failed rollout.
// Output goes to the raw channel; every command is best effort.
func (s *step) collectDiagnostics(ctx context.Context, kubeconfig, ns string) {
	for _, args := range [][]string{
		{"get", "all", "-n", ns},
		{"describe", "deployments", "-n", ns},
		{"get", "events", "-n", ns, "--sort-by=.lastTimestamp"},
	} {
		_, _ = s.kubectl(ctx, kubeconfig, false, args...)
	}

	res, err := s.kubectl(ctx, kubeconfig, true, "get", "pods", "-n", ns, "-o",
		`jsonpath={range .items[*]}{.metadata.name}{" "}{.status.containerStatuses[*].state.waiting.reason}{"\n"}{end}`)
	if err != nil {
		return
	}
	for _, line := range res.Stdout {
		fields := strings.Fields(line)
		if len(fields) < 2 || !hasUnhealthyReason(fields[1:]) {
			continue
		}
		s.warn("Pod %s is %s", fields[0], strings.Join(fields[1:], ", "))
		_, _ = s.kubectl(ctx, kubeconfig, false, "logs", fields[0], "-n", ns, "--all-containers", "--tail=50")
	}
}

func hasUnhealthyReason(reasons []string) bool {
	return slices.ContainsFunc(reasons, func(r string) bool {
		return slices.Contains(unhealthyReasons, r)
	})
}
