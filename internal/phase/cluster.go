package phase

import (
	"context"
	"strings"

	"astraops/internal/runner"
	"astraops/pkg/backoff"
)

// Cluster statuses reported by EKS.
const (
	clusterActive   = "ACTIVE"
	clusterUpdating = "UPDATING"
)

// aws builds an AWS CLI command in the job's region. Output is captured.
func (s *step) aws(args ...string) runner.Command {
	return runner.Command{
		Name:    "aws",
		Args:    append(args, "--region", s.job.Request.Region),
		Env:     s.env(nil),
		Capture: true,
	}
}

// clusterStatus returns the EKS status of the job's cluster, or "" if it
// cannot be described (typically because it does not exist yet).
func (s *step) clusterStatus(ctx context.Context) string {
	res, err := s.run(ctx, s.aws("eks", "describe-cluster",
		"--name", s.job.Request.ClusterName(),
		"--query", "cluster.status",
		"--output", "text"))
	if err != nil || !res.Success() {
		return ""
	}
	return strings.ToUpper(firstLine(res))
}

// waitForClusterUpdates polls while an external update is in progress. It
// reports false when the cluster was still updating after every attempt.
func (s *step) waitForClusterUpdates(ctx context.Context) (bool, error) {
	t := s.e.timing
	announced := false
	return backoff.Poll(ctx, t.UpdateWaitAttempts, t.UpdateWaitInterval, func(attempt int) bool {
		if s.clusterStatus(ctx) != clusterUpdating {
			return true
		}
		if !announced {
			s.info("Cluster %s is updating; waiting for the update to finish", s.job.Request.ClusterName())
			announced = true
		}
		s.logger.Debug("Cluster still updating", "attempt", attempt)
		return false
	})
}

// updateKubeconfig writes short-lived cluster credentials to path.
func (s *step) updateKubeconfig(ctx context.Context, path string) error {
	t := s.e.timing
	return backoff.Retry(ctx, t.KubeconfigAttempts, t.KubeconfigInterval, func(attempt int) error {
		_, err := s.exec(ctx, s.aws("eks", "update-kubeconfig",
			"--name", s.job.Request.ClusterName(),
			"--kubeconfig", path))
		if err != nil && attempt < t.KubeconfigAttempts {
			s.warn("Cluster credentials not ready (attempt %d/%d): %s", attempt, t.KubeconfigAttempts, describe(err))
		}
		return err
	})
}

// kubectl runs kubectl against the kubeconfig at path.
func (s *step) kubectl(ctx context.Context, kubeconfig string, capture bool, args ...string) (runner.Result, error) {
	return s.exec(ctx, runner.Command{
		Name:    "kubectl",
		Args:    args,
		Env:     s.env(map[string]string{"KUBECONFIG": kubeconfig}),
		Capture: capture,
	})
}

// loadBalancerHost polls a service until its load balancer has a hostname.
func (s *step) loadBalancerHost(ctx context.Context, kubeconfig, namespace, service string) (string, error) {
	t := s.e.timing
	var host string
	ok, err := backoff.Poll(ctx, t.EndpointAttempts, t.EndpointInterval, func(int) bool {
		res, err := s.kubectl(ctx, kubeconfig, true,
			"get", "service", service, "-n", namespace,
			"-o", "jsonpath={.status.loadBalancer.ingress[0].hostname}")
		if err != nil {
			return false
		}
		host = firstLine(res)
		return host != ""
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errEndpointPending
	}
	return host, nil
}
