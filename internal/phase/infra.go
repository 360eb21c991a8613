package phase

import (
	"context"
	"path/filepath"

	"astraops/internal/cloud"
	"astraops/internal/job"
	"astraops/internal/runner"
)

// Terraform -detailed-exitcode results.
const (
	planNoChanges = 0
	planChanges   = 2
)

const (
	monitoringRelease   = "kube-prometheus-stack"
	monitoringNamespace = "monitoring"
)

// terraform holds per-run terraform settings.
type terraform struct {
	*step
	dataDir string
}

func (s *step) terraform(scratch string) *terraform {
	return &terraform{step: s, dataDir: filepath.Join(scratch, ".terraform")}
}

func (tf *terraform) run(ctx context.Context, args ...string) (runner.Result, error) {
	return tf.step.run(ctx, runner.Command{
		Name: "terraform",
		Args: args,
		Dir:  tf.e.terraformDir,
		Env: tf.env(map[string]string{
			"TF_IN_AUTOMATION": "1",
			"TF_INPUT":         "0",
			"TF_DATA_DIR":      tf.dataDir,
		}),
	})
}

func (tf *terraform) vars() []string {
	req := tf.job.Request
	return []string{
		"-var=account_id=" + req.AccountID,
		"-var=region=" + req.Region,
		"-var=app_name=" + req.ApplicationName(),
		"-var=cluster_name=" + req.ClusterName(),
	}
}

func (tf *terraform) available(ctx context.Context) bool {
	res, err := tf.run(ctx, "version")
	return err == nil && res.Success()
}

func (tf *terraform) init(ctx context.Context) (runner.Result, error) {
	req := tf.job.Request
	return tf.run(ctx, "init", "-input=false", "-reconfigure",
		"-backend-config=bucket="+cloud.BucketName(req.AccountID),
		"-backend-config=key="+cloud.StateKey(req.AccountID),
		"-backend-config=region="+req.Region,
		"-backend-config=encrypt=true",
	)
}

// InfraApply provisions or updates the cluster infrastructure.
func (e *Executor) InfraApply(ctx context.Context, j job.Job) Outcome {
	s := e.newStep(j, string(job.PhaseInfrastructure))
	req := j.Request

	if !s.requireCredentials() {
		return s.fail("No AWS credentials available for this job; supply awsCredentials to provision infrastructure")
	}

	scratch, cleanup, err := s.scratch("terraform")
	if err != nil {
		return s.fail("Failed to prepare workspace: %s", describe(err))
	}
	defer cleanup()
	tf := s.terraform(scratch)

	s.info("Checking Terraform availability")
	if !tf.available(ctx) {
		return s.fail("Terraform is not available on this runner")
	}

	bucket := cloud.BucketName(req.AccountID)
	created, err := e.state.Ensure(ctx, s.creds, req.Region, req.AccountID)
	if err != nil {
		return s.fail("Failed to prepare remote state bucket %s: %s", bucket, cloud.Describe(err))
	}
	if created {
		s.info("Created remote state bucket %s", bucket)
	} else {
		s.info("Using remote state bucket %s", bucket)
	}

	s.info("Initializing Terraform backend")
	if res, err := tf.init(ctx); err != nil || !res.Success() {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Terraform init failed")
	}

	if ok, err := s.waitForClusterUpdates(ctx); err != nil {
		return s.fail("Infrastructure setup interrupted")
	} else if !ok {
		s.warn("Cluster is still updating after %d checks; continuing", e.timing.UpdateWaitAttempts)
	}

	planFile := filepath.Join(scratch, "tfplan")
	s.info("Planning infrastructure changes")
	plan, err := tf.run(ctx, append([]string{"plan", "-input=false", "-detailed-exitcode", "-out=" + planFile}, tf.vars()...)...)
	if err != nil {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Terraform plan could not run: %s", describe(err))
	}

	switch plan.ExitCode {
	case planNoChanges:
		status := s.clusterStatus(ctx)
		if status == clusterActive {
			s.success("Infrastructure is up to date; cluster %s is ACTIVE", req.ClusterName())
			return skipped("infrastructure up to date")
		}
		if status == "" {
			status = "unreachable"
		}
		return s.fail("Terraform reports no changes but cluster %s is %s; infrastructure unhealthy", req.ClusterName(), status)
	case planChanges:
		s.info("Infrastructure changes pending")
	default:
		return s.fail("Terraform plan failed (exit code %d)", plan.ExitCode)
	}

	alias := "alias/eks/" + req.ClusterName()
	s.bestEffort("Removing stale KMS alias "+alias, func() error {
		_, err := s.exec(ctx, s.aws("kms", "delete-alias", "--alias-name", alias))
		return err
	})

	s.info("Applying infrastructure changes")
	res, err := tf.run(ctx, "apply", "-input=false", "-auto-approve", planFile)
	if err == nil && res.Success() {
		s.success("Infrastructure provisioned")
		return succeeded("infrastructure provisioned")
	}
	if out, stop := s.interrupted(ctx); stop {
		return out
	}

	s.warn("Terraform apply failed; waiting for in-flight cluster updates before retrying once")
	if _, err := s.waitForClusterUpdates(ctx); err != nil {
		return s.fail("Infrastructure setup interrupted")
	}

	// The saved plan is stale after a failed apply.
	res, err = tf.run(ctx, append([]string{"apply", "-input=false", "-auto-approve"}, tf.vars()...)...)
	if err != nil || !res.Success() {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Terraform apply failed after retry")
	}
	s.success("Infrastructure provisioned after retry")
	return succeeded("infrastructure provisioned")
}

// InfraDestroy tears the infrastructure down and removes the state bucket.
func (e *Executor) InfraDestroy(ctx context.Context, j job.Job) Outcome {
	s := e.newStep(j, string(job.PhaseInfrastructure))
	req := j.Request

	if !s.requireCredentials() {
		return s.fail("No AWS credentials available for this job; supply awsCredentials to destroy infrastructure")
	}

	scratch, cleanup, err := s.scratch("terraform")
	if err != nil {
		return s.fail("Failed to prepare workspace: %s", describe(err))
	}
	defer cleanup()
	tf := s.terraform(scratch)

	s.info("Checking Terraform availability")
	if !tf.available(ctx) {
		return s.fail("Terraform is not available on this runner")
	}

	s.info("Initializing Terraform backend")
	if res, err := tf.init(ctx); err != nil || !res.Success() {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Terraform init failed")
	}

	s.removeDependents(ctx, scratch)

	s.info("Destroying infrastructure")
	res, err := tf.run(ctx, append([]string{"destroy", "-input=false", "-auto-approve"}, tf.vars()...)...)
	if err != nil || !res.Success() {
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		return s.fail("Terraform destroy failed")
	}

	bucket := cloud.BucketName(req.AccountID)
	s.bestEffort("Removing remote state bucket "+bucket, func() error {
		n, err := e.state.Purge(ctx, s.creds, req.Region, req.AccountID)
		if err != nil {
			return err
		}
		s.info("Removed remote state bucket %s (%d object versions)", bucket, n)
		return nil
	})

	s.success("Infrastructure destroyed")
	return succeeded("infrastructure destroyed")
}

// removeDependents deletes in-cluster resources that would otherwise hold
// cloud resources (load balancers, volumes) and block the destroy. Every
// failure is swallowed.
func (s *step) removeDependents(ctx context.Context, scratch string) {
	kubeconfig := filepath.Join(scratch, "kubeconfig")
	if !s.bestEffort("Fetching cluster credentials for cleanup", func() error {
		return s.updateKubeconfig(ctx, kubeconfig)
	}) {
		return
	}

	ns := s.job.Request.Namespace()
	s.info("Removing application namespace %s", ns)
	s.bestEffort("Deleting namespace "+ns, func() error {
		_, err := s.kubectl(ctx, kubeconfig, false, "delete", "namespace", ns, "--ignore-not-found", "--wait=true", "--timeout=5m")
		return err
	})
	s.bestEffort("Uninstalling monitoring release", func() error {
		_, err := s.exec(ctx, runner.Command{
			Name: "helm",
			Args: []string{"uninstall", monitoringRelease, "-n", monitoringNamespace, "--ignore-not-found", "--wait"},
			Env:  s.env(map[string]string{"KUBECONFIG": kubeconfig}),
		})
		return err
	})
	s.bestEffort("Deleting namespace "+monitoringNamespace, func() error {
		_, err := s.kubectl(ctx, kubeconfig, false, "delete", "namespace", monitoringNamespace, "--ignore-not-found", "--wait=true", "--timeout=5m")
		return err
	})
}
