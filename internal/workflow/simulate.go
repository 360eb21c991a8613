package workflow

import (
	"context"
	"crypto/rand"
	"fmt"

	"astraops/internal/job"
	"astraops/internal/phase"
	"astraops/pkg/backoff"
)

// simulation replays a scripted deployment timeline without touching any
// tool or cloud API. It emits the same kinds of structured entries and raw
// lines a real deployment does, so clients can be exercised cheaply.
type simulation struct {
	o    *Orchestrator
	step func(ctx context.Context) error
}

func (o *Orchestrator) simulation() *simulation {
	return &simulation{
		o: o,
		step: func(ctx context.Context) error {
			return backoff.Sleep(ctx, o.simStep)
		},
	}
}

// script is one scripted line: a structured entry when level is set,
// otherwise a raw line.
type script struct {
	level job.Level
	text  string
}

func info(format string, args ...any) script {
	return script{level: job.LevelInfo, text: fmt.Sprintf(format, args...)}
}

func done(format string, args ...any) script {
	return script{level: job.LevelSuccess, text: fmt.Sprintf(format, args...)}
}

func raw(source, format string, args ...any) script {
	return script{text: "[" + source + "] " + fmt.Sprintf(format, args...)}
}

func (s *simulation) play(ctx context.Context, x *execution, p job.Phase, lines []script) phase.Outcome {
	for _, l := range lines {
		if err := s.step(ctx); err != nil {
			msg := "Simulation interrupted"
			s.o.store.AppendLog(x.job.ID, job.LogEntry{Phase: string(p), Level: job.LevelError, Message: msg})
			return phase.Outcome{Detail: msg}
		}
		if l.level == "" {
			s.o.store.AppendRaw(x.job.ID, l.text)
			continue
		}
		s.o.store.AppendLog(x.job.ID, job.LogEntry{Phase: string(p), Level: l.level, Message: l.text})
	}
	return phase.Outcome{Success: true}
}

func (s *simulation) auth(ctx context.Context, x *execution) phase.Outcome {
	req := x.job.Request
	return s.play(ctx, x, job.PhaseAuth, []script{
		info("Assuming role %s", req.RoleArn),
		raw("aws", `{"Account": "%s", "Arn": "%s"}`, req.AccountID, req.RoleArn),
		done("Authenticated as %s (simulated)", req.RoleArn),
	})
}

func (s *simulation) infrastructure(ctx context.Context, x *execution) phase.Outcome {
	req := x.job.Request
	return s.play(ctx, x, job.PhaseInfrastructure, []script{
		info("Preparing state bucket astraops-tfstate-%s", req.AccountID),
		raw("terraform", "Initializing the backend..."),
		raw("terraform", "Terraform has been successfully initialized!"),
		info("Planning infrastructure for %s", req.ClusterName()),
		raw("terraform", "Plan: 24 to add, 0 to change, 0 to destroy."),
		info("Applying infrastructure changes"),
		raw("terraform", "module.eks.aws_eks_cluster.this[0]: Creation complete after 9m12s"),
		raw("terraform", "Apply complete! Resources: 24 added, 0 changed, 0 destroyed."),
		done("Infrastructure ready"),
	})
}

func (s *simulation) application(ctx context.Context, x *execution) phase.Outcome {
	req := x.job.Request
	ns := req.Namespace()

	lines := []script{
		info("Waiting for cluster %s to become active", req.ClusterName()),
		info("Applying manifests to namespace %s", ns),
		raw("kubectl", "namespace/%s serverside-applied", ns),
	}
	var services []job.ServiceSpec
	if req.AstraopsConfig != nil {
		services = req.AstraopsConfig.Services
	}
	for _, svc := range services {
		lines = append(lines,
			raw("kubectl", "deployment.apps/%s serverside-applied", svc.Name),
			raw("kubectl", "service/%s serverside-applied", svc.Name),
		)
	}
	lines = append(lines, info("Waiting for workloads to become available"))
	for _, svc := range services {
		lines = append(lines, raw("kubectl", "deployment.apps/%s condition met", svc.Name))
	}
	if len(services) > 0 {
		lines = append(lines, done("Service %s available at %s", services[0].Name, simulatedEndpoint(req, services[0])))
	}
	lines = append(lines, done("Application %s deployed", req.ApplicationName()))

	return s.play(ctx, x, job.PhaseApplication, lines)
}

func simulatedEndpoint(req job.Request, svc job.ServiceSpec) string {
	host := fmt.Sprintf("%s-sim.%s.elb.amazonaws.com", req.ApplicationName(), req.Region)
	if svc.Port == 80 {
		return "http://" + host
	}
	return fmt.Sprintf("http://%s:%d", host, svc.Port)
}

// monitoring fakes a monitoring installation on a simulated deployment.
func (s *simulation) monitoring(ctx context.Context, j job.Job) (phase.Dashboard, phase.Outcome) {
	x := &execution{job: j}
	host := fmt.Sprintf("%s-grafana-sim.%s.elb.amazonaws.com", j.Request.ApplicationName(), j.Request.Region)
	out := s.play(ctx, x, "monitoring", []script{
		info("Installing monitoring stack"),
		raw("helm", `Release "kube-prometheus-stack" has been upgraded. Happy Helming!`),
		done("Grafana available at http://%s", host),
	})
	if !out.Success {
		return phase.Dashboard{}, out
	}
	return phase.Dashboard{
		URL:      "http://" + host,
		Username: phase.DashboardUser,
		Password: rand.Text(),
	}, out
}
