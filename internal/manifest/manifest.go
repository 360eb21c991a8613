// Package manifest renders an application topology into Kubernetes manifests.
package manifest

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"astraops/internal/job"
)

const (
	namespaceFile = "00-namespace.yaml"
	managedBy     = "astraops"
)

// Set is a rendered manifest directory.
type Set struct {
	Dir       string
	Namespace string   // path of the namespace manifest
	Workloads []string // paths of the per-service manifests, in service order
	// Exposed is the service reachable through a load balancer.
	Exposed string
}

// Render writes manifests for cfg into dir. The first service is exposed
// through a LoadBalancer; the rest get cluster-internal services.
func Render(dir string, cfg *job.AppConfig) (Set, error) {
	if cfg == nil || len(cfg.Services) == 0 {
		return Set{}, fmt.Errorf("no services to render")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Set{}, fmt.Errorf("failed to create manifest dir: %w", err)
	}

	ns := cfg.ApplicationName
	set := Set{
		Dir:       dir,
		Namespace: filepath.Join(dir, namespaceFile),
		Exposed:   cfg.Services[0].Name,
	}

	if err := writeDocs(set.Namespace, object{
		APIVersion: "v1",
		Kind:       "Namespace",
		Metadata:   objectMeta{Name: ns, Labels: map[string]string{"app.kubernetes.io/managed-by": managedBy}},
	}); err != nil {
		return Set{}, err
	}

	for i, svc := range cfg.Services {
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s.yaml", i+1, svc.Name))
		if err := writeDocs(path, workload(ns, cfg.ApplicationName, svc, i == 0)...); err != nil {
			return Set{}, err
		}
		set.Workloads = append(set.Workloads, path)
	}
	return set, nil
}

func workload(ns, app string, svc job.ServiceSpec, exposed bool) []any {
	labels := map[string]string{
		"app":                          svc.Name,
		"app.kubernetes.io/part-of":    app,
		"app.kubernetes.io/managed-by": managedBy,
	}
	selector := map[string]string{"app": svc.Name}

	container := containerSpec{
		Name:  svc.Name,
		Image: svc.Image,
		Ports: []portSpec{{ContainerPort: svc.Port}},
	}
	for _, k := range slices.Sorted(maps.Keys(svc.Environment)) {
		container.Env = append(container.Env, envVar{Name: k, Value: svc.Environment[k]})
	}

	var docs []any
	pod := podSpec{}
	if svc.Storage != nil {
		claim := svc.Name + "-data"
		docs = append(docs, object{
			APIVersion: "v1",
			Kind:       "PersistentVolumeClaim",
			Metadata:   objectMeta{Name: claim, Namespace: ns, Labels: labels},
			Spec: pvcSpec{
				AccessModes: []string{"ReadWriteOnce"},
				Resources:   pvcResources{Requests: map[string]string{"storage": svc.Storage.Size}},
			},
		})
		pod.Volumes = []volume{{Name: "data", PersistentVolumeClaim: claimName{ClaimName: claim}}}
		container.VolumeMounts = []volumeMount{{Name: "data", MountPath: svc.Storage.MountPath}}
	}
	pod.Containers = []containerSpec{container}

	docs = append(docs, object{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata:   objectMeta{Name: svc.Name, Namespace: ns, Labels: labels},
		Spec: deploymentSpec{
			Replicas: 1,
			Selector: labelSelector{MatchLabels: selector},
			Template: podTemplateSpec{
				Metadata: objectMeta{Name: svc.Name, Labels: labels},
				Spec:     pod,
			},
		},
	})

	serviceType := "ClusterIP"
	if exposed {
		serviceType = "LoadBalancer"
	}
	docs = append(docs, object{
		APIVersion: "v1",
		Kind:       "Service",
		Metadata:   objectMeta{Name: svc.Name, Namespace: ns, Labels: labels},
		Spec: serviceSpec{
			Type:     serviceType,
			Selector: selector,
			Ports:    []servicePort{{Port: svc.Port, TargetPort: svc.Port}},
		},
	})
	return docs
}

func writeDocs(path string, docs ...any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
