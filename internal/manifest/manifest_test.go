package manifest

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"astraops/internal/job"
)

func decodeAll(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []map[string]any
	for {
		var doc map[string]any
		if err := dec.Decode(&doc); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		docs = append(docs, doc)
	}
	return docs
}

func kinds(docs []map[string]any) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i], _ = d["kind"].(string)
	}
	return out
}

func TestRender(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "manifests")
	cfg := &job.AppConfig{
		ApplicationName: "shop",
		Services: []job.ServiceSpec{
			{Name: "web", Image: "nginx:1.27", Port: 80, Environment: map[string]string{"B": "2", "A": "1"}},
			{Name: "db", Image: "postgres:16", Port: 5432, Storage: &job.StorageSpec{Size: "10Gi", MountPath: "/var/lib/postgresql/data"}},
		},
	}

	set, err := Render(dir, cfg)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if set.Exposed != "web" {
		t.Errorf("expected first service exposed, got %s", set.Exposed)
	}
	if len(set.Workloads) != 2 {
		t.Fatalf("expected 2 workload files, got %d", len(set.Workloads))
	}

	ns := decodeAll(t, set.Namespace)
	if len(ns) != 1 || ns[0]["kind"] != "Namespace" {
		t.Fatalf("unexpected namespace manifest %v", ns)
	}
	if name := ns[0]["metadata"].(map[string]any)["name"]; name != "shop" {
		t.Errorf("expected namespace shop, got %v", name)
	}

	web := decodeAll(t, set.Workloads[0])
	if got := kinds(web); len(got) != 2 || got[0] != "Deployment" || got[1] != "Service" {
		t.Errorf("unexpected web kinds %v", got)
	}
	if typ := web[1]["spec"].(map[string]any)["type"]; typ != "LoadBalancer" {
		t.Errorf("expected LoadBalancer for first service, got %v", typ)
	}
	container := web[0]["spec"].(map[string]any)["template"].(map[string]any)["spec"].(map[string]any)["containers"].([]any)[0].(map[string]any)
	env := container["env"].([]any)
	if env[0].(map[string]any)["name"] != "A" {
		t.Errorf("expected sorted env, got %v", env)
	}

	db := decodeAll(t, set.Workloads[1])
	if got := kinds(db); len(got) != 3 || got[0] != "PersistentVolumeClaim" {
		t.Errorf("unexpected db kinds %v", got)
	}
	if typ := db[2]["spec"].(map[string]any)["type"]; typ != "ClusterIP" {
		t.Errorf("expected ClusterIP for internal service, got %v", typ)
	}
	if ns := db[1]["metadata"].(map[string]any)["namespace"]; ns != "shop" {
		t.Errorf("expected workload in namespace shop, got %v", ns)
	}
}

func TestRender_NoServices(t *testing.T) {
	t.Parallel()
	if _, err := Render(t.TempDir(), &job.AppConfig{ApplicationName: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
