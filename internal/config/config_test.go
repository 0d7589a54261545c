package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8791" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animaldetect.yaml")
	data := `
models_dir: /srv/models
model: boquilanet-gen
refresh_interval: 10
remote_timeout: 5s
conf_threshold: 0.3
server:
  port: 9000
engine:
  pool_size: 2
video:
  encoder: h264_nvenc
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANIMALDETECT_PORT", "9100")
	t.Setenv("ANIMALDETECT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Default()
	want.ModelsDir = "/srv/models"
	want.Model = "boquilanet-gen"
	want.RefreshInterval = 10
	want.RemoteTimeout = 5 * time.Second
	conf := float32(0.3)
	want.ConfThreshold = &conf
	want.Server.Port = 9100
	want.Log.Level = "debug"
	want.Engine.PoolSize = 2
	want.Video.Encoder = "h264_nvenc"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "bad yaml", file: "server: [1"},
		{name: "zero refresh", file: "refresh_interval: 0"},
		{name: "remote without url", file: "backend: remote"},
		{name: "unknown backend", file: "backend: grpc"},
		{name: "bad port env", env: map[string]string{"ANIMALDETECT_PORT": "http"}},
		{name: "port out of range", file: "server:\n  port: 70000"},
		{name: "threshold", file: "nms_threshold: 1.5"},
		{name: "negative threshold", file: "conf_threshold: -0.1"},
		{name: "bad timeout env", env: map[string]string{"ANIMALDETECT_REMOTE_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "c.yaml")
				if err := os.WriteFile(path, []byte(tt.file), 0644); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := Load(path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestRemoteBackendFromEnv(t *testing.T) {
	t.Setenv("ANIMALDETECT_BACKEND", "remote")
	t.Setenv("ANIMALDETECT_REMOTE_URL", "http://10.0.0.2:8791")
	t.Setenv("ANIMALDETECT_REMOTE_TIMEOUT", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "remote" || cfg.RemoteURL != "http://10.0.0.2:8791" || cfg.RemoteTimeout != 2*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestZeroThresholdIsAnOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("conf_threshold: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConfThreshold == nil || *cfg.ConfThreshold != 0 {
		t.Errorf("conf_threshold 0 lost: %v", cfg.ConfThreshold)
	}
	if cfg.NMSThreshold != nil {
		t.Errorf("unset nms_threshold became %v", *cfg.NMSThreshold)
	}
}
