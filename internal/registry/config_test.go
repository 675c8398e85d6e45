package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registries.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefault(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, DefaultConfig())
	assert.Equal(t, cfg.Registries[DefaultRegistry].Auth, "https://auth.docker.io/token")
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
registries:
  local:
    url: http://localhost:5000/v2/
    insecure: true
  docker:
    url: https://mirror.example.com/v2/
`)

	cfg, err := LoadConfig(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg.Registries, map[string]Endpoint{
		"local":  {Kind: KindDistribution, URL: "http://localhost:5000/v2/", Insecure: true},
		"docker": {Kind: KindDistribution, URL: "https://mirror.example.com/v2/"},
	})
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown kind", "registries:\n  s3:\n    kind: bucket\n    url: s3://images\n"},
		{"missing url", "registries:\n  local:\n    insecure: true\n"},
		{"malformed", "registries: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registries["local"] = Endpoint{Kind: KindDistribution, URL: "http://localhost:5000/v2/"}

	tests := []struct {
		registry string
		image    string
		want     string
	}{
		{"docker", "busybox", "docker"},
		{"local", "busybox", "local"},
		{"", "busybox", "docker"},
		{"", "docker.io/library/alpine:3", "docker"},
		{"", "localhost:5000/app", "local"},
		{"", "ghcr.io/org/app:v1", "ghcr.io"},
	}

	for _, tt := range tests {
		t.Run(tt.registry+"/"+tt.image, func(t *testing.T) {
			reg, err := cfg.Open(tt.registry, tt.image)
			assert.NilError(t, err)
			assert.Equal(t, reg.Name(), tt.want)
		})
	}
}

func TestOpenUnknownRegistry(t *testing.T) {
	_, err := DefaultConfig().Open("quay", "busybox")
	assert.Check(t, errdefs.IsNotFound(err), err)
}

func TestOpenWithoutImage(t *testing.T) {
	_, err := DefaultConfig().Open("", "")
	assert.ErrorIs(t, err, ErrImageNameMissing)
}
