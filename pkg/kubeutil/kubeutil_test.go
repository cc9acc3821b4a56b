package kubeutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opst/knitops/pkg/kubeutil"
)

const kubeconfigYaml = `
apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://127.0.0.1:6443
contexts:
- name: test
  context:
    cluster: test
    user: test
current-context: test
users:
- name: test
  user:
    token: fake
`

func write(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(kubeconfigYaml), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestKubeconfig(t *testing.T) {
	t.Run("when only ~/.kube/config exists, it is used", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("KUBECONFIG", "")
		expected := write(t, filepath.Join(home, ".kube", "config"))

		if actual := kubeutil.Kubeconfig(""); actual != expected {
			t.Errorf("mismatch. (expected, actual) = (%s, %s)", expected, actual)
		}
	})

	t.Run("when KUBECONFIG is set, it wins over ~/.kube/config", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		write(t, filepath.Join(home, ".kube", "config"))
		expected := write(t, filepath.Join(t.TempDir(), "env-kubeconfig"))
		t.Setenv("KUBECONFIG", expected)

		if actual := kubeutil.Kubeconfig(""); actual != expected {
			t.Errorf("mismatch. (expected, actual) = (%s, %s)", expected, actual)
		}
	})

	t.Run("when an explicit path is given, it wins over others", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		write(t, filepath.Join(home, ".kube", "config"))
		t.Setenv("KUBECONFIG", write(t, filepath.Join(t.TempDir(), "env-kubeconfig")))
		expected := write(t, filepath.Join(t.TempDir(), "explicit"))

		if actual := kubeutil.Kubeconfig(expected); actual != expected {
			t.Errorf("mismatch. (expected, actual) = (%s, %s)", expected, actual)
		}
	})

	t.Run("when paths do not exist, they are skipped", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("KUBECONFIG", filepath.Join(t.TempDir(), "missing"))

		if actual := kubeutil.Kubeconfig(t.TempDir()); actual != "" {
			t.Errorf("expected empty, but %s", actual)
		}
	})
}

func TestRestConfig(t *testing.T) {
	t.Run("it builds config from the kubeconfig", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("KUBECONFIG", "")
		path := write(t, filepath.Join(t.TempDir(), "kubeconfig"))

		config, err := kubeutil.RestConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		if config.Host != "https://127.0.0.1:6443" {
			t.Errorf("host: %s", config.Host)
		}
	})

	t.Run("when no kubeconfig is found out of cluster, it returns an error", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv("KUBECONFIG", "")
		t.Setenv("KUBERNETES_SERVICE_HOST", "")
		t.Setenv("KUBERNETES_SERVICE_PORT", "")

		if _, err := kubeutil.RestConfig(""); err == nil {
			t.Error("expected error, but nil")
		}
	})
}
