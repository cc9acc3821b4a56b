// Package kubeutil connects to kubernetes clusters.
package kubeutil

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Kubeconfig finds the kubeconfig file to be used.
//
// It searches kubeconfig from (later wins)
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// - explicit, when not empty
//
// Files which do not exist or are directories are skipped.
// It returns "" when nothing is found, and then in-cluster config should be used.
func Kubeconfig(explicit string) string {
	kubeconfig := ""
	isFile := func(p string) bool {
		s, err := os.Stat(p)
		return err == nil && !s.IsDir()
	}

	// priority 1 (least): ~/.kube/config
	if home := homedir.HomeDir(); home != "" {
		if p := filepath.Join(home, ".kube", "config"); isFile(p) {
			kubeconfig = p
		}
	}

	// priority 2: envvar KUBECONFIG
	if k := os.Getenv("KUBECONFIG"); k != "" && isFile(k) {
		kubeconfig = k
	}

	// priority 3 (most): explicit path
	if explicit != "" && isFile(explicit) {
		kubeconfig = explicit
	}
	return kubeconfig
}

// RestConfig builds client config from the kubeconfig found by Kubeconfig,
// or in-cluster config when there are no kubeconfig.
func RestConfig(explicit string) (*rest.Config, error) {
	kubeconfig := Kubeconfig(explicit)
	if kubeconfig == "" {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("no kubeconfig found, and not in cluster: %w", err)
		}
		return config, nil
	}
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubeconfig %s: %w", kubeconfig, err)
	}
	return config, nil
}

// Connect creates *kubernetes.Clientset. See RestConfig for the kubeconfig search.
func Connect(explicit string) (*kubernetes.Clientset, error) {
	config, err := RestConfig(explicit)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}
