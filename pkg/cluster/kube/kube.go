// Package kube is the Kubernetes backend of the cluster facade.
//
// A project network is a namespace. Apps restarted always are Deployments,
// others are Jobs. Apps with ingress get a NodePort Service.
package kube

import (
	"context"
	"fmt"
	"maps"

	"github.com/opst/knitops/pkg/cluster"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Waiter is the sidecar which blocks an app until its dependencies get ready.
type Waiter struct {
	Image string

	// endpoint of knitops API reachable from pods.
	APIURL string

	// bearer token for the API
	Token string
}

type Platform struct {
	client K8sClient
	logger *zap.Logger

	namespacePrefix string
	waiter          *Waiter
}

var _ cluster.Platform = &Platform{}

type Option func(*Platform) *Platform

// WithNamespacePrefix prepends prefix to names of namespaces to be created.
func WithNamespacePrefix(prefix string) Option {
	return func(p *Platform) *Platform {
		p.namespacePrefix = prefix
		return p
	}
}

// WithWaiter puts the dependency waiter as an init container of apps with dependencies.
func WithWaiter(w Waiter) Option {
	return func(p *Platform) *Platform {
		p.waiter = &w
		return p
	}
}

func New(client K8sClient, logger *zap.Logger, options ...Option) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Platform{client: client, logger: logger.Named("kube")}
	for _, opt := range options {
		p = opt(p)
	}
	return p
}

// namespaces are not bound to address space.
func (p *Platform) ProbesAddressSpace() bool {
	return false
}

func asNetwork(ns kubecore.Namespace) cluster.Network {
	return cluster.Network{
		ID:     ns.Name,
		Name:   ns.Name,
		Labels: maps.Clone(ns.Labels),
	}
}

func (p *Platform) ListNetworks(ctx context.Context, selector cluster.Selector) ([]cluster.Network, error) {
	nss, err := p.client.FindNamespaces(ctx, selector.QueryString())
	if err != nil {
		return nil, kerr.Platform("list namespaces", err)
	}
	ret := make([]cluster.Network, 0, len(nss))
	for _, ns := range nss {
		if ns.Status.Phase == kubecore.NamespaceTerminating {
			continue
		}
		ret = append(ret, asNetwork(ns))
	}
	return ret, nil
}

func (p *Platform) CreateNetwork(ctx context.Context, spec cluster.NetworkSpec) (cluster.Network, error) {
	name := p.namespacePrefix + spec.Name
	if errs := validation.IsDNS1123Label(name); len(errs) != 0 {
		return cluster.Network{}, kerr.NewInvalid("namespace", "%q: %v", name, errs)
	}

	ns, err := p.client.CreateNamespace(ctx, &kubecore.Namespace{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   name,
			Labels: maps.Clone(spec.Labels),
		},
	})
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return cluster.Network{}, fmt.Errorf("namespace %s: %w", name, kerr.ErrAlreadyExists)
		}
		return cluster.Network{}, kerr.Platform("create namespace", err)
	}
	p.logger.Info("namespace created", zap.String("namespace", name))
	return asNetwork(*ns), nil
}

func (p *Platform) InspectNetwork(ctx context.Context, id string) (cluster.Network, error) {
	ns, err := p.client.GetNamespace(ctx, id)
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return cluster.Network{}, fmt.Errorf("namespace %s: %w", id, kerr.ErrNotFound)
		}
		return cluster.Network{}, kerr.Platform("get namespace", err)
	}
	return asNetwork(*ns), nil
}

func (p *Platform) RemoveNetwork(ctx context.Context, id string) error {
	if err := p.client.DeleteNamespace(ctx, id); err != nil && !kubeerr.IsNotFound(err) {
		return kerr.Platform("delete namespace", err)
	}
	p.logger.Info("namespace deleted", zap.String("namespace", id))
	return nil
}
