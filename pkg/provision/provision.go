// Package provision creates an isolated network (or namespace) per project.
package provision

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"slices"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
)

// Pool is the private address space where subnets of projects are allocated.
//
// Candidates are Base.A.B.0/22, where A sweeps [First, Last] and B sweeps 0, 4, ..., 252.
type Pool struct {
	Base  uint8
	First uint8
	Last  uint8
}

func DefaultPool() Pool {
	return Pool{Base: 10, First: 1, Last: 254}
}

const prefixLength = 22

// Candidates yields candidate subnets in a deterministic order.
func (p Pool) Candidates() iter.Seq[netip.Prefix] {
	return func(yield func(netip.Prefix) bool) {
		for a := int(p.First); a <= int(p.Last); a++ {
			for b := 0; b < 256; b += 4 {
				addr := netip.AddrFrom4([4]byte{p.Base, uint8(a), uint8(b), 0})
				if !yield(netip.PrefixFrom(addr, prefixLength)) {
					return
				}
			}
		}
	}
}

// Progress receives human readable progress of provisioning.
type Progress func(domain.Event)

func (p Progress) report(format string, args ...any) {
	if p != nil {
		p(domain.Progress(format, args...))
	}
}

type Provisioner struct {
	networks cluster.Networks
	pool     Pool
	logger   *zap.Logger
}

func New(networks cluster.Networks, pool Pool, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{networks: networks, pool: pool, logger: logger.Named("provision")}
}

// Provision returns the network of the project, creating it if needed.
//
// It is idempotent: a network labeled with the project key is reused,
// unless exclusive is true (then it returns ErrAlreadyExists).
//
// When the platform needs subnets chosen by knitops, it tries candidates of the Pool
// until the platform accepts one. Rejected attempts are removed.
// If no candidates are accepted, it returns ErrNoAddressSpaceAvailable.
//
// # Returns
//
// - cluster.Network: the network
//
// - bool: true if it is created by this call.
//
// - error
func (p *Provisioner) Provision(ctx context.Context, project domain.Project, exclusive bool, progress Progress) (cluster.Network, bool, error) {
	logger := p.logger.With(zap.String("project", project.Key))

	found, err := p.find(ctx, project)
	if err != nil {
		return cluster.Network{}, false, err
	}
	if found != nil {
		if exclusive {
			return cluster.Network{}, false, fmt.Errorf("network of project %s: %w", project.Key, kerr.ErrAlreadyExists)
		}
		logger.Debug("reuse network", zap.String("network", found.Name))
		progress.report("using existing network %s", found.Name)
		return *found, false, nil
	}

	name := domain.NetworkName(project.Labels.Name(), project.Key)
	spec := cluster.NetworkSpec{Name: name, Labels: networkLabels(project, name)}

	if !p.networks.ProbesAddressSpace() {
		n, err := p.networks.CreateNetwork(ctx, spec)
		if errors.Is(err, kerr.ErrAlreadyExists) {
			return p.raced(ctx, project, exclusive, err)
		}
		if err != nil {
			return cluster.Network{}, false, kerr.Platform("create network "+name, err)
		}
		logger.Info("network created", zap.String("network", n.Name))
		progress.report("network %s created", n.Name)
		return n, true, nil
	}

	used, err := p.usedSubnets(ctx)
	if err != nil {
		return cluster.Network{}, false, err
	}

	for candidate := range p.pool.Candidates() {
		if slices.ContainsFunc(used, candidate.Overlaps) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cluster.Network{}, false, err
		}

		spec.Subnet = candidate.String()
		n, err := p.networks.CreateNetwork(ctx, spec)
		if errors.Is(err, cluster.ErrAddressConflict) {
			logger.Debug("subnet is in use", zap.String("subnet", spec.Subnet))
			progress.report("subnet %s is in use, trying next", spec.Subnet)
			used = append(used, candidate)
			continue
		}
		if errors.Is(err, kerr.ErrAlreadyExists) {
			return p.raced(ctx, project, exclusive, err)
		}
		if err != nil {
			return cluster.Network{}, false, kerr.Platform("create network "+name, err)
		}

		accepted, err := p.networks.InspectNetwork(ctx, n.ID)
		if err != nil {
			if rerr := p.networks.RemoveNetwork(context.WithoutCancel(ctx), n.ID); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return cluster.Network{}, false, kerr.Platform("inspect network "+name, err)
		}
		if slices.Equal(accepted.Subnets, []string{spec.Subnet}) {
			logger.Info(
				"network created",
				zap.String("network", accepted.Name), zap.String("subnet", spec.Subnet),
			)
			progress.report("network %s created with subnet %s", accepted.Name, spec.Subnet)
			return accepted, true, nil
		}

		// the platform allocated another subnet. give it back and try next.
		logger.Debug(
			"subnet is rejected",
			zap.String("subnet", spec.Subnet), zap.Strings("allocated", accepted.Subnets),
		)
		if err := p.networks.RemoveNetwork(context.WithoutCancel(ctx), n.ID); err != nil {
			return cluster.Network{}, false, kerr.Platform("remove rejected network "+name, err)
		}
		progress.report("subnet %s is rejected, trying next", spec.Subnet)
		used = append(used, candidate)
	}

	return cluster.Network{}, false, fmt.Errorf("network %s: %w", name, kerr.ErrNoAddressSpaceAvailable)
}

// raced handles a network created by someone else in the meantime.
func (p *Provisioner) raced(ctx context.Context, project domain.Project, exclusive bool, cause error) (cluster.Network, bool, error) {
	found, err := p.find(ctx, project)
	if err != nil {
		return cluster.Network{}, false, err
	}
	if found == nil || exclusive {
		return cluster.Network{}, false, cause
	}
	return *found, false, nil
}

// Lookup returns the network of the project. The bool is false when there is no network.
func (p *Provisioner) Lookup(ctx context.Context, project domain.Project) (cluster.Network, bool, error) {
	found, err := p.find(ctx, project)
	if err != nil || found == nil {
		return cluster.Network{}, false, err
	}
	return *found, true, nil
}

func (p *Provisioner) find(ctx context.Context, project domain.Project) (*cluster.Network, error) {
	nets, err := p.networks.ListNetworks(ctx, cluster.SelectorOf(project.Selector()))
	if err != nil {
		return nil, kerr.Platform("list networks", err)
	}
	if len(nets) == 0 {
		return nil, nil
	}
	n := nets[0]
	return &n, nil
}

func (p *Provisioner) usedSubnets(ctx context.Context) ([]netip.Prefix, error) {
	nets, err := p.networks.ListNetworks(ctx, cluster.Selector{})
	if err != nil {
		return nil, kerr.Platform("list networks", err)
	}
	used := []netip.Prefix{}
	for _, n := range nets {
		for _, s := range n.Subnets {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				p.logger.Warn("unknown subnet format", zap.String("network", n.Name), zap.String("subnet", s))
				continue
			}
			used = append(used, prefix.Masked())
		}
	}
	return used, nil
}

func networkLabels(project domain.Project, name string) map[string]string {
	labels := project.Selector()
	for _, k := range []string{domain.LabelOwner, domain.LabelName, domain.LabelVersion} {
		if v, ok := project.Labels[k]; ok {
			labels[k] = domain.LabelValue(v)
		}
	}
	labels[domain.LabelNetwork] = name
	return labels
}

// Release removes the network.
func (p *Provisioner) Release(ctx context.Context, network cluster.Network) error {
	if err := p.networks.RemoveNetwork(ctx, network.ID); err != nil {
		return kerr.Platform("remove network "+network.Name, err)
	}
	p.logger.Info("network removed", zap.String("network", network.Name))
	return nil
}
