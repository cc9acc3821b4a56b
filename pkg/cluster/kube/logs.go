package kube

import (
	"context"
	"io"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	kubecore "k8s.io/api/core/v1"
)

// InstanceLog streams logs of the pod. Pod logs are newline delimited.
func (p *Platform) InstanceLog(ctx context.Context, instance domain.Instance, options cluster.LogOptions) (io.ReadCloser, cluster.LogFormat, error) {
	opts := &kubecore.PodLogOptions{
		Container:  instance.Container,
		Follow:     options.Follow,
		Timestamps: options.Timestamps,
	}
	if 0 <= options.Tail {
		tail := int64(options.Tail)
		opts.TailLines = &tail
	}
	if 0 < options.SinceSeconds {
		since := options.SinceSeconds
		opts.SinceSeconds = &since
	}

	r, err := p.client.Log(ctx, instance.Network, instance.Name, opts)
	if err != nil {
		return nil, cluster.FormatLines, kerr.Platform("get pod log", err)
	}
	return r, cluster.FormatLines, nil
}
