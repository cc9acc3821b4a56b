package kube

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/opst/knitops/pkg/cluster"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// isExpired reports the resourceVersion is too old (410 Gone).
func isExpired(err error) bool {
	return kubeerr.IsResourceExpired(err) || kubeerr.IsGone(err)
}

func (p *Platform) WatchInstances(ctx context.Context, network cluster.Network, selector cluster.Selector, resumeToken string) (cluster.InstanceWatch, error) {
	w, err := p.client.WatchPods(ctx, network.Name, selector.QueryString(), resumeToken)
	if err != nil {
		if isExpired(err) {
			return nil, fmt.Errorf("%w: %w", cluster.ErrResumeTokenExpired, err)
		}
		return nil, kerr.Platform("watch pods", err)
	}

	pw := &podWatch{
		upstream: w,
		events:   make(chan cluster.InstanceEvent),
		stop:     make(chan struct{}),
		logger:   p.logger.With(zap.String("namespace", network.Name)),
	}
	go pw.run()
	return pw, nil
}

type podWatch struct {
	upstream watch.Interface
	events   chan cluster.InstanceEvent
	stop     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func (w *podWatch) Events() <-chan cluster.InstanceEvent {
	return w.events
}

func (w *podWatch) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.upstream.Stop()
	})
}

func (w *podWatch) send(ev cluster.InstanceEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.stop:
		return false
	}
}

func (w *podWatch) run() {
	defer close(w.events)
	defer w.Stop()

	for {
		var kev watch.Event
		var ok bool
		select {
		case <-w.stop:
			return
		case kev, ok = <-w.upstream.ResultChan():
			if !ok {
				return
			}
		}

		switch kev.Type {
		case watch.Added, watch.Modified, watch.Deleted:
			pod, isPod := kev.Object.(*kubecore.Pod)
			if !isPod {
				continue
			}
			t := cluster.Modified
			switch kev.Type {
			case watch.Added:
				t = cluster.Added
			case watch.Deleted:
				t = cluster.Deleted
			}
			if !w.send(cluster.InstanceEvent{
				Type:        t,
				Instance:    asInstance(*pod),
				ResumeToken: pod.ResourceVersion,
			}) {
				return
			}
		case watch.Error:
			status, isStatus := kev.Object.(*kubeapimeta.Status)
			if !isStatus {
				w.logger.Warn("unexpected error event", zap.Any("object", kev.Object))
				return
			}
			if status.Code == http.StatusGone || status.Reason == kubeapimeta.StatusReasonExpired || status.Reason == kubeapimeta.StatusReasonGone {
				w.send(cluster.InstanceEvent{
					Type: cluster.Expired,
					Err:  fmt.Errorf("%w: %s", cluster.ErrResumeTokenExpired, status.Message),
				})
				return
			}
			w.logger.Warn("watch error", zap.String("reason", string(status.Reason)), zap.String("message", status.Message))
			return
		}
		// Bookmark carries nothing to deliver.
	}
}
