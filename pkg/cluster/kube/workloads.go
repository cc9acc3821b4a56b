package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"go.uber.org/zap"
	kubeapps "k8s.io/api/apps/v1"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	gpuResource = "nvidia.com/gpu"

	waiterContainer = "knitops-waiter"
	ingressPortName = "ingress"
)

// selectorLabels are labels which identify pods of the app. They are immutable after creation.
func selectorLabels(project domain.Project, app string) map[string]string {
	return map[string]string{
		domain.LabelProject: project.Key,
		domain.LabelApp:     app,
	}
}

func (p *Platform) CreateApp(ctx context.Context, network cluster.Network, project domain.Project, app domain.AppSpec) error {
	labels := project.AppLabels(app.Name)
	meta := kubeapimeta.ObjectMeta{Name: app.Name, Namespace: network.Name, Labels: labels}

	template, err := p.podTemplate(project, app)
	if err != nil {
		return err
	}

	var undo func(context.Context) error
	switch app.Restart {
	case domain.RestartOnFailure, domain.RestartNever:
		replicas := int32(app.Replicas)
		job := &kubebatch.Job{
			ObjectMeta: meta,
			Spec: kubebatch.JobSpec{
				Completions: &replicas,
				Parallelism: &replicas,
				Template:    template,
			},
		}
		if app.Restart == domain.RestartNever {
			zero := int32(0)
			job.Spec.BackoffLimit = &zero
			job.Spec.Template.Spec.RestartPolicy = kubecore.RestartPolicyNever
		} else {
			job.Spec.Template.Spec.RestartPolicy = kubecore.RestartPolicyOnFailure
		}
		if _, err := p.client.CreateJob(ctx, network.Name, job); err != nil {
			return createError("job", app.Name, err)
		}
		undo = func(ctx context.Context) error { return p.client.DeleteJob(ctx, network.Name, app.Name) }
	default:
		replicas := int32(app.Replicas)
		template.Spec.RestartPolicy = kubecore.RestartPolicyAlways
		depl := &kubeapps.Deployment{
			ObjectMeta: meta,
			Spec: kubeapps.DeploymentSpec{
				Replicas: &replicas,
				Selector: &kubeapimeta.LabelSelector{MatchLabels: selectorLabels(project, app.Name)},
				Template: template,
			},
		}
		if _, err := p.client.CreateDeployment(ctx, network.Name, depl); err != nil {
			return createError("deployment", app.Name, err)
		}
		undo = func(ctx context.Context) error { return p.client.DeleteDeployment(ctx, network.Name, app.Name) }
	}

	if ing := app.Ingress; ing != nil {
		svc := &kubecore.Service{
			ObjectMeta: meta,
			Spec: kubecore.ServiceSpec{
				Type:     kubecore.ServiceTypeNodePort,
				Selector: selectorLabels(project, app.Name),
				Ports: []kubecore.ServicePort{
					{
						Name:       ingressPortName,
						Port:       ing.Port,
						TargetPort: intstr.FromInt32(ing.Port),
						NodePort:   ing.Publish,
					},
				},
			},
		}
		if _, err := p.client.CreateService(ctx, network.Name, svc); err != nil {
			// the app is created all or nothing.
			if uerr := undo(context.WithoutCancel(ctx)); uerr != nil && !kubeerr.IsNotFound(uerr) {
				p.logger.Error("cannot remove workload without its service", zap.String("app", app.Name), zap.Error(uerr))
			}
			return createError("service", app.Name, err)
		}
	}

	p.logger.Info(
		"app created",
		zap.String("namespace", network.Name),
		zap.String("app", app.Name),
		zap.Int("replicas", app.Replicas),
	)
	return nil
}

func createError(kind string, name string, err error) error {
	if kubeerr.IsAlreadyExists(err) {
		return fmt.Errorf("%s %s: %w", kind, name, kerr.ErrAlreadyExists)
	}
	return kerr.Platform("create "+kind, err)
}

func (p *Platform) podTemplate(project domain.Project, app domain.AppSpec) (kubecore.PodTemplateSpec, error) {
	resources := kubecore.ResourceRequirements{Limits: kubecore.ResourceList{}}
	if q, ok, err := app.Quota.CPUQuantity(); err != nil {
		return kubecore.PodTemplateSpec{}, kerr.NewInvalid("quota.cpu", "%s", err)
	} else if ok {
		resources.Limits[kubecore.ResourceCPU] = q
	}
	if q, ok, err := app.Quota.MemoryQuantity(); err != nil {
		return kubecore.PodTemplateSpec{}, kerr.NewInvalid("quota.memory", "%s", err)
	} else if ok {
		resources.Limits[kubecore.ResourceMemory] = q
	}
	if 0 < app.Quota.GPU {
		resources.Limits[gpuResource] = *kubeapiresource.NewQuantity(int64(app.Quota.GPU), kubeapiresource.DecimalSI)
	}

	env := []kubecore.EnvVar{}
	for _, k := range slices.Sorted(maps.Keys(app.Env)) {
		env = append(env, kubecore.EnvVar{Name: k, Value: app.Env[k]})
	}

	main := kubecore.Container{
		Name:      app.Name,
		Image:     app.Image,
		Command:   app.Command,
		Args:      app.Args,
		Env:       env,
		Resources: resources,
	}
	if ing := app.Ingress; ing != nil {
		main.Ports = []kubecore.ContainerPort{{Name: ingressPortName, ContainerPort: ing.Port}}
	}

	spec := kubecore.PodSpec{
		Containers:   []kubecore.Container{main},
		NodeSelector: maps.Clone(app.Constraints),
	}

	if w := p.waiter; w != nil && len(app.DependsOn) != 0 {
		deps, err := json.Marshal(app.DependsOn)
		if err != nil {
			return kubecore.PodTemplateSpec{}, errors.Join(kerr.ErrInternal, err)
		}
		spec.InitContainers = []kubecore.Container{
			{
				Name:  waiterContainer,
				Image: w.Image,
				Env: []kubecore.EnvVar{
					{Name: "PROJECT_KEY", Value: project.Key},
					{Name: "DEPENDENCY_SPECS", Value: string(deps)},
					{Name: "KNITOPS_API", Value: w.APIURL},
					{Name: "KNITOPS_TOKEN", Value: w.Token},
				},
			},
		}
	}

	return kubecore.PodTemplateSpec{
		ObjectMeta: kubeapimeta.ObjectMeta{Labels: project.AppLabels(app.Name)},
		Spec:       spec,
	}, nil
}

func (p *Platform) ListInstances(ctx context.Context, network cluster.Network, selector cluster.Selector) ([]domain.Instance, error) {
	pods, err := p.client.FindPods(ctx, network.Name, selector.QueryString())
	if err != nil {
		return nil, kerr.Platform("list pods", err)
	}
	ret := make([]domain.Instance, 0, len(pods))
	for _, pod := range pods {
		ret = append(ret, asInstance(pod))
	}
	domain.SortInstances(ret)
	return ret, nil
}

func asPhase(phase kubecore.PodPhase) domain.Phase {
	switch phase {
	case kubecore.PodRunning:
		return domain.PhaseRunning
	case kubecore.PodSucceeded:
		return domain.PhaseSucceeded
	case kubecore.PodFailed:
		return domain.PhaseFailed
	default:
		return domain.PhasePending
	}
}

func asInstance(pod kubecore.Pod) domain.Instance {
	id := string(pod.UID)
	if id == "" {
		id = pod.Name
	}
	app := pod.Labels[domain.LabelApp]

	restarts := 0
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += int(cs.RestartCount)
	}

	ports := map[string]int32{}
	for _, c := range pod.Spec.Containers {
		for i, port := range c.Ports {
			name := port.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			ports[name] = port.ContainerPort
		}
	}

	return domain.Instance{
		ID:        id,
		Name:      pod.Name,
		App:       app,
		Project:   pod.Labels[domain.LabelProject],
		Network:   pod.Namespace,
		Node:      pod.Spec.NodeName,
		Phase:     asPhase(pod.Status.Phase),
		Restarts:  restarts,
		CreatedAt: pod.CreationTimestamp.Time,
		Ports:     ports,
		Container: app,
	}
}

func (p *Platform) RemoveApp(ctx context.Context, network cluster.Network, projectKey string, app string) error {
	ignoreMissing := func(err error) error {
		if err == nil || kubeerr.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := ignoreMissing(p.client.DeleteService(ctx, network.Name, app)); err != nil {
		return kerr.Platform("delete service", err)
	}
	if err := ignoreMissing(p.client.DeleteDeployment(ctx, network.Name, app)); err != nil {
		return kerr.Platform("delete deployment", err)
	}
	if err := ignoreMissing(p.client.DeleteJob(ctx, network.Name, app)); err != nil {
		return kerr.Platform("delete job", err)
	}
	p.logger.Info(
		"app deleted",
		zap.String("namespace", network.Name),
		zap.String("project", projectKey),
		zap.String("app", app),
	)
	return nil
}
