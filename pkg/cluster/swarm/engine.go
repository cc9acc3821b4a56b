package swarm

import (
	"context"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerswarm "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/opst/knitops/pkg/cluster"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

// ServiceSpec is a swarm service to be created.
type ServiceSpec struct {
	Name   string
	Labels map[string]string

	Image   string
	Command []string
	Args    []string

	// "KEY=VALUE"
	Env []string

	NanoCPUs    int64
	MemoryBytes int64
	GPUs        int64

	// network id to attach, and the DNS alias in the network.
	Network string
	Alias   string

	Restart  domain.RestartPolicy
	Replicas uint64

	// like "node.labels.zone==a"
	Constraints []string

	Ingress *domain.Ingress
}

// Service is a created swarm service.
type Service struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Task is a swarm task, one attempt to run a slot of a service.
type Task struct {
	ID        string
	ServiceID string

	// slot number for replicated services, starting from 1.
	Slot   int
	NodeID string

	State        string
	DesiredState string
	CreatedAt    time.Time
}

// Engine is the subset of the docker engine API used by Platform.
type Engine interface {
	NetworkList(ctx context.Context, labels map[string]string) ([]cluster.Network, error)

	// NetworkCreate returns the id of the new network.
	NetworkCreate(ctx context.Context, spec cluster.NetworkSpec, driver string) (string, error)
	NetworkInspect(ctx context.Context, id string) (cluster.Network, error)
	NetworkRemove(ctx context.Context, id string) error

	ServiceCreate(ctx context.Context, spec ServiceSpec) error
	ServiceList(ctx context.Context, labels map[string]string) ([]Service, error)
	ServiceRemove(ctx context.Context, name string) error

	TaskList(ctx context.Context, serviceID string) ([]Task, error)
	TaskLogs(ctx context.Context, taskID string, options cluster.LogOptions) (io.ReadCloser, error)
}

// Connect creates an Engine from DOCKER_HOST and related environment variables.
func Connect() (Engine, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return WrapDockerClient(c), nil
}

func WrapDockerClient(c client.APIClient) Engine {
	return &dockerEngine{client: c}
}

type dockerEngine struct {
	client client.APIClient
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}

// dockerError maps errors of docker engine into knitops errors.
func dockerError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, kerr.ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %w", op, kerr.ErrAlreadyExists, err)
	case strings.Contains(err.Error(), "overlaps"):
		// "Pool overlaps with other one on this address space"
		return fmt.Errorf("%s: %w: %w", op, cluster.ErrAddressConflict, err)
	default:
		return kerr.Platform(op, err)
	}
}

func (e *dockerEngine) NetworkList(ctx context.Context, labels map[string]string) ([]cluster.Network, error) {
	nets, err := e.client.NetworkList(ctx, network.ListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, dockerError("list networks", err)
	}
	ret := make([]cluster.Network, 0, len(nets))
	for _, n := range nets {
		subnets := []string{}
		for _, c := range n.IPAM.Config {
			subnets = append(subnets, c.Subnet)
		}
		ret = append(ret, cluster.Network{ID: n.ID, Name: n.Name, Labels: maps.Clone(n.Labels), Subnets: subnets})
	}
	return ret, nil
}

func (e *dockerEngine) NetworkCreate(ctx context.Context, spec cluster.NetworkSpec, driver string) (string, error) {
	opts := network.CreateOptions{
		Driver:     driver,
		Attachable: driver == "overlay",
		Labels:     spec.Labels,
	}
	if spec.Subnet != "" {
		opts.IPAM = &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{Subnet: spec.Subnet}},
		}
	}
	resp, err := e.client.NetworkCreate(ctx, spec.Name, opts)
	if err != nil {
		return "", dockerError("create network", err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) NetworkInspect(ctx context.Context, id string) (cluster.Network, error) {
	n, err := e.client.NetworkInspect(ctx, id, network.InspectOptions{})
	if err != nil {
		return cluster.Network{}, dockerError("inspect network", err)
	}
	subnets := []string{}
	for _, c := range n.IPAM.Config {
		subnets = append(subnets, c.Subnet)
	}
	return cluster.Network{ID: n.ID, Name: n.Name, Labels: maps.Clone(n.Labels), Subnets: subnets}, nil
}

func (e *dockerEngine) NetworkRemove(ctx context.Context, id string) error {
	return dockerError("remove network", e.client.NetworkRemove(ctx, id))
}

func (e *dockerEngine) ServiceCreate(ctx context.Context, spec ServiceSpec) error {
	restart := dockerswarm.RestartPolicyConditionAny
	switch spec.Restart {
	case domain.RestartOnFailure:
		restart = dockerswarm.RestartPolicyConditionOnFailure
	case domain.RestartNever:
		restart = dockerswarm.RestartPolicyConditionNone
	}

	task := dockerswarm.TaskSpec{
		ContainerSpec: &dockerswarm.ContainerSpec{
			Image:   spec.Image,
			Labels:  spec.Labels,
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		},
		RestartPolicy: &dockerswarm.RestartPolicy{Condition: restart},
		Placement:     &dockerswarm.Placement{Constraints: spec.Constraints},
		Networks: []dockerswarm.NetworkAttachmentConfig{
			{Target: spec.Network, Aliases: []string{spec.Alias}},
		},
		Resources: &dockerswarm.ResourceRequirements{
			Limits: &dockerswarm.Limit{NanoCPUs: spec.NanoCPUs, MemoryBytes: spec.MemoryBytes},
		},
	}
	if 0 < spec.GPUs {
		task.Resources.Reservations = &dockerswarm.Resources{
			GenericResources: []dockerswarm.GenericResource{
				{DiscreteResourceSpec: &dockerswarm.DiscreteGenericResource{Kind: "gpu", Value: spec.GPUs}},
			},
		}
	}

	replicas := spec.Replicas
	mode := dockerswarm.ServiceMode{Replicated: &dockerswarm.ReplicatedService{Replicas: &replicas}}
	if spec.Restart.Terminates() {
		mode = dockerswarm.ServiceMode{
			ReplicatedJob: &dockerswarm.ReplicatedJob{MaxConcurrent: &replicas, TotalCompletions: &replicas},
		}
	}

	svc := dockerswarm.ServiceSpec{
		Annotations:  dockerswarm.Annotations{Name: spec.Name, Labels: spec.Labels},
		TaskTemplate: task,
		Mode:         mode,
	}
	if ing := spec.Ingress; ing != nil {
		svc.EndpointSpec = &dockerswarm.EndpointSpec{
			Ports: []dockerswarm.PortConfig{
				{
					Protocol:      dockerswarm.PortConfigProtocolTCP,
					TargetPort:    uint32(ing.Port),
					PublishedPort: uint32(ing.Publish),
					PublishMode:   dockerswarm.PortConfigPublishModeIngress,
				},
			},
		}
	}

	_, err := e.client.ServiceCreate(ctx, svc, types.ServiceCreateOptions{})
	return dockerError("create service", err)
}

func (e *dockerEngine) ServiceList(ctx context.Context, labels map[string]string) ([]Service, error) {
	svcs, err := e.client.ServiceList(ctx, types.ServiceListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, dockerError("list services", err)
	}
	ret := make([]Service, 0, len(svcs))
	for _, s := range svcs {
		ret = append(ret, Service{ID: s.ID, Name: s.Spec.Name, Labels: maps.Clone(s.Spec.Labels)})
	}
	return ret, nil
}

func (e *dockerEngine) ServiceRemove(ctx context.Context, name string) error {
	return dockerError("remove service", e.client.ServiceRemove(ctx, name))
}

func (e *dockerEngine) TaskList(ctx context.Context, serviceID string) ([]Task, error) {
	tasks, err := e.client.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", serviceID)),
	})
	if err != nil {
		return nil, dockerError("list tasks", err)
	}
	ret := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		ret = append(ret, Task{
			ID:           t.ID,
			ServiceID:    t.ServiceID,
			Slot:         t.Slot,
			NodeID:       t.NodeID,
			State:        string(t.Status.State),
			DesiredState: string(t.DesiredState),
			CreatedAt:    t.CreatedAt,
		})
	}
	return ret, nil
}

func (e *dockerEngine) TaskLogs(ctx context.Context, taskID string, options cluster.LogOptions) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     options.Follow,
		Timestamps: options.Timestamps,
		Tail:       "all",
	}
	if 0 <= options.Tail {
		opts.Tail = strconv.Itoa(options.Tail)
	}
	if 0 < options.SinceSeconds {
		opts.Since = fmt.Sprintf("%ds", options.SinceSeconds)
	}
	r, err := e.client.TaskLogs(ctx, taskID, opts)
	if err != nil {
		return nil, dockerError("task logs", err)
	}
	return r, nil
}
