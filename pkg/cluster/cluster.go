// Package cluster is the facade of orchestration platforms knitops drives.
//
// Implementations live in sub-packages: kube (Kubernetes) and swarm (docker swarm mode).
// Every resource created through the facade carries labels of domain.Label* keys,
// and every list or watch selects resources by them.
package cluster

import (
	"context"
	"errors"
	"io"

	"github.com/opst/knitops/pkg/domain"
)

// ErrResumeTokenExpired is sent by a watch whose resume token is too old to continue
// (HTTP 410 Gone on Kubernetes). The watch should be restarted without a resume token.
var ErrResumeTokenExpired = errors.New("resume token expired")

// ErrAddressConflict is returned by CreateNetwork when the requested subnet
// overlaps with address space already in use.
var ErrAddressConflict = errors.New("address space conflict")

// NetworkSpec is a wanted network (or namespace).
type NetworkSpec struct {
	Name   string
	Labels map[string]string

	// CIDR of the subnet, like "10.1.4.0/22". Empty lets the platform choose.
	Subnet string
}

// Network is an isolated network (or namespace) for a project.
type Network struct {
	ID     string
	Name   string
	Labels map[string]string

	// subnets which the platform allocated. Empty for namespaces.
	Subnets []string
}

type Networks interface {
	// ListNetworks returns networks matching the selector.
	// An empty selector matches every network visible to knitops.
	ListNetworks(ctx context.Context, selector Selector) ([]Network, error)

	// CreateNetwork creates a network.
	//
	// It returns ErrAddressConflict when the subnet is not available,
	// and domain/errors.ErrAlreadyExists when the name is taken.
	CreateNetwork(ctx context.Context, spec NetworkSpec) (Network, error)

	// InspectNetwork returns the current state of the network.
	InspectNetwork(ctx context.Context, id string) (Network, error)

	// RemoveNetwork removes the network. Removing missing network is not an error.
	RemoveNetwork(ctx context.Context, id string) error

	// ProbesAddressSpace reports whether networks of the platform need
	// a subnet chosen by knitops (cluster-wide overlay networks).
	ProbesAddressSpace() bool
}

type Workloads interface {
	// CreateApp starts instances of the app in the network.
	CreateApp(ctx context.Context, network Network, project domain.Project, app domain.AppSpec) error

	// ListInstances returns instances in the network matching the selector.
	ListInstances(ctx context.Context, network Network, selector Selector) ([]domain.Instance, error)

	// RemoveApp stops and removes all instances of the app.
	// Removing missing app is not an error.
	RemoveApp(ctx context.Context, network Network, projectKey string, app string) error
}

// LogFormat is the encoding of log streams returned by Logs.
type LogFormat int

const (
	// newline delimited text.
	FormatLines LogFormat = iota

	// multiplexed frames: 8 byte header (stream type, 3 bytes padding,
	// big endian uint32 payload length) followed by payload.
	FormatFramed
)

type LogOptions struct {
	// keep the stream open and tail new output.
	Follow bool

	// prefix each line with its RFC3339Nano timestamp.
	Timestamps bool

	// number of lines from the end. negative means all.
	Tail int

	// only logs newer than this many seconds. 0 means no limit.
	SinceSeconds int64
}

type Logs interface {
	// InstanceLog opens a log stream of the instance.
	//
	// Closing the stream closes the connection behind it,
	// and unblocks a Read in progress.
	InstanceLog(ctx context.Context, instance domain.Instance, options LogOptions) (io.ReadCloser, LogFormat, error)
}

type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"

	// the watch is expired. InstanceEvent.Err tells why.
	Expired EventType = "EXPIRED"
)

// InstanceEvent is a change of an instance observed by a watch.
type InstanceEvent struct {
	Type     EventType
	Instance domain.Instance

	// resume token after this event. Empty if the platform does not tell.
	ResumeToken string

	// set when Type is Expired.
	Err error
}

// InstanceWatch is an open watch.
//
// The channel of Events is closed when the watch ends,
// by Stop or by the platform (timeout of long polling, for example).
type InstanceWatch interface {
	Events() <-chan InstanceEvent

	// Stop ends the watch. It closes the connection behind the watch,
	// so that a goroutine blocked in reading it returns.
	//
	// Stop can be called twice or more.
	Stop()
}

type Watcher interface {
	// WatchInstances starts watching instances in the network.
	//
	// If resumeToken is empty, the watch starts from the current state
	// and the platform may send Added events for existing instances.
	WatchInstances(ctx context.Context, network Network, selector Selector, resumeToken string) (InstanceWatch, error)
}

// Platform is an orchestration platform.
type Platform interface {
	Networks
	Workloads
	Logs
	Watcher
}
