// Package projects is the wire format of projects, apps and progress events.
package projects

import (
	"maps"
	"time"

	"github.com/opst/knitops/pkg/configs/manifest"
	"github.com/opst/knitops/pkg/domain"
)

// Detail is a project registered in knitops.
type Detail struct {
	Key    string            `json:"key"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`

	// declared apps, in the form of manifests.
	Apps map[string]*manifest.AppMarshall `json:"apps"`
}

func ComposeDetail(p domain.Project) Detail {
	apps := map[string]*manifest.AppMarshall{}
	for name, app := range p.Apps {
		apps[name] = manifest.MarshallApp(app)
	}
	return Detail{
		Key:    p.Key,
		Name:   p.Labels.Name(),
		Labels: maps.Clone(p.Labels),
		Apps:   apps,
	}
}

// Instance is a replica of an app.
type Instance struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	App       string           `json:"app"`
	Node      string           `json:"node,omitempty"`
	Phase     string           `json:"phase"`
	Restarts  int              `json:"restarts"`
	CreatedAt time.Time        `json:"createdAt"`
	Ports     map[string]int32 `json:"ports,omitempty"`
}

func ComposeInstance(i domain.Instance) Instance {
	return Instance{
		ID:        i.ID,
		Name:      i.Name,
		App:       i.App,
		Node:      i.Node,
		Phase:     string(i.Phase),
		Restarts:  i.Restarts,
		CreatedAt: i.CreatedAt,
		Ports:     maps.Clone(i.Ports),
	}
}

func (i Instance) Domain(project string) domain.Instance {
	return domain.Instance{
		ID:        i.ID,
		Name:      i.Name,
		App:       i.App,
		Project:   project,
		Node:      i.Node,
		Phase:     domain.Phase(i.Phase),
		Restarts:  i.Restarts,
		CreatedAt: i.CreatedAt,
		Ports:     maps.Clone(i.Ports),
	}
}

// AppStatus is instances of an app with its declared replicas.
type AppStatus struct {
	App       string     `json:"app"`
	Replicas  int        `json:"replicas"`
	Instances []Instance `json:"instances"`
}

// Event is a line of newline-delimited progress of deploying or tearing down.
//
//	{"stream": "network knitops-shop-0123 is created\n"}
//	{"result": "succeed", "id": "0123456789abcdef"}
//	{"result": "failed", "reason": "LaunchTimeout", "message": "..."}
type Event struct {
	Stream  string `json:"stream,omitempty"`
	Result  string `json:"result,omitempty"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func ComposeEvent(ev domain.Event) Event {
	if r := ev.Result; r != nil {
		e := Event{Result: string(r.Status), ID: r.ID, Reason: r.Reason}
		if r.Err != nil {
			e.Message = r.Err.Error()
		}
		return e
	}
	return Event{Stream: ev.Stream}
}

// Terminal reports whether the event is the last one.
func (e Event) Terminal() bool {
	return e.Result != ""
}

func (e Event) Succeeded() bool {
	return e.Result == string(domain.Succeed)
}
