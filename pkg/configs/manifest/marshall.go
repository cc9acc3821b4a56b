package manifest

import (
	"fmt"
	"maps"
	"slices"

	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
// To get an error instead of panic, use Seal.
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

// Seal is TrySeal, but it returns *errors.Invalid instead of panic.
func Seal[S any](conf Marshalled[S]) (sealed S, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, ok := r.(misconfiguration)
			if !ok {
				panic(r)
			}
			err = kerr.NewInvalid(m.path, "%s", m.reason)
		}
	}()
	return TrySeal(conf), nil
}

// ManifestMarshall is a project manifest as written in yaml or json.
//
// This type is mutable. To get the immutable version, use TrySeal or Seal.
type ManifestMarshall struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Origin of the workspace, like a repository URL. It derives the project key.
	Origin string `yaml:"origin,omitempty" json:"origin,omitempty"`
	Owner  string `yaml:"owner,omitempty" json:"owner,omitempty"`

	Apps map[string]*AppMarshall `yaml:"apps" json:"apps"`
}

var _ Marshalled[*Manifest] = &ManifestMarshall{}

func (m *ManifestMarshall) trySeal(path string) *Manifest {
	m = nonnil(m, path)
	apps := nonempty(m.Apps, path+".apps")
	sealed := map[string]*App{}
	for _, name := range slices.Sorted(maps.Keys(apps)) {
		p := path + ".apps." + name
		sealed[name] = nonnil(apps[name], p).trySeal(name, p)
	}
	return &Manifest{
		name:    required(m.Name, path+".name"),
		version: m.Version,
		origin:  m.Origin,
		owner:   m.Owner,
		apps:    sealed,
	}
}

type AppMarshall struct {
	Image   string            `yaml:"image" json:"image"`
	Command []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	Quota *QuotaMarshall `yaml:"quota,omitempty" json:"quota,omitempty"`

	// nil means 1.
	Replicas *int `yaml:"replicas,omitempty" json:"replicas,omitempty"`

	DependsOn []DependencyMarshall `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// "always" (default), "on-failure" or "never"
	Restart string `yaml:"restart,omitempty" json:"restart,omitempty"`

	Ingress     *IngressMarshall  `yaml:"ingress,omitempty" json:"ingress,omitempty"`
	Constraints map[string]string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

func (a *AppMarshall) trySeal(name string, path string) *App {
	replicas := 1
	if a.Replicas != nil {
		replicas = *a.Replicas
		if replicas < 0 {
			panic(misconfiguration{path: path + ".replicas", reason: fmt.Sprintf("should be >= 0, but %d", replicas)})
		}
	}
	restart, err := domain.AsRestartPolicy(a.Restart)
	if err != nil {
		panic(misconfiguration{path: path + ".restart", reason: err.Error()})
	}

	deps := make([]domain.DependencySpec, 0, len(a.DependsOn))
	for i, d := range a.DependsOn {
		deps = append(deps, d.trySeal(fmt.Sprintf("%s.dependsOn[%d]", path, i)))
	}

	var quota domain.Quota
	if a.Quota != nil {
		quota = domain.Quota{CPU: a.Quota.CPU, Memory: a.Quota.Memory, GPU: a.Quota.GPU}
	}

	var ingress *domain.Ingress
	if i := a.Ingress; i != nil {
		ingress = &domain.Ingress{
			Port:    required(i.Port, path+".ingress.port"),
			Publish: i.Publish,
		}
	}

	return &App{
		spec: domain.AppSpec{
			Name:        name,
			Image:       required(a.Image, path+".image"),
			Command:     slices.Clone(a.Command),
			Args:        slices.Clone(a.Args),
			Env:         maps.Clone(a.Env),
			Quota:       quota,
			Replicas:    replicas,
			DependsOn:   deps,
			Restart:     restart,
			Ingress:     ingress,
			Constraints: maps.Clone(a.Constraints),
		},
	}
}

type QuotaMarshall struct {
	CPU    string `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty" json:"memory,omitempty"`
	GPU    int    `yaml:"gpu,omitempty" json:"gpu,omitempty"`
}

type DependencyMarshall struct {
	App string `yaml:"appName" json:"appName"`

	// "running" (default) or "succeeded"
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

func (d DependencyMarshall) trySeal(path string) domain.DependencySpec {
	cond, err := domain.AsCondition(d.Condition)
	if err != nil {
		panic(misconfiguration{path: path + ".condition", reason: err.Error()})
	}
	return domain.DependencySpec{App: required(d.App, path+".appName"), Condition: cond}
}

type IngressMarshall struct {
	Port    int32 `yaml:"port" json:"port"`
	Publish int32 `yaml:"publish,omitempty" json:"publish,omitempty"`
}

// misconfiguration is a panic value of trySeal.
type misconfiguration struct {
	path   string
	reason string
}

func (m misconfiguration) String() string {
	return m.path + " " + m.reason
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(misconfiguration{path: path, reason: "is required"})
	}
	return v
}

func nonempty[K comparable, V any](v map[K]V, path string) map[K]V {
	if len(v) == 0 {
		panic(misconfiguration{path: path, reason: "is required"})
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(misconfiguration{path: path, reason: "is required"})
	}
	return v
}
