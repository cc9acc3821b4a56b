// Package manifest reads project manifests, the declaration of apps in a project.
//
// A manifest looks like:
//
//	name: shop
//	version: "1.2"
//	apps:
//	  db:
//	    image: postgres:16
//	    restart: always
//	  migrate:
//	    image: example.com/shop/migrate:1.2
//	    restart: never
//	    dependsOn:
//	      - appName: db
//	  web:
//	    image: example.com/shop/web:1.2
//	    replicas: 3
//	    dependsOn:
//	      - appName: migrate
//	        condition: succeeded
//	    ingress:
//	      port: 8080
package manifest

import (
	"maps"
	"os"
	"slices"

	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"gopkg.in/yaml.v3"
)

// Manifest is the sealed, read-only manifest.
type Manifest struct {
	name    string
	version string
	origin  string
	owner   string
	apps    map[string]*App
}

func (m *Manifest) Name() string {
	return m.name
}

func (m *Manifest) Version() string {
	return m.version
}

// Origin of the workspace. It can be empty; then callers tell the origin.
func (m *Manifest) Origin() string {
	return m.origin
}

func (m *Manifest) Owner() string {
	return m.owner
}

// AppNames returns names of apps in lexical order.
func (m *Manifest) AppNames() []string {
	return slices.Sorted(maps.Keys(m.apps))
}

func (m *Manifest) App(name string) (*App, bool) {
	a, ok := m.apps[name]
	return a, ok
}

type App struct {
	spec domain.AppSpec
}

func (a *App) Spec() domain.AppSpec {
	s := a.spec
	s.Command = slices.Clone(s.Command)
	s.Args = slices.Clone(s.Args)
	s.Env = maps.Clone(s.Env)
	s.DependsOn = slices.Clone(s.DependsOn)
	s.Constraints = maps.Clone(s.Constraints)
	if s.Ingress != nil {
		i := *s.Ingress
		s.Ingress = &i
	}
	return s
}

// Project converts the manifest into a validated project.
//
// origin is used when the manifest does not have its own origin.
// owner, when not empty, overrides the owner in the manifest.
func (m *Manifest) Project(origin string, owner string) (domain.Project, error) {
	if m.origin != "" {
		origin = m.origin
	}
	if origin == "" {
		return domain.Project{}, kerr.NewInvalid("origin", "is required")
	}
	if owner == "" {
		owner = m.owner
	}

	labels := domain.Labels{domain.LabelName: m.name}
	if m.version != "" {
		labels[domain.LabelVersion] = m.version
	}
	if owner != "" {
		labels[domain.LabelOwner] = owner
	}

	apps := map[string]domain.AppSpec{}
	for name, a := range m.apps {
		apps[name] = a.Spec()
	}

	p := domain.Project{Key: domain.ProjectKey(origin), Labels: labels, Apps: apps}
	if err := p.Validate(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Marshall returns the mutable form of the manifest.
func (m *Manifest) Marshall() *ManifestMarshall {
	ret := &ManifestMarshall{
		Name:    m.name,
		Version: m.version,
		Origin:  m.origin,
		Owner:   m.owner,
		Apps:    map[string]*AppMarshall{},
	}
	for name, a := range m.apps {
		ret.Apps[name] = MarshallApp(a.Spec())
	}
	return ret
}

// MarshallApp returns the manifest form of an app.
func MarshallApp(s domain.AppSpec) *AppMarshall {
	replicas := s.Replicas
	am := &AppMarshall{
		Image:       s.Image,
		Command:     slices.Clone(s.Command),
		Args:        slices.Clone(s.Args),
		Env:         maps.Clone(s.Env),
		Replicas:    &replicas,
		Restart:     string(s.Restart),
		Constraints: maps.Clone(s.Constraints),
	}
	if s.Quota != (domain.Quota{}) {
		am.Quota = &QuotaMarshall{CPU: s.Quota.CPU, Memory: s.Quota.Memory, GPU: s.Quota.GPU}
	}
	for _, d := range s.DependsOn {
		am.DependsOn = append(am.DependsOn, DependencyMarshall{App: d.App, Condition: string(d.Condition)})
	}
	if i := s.Ingress; i != nil {
		am.Ingress = &IngressMarshall{Port: i.Port, Publish: i.Publish}
	}
	return am
}

// load a manifest from a file.
func Load(filepath string) (*Manifest, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses yaml (or json, as a subset of yaml) into a sealed manifest.
func Unmarshal(content []byte) (*Manifest, error) {
	var m *ManifestMarshall
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, kerr.NewInvalid("manifest", "%s", err)
	}
	return Seal(m)
}
