package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	kerr "github.com/opst/knitops/pkg/domain/errors"
	"k8s.io/apimachinery/pkg/util/validation"
)

// label keys put on every network, namespace and instance created by knitops.
//
// They are the only way to find resources on the platform.
const (
	LabelPrefix  = "knitops.opst.dev/"
	LabelProject = LabelPrefix + "project"
	LabelOwner   = LabelPrefix + "owner"
	LabelApp     = LabelPrefix + "app"
	LabelName    = LabelPrefix + "name"
	LabelVersion = LabelPrefix + "version"
	LabelImage   = LabelPrefix + "image"
	LabelNetwork = LabelPrefix + "network"
)

// Labels is system metadata of a Project.
type Labels map[string]string

func (l Labels) Owner() string   { return l[LabelOwner] }
func (l Labels) Name() string    { return l[LabelName] }
func (l Labels) Version() string { return l[LabelVersion] }
func (l Labels) Image() string   { return l[LabelImage] }
func (l Labels) Network() string { return l[LabelNetwork] }

// Clone returns a copy of the labels. Clone of nil is an empty Labels.
func (l Labels) Clone() Labels {
	c := Labels{}
	maps.Copy(c, l)
	return c
}

// Project is a named, versioned group of apps sharing one isolated network.
type Project struct {
	// Key identifies the project. It is stable for a workspace origin (see ProjectKey).
	Key    string
	Labels Labels
	Apps   map[string]AppSpec
}

// AppNames returns names of apps in lexical order.
func (p Project) AppNames() []string {
	names := slices.Collect(maps.Keys(p.Apps))
	slices.Sort(names)
	return names
}

// Selector returns labels which select every resource of the project.
func (p Project) Selector() map[string]string {
	return map[string]string{LabelProject: p.Key}
}

// AppLabels returns labels to be put on resources of the app in the project.
func (p Project) AppLabels(app string) map[string]string {
	ls := map[string]string{
		LabelProject: p.Key,
		LabelApp:     app,
	}
	for _, k := range []string{LabelOwner, LabelName, LabelVersion, LabelNetwork} {
		if v, ok := p.Labels[k]; ok && v != "" {
			ls[k] = LabelValue(v)
		}
	}
	if a, ok := p.Apps[app]; ok {
		ls[LabelImage] = LabelValue(a.Image)
	}
	return ls
}

// Validate checks the project and all of its apps.
func (p Project) Validate() error {
	if p.Key == "" {
		return kerr.NewInvalid("key", "empty")
	}
	if errs := validation.IsValidLabelValue(p.Key); len(errs) != 0 {
		return kerr.NewInvalid("key", "%s", strings.Join(errs, "; "))
	}
	if errs := validation.IsDNS1123Label(p.Labels.Name()); len(errs) != 0 {
		return kerr.NewInvalid("name", "%q: %s", p.Labels.Name(), strings.Join(errs, "; "))
	}
	if len(p.Apps) == 0 {
		return kerr.NewInvalid("apps", "no apps are declared")
	}
	for _, name := range p.AppNames() {
		app := p.Apps[name]
		if app.Name != name {
			return kerr.NewInvalid("apps."+name+".name", "mismatch with its key (%q)", app.Name)
		}
		if err := app.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProjectKey derives the identity of a project from its workspace origin
// (a repository URL or a directory path).
//
// Origins which differ only in letter case, a trailing slash or a ".git" suffix yield the same key.
func ProjectKey(origin string) string {
	o := strings.TrimSpace(origin)
	o = strings.ToLower(o)
	o = strings.TrimRight(o, "/")
	o = strings.TrimSuffix(o, ".git")
	sum := sha256.Sum256([]byte(o))
	return hex.EncodeToString(sum[:])[:16]
}

// NetworkName returns the network (or namespace) name for a project.
//
// The key is a part of the name, so names never collide across projects.
func NetworkName(projectName string, key string) string {
	name := strings.ToLower(projectName)
	name = reNotDNSLabel.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	prefix := "knitops-"
	room := validation.DNS1123LabelMaxLength - len(prefix) - 1 - len(key)
	if room < 0 {
		room = 0
	}
	if len(name) > room {
		name = strings.TrimRight(name[:room], "-")
	}
	if name == "" {
		return prefix + key
	}
	return fmt.Sprintf("%s%s-%s", prefix, name, key)
}

var reNotDNSLabel = regexp.MustCompile(`[^a-z0-9-]+`)
var reNotLabelValue = regexp.MustCompile(`[^-_.a-zA-Z0-9]+`)

// LabelValue converts s into a string acceptable as a label value of the platforms.
func LabelValue(s string) string {
	v := reNotLabelValue.ReplaceAllString(s, ".")
	if len(v) > validation.LabelValueMaxLength {
		v = v[:validation.LabelValueMaxLength]
	}
	return strings.Trim(v, "-_.")
}
