package domain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Condition is a state of an app which its dependents wait for.
type Condition string

const (
	// every expected replica is running.
	ConditionRunning Condition = "Running"

	// every expected replica has exited successfully.
	ConditionSucceeded Condition = "Succeeded"
)

func AsCondition(s string) (Condition, error) {
	switch strings.ToLower(s) {
	case "running", "":
		return ConditionRunning, nil
	case "succeeded", "completed":
		return ConditionSucceeded, nil
	default:
		return "", kerr.NewInvalid("condition", "unknown condition %q", s)
	}
}

// DependencySpec is a pair of an app name and a condition the app should reach.
type DependencySpec struct {
	App       string    `json:"appName"`
	Condition Condition `json:"condition"`
}

func (d DependencySpec) String() string {
	return fmt.Sprintf("%s(%s)", d.App, d.Condition)
}

// SatisfiedBy tells the condition holds for the current instances of the app.
//
// replicas is the number of replicas the app declares.
func (d DependencySpec) SatisfiedBy(instances []Instance, replicas int) bool {
	switch d.Condition {
	case ConditionSucceeded:
		return CountPhase(instances, PhaseSucceeded) >= replicas
	default:
		return CountPhase(instances, PhaseRunning, PhaseSucceeded) >= replicas
	}
}

// RestartPolicy tells when instances of an app are restarted.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "Always"
	RestartOnFailure RestartPolicy = "OnFailure"
	RestartNever     RestartPolicy = "Never"
)

func AsRestartPolicy(s string) (RestartPolicy, error) {
	switch strings.ToLower(s) {
	case "always", "":
		return RestartAlways, nil
	case "on-failure", "onfailure":
		return RestartOnFailure, nil
	case "never", "no":
		return RestartNever, nil
	default:
		return "", kerr.NewInvalid("restart", "unknown restart policy %q", s)
	}
}

// Terminates reports whether instances under the policy are expected to exit.
func (r RestartPolicy) Terminates() bool {
	return r == RestartOnFailure || r == RestartNever
}

// Quota is resource limits of each instance. Empty fields mean "no limit".
type Quota struct {
	// CPU in the notation of k8s quantity, like "500m" or "2".
	CPU string

	// Memory in the notation of k8s quantity, like "512Mi".
	Memory string

	// number of GPUs
	GPU int
}

// CPUQuantity parses CPU. ok is false when CPU is empty.
func (q Quota) CPUQuantity() (resource.Quantity, bool, error) {
	return parseQuantity(q.CPU)
}

// MemoryQuantity parses Memory. ok is false when Memory is empty.
func (q Quota) MemoryQuantity() (resource.Quantity, bool, error) {
	return parseQuantity(q.Memory)
}

func parseQuantity(s string) (resource.Quantity, bool, error) {
	if s == "" {
		return resource.Quantity{}, false, nil
	}
	r, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}, false, err
	}
	return r, true, nil
}

// Ingress binds a port of an app to outside of the project network.
type Ingress struct {
	// port which the app listens
	Port int32

	// port exposed outside. 0 lets the platform choose.
	Publish int32
}

// AppSpec is a declared, possibly replicated unit to run.
type AppSpec struct {
	Name    string
	Image   string
	Command []string
	Args    []string
	Env     map[string]string
	Quota   Quota

	// the number of instances. 1 if it is not set in manifests.
	Replicas int

	DependsOn []DependencySpec
	Restart   RestartPolicy

	// nil when the app is not exposed.
	Ingress *Ingress

	// placement constraints, node label to value.
	Constraints map[string]string
}

// Validate checks fields of the app.
func (a AppSpec) Validate() error {
	path := "apps." + a.Name
	if errs := validation.IsDNS1123Label(a.Name); len(errs) != 0 {
		return kerr.NewInvalid(path+".name", "%s", strings.Join(errs, "; "))
	}
	if _, err := name.ParseReference(a.Image); err != nil {
		return kerr.NewInvalid(path+".image", "%s", err)
	}
	if a.Replicas < 0 {
		return kerr.NewInvalid(path+".replicas", "should be >= 0, but %d", a.Replicas)
	}
	if _, _, err := a.Quota.CPUQuantity(); err != nil {
		return kerr.NewInvalid(path+".quota.cpu", "%s", err)
	}
	if _, _, err := a.Quota.MemoryQuantity(); err != nil {
		return kerr.NewInvalid(path+".quota.memory", "%s", err)
	}
	if a.Quota.GPU < 0 {
		return kerr.NewInvalid(path+".quota.gpu", "should be >= 0, but %d", a.Quota.GPU)
	}
	switch a.Restart {
	case RestartAlways, RestartOnFailure, RestartNever:
	default:
		return kerr.NewInvalid(path+".restart", "unknown restart policy %q", a.Restart)
	}
	for _, d := range a.DependsOn {
		if d.App == a.Name {
			return kerr.NewInvalid(path+".dependsOn", "depends on itself")
		}
		switch d.Condition {
		case ConditionRunning, ConditionSucceeded:
		default:
			return kerr.NewInvalid(path+".dependsOn", "unknown condition %q for %s", d.Condition, d.App)
		}
	}
	if i := a.Ingress; i != nil && (i.Port <= 0 || 65535 < i.Port || i.Publish < 0 || 65535 < i.Publish) {
		return kerr.NewInvalid(path+".ingress", "port out of range")
	}
	return nil
}

// ImageReference returns the fully qualified image reference, like "index.docker.io/library/busybox:latest".
func (a AppSpec) ImageReference() string {
	ref, err := name.ParseReference(a.Image)
	if err != nil {
		return a.Image
	}
	return ref.Name()
}

// Dependencies returns names of apps which a depends on, in lexical order.
func (a AppSpec) Dependencies() []string {
	names := make([]string, 0, len(a.DependsOn))
	for _, d := range a.DependsOn {
		names = append(names, d.App)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
