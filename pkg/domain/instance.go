package domain

import (
	"slices"
	"time"
)

// Phase is the lifecycle state of an instance.
//
// Pending -> Running -> Succeeded | Failed
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// Terminated reports whether the phase is final.
func (p Phase) Terminated() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Instance is one replica of an app, running or terminated.
type Instance struct {
	// platform-wide identifier (pod name or task id).
	ID string

	// human friendly name, like "web.1".
	Name string

	App     string
	Project string

	// network or namespace where the instance is placed.
	Network string

	// node where the instance is placed. Empty until scheduled.
	Node string

	Phase    Phase
	Restarts int

	CreatedAt time.Time

	// port name to port number
	Ports map[string]int32

	// container which emits logs of the instance.
	Container string
}

// CountPhase counts instances in one of phases.
func CountPhase(instances []Instance, phases ...Phase) int {
	n := 0
	for _, i := range instances {
		if slices.Contains(phases, i.Phase) {
			n++
		}
	}
	return n
}

// GroupByApp groups instances by their app name.
func GroupByApp(instances []Instance) map[string][]Instance {
	g := map[string][]Instance{}
	for _, i := range instances {
		g[i.App] = append(g[i.App], i)
	}
	return g
}

// SortInstances sorts instances by app, creation time and name.
func SortInstances(instances []Instance) {
	slices.SortStableFunc(instances, func(a, b Instance) int {
		if a.App != b.App {
			if a.App < b.App {
				return -1
			}
			return 1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
}
