package orchestrator_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitops/internal/testutils/fakeplatform"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/opst/knitops/pkg/monitor"
	"github.com/opst/knitops/pkg/orchestrator"
	"github.com/opst/knitops/pkg/scheduler"
	"github.com/opst/knitops/pkg/store/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const key = "0123456789abcdef"

func app(name string, replicas int, deps ...domain.DependencySpec) domain.AppSpec {
	return domain.AppSpec{
		Name:      name,
		Image:     "example.com/" + name + ":1.0",
		Replicas:  replicas,
		DependsOn: deps,
		Restart:   domain.RestartAlways,
	}
}

func project(apps ...domain.AppSpec) domain.Project {
	p := domain.Project{
		Key:    key,
		Labels: domain.Labels{domain.LabelName: "demo", domain.LabelOwner: "someone@example.com"},
		Apps:   map[string]domain.AppSpec{},
	}
	for _, a := range apps {
		p.Apps[a.Name] = a
	}
	return p
}

type notified struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (n *notified) Notify(ctx context.Context, op string, key string, ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[op] = append(n.events[op], ev)
}

func (n *notified) of(op string) []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events[op])
}

type fixture struct {
	platform *fakeplatform.Platform
	projects *memory.Projects
	archive  *memory.Archive
	notified *notified
	testee   *orchestrator.Orchestrator
}

func setup() *fixture {
	f := &fixture{
		platform: fakeplatform.New(),
		projects: memory.NewProjects(),
		archive:  memory.NewArchive(),
		notified: &notified{events: map[string][]domain.Event{}},
	}
	f.testee = orchestrator.New(
		f.platform, f.projects, f.archive, nil,
		orchestrator.WithSchedulerOptions(scheduler.Options{Tick: time.Millisecond, Timeout: time.Second}),
		orchestrator.WithMonitorOptions(monitor.WithBackoff(time.Millisecond, 10*time.Millisecond)),
		orchestrator.WithNotifier(f.notified),
		orchestrator.WithTeardownTimeout(5*time.Second),
	)
	return f
}

// drain reads all events. It fails when the operation does not end in 5 seconds.
func drain(t *testing.T, ch <-chan domain.Event) ([]string, *domain.Result) {
	t.Helper()
	lines := []string{}
	var result *domain.Result
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if result == nil {
					t.Fatalf("no result. events: %v", lines)
				}
				return lines, result
			}
			if ev.Result != nil {
				if result != nil {
					t.Fatalf("result twice: %+v, %+v", result, ev.Result)
				}
				result = ev.Result
				continue
			}
			lines = append(lines, strings.TrimSuffix(ev.Stream, "\n"))
		case <-timeout:
			t.Fatalf("operation does not end. events: %v", lines)
		}
	}
}

func (f *fixture) deploy(t *testing.T, pj domain.Project) {
	t.Helper()
	lines, result := drain(t, f.testee.Deploy(context.Background(), pj, false))
	if result.Status != domain.Succeed {
		t.Fatalf("deploy failed: %+v, %v", result, lines)
	}
}

func TestDeploy(t *testing.T) {
	ctx := context.Background()

	t.Run("when a new project is deployed, it registers the project and launches apps in order", func(t *testing.T) {
		f := setup()
		pj := project(app("web", 2, domain.DependencySpec{App: "db", Condition: domain.ConditionRunning}), app("db", 1))

		lines, result := drain(t, f.testee.Deploy(ctx, pj, true))
		if result.Status != domain.Succeed || result.ID != key {
			t.Fatalf("unexpected result: %+v (%v)", result, lines)
		}
		if diff := cmp.Diff([]string{"db", "web"}, f.platform.Created()); diff != "" {
			t.Errorf("created apps (-want +got):\n%s", diff)
		}
		registered, err := f.projects.Get(ctx, key)
		require.NoError(t, err)
		if diff := cmp.Diff([]string{"db", "web"}, registered.AppNames()); diff != "" {
			t.Errorf("registered apps (-want +got):\n%s", diff)
		}

		events := f.notified.of(orchestrator.OpDeploy)
		if len(events) != len(lines)+1 || !events[len(events)-1].Terminal() {
			t.Errorf("notified events: %d, but %d lines + result", len(events), len(lines))
		}
	})

	t.Run("when an exclusive deploy finds the project registered, it fails with AlreadyExists", func(t *testing.T) {
		f := setup()
		pj := project(app("web", 1))
		f.deploy(t, pj)

		_, result := drain(t, f.testee.Deploy(ctx, pj, true))
		if result.Status != domain.Failed || !errors.Is(result.Err, kerr.ErrAlreadyExists) {
			t.Fatalf("unexpected result: %+v", result)
		}
		if diff := cmp.Diff([]string{"web"}, f.platform.Created()); diff != "" {
			t.Errorf("created apps (-want +got):\n%s", diff)
		}
	})

	t.Run("when a registered project is deployed again, it launches only new apps", func(t *testing.T) {
		f := setup()
		f.deploy(t, project(app("db", 1)))

		changed := project(app("db", 1), app("web", 1, domain.DependencySpec{App: "db", Condition: domain.ConditionRunning}))
		changed.Labels[domain.LabelVersion] = "2.0"
		f.deploy(t, changed)

		if diff := cmp.Diff([]string{"db", "web"}, f.platform.Created()); diff != "" {
			t.Errorf("created apps (-want +got):\n%s", diff)
		}
		registered, err := f.projects.Get(ctx, key)
		require.NoError(t, err)
		if diff := cmp.Diff([]string{"db", "web"}, registered.AppNames()); diff != "" {
			t.Errorf("registered apps (-want +got):\n%s", diff)
		}
		if v := registered.Labels.Version(); v != "" {
			t.Errorf("labels are changed by deploy: %v", registered.Labels)
		}
		if n := len(f.platform.Networks()); n != 1 {
			t.Errorf("networks: %v", f.platform.Networks())
		}

		lines, result := drain(t, f.testee.Deploy(ctx, changed, false))
		if result.Status != domain.Succeed || !slices.Contains(lines, "every app is deployed already") {
			t.Errorf("unexpected result: %+v, %v", result, lines)
		}
	})

	t.Run("when the launch fails, the project created by the call is unregistered", func(t *testing.T) {
		f := setup()
		f.platform.Scripts["web"] = fakeplatform.AppScript{CreateErr: errors.New("fake error")}

		_, result := drain(t, f.testee.Deploy(ctx, project(app("web", 1)), false))
		if result.Status != domain.Failed || !errors.Is(result.Err, kerr.ErrPlatformAPI) {
			t.Fatalf("unexpected result: %+v", result)
		}
		if _, err := f.projects.Get(ctx, key); !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("project is left registered: %v", err)
		}
		if n := len(f.platform.Networks()); n != 0 {
			t.Errorf("networks are left: %v", f.platform.Networks())
		}
	})

	t.Run("when the project is invalid, it fails without touching anything", func(t *testing.T) {
		f := setup()
		pj := project(app("web", 1))
		pj.Labels[domain.LabelName] = "Not A DNS Label"

		_, result := drain(t, f.testee.Deploy(ctx, pj, false))
		if result.Status != domain.Failed || result.Reason != "InvalidRequest" {
			t.Fatalf("unexpected result: %+v", result)
		}
		if list, _ := f.projects.List(ctx); len(list) != 0 {
			t.Errorf("registered: %v", list)
		}
	})
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()

	t.Run("it archives logs, reports each app removed once, then completed, and unregisters the project", func(t *testing.T) {
		f := setup()
		f.deploy(t, project(app("web", 3), app("db", 1)))
		f.platform.StackedLogs["web.2"] = []string{"2024-05-01T12:00:02Z web says\n"}
		f.platform.StackedLogs["db.1"] = []string{"2024-05-01T12:00:01Z db says\n"}

		lines, result := drain(t, f.testee.Teardown(ctx, key))
		if result.Status != domain.Succeed || result.ID != key {
			t.Fatalf("unexpected result: %+v (%v)", result, lines)
		}

		removed := map[string]int{}
		completed := -1
		for i, l := range lines {
			switch l {
			case "app web removed":
				removed["web"]++
			case "app db removed":
				removed["db"]++
			case "completed":
				if completed != -1 {
					t.Errorf("completed twice: %v", lines)
				}
				completed = i
			}
		}
		if diff := cmp.Diff(map[string]int{"web": 1, "db": 1}, removed); diff != "" {
			t.Errorf("removed (-want +got):\n%s\n%v", diff, lines)
		}
		for i, l := range lines {
			if strings.HasPrefix(l, "app ") && strings.HasSuffix(l, " removed") && completed < i {
				t.Errorf("removal after completed: %v", lines)
			}
		}

		if n := len(f.platform.Instances()) + len(f.platform.Networks()); n != 0 {
			t.Errorf("resources are left: %v, %v", f.platform.Instances(), f.platform.Networks())
		}
		if _, err := f.projects.Get(ctx, key); !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("project is left registered: %v", err)
		}

		archived, err := f.archive.Fetch(ctx, key, nil, -1)
		require.NoError(t, err)
		got := map[string]string{}
		for source, recs := range archived {
			for _, r := range recs {
				got[source] += string(r.Payload)
			}
		}
		if diff := cmp.Diff(map[string]string{"web.2": "web says", "db.1": "db says"}, got); diff != "" {
			t.Errorf("archived (-want +got):\n%s", diff)
		}
		if n := f.platform.OpenStreams(); n != 0 {
			t.Errorf("log streams are left open: %d", n)
		}
	})

	t.Run("when logs of an instance cannot be read, logs of the others are still archived", func(t *testing.T) {
		f := setup()
		f.deploy(t, project(app("web", 2), app("db", 1)))
		f.platform.StackedLogs["web.2"] = []string{"2024-05-01T12:00:02Z web says\n"}
		f.platform.StackedLogs["db.1"] = []string{"2024-05-01T12:00:01Z db says\n"}
		f.platform.LogErrs["web.1"] = errors.New("container is gone")

		lines, result := drain(t, f.testee.Teardown(ctx, key))
		if result.Status != domain.Succeed {
			t.Fatalf("unexpected result: %+v (%v)", result, lines)
		}
		reported := false
		for _, l := range lines {
			if strings.Contains(l, "cannot read logs") && strings.Contains(l, "web.1") {
				reported = true
			}
		}
		if !reported {
			t.Errorf("failure is not reported: %v", lines)
		}

		archived, err := f.archive.Fetch(ctx, key, nil, -1)
		require.NoError(t, err)
		got := map[string]string{}
		for source, recs := range archived {
			for _, r := range recs {
				got[source] += string(r.Payload)
			}
		}
		if diff := cmp.Diff(map[string]string{"web.2": "web says", "db.1": "db says"}, got); diff != "" {
			t.Errorf("archived (-want +got):\n%s", diff)
		}
	})

	t.Run("when the project is unknown, it fails with ProjectNotFound", func(t *testing.T) {
		f := setup()
		_, result := drain(t, f.testee.Teardown(ctx, "unknown"))
		if result.Status != domain.Failed || result.Reason != "ProjectNotFound" {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("when the network is gone already, it just unregisters the project", func(t *testing.T) {
		f := setup()
		require.NoError(t, f.projects.Create(ctx, project(app("web", 1))))

		_, result := drain(t, f.testee.Teardown(ctx, key))
		if result.Status != domain.Succeed {
			t.Fatalf("unexpected result: %+v", result)
		}
		if _, err := f.projects.Get(ctx, key); !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("project is left registered: %v", err)
		}
	})
}

type line struct {
	Source  string
	Payload string
}

func collect(t *testing.T, ch <-chan domain.LogRecord) []line {
	t.Helper()
	ret := []line{}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return ret
			}
			require.NoError(t, r.Err)
			ret = append(ret, line{Source: r.Source, Payload: string(r.Payload)})
		case <-timeout:
			t.Fatalf("logs do not end: %v", ret)
		}
	}
}

func TestLogs(t *testing.T) {
	ctx := context.Background()

	withLogs := func(t *testing.T) *fixture {
		f := setup()
		f.deploy(t, project(app("web", 2), app("db", 1)))
		f.platform.StackedLogs["web.1"] = []string{
			"2024-05-01T12:00:01Z w1-a\n", "2024-05-01T12:00:05Z w1-b\n",
		}
		f.platform.StackedLogs["web.2"] = []string{"2024-05-01T12:00:02Z w2-a\n"}
		f.platform.StackedLogs["db.1"] = []string{
			"2024-05-01T12:00:03Z db-a\n", "2024-05-01T12:00:04Z db-b\n",
		}
		require.NoError(t, f.archive.Append(ctx, key, "previous", []domain.LogRecord{
			{
				Source: "old.1", Payload: []byte("old-a"), HasTimestamp: true,
				Timestamp: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
			},
		}))
		return f
	}

	t.Run("it merges logs of instances and archives in timestamp order", func(t *testing.T) {
		f := withLogs(t)
		stream, err := f.testee.Logs(ctx, key, orchestrator.LogQuery{Tail: -1})
		require.NoError(t, err)
		defer stream.Close()

		got := collect(t, stream.Records())
		want := []line{
			{"old.1", "old-a"},
			{"web.1", "w1-a"}, {"web.2", "w2-a"}, {"db.1", "db-a"}, {"db.1", "db-b"}, {"web.1", "w1-b"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("logs (-want +got):\n%s", diff)
		}
		if w := stream.NameWidth(); w != len("web.1") {
			t.Errorf("name width: %d", w)
		}
	})

	t.Run("when logs of an instance cannot be read, it reports the instance and merges the others", func(t *testing.T) {
		f := withLogs(t)
		f.platform.LogErrs["web.2"] = errors.New("container is gone")
		stream, err := f.testee.Logs(ctx, key, orchestrator.LogQuery{Tail: -1})
		require.NoError(t, err)
		defer stream.Close()

		got := []line{}
		failed := []string{}
		for r := range stream.Records() {
			if r.Err != nil {
				failed = append(failed, r.Source)
				continue
			}
			got = append(got, line{Source: r.Source, Payload: string(r.Payload)})
		}
		want := []line{
			{"old.1", "old-a"},
			{"web.1", "w1-a"}, {"db.1", "db-a"}, {"db.1", "db-b"}, {"web.1", "w1-b"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("logs (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"web.2"}, failed); diff != "" {
			t.Errorf("failed sources (-want +got):\n%s", diff)
		}
	})

	t.Run("when names are given, it reads only matching instances and archives", func(t *testing.T) {
		f := withLogs(t)
		stream, err := f.testee.Logs(ctx, key, orchestrator.LogQuery{Tail: 1, Names: []string{"db", "web.2", "old"}})
		require.NoError(t, err)
		defer stream.Close()

		got := collect(t, stream.Records())
		want := []line{{"old.1", "old-a"}, {"web.2", "w2-a"}, {"db.1", "db-b"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("logs (-want +got):\n%s", diff)
		}
	})

	t.Run("when a name matches nothing, it fails with ServiceNotFound", func(t *testing.T) {
		f := withLogs(t)
		_, err := f.testee.Logs(ctx, key, orchestrator.LogQuery{Tail: -1, Names: []string{"web", "nope"}})
		if !errors.Is(err, kerr.ErrServiceNotFound) || !strings.Contains(err.Error(), "nope") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("when the project is unknown, it fails with ProjectNotFound", func(t *testing.T) {
		f := setup()
		_, err := f.testee.Logs(ctx, key, orchestrator.LogQuery{Tail: -1})
		if !errors.Is(err, kerr.ErrProjectNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("when following, it tails live output until closed, leaving nothing behind", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		f := setup()
		f.deploy(t, project(app("web", 1)))

		stream, err := f.testee.Logs(ctx, key, orchestrator.LogQuery{Tail: -1, Follow: true})
		require.NoError(t, err)

		deadline := time.Now().Add(5 * time.Second)
		for f.platform.LiveStreams("web.1") == 0 {
			if deadline.Before(time.Now()) {
				t.Fatal("live stream is not opened")
			}
			time.Sleep(time.Millisecond)
		}
		go f.platform.Emit("web.1", "2024-05-01T12:00:00Z live!\n")

		select {
		case r := <-stream.Records():
			if r.Source != "web.1" || string(r.Payload) != "live!" {
				t.Errorf("unexpected record: %+v", r)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no live record")
		}

		closed := make(chan struct{})
		go func() {
			stream.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("Close does not return")
		}
		for range stream.Records() {
		}
		if n := f.platform.OpenStreams(); n != 0 {
			t.Errorf("log streams are left open: %d", n)
		}
		if n := f.platform.OpenWatches(); n != 0 {
			t.Errorf("watches are left open: %d", n)
		}
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("it returns instances of the app", func(t *testing.T) {
		f := setup()
		f.deploy(t, project(app("web", 2), app("db", 1)))

		got, err := f.testee.Status(ctx, key, "web")
		require.NoError(t, err)
		names := []string{}
		for _, inst := range got {
			names = append(names, inst.Name)
			if inst.Phase != domain.PhaseRunning {
				t.Errorf("phase of %s: %s", inst.Name, inst.Phase)
			}
		}
		if diff := cmp.Diff([]string{"web.1", "web.2"}, names); diff != "" {
			t.Errorf("instances (-want +got):\n%s", diff)
		}
	})

	t.Run("when the app is not declared, it fails with ServiceNotFound", func(t *testing.T) {
		f := setup()
		f.deploy(t, project(app("web", 1)))
		if _, err := f.testee.Status(ctx, key, "nope"); !errors.Is(err, kerr.ErrServiceNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("when the app has no instances, it fails with AppNotRunning", func(t *testing.T) {
		f := setup()
		require.NoError(t, f.projects.Create(ctx, project(app("web", 1))))
		if _, err := f.testee.Status(ctx, key, "web"); !errors.Is(err, kerr.ErrAppNotRunning) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestUpdateLabels(t *testing.T) {
	ctx := context.Background()

	t.Run("it updates labels of the registered project", func(t *testing.T) {
		f := setup()
		require.NoError(t, f.projects.Create(ctx, project(app("web", 1))))

		got, err := f.testee.UpdateLabels(ctx, key, domain.Labels{domain.LabelVersion: "1.1"})
		require.NoError(t, err)
		if got.Labels.Version() != "1.1" || got.Labels.Name() != "demo" || got.Key != key {
			t.Errorf("unexpected project: %+v", got)
		}
	})

	t.Run("when an identity label is given, it is rejected", func(t *testing.T) {
		f := setup()
		require.NoError(t, f.projects.Create(ctx, project(app("web", 1))))

		_, err := f.testee.UpdateLabels(ctx, key, domain.Labels{domain.LabelProject: "other"})
		if kerr.Reason(err) != "InvalidRequest" {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
