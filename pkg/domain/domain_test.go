package domain_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

func TestProjectKey(t *testing.T) {
	t.Run("it should be 16 hex chars", func(t *testing.T) {
		key := domain.ProjectKey("https://example.com/shop")
		if len(key) != 16 || strings.Trim(key, "0123456789abcdef") != "" {
			t.Errorf("unexpected key: %s", key)
		}
	})

	t.Run("when origins differ only in case, trailing slash or .git, keys should be same", func(t *testing.T) {
		expected := domain.ProjectKey("https://example.com/shop")
		for _, origin := range []string{
			"https://Example.com/Shop",
			"https://example.com/shop/",
			"https://example.com/shop.git",
			" https://example.com/shop.git/ ",
		} {
			if actual := domain.ProjectKey(origin); actual != expected {
				t.Errorf("%q: (expected, actual) = (%s, %s)", origin, expected, actual)
			}
		}
	})

	t.Run("when origins differ, keys should differ", func(t *testing.T) {
		if domain.ProjectKey("/home/alice/shop") == domain.ProjectKey("/home/bob/shop") {
			t.Error("keys collide")
		}
	})
}

func TestNetworkName(t *testing.T) {
	key := "0123456789abcdef"
	for name, testcase := range map[string]struct {
		project  string
		expected string
	}{
		"it should normalize the project name": {
			project: "Shop Front", expected: "knitops-shop-front-0123456789abcdef",
		},
		"when the name has no usable characters, it should be the key only": {
			project: "!!!", expected: "knitops-0123456789abcdef",
		},
		"when the name is too long, it should be truncated into a DNS label": {
			project:  strings.Repeat("a", 100),
			expected: "knitops-" + strings.Repeat("a", 38) + "-0123456789abcdef",
		},
	} {
		t.Run(name, func(t *testing.T) {
			actual := domain.NetworkName(testcase.project, key)
			if actual != testcase.expected {
				t.Errorf("(expected, actual) = (%s, %s)", testcase.expected, actual)
			}
			if 63 < len(actual) {
				t.Errorf("too long: %d", len(actual))
			}
		})
	}
}

func TestLabelValue(t *testing.T) {
	for in, expected := range map[string]string{
		"alice@example.com":        "alice.example.com",
		"example.com/shop/web:1.2": "example.com.shop.web.1.2",
		"-v1-":                     "v1",
	} {
		if actual := domain.LabelValue(in); actual != expected {
			t.Errorf("%q: (expected, actual) = (%s, %s)", in, expected, actual)
		}
	}
}

func app(name string, mod ...func(*domain.AppSpec)) domain.AppSpec {
	a := domain.AppSpec{
		Name: name, Image: "example.com/shop/" + name + ":1.0",
		Replicas: 1, Restart: domain.RestartAlways,
	}
	for _, m := range mod {
		m(&a)
	}
	return a
}

func TestAppSpec_Validate(t *testing.T) {
	t.Run("when the app is well-formed, it should be nil", func(t *testing.T) {
		a := app("web", func(a *domain.AppSpec) {
			a.Quota = domain.Quota{CPU: "500m", Memory: "512Mi", GPU: 1}
			a.DependsOn = []domain.DependencySpec{{App: "db", Condition: domain.ConditionRunning}}
			a.Ingress = &domain.Ingress{Port: 8080}
		})
		if err := a.Validate(); err != nil {
			t.Error(err)
		}
	})

	for name, testcase := range map[string]struct {
		app   domain.AppSpec
		field string
	}{
		"when the name is not a DNS label, it should be invalid": {
			app: app("Web_1"), field: "apps.Web_1.name",
		},
		"when the image is broken, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) { a.Image = "UPPER/case::" }), field: "apps.web.image",
		},
		"when replicas are negative, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) { a.Replicas = -1 }), field: "apps.web.replicas",
		},
		"when cpu quota is broken, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) { a.Quota.CPU = "lots" }), field: "apps.web.quota.cpu",
		},
		"when memory quota is broken, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) { a.Quota.Memory = "1 GB" }), field: "apps.web.quota.memory",
		},
		"when the restart policy is unknown, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) { a.Restart = "Sometimes" }), field: "apps.web.restart",
		},
		"when the app depends on itself, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) {
				a.DependsOn = []domain.DependencySpec{{App: "web", Condition: domain.ConditionRunning}}
			}),
			field: "apps.web.dependsOn",
		},
		"when the ingress port is out of range, it should be invalid": {
			app: app("web", func(a *domain.AppSpec) { a.Ingress = &domain.Ingress{Port: 70000} }), field: "apps.web.ingress",
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := testcase.app.Validate()
			inv := new(kerr.Invalid)
			if !errors.As(err, &inv) {
				t.Fatalf("expected *Invalid, but %v", err)
			}
			if inv.Field != testcase.field {
				t.Errorf("field: (expected, actual) = (%s, %s)", testcase.field, inv.Field)
			}
		})
	}
}

func TestAppSpec_ImageReference(t *testing.T) {
	a := app("web", func(a *domain.AppSpec) { a.Image = "busybox" })
	if actual := a.ImageReference(); actual != "index.docker.io/library/busybox:latest" {
		t.Errorf("unexpected reference: %s", actual)
	}
}

func TestAppSpec_Dependencies(t *testing.T) {
	a := app("web", func(a *domain.AppSpec) {
		a.DependsOn = []domain.DependencySpec{
			{App: "migrate", Condition: domain.ConditionSucceeded},
			{App: "db", Condition: domain.ConditionRunning},
			{App: "migrate", Condition: domain.ConditionRunning},
		}
	})
	if diff := cmp.Diff([]string{"db", "migrate"}, a.Dependencies()); diff != "" {
		t.Errorf("dependencies (-want +got):\n%s", diff)
	}
}

func TestAsCondition(t *testing.T) {
	for in, expected := range map[string]domain.Condition{
		"":          domain.ConditionRunning,
		"running":   domain.ConditionRunning,
		"Succeeded": domain.ConditionSucceeded,
		"completed": domain.ConditionSucceeded,
	} {
		actual, err := domain.AsCondition(in)
		if err != nil {
			t.Errorf("%q: %v", in, err)
		} else if actual != expected {
			t.Errorf("%q: (expected, actual) = (%s, %s)", in, expected, actual)
		}
	}
	if _, err := domain.AsCondition("healthy"); err == nil {
		t.Error("expected error, but nil")
	}
}

func TestAsRestartPolicy(t *testing.T) {
	for in, expected := range map[string]domain.RestartPolicy{
		"":           domain.RestartAlways,
		"always":     domain.RestartAlways,
		"on-failure": domain.RestartOnFailure,
		"no":         domain.RestartNever,
	} {
		actual, err := domain.AsRestartPolicy(in)
		if err != nil {
			t.Errorf("%q: %v", in, err)
		} else if actual != expected {
			t.Errorf("%q: (expected, actual) = (%s, %s)", in, expected, actual)
		}
	}
	if _, err := domain.AsRestartPolicy("unless-stopped"); err == nil {
		t.Error("expected error, but nil")
	}
	if domain.RestartAlways.Terminates() || !domain.RestartNever.Terminates() {
		t.Error("Terminates is wrong")
	}
}

func instances(phases ...domain.Phase) []domain.Instance {
	is := []domain.Instance{}
	for _, p := range phases {
		is = append(is, domain.Instance{App: "db", Phase: p})
	}
	return is
}

func TestDependencySpec_SatisfiedBy(t *testing.T) {
	running := domain.DependencySpec{App: "db", Condition: domain.ConditionRunning}
	succeeded := domain.DependencySpec{App: "db", Condition: domain.ConditionSucceeded}

	for name, testcase := range map[string]struct {
		dep       domain.DependencySpec
		instances []domain.Instance
		replicas  int
		expected  bool
	}{
		"when every replica is running, Running should hold": {
			dep: running, instances: instances(domain.PhaseRunning, domain.PhaseRunning), replicas: 2, expected: true,
		},
		"when some replicas are pending, Running should not hold": {
			dep: running, instances: instances(domain.PhaseRunning, domain.PhasePending), replicas: 2, expected: false,
		},
		"when replicas have succeeded, Running should hold": {
			dep: running, instances: instances(domain.PhaseSucceeded), replicas: 1, expected: true,
		},
		"when replicas are running, Succeeded should not hold": {
			dep: succeeded, instances: instances(domain.PhaseRunning), replicas: 1, expected: false,
		},
		"when every replica has succeeded, Succeeded should hold": {
			dep: succeeded, instances: instances(domain.PhaseSucceeded, domain.PhaseFailed, domain.PhaseSucceeded), replicas: 2, expected: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := testcase.dep.SatisfiedBy(testcase.instances, testcase.replicas); actual != testcase.expected {
				t.Errorf("(expected, actual) = (%v, %v)", testcase.expected, actual)
			}
		})
	}
}

func TestProject(t *testing.T) {
	project := func() domain.Project {
		return domain.Project{
			Key: "0123456789abcdef",
			Labels: domain.Labels{
				domain.LabelName:  "shop",
				domain.LabelOwner: "alice@example.com",
			},
			Apps: map[string]domain.AppSpec{"web": app("web"), "db": app("db")},
		}
	}

	t.Run("when the project is well-formed, it should be valid", func(t *testing.T) {
		if err := project().Validate(); err != nil {
			t.Error(err)
		}
	})

	for name, mod := range map[string]func(*domain.Project){
		"when the key is empty, it should be invalid":            func(p *domain.Project) { p.Key = "" },
		"when the name is not a DNS label, it should be invalid": func(p *domain.Project) { p.Labels[domain.LabelName] = "Shop!" },
		"when there are no apps, it should be invalid":           func(p *domain.Project) { p.Apps = nil },
		"when an app name mismatches its key, it should be invalid": func(p *domain.Project) {
			p.Apps["web"] = app("api")
		},
	} {
		t.Run(name, func(t *testing.T) {
			p := project()
			mod(&p)
			if err := p.Validate(); !errors.As(err, new(*kerr.Invalid)) {
				t.Errorf("expected *Invalid, but %v", err)
			}
		})
	}

	t.Run("AppLabels should carry identity and sanitized metadata", func(t *testing.T) {
		expected := map[string]string{
			domain.LabelProject: "0123456789abcdef",
			domain.LabelApp:     "web",
			domain.LabelName:    "shop",
			domain.LabelOwner:   "alice.example.com",
			domain.LabelImage:   "example.com.shop.web.1.0",
		}
		if diff := cmp.Diff(expected, project().AppLabels("web")); diff != "" {
			t.Errorf("labels (-want +got):\n%s", diff)
		}
	})

	t.Run("AppNames should be sorted", func(t *testing.T) {
		if diff := cmp.Diff([]string{"db", "web"}, project().AppNames()); diff != "" {
			t.Errorf("names (-want +got):\n%s", diff)
		}
	})
}

func TestLogRecord_Before(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := domain.LogRecord{Seq: 9}
	early := domain.LogRecord{Timestamp: t0, HasTimestamp: true, Seq: 5}
	late := domain.LogRecord{Timestamp: t0.Add(time.Second), HasTimestamp: true, Seq: 1}
	tie := domain.LogRecord{Timestamp: t0, HasTimestamp: true, Seq: 6}

	for name, testcase := range map[string]struct {
		a, b     domain.LogRecord
		expected bool
	}{
		"records without timestamps go first":           {a: raw, b: early, expected: true},
		"earlier timestamps go first":                   {a: early, b: late, expected: true},
		"later timestamps go after":                     {a: late, b: early, expected: false},
		"when timestamps are same, receipt order wins":  {a: early, b: tie, expected: true},
		"when timestamps are same, it is not reflexive": {a: tie, b: early, expected: false},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := testcase.a.Before(testcase.b); actual != testcase.expected {
				t.Errorf("(expected, actual) = (%v, %v)", testcase.expected, actual)
			}
		})
	}
}

func TestSortInstances(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	is := []domain.Instance{
		{Name: "web.2", App: "web", CreatedAt: t0},
		{Name: "db.1", App: "db", CreatedAt: t0.Add(time.Minute)},
		{Name: "web.1", App: "web", CreatedAt: t0},
		{Name: "web.3", App: "web", CreatedAt: t0.Add(-time.Minute)},
	}
	domain.SortInstances(is)
	actual := []string{}
	for _, i := range is {
		actual = append(actual, i.Name)
	}
	if diff := cmp.Diff([]string{"db.1", "web.3", "web.1", "web.2"}, actual); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestEvent(t *testing.T) {
	if ev := domain.Progress("app %s is %s", "web", "ready"); ev.Stream != "app web is ready\n" || ev.Terminal() {
		t.Errorf("unexpected progress: %+v", ev)
	}
	if ev := domain.Success("0123456789abcdef"); !ev.Terminal() || ev.Result.Status != domain.Succeed {
		t.Errorf("unexpected success: %+v", ev)
	}
	ev := domain.Failure(kerr.ErrLaunchTimeout)
	if !ev.Terminal() || ev.Result.Status != domain.Failed || ev.Result.Reason != "LaunchTimeout" {
		t.Errorf("unexpected failure: %+v", ev.Result)
	}
}
