package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/opst/knitops/pkg/configs/manifest"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

const shopYaml = `
name: shop
version: "1.2"
owner: alice
apps:
  db:
    image: postgres:16
    env:
      POSTGRES_PASSWORD: secret
    quota:
      cpu: 500m
      memory: 512Mi
  migrate:
    image: example.com/shop/migrate:1.2
    restart: never
    command: ["migrate"]
    args: ["up"]
    dependsOn:
      - appName: db
  web:
    image: example.com/shop/web:1.2
    replicas: 3
    dependsOn:
      - appName: migrate
        condition: succeeded
    ingress:
      port: 8080
      publish: 30080
    constraints:
      zone: a
`

var cmpEmpty = cmpopts.EquateEmpty()

func TestUnmarshal(t *testing.T) {
	t.Run("it loads a manifest from yaml", func(t *testing.T) {
		m, err := manifest.Unmarshal([]byte(shopYaml))
		if err != nil {
			t.Fatal(err)
		}

		t.Run(".name", func(t *testing.T) {
			if actual, expected := m.Name(), "shop"; actual != expected {
				t.Errorf("mismatch. (expected, actual) = (%s, %s)", expected, actual)
			}
		})
		t.Run(".version", func(t *testing.T) {
			if actual, expected := m.Version(), "1.2"; actual != expected {
				t.Errorf("mismatch. (expected, actual) = (%s, %s)", expected, actual)
			}
		})
		t.Run(".apps", func(t *testing.T) {
			if diff := cmp.Diff([]string{"db", "migrate", "web"}, m.AppNames()); diff != "" {
				t.Errorf("app names (-want +got):\n%s", diff)
			}
		})
		t.Run(".apps.web", func(t *testing.T) {
			web, ok := m.App("web")
			if !ok {
				t.Fatal("web is not found")
			}
			expected := domain.AppSpec{
				Name:     "web",
				Image:    "example.com/shop/web:1.2",
				Replicas: 3,
				DependsOn: []domain.DependencySpec{
					{App: "migrate", Condition: domain.ConditionSucceeded},
				},
				Restart:     domain.RestartAlways,
				Ingress:     &domain.Ingress{Port: 8080, Publish: 30080},
				Constraints: map[string]string{"zone": "a"},
				Command:     []string{},
				Args:        []string{},
			}
			if diff := cmp.Diff(expected, web.Spec(), cmpEmpty); diff != "" {
				t.Errorf("web (-want +got):\n%s", diff)
			}
		})
		t.Run(".apps.migrate", func(t *testing.T) {
			migrate, _ := m.App("migrate")
			spec := migrate.Spec()
			if spec.Restart != domain.RestartNever {
				t.Errorf("restart: %s", spec.Restart)
			}
			if spec.Replicas != 1 {
				t.Errorf("replicas should default to 1, but %d", spec.Replicas)
			}
			if diff := cmp.Diff(
				[]domain.DependencySpec{{App: "db", Condition: domain.ConditionRunning}}, spec.DependsOn,
			); diff != "" {
				t.Errorf("dependsOn (-want +got):\n%s", diff)
			}
		})
		t.Run(".apps.db.quota", func(t *testing.T) {
			db, _ := m.App("db")
			expected := domain.Quota{CPU: "500m", Memory: "512Mi"}
			if actual := db.Spec().Quota; actual != expected {
				t.Errorf("mismatch. (expected, actual) = (%+v, %+v)", expected, actual)
			}
		})
	})

	t.Run("json is also acceptable", func(t *testing.T) {
		m, err := manifest.Unmarshal([]byte(`{"name": "one", "apps": {"a": {"image": "busybox"}}}`))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"a"}, m.AppNames()); diff != "" {
			t.Errorf("app names (-want +got):\n%s", diff)
		}
	})

	for name, testcase := range map[string]struct {
		yaml  string
		field string
	}{
		"when name is missing, it should be invalid": {
			yaml:  "apps: {a: {image: busybox}}",
			field: "(root).name",
		},
		"when there are no apps, it should be invalid": {
			yaml:  "name: x",
			field: "(root).apps",
		},
		"when an image is missing, it should be invalid": {
			yaml:  "name: x\napps: {a: {replicas: 1}}",
			field: "(root).apps.a.image",
		},
		"when replicas are negative, it should be invalid": {
			yaml:  "name: x\napps: {a: {image: busybox, replicas: -1}}",
			field: "(root).apps.a.replicas",
		},
		"when restart policy is unknown, it should be invalid": {
			yaml:  "name: x\napps: {a: {image: busybox, restart: sometimes}}",
			field: "(root).apps.a.restart",
		},
		"when a condition is unknown, it should be invalid": {
			yaml:  "name: x\napps: {a: {image: busybox, dependsOn: [{appName: b, condition: healthy}]}}",
			field: "(root).apps.a.dependsOn[0].condition",
		},
		"when a dependency has no app name, it should be invalid": {
			yaml:  "name: x\napps: {a: {image: busybox, dependsOn: [{condition: running}]}}",
			field: "(root).apps.a.dependsOn[0].appName",
		},
		"when ingress has no port, it should be invalid": {
			yaml:  "name: x\napps: {a: {image: busybox, ingress: {publish: 30000}}}",
			field: "(root).apps.a.ingress.port",
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := manifest.Unmarshal([]byte(testcase.yaml))
			var invalid *kerr.Invalid
			if !errors.As(err, &invalid) {
				t.Fatalf("expected *Invalid, but %v", err)
			}
			if invalid.Field != testcase.field {
				t.Errorf("field: (expected, actual) = (%s, %s)", testcase.field, invalid.Field)
			}
		})
	}

	t.Run("when yaml is broken, it should be invalid", func(t *testing.T) {
		_, err := manifest.Unmarshal([]byte("name: [x"))
		if !errors.As(err, new(*kerr.Invalid)) {
			t.Errorf("expected *Invalid, but %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("it reads a manifest file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "knitops.yaml")
		if err := os.WriteFile(path, []byte(shopYaml), 0644); err != nil {
			t.Fatal(err)
		}
		m, err := manifest.Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if m.Name() != "shop" {
			t.Errorf("name: %s", m.Name())
		}
	})

	t.Run("when the file does not exist, it returns an error", func(t *testing.T) {
		if _, err := manifest.Load(filepath.Join(t.TempDir(), "nothing.yaml")); err == nil {
			t.Error("expected error, but nil")
		}
	})
}

func TestProject(t *testing.T) {
	m, err := manifest.Unmarshal([]byte(shopYaml))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("it derives the key from the origin, and labels from the manifest", func(t *testing.T) {
		p, err := m.Project("https://example.com/shop.git", "")
		if err != nil {
			t.Fatal(err)
		}
		if expected := domain.ProjectKey("https://example.com/shop"); p.Key != expected {
			t.Errorf("key: (expected, actual) = (%s, %s)", expected, p.Key)
		}
		expected := domain.Labels{
			domain.LabelName:    "shop",
			domain.LabelVersion: "1.2",
			domain.LabelOwner:   "alice",
		}
		if diff := cmp.Diff(expected, p.Labels); diff != "" {
			t.Errorf("labels (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"db", "migrate", "web"}, p.AppNames()); diff != "" {
			t.Errorf("apps (-want +got):\n%s", diff)
		}
	})

	t.Run("when an owner is given, it overrides the owner of the manifest", func(t *testing.T) {
		p, err := m.Project("/work/shop", "bob")
		if err != nil {
			t.Fatal(err)
		}
		if p.Labels.Owner() != "bob" {
			t.Errorf("owner: %s", p.Labels.Owner())
		}
	})

	t.Run("when no origin is known, it should be invalid", func(t *testing.T) {
		_, err := m.Project("", "")
		if !errors.As(err, new(*kerr.Invalid)) {
			t.Errorf("expected *Invalid, but %v", err)
		}
	})

	t.Run("when the project name is not a dns label, it should be invalid", func(t *testing.T) {
		bad, err := manifest.Unmarshal([]byte("name: Not_A_Label\napps: {a: {image: busybox}}"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := bad.Project("/work", ""); !errors.As(err, new(*kerr.Invalid)) {
			t.Errorf("expected *Invalid, but %v", err)
		}
	})

	t.Run("Marshall and Seal give back an equivalent manifest", func(t *testing.T) {
		again, err := manifest.Seal(m.Marshall())
		if err != nil {
			t.Fatal(err)
		}
		want, _ := m.Project("/work", "")
		got, err := again.Project("/work", "")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got, cmpEmpty); diff != "" {
			t.Errorf("project (-want +got):\n%s", diff)
		}
	})
}
