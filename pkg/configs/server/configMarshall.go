package server

import (
	"fmt"
	"time"

	"github.com/opst/knitops/pkg/provision"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/server.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ServerConfigMarshall struct {
	Port int32 `yaml:"port"`

	// "kubernetes" or "swarm"
	Platform string `yaml:"platform"`

	// postgres connection uri. When empty, projects are kept in memory.
	Database string `yaml:"database,omitempty"`

	// nats url to publish progress events. When empty, events are not published.
	Nats string `yaml:"nats,omitempty"`

	// url of this server reachable from apps. It is passed to dependency waiters.
	APIURL string `yaml:"apiURL,omitempty"`

	Auth       *AuthConfigMarshall       `yaml:"auth"`
	Scheduler  *SchedulerConfigMarshall  `yaml:"scheduler,omitempty"`
	Network    *NetworkConfigMarshall    `yaml:"network,omitempty"`
	Kubernetes *KubernetesConfigMarshall `yaml:"kubernetes,omitempty"`
	Swarm      *SwarmConfigMarshall      `yaml:"swarm,omitempty"`
	Log        *LogConfigMarshall        `yaml:"log,omitempty"`
}

var _ Marshalled[*ServerConfig] = &ServerConfigMarshall{}

func (s *ServerConfigMarshall) trySeal(path string) *ServerConfig {
	s = nonnil(s, path)
	port := s.Port
	if port == 0 {
		port = 8080
	}
	platform := oneOf(required(s.Platform, path+".platform"), path+".platform", PlatformKubernetes, PlatformSwarm)

	ret := &ServerConfig{
		port:      port,
		platform:  platform,
		database:  s.Database,
		nats:      s.Nats,
		apiURL:    s.APIURL,
		auth:      nonnil(s.Auth, path+".auth").trySeal(path + ".auth"),
		scheduler: orDefault(s.Scheduler).trySeal(path + ".scheduler"),
		network:   orDefault(s.Network).trySeal(path + ".network"),
		swarm:     orDefault(s.Swarm).trySeal(path + ".swarm"),
		log:       orDefault(s.Log).trySeal(path + ".log"),
	}
	if platform == PlatformKubernetes {
		ret.kubernetes = orDefault(s.Kubernetes).trySeal(path + ".kubernetes")
		if ret.kubernetes.waiterImage != "" {
			ret.apiURL = required(s.APIURL, path+".apiURL")
		}
	}
	return ret
}

type AuthConfigMarshall struct {
	// HMAC key of tokens, 32 bytes or longer.
	Secret string `yaml:"secret"`

	// key id put on tokens.
	Kid string `yaml:"kid,omitempty"`
}

func (a *AuthConfigMarshall) trySeal(path string) *AuthConfig {
	secret := required(a.Secret, path+".secret")
	if len(secret) < 32 {
		panic(fmt.Sprintf("%s.secret should be 32 bytes or longer", path))
	}
	kid := a.Kid
	if kid == "" {
		kid = "knitops"
	}
	return &AuthConfig{secret: secret, kid: kid}
}

type SchedulerConfigMarshall struct {
	Tick    time.Duration `yaml:"tick,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// 0 means default. Negative disables showing logs on rollback.
	LogTail int `yaml:"logTail,omitempty"`

	TeardownTimeout time.Duration `yaml:"teardownTimeout,omitempty"`
}

func (s *SchedulerConfigMarshall) trySeal(path string) *SchedulerConfig {
	tick := s.Tick
	if tick == 0 {
		tick = time.Second
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = time.Hour
	}
	teardown := s.TeardownTimeout
	if teardown == 0 {
		teardown = 10 * time.Minute
	}
	logTail := s.LogTail
	if logTail == 0 {
		logTail = 20
	}
	return &SchedulerConfig{
		tick:            positive(tick, path+".tick"),
		timeout:         positive(timeout, path+".timeout"),
		logTail:         logTail,
		teardownTimeout: positive(teardown, path+".teardownTimeout"),
	}
}

type NetworkConfigMarshall struct {
	// "overlay" (default) or "bridge". swarm only.
	Driver string `yaml:"driver,omitempty"`

	Pool *PoolConfigMarshall `yaml:"pool,omitempty"`
}

func (n *NetworkConfigMarshall) trySeal(path string) *NetworkConfig {
	driver := n.Driver
	if driver == "" {
		driver = "overlay"
	}
	return &NetworkConfig{
		driver: oneOf(driver, path+".driver", "overlay", "bridge"),
		pool:   orDefault(n.Pool).trySeal(path + ".pool"),
	}
}

// PoolConfigMarshall is the address space for project networks: Base.[First..Last].x.0/22
type PoolConfigMarshall struct {
	Base  *uint8 `yaml:"base,omitempty"`
	First *uint8 `yaml:"first,omitempty"`
	Last  *uint8 `yaml:"last,omitempty"`
}

func (p *PoolConfigMarshall) trySeal(path string) provision.Pool {
	pool := provision.DefaultPool()
	if p.Base != nil {
		pool.Base = *p.Base
	}
	if p.First != nil {
		pool.First = *p.First
	}
	if p.Last != nil {
		pool.Last = *p.Last
	}
	if pool.Last < pool.First {
		panic(fmt.Sprintf("%s: last (%d) should not be less than first (%d)", path, pool.Last, pool.First))
	}
	return pool
}

type KubernetesConfigMarshall struct {
	// path to kubeconfig. When empty, KUBECONFIG, ~/.kube/config or in-cluster config is used.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`

	NamespacePrefix string `yaml:"namespacePrefix,omitempty"`

	// image of knitops_waiter. When empty, apps start without waiting their dependencies.
	WaiterImage string `yaml:"waiterImage,omitempty"`
}

func (k *KubernetesConfigMarshall) trySeal(string) *KubernetesConfig {
	return &KubernetesConfig{
		kubeconfig:      k.Kubeconfig,
		namespacePrefix: k.NamespacePrefix,
		waiterImage:     k.WaiterImage,
	}
}

type SwarmConfigMarshall struct {
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
}

func (s *SwarmConfigMarshall) trySeal(path string) *SwarmConfig {
	interval := s.PollInterval
	if interval == 0 {
		interval = time.Second
	}
	return &SwarmConfig{pollInterval: positive(interval, path+".pollInterval")}
}

type LogConfigMarshall struct {
	// debug, info (default), warn or error
	Level string `yaml:"level,omitempty"`

	// console (default) or json
	Encoding string `yaml:"encoding,omitempty"`
}

func (l *LogConfigMarshall) trySeal(path string) *LogConfig {
	level := l.Level
	if level == "" {
		level = "info"
	}
	encoding := l.Encoding
	if encoding == "" {
		encoding = "console"
	}
	return &LogConfig{
		level:    oneOf(level, path+".level", "debug", "info", "warn", "error"),
		encoding: oneOf(encoding, path+".encoding", "console", "json"),
	}
}

func orDefault[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func positive(d time.Duration, path string) time.Duration {
	if d <= 0 {
		panic(fmt.Sprintf("%s should be positive, but %s", path, d))
	}
	return d
}

func oneOf(v string, path string, candidates ...string) string {
	for _, c := range candidates {
		if v == c {
			return v
		}
	}
	panic(fmt.Sprintf("%s should be one of %v, but %q", path, candidates, v))
}
