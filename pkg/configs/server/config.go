// Package server is the configuration of knitops server.
//
// Example:
//
//	port: 8080
//	platform: kubernetes
//	database: postgres://knitops:knitops@db:5432/knitops
//	nats: nats://nats:4222
//	apiURL: http://knitops.knitops.svc.cluster.local:8080
//	auth:
//	  secret: "...32 bytes or longer..."
//	scheduler:
//	  tick: 1s
//	  timeout: 30m
//	  logTail: 20
//	kubernetes:
//	  namespacePrefix: dev-
//	  waiterImage: ghcr.io/opst/knitops-waiter:v1
package server

import (
	"fmt"
	"os"
	"time"

	"github.com/opst/knitops/pkg/provision"
	"gopkg.in/yaml.v3"
)

const (
	PlatformKubernetes = "kubernetes"
	PlatformSwarm      = "swarm"
)

type ServerConfig struct {
	port       int32
	platform   string
	database   string
	nats       string
	apiURL     string
	auth       *AuthConfig
	scheduler  *SchedulerConfig
	network    *NetworkConfig
	kubernetes *KubernetesConfig
	swarm      *SwarmConfig
	log        *LogConfig
}

// port to listen. default: 8080
func (s *ServerConfig) Port() int32 {
	return s.port
}

// PlatformKubernetes or PlatformSwarm
func (s *ServerConfig) Platform() string {
	return s.platform
}

// Database is a postgres uri. Empty means in-memory store.
func (s *ServerConfig) Database() string {
	return s.database
}

func (s *ServerConfig) Nats() string {
	return s.nats
}

func (s *ServerConfig) APIURL() string {
	return s.apiURL
}

func (s *ServerConfig) Auth() *AuthConfig {
	return s.auth
}

func (s *ServerConfig) Scheduler() *SchedulerConfig {
	return s.scheduler
}

func (s *ServerConfig) Network() *NetworkConfig {
	return s.network
}

// Kubernetes is nil unless the platform is kubernetes.
func (s *ServerConfig) Kubernetes() *KubernetesConfig {
	return s.kubernetes
}

func (s *ServerConfig) Swarm() *SwarmConfig {
	return s.swarm
}

func (s *ServerConfig) Log() *LogConfig {
	return s.log
}

type AuthConfig struct {
	secret string
	kid    string
}

func (a *AuthConfig) Secret() []byte {
	return []byte(a.secret)
}

func (a *AuthConfig) Kid() string {
	return a.kid
}

type SchedulerConfig struct {
	tick            time.Duration
	timeout         time.Duration
	logTail         int
	teardownTimeout time.Duration
}

// default: 1s
func (s *SchedulerConfig) Tick() time.Duration {
	return s.tick
}

// default: 1h
func (s *SchedulerConfig) Timeout() time.Duration {
	return s.timeout
}

// default: 20
func (s *SchedulerConfig) LogTail() int {
	return s.logTail
}

// default: 10m
func (s *SchedulerConfig) TeardownTimeout() time.Duration {
	return s.teardownTimeout
}

type NetworkConfig struct {
	driver string
	pool   provision.Pool
}

func (n *NetworkConfig) Driver() string {
	return n.driver
}

func (n *NetworkConfig) Pool() provision.Pool {
	return n.pool
}

type KubernetesConfig struct {
	kubeconfig      string
	namespacePrefix string
	waiterImage     string
}

func (k *KubernetesConfig) Kubeconfig() string {
	return k.kubeconfig
}

func (k *KubernetesConfig) NamespacePrefix() string {
	return k.namespacePrefix
}

func (k *KubernetesConfig) WaiterImage() string {
	return k.waiterImage
}

type SwarmConfig struct {
	pollInterval time.Duration
}

func (s *SwarmConfig) PollInterval() time.Duration {
	return s.pollInterval
}

type LogConfig struct {
	level    string
	encoding string
}

func (l *LogConfig) Level() string {
	return l.level
}

func (l *LogConfig) Encoding() string {
	return l.encoding
}

// load server config from a file.
func LoadServerConfig(filepath string) (*ServerConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses yaml into sealed config.
//
// Misconfigurations are reported as errors.
func Unmarshal(conf []byte) (out *ServerConfig, err error) {
	var _out *ServerConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("misconfiguration: %v", r)
		}
	}()
	return TrySeal(_out), nil
}
