// Package service is the callable surface of confvm. A Service owns the
// engine, the artifact cache and the plugin agent fixed at creation, and
// serves every method of the ConfvmService schema either through typed Go
// calls or through Dispatch, which decodes and encodes wire payloads.
package service

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/confvm/artifact"
	"github.com/chazu/confvm/engine"
	"github.com/chazu/confvm/plugin"
)

var log = commonlog.GetLogger("confvm.service")

// Service serves ConfvmService methods. It is safe for concurrent use.
type Service struct {
	agent     plugin.Agent
	engine    *engine.Engine
	artifacts *artifact.Cache
}

// Option configures a Service.
type Option func(*config)

type config struct {
	agent  plugin.Agent
	engine *engine.Engine
}

// WithPluginAgent sets the agent that plugin calls in evaluated code are
// routed to. Without one, such calls are reported as program errors.
func WithPluginAgent(a plugin.Agent) Option {
	return func(c *config) { c.agent = a }
}

// WithEngine sets the engine used for every operation.
func WithEngine(e *engine.Engine) Option {
	return func(c *config) { c.engine = e }
}

// New creates a Service.
func New(opts ...Option) *Service {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.engine == nil {
		cfg.engine = engine.New()
	}
	return &Service{
		agent:     cfg.agent,
		engine:    cfg.engine,
		artifacts: artifact.New(cfg.engine),
	}
}

// Agent returns the plugin agent the service was created with, or nil.
func (s *Service) Agent() plugin.Agent { return s.agent }
