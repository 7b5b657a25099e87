package cli

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent462/shellpool/internal/command"
	"github.com/agent462/shellpool/internal/config"
	"github.com/agent462/shellpool/internal/history"
	"github.com/agent462/shellpool/internal/logging"
	"github.com/agent462/shellpool/internal/ssh"
)

// session holds what one invocation needs to reach its hosts.
type session struct {
	hosts    []config.Host
	byName   map[string]config.Host
	pool     *ssh.Pool
	password string
	recorder *history.Store
}

func openSession(ctx context.Context, hostArgs []string, withHistory bool) (*session, error) {
	hosts, err := config.ResolveHosts(cfg, groupName, hostArgs)
	if err != nil {
		return nil, err
	}

	s := &session{
		hosts:  hosts,
		byName: make(map[string]config.Host, len(hosts)),
	}
	for _, h := range hosts {
		s.byName[h.Name] = h
	}

	if askPassword {
		if s.password, err = readPassword("SSH password: "); err != nil {
			return nil, err
		}
	}

	establisher := ssh.NewEstablisher(
		ssh.WithAttempts(cfg.Pool.EstablishRetries),
		ssh.WithBackoff(cfg.Pool.EstablishBackoff.Duration),
		ssh.WithEstablisherLogger(logging.Component("establish")),
	)
	s.pool = ssh.NewPool(
		ssh.WithCapacity(cfg.Pool.Capacity),
		ssh.WithEstablisher(establisher),
		ssh.WithLogger(logging.Component("pool")),
	)

	if withHistory && cfg.History.Driver != "" {
		store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN, history.WithLogger(logging.Component("history")))
		if err != nil {
			// Recording is best effort; commands still run without it.
			log.Warn().Err(err).Msg("history disabled")
		} else {
			s.recorder = store
		}
	}
	return s, nil
}

func (s *session) hostNames() []string {
	names := make([]string, len(s.hosts))
	for i, h := range s.hosts {
		names[i] = h.Name
	}
	return names
}

// options maps a resolved host onto pool options. The pool is keyed by the
// host's label so "admin@db" and "deploy@db" get separate sessions.
func (s *session) options(name string, newConnection bool) ssh.GetOptions {
	h := s.byName[name]
	return ssh.GetOptions{
		ConnectOptions: ssh.ConnectOptions{
			Hostname:           h.Hostname,
			User:               h.User,
			Password:           s.password,
			Port:               h.Port,
			IdentityFile:       h.IdentityFile,
			ProxyJump:          h.ProxyJump,
			AllowAgent:         h.AllowAgent,
			LookForKeys:        h.LookForKeys,
			AcceptUnknownHosts: cfg.Pool.AcceptUnknownHosts,
			KnownHostsFile:     cfg.Pool.KnownHostsFile,
			ConnectTimeout:     cfg.Pool.ConnectTimeout.Duration,
			AuthTimeout:        cfg.Pool.AuthTimeout.Duration,
		},
		NewConnection: newConnection,
	}
}

// hostTimeout bounds the work on one host, retries included. A group
// timeout wins over the configured default.
func (s *session) hostTimeout() time.Duration {
	for _, h := range s.hosts {
		if h.Timeout > 0 {
			return h.Timeout
		}
	}
	return cfg.Defaults.HostTimeout.Duration
}

// commandOptions builds the retry policy from config plus recorder.
func (s *session) commandOptions() []command.Option {
	cc := cfg.Command
	opts := []command.Option{
		command.WithRetries(cc.Retries),
		command.WithTimeout(cc.Timeout.Duration),
		command.WithCheckPass(cc.CheckPass),
		command.WithLogCmd(cc.LogCmd),
		command.WithLogger(logging.Component("command")),
	}
	// Without retries the command keeps its single-attempt limit.
	if cc.Retries {
		opts = append(opts, command.WithRetryLimit(cc.RetryLimit))
	}
	if len(cc.RecoverableCodes) > 0 {
		opts = append(opts, command.WithRecoverableCodes(cc.RecoverableCodes...))
	}
	if s.recorder != nil {
		opts = append(opts, command.WithRecorder(s.recorder))
	}
	return opts
}

func (s *session) Close() {
	if err := s.pool.Close(); err != nil {
		log.Debug().Err(err).Msg("closing pool")
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
	ssh.CloseAgent()
}
