package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/broadcast-dispatch/internal/config"
)

// Scylla wraps a gocql session bound to the archive keyspace.
type Scylla struct {
	session *gocql.Session
}

// NewScylla opens a session on cfg.Keyspace. Unless schema initialisation is
// disabled, the keyspace is created first and schema is applied in order.
func NewScylla(ctx context.Context, cfg config.ScyllaConfig, schema []string) (*Scylla, error) {
	if !cfg.DisableInitSchema && cfg.Keyspace != "" {
		if err := ensureKeyspace(ctx, cfg); err != nil {
			return nil, err
		}
	}

	session, err := newCluster(cfg, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	if !cfg.DisableInitSchema {
		for _, stmt := range schema {
			if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
				session.Close()
				return nil, fmt.Errorf("scylla: init schema: %w", err)
			}
		}
	}

	return &Scylla{session: session}, nil
}

func newCluster(cfg config.ScyllaConfig, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	return cluster
}

// ensureKeyspace creates the keyspace through a short-lived session that is
// not bound to any keyspace.
func ensureKeyspace(ctx context.Context, cfg config.ScyllaConfig) error {
	session, err := newCluster(cfg, "").CreateSession()
	if err != nil {
		return fmt.Errorf("scylla: create bootstrap session: %w", err)
	}
	defer session.Close()

	stmt := fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		cfg.Keyspace,
	)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	return s.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch strings.ToLower(level) {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "all":
		return gocql.All
	default:
		return gocql.Quorum
	}
}
