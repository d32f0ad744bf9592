package core

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"engagementcore/internal/connector"
	"engagementcore/internal/entitystore"
	"engagementcore/internal/ingest"
	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

// Connections lists every external connection record.
func (s *Session) Connections() []domain.ExternalConnection {
	return entitystore.ListAs[domain.ExternalConnection](s.store.View(), domain.KindConnection)
}

// Connection returns the connection record under id.
func (s *Session) Connection(id string) (domain.ExternalConnection, bool) {
	e, ok := s.store.Get(domain.KindConnection, id)
	if !ok {
		return domain.ExternalConnection{}, false
	}
	conn, ok := e.(domain.ExternalConnection)
	return conn, ok
}

func (s *Session) connectionFor(provider string) (domain.ExternalConnection, bool) {
	for _, conn := range s.Connections() {
		if conn.Provider == provider {
			return conn, true
		}
	}
	return domain.ExternalConnection{}, false
}

// setConnection rewrites the connection under id in its own transaction so
// the transition rule sees every state change.
func (s *Session) setConnection(ctx context.Context, id string, mutate func(*domain.ExternalConnection)) (domain.ExternalConnection, error) {
	var out domain.ExternalConnection
	_, err := s.store.RunInTransaction(ctx, func(tx *entitystore.Transaction) error {
		e, ok := tx.Get(domain.KindConnection, id)
		if !ok {
			return domain.NotFoundError{Kind: domain.KindConnection, ID: id}
		}
		conn := e.(domain.ExternalConnection)
		mutate(&conn)
		put, err := tx.Put(conn)
		if err != nil {
			return err
		}
		out = put.(domain.ExternalConnection)
		return nil
	})
	return out, err
}

// Connect authenticates against provider and records the outcome on the
// provider's connection record, creating it on first use. Credential and
// transport failures leave the connection in the error state and are
// returned as domain.AuthError or domain.ConnectionError.
func (s *Session) Connect(ctx context.Context, provider string, creds connector.Credentials) (conn domain.ExternalConnection, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Connect")
	span.SetAttributes(attribute.String("connector.provider", provider))
	defer s.track(ctx, "connect")(&err)
	defer func() { telemetry.EndSpan(span, err) }()
	if s.connector == nil {
		return domain.ExternalConnection{}, ErrNoConnector
	}
	done, err := s.begin("connect:" + provider)
	if err != nil {
		return domain.ExternalConnection{}, err
	}
	defer done()

	conn, found := s.connectionFor(provider)
	switch {
	case !found:
		var created domain.Entity
		_, err = s.store.RunInTransaction(ctx, func(tx *entitystore.Transaction) error {
			var err error
			created, err = tx.Add(domain.ExternalConnection{Provider: provider, State: domain.ConnectionPending})
			return err
		})
		if err != nil {
			return domain.ExternalConnection{}, err
		}
		conn = created.(domain.ExternalConnection)
	case conn.State != domain.ConnectionConnected && conn.State != domain.ConnectionPending:
		conn, err = s.setConnection(ctx, conn.ID, func(c *domain.ExternalConnection) {
			c.State = domain.ConnectionPending
			c.LastError = ""
		})
		if err != nil {
			return domain.ExternalConnection{}, err
		}
	}

	handle, connectErr := s.connector.Connect(ctx, provider, creds)
	if connectErr != nil {
		s.dropHandle(conn.ID)
		failed, err := s.setConnection(ctx, conn.ID, func(c *domain.ExternalConnection) {
			c.State = domain.ConnectionFailed
			c.LastError = connectErr.Error()
		})
		if err != nil {
			return conn, errors.Join(connectErr, err)
		}
		s.logger.Warn("connect failed", "provider", provider, "connection", conn.ID, "error", connectErr)
		return failed, connectErr
	}

	s.mu.Lock()
	s.handles[conn.ID] = handle
	s.mu.Unlock()
	conn, err = s.setConnection(ctx, conn.ID, func(c *domain.ExternalConnection) {
		c.State = domain.ConnectionConnected
		c.LastError = ""
	})
	if err != nil {
		s.dropHandle(conn.ID)
		return domain.ExternalConnection{}, err
	}
	s.logger.Info("connected", "provider", provider, "connection", conn.ID)
	return conn, nil
}

func (s *Session) handle(id string) (*connector.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

func (s *Session) dropHandle(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Sync pulls a full snapshot of each kind from the connection's provider and
// reconciles it into the store. Kinds defaults to employees. A failed pull
// moves the connection to the error state; records of kinds already synced
// in this call stay applied.
func (s *Session) Sync(ctx context.Context, connectionID string, kinds ...domain.EntityKind) (reports []ingest.Report, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Sync")
	span.SetAttributes(attribute.String("connector.connection", connectionID))
	defer s.track(ctx, "sync")(&err)
	defer func() { telemetry.EndSpan(span, err) }()

	conn, ok := s.Connection(connectionID)
	if !ok {
		return nil, domain.NotFoundError{Kind: domain.KindConnection, ID: connectionID}
	}
	h, live := s.handle(connectionID)
	if conn.State != domain.ConnectionConnected || !live {
		return nil, fmt.Errorf("%s: %w", connectionID, ErrNotConnected)
	}
	done, err := s.begin("sync:" + connectionID)
	if err != nil {
		return nil, err
	}
	defer done()

	if len(kinds) == 0 {
		kinds = []domain.EntityKind{domain.KindEmployee}
	}
	synced := 0
	for _, kind := range kinds {
		report, syncErr := s.ingestor.Ingest(ctx, ingest.Sync{Connection: conn, Kind: kind, Source: h})
		if syncErr != nil {
			if _, err := s.setConnection(ctx, connectionID, func(c *domain.ExternalConnection) {
				c.State = domain.ConnectionFailed
				c.LastError = syncErr.Error()
			}); err != nil {
				return reports, errors.Join(syncErr, err)
			}
			return reports, syncErr
		}
		reports = append(reports, report)
		synced += report.Accepted
	}

	now := s.clock.Now()
	if _, err := s.setConnection(ctx, connectionID, func(c *domain.ExternalConnection) {
		c.State = domain.ConnectionConnected
		c.LastSyncedAt = &now
		c.RecordsSynced = synced
		c.LastError = ""
	}); err != nil {
		return reports, err
	}
	s.logger.Info("synced", "provider", conn.Provider, "connection", connectionID, "records", synced)
	return reports, nil
}

// Disconnect drops the live link and resets the sync counters. Records the
// connection already synced stay in the store.
func (s *Session) Disconnect(ctx context.Context, connectionID string) (conn domain.ExternalConnection, err error) {
	defer s.track(ctx, "disconnect")(&err)
	if err := s.checkOpen(); err != nil {
		return domain.ExternalConnection{}, err
	}
	s.dropHandle(connectionID)
	return s.setConnection(ctx, connectionID, func(c *domain.ExternalConnection) {
		c.State = domain.ConnectionDisconnected
		c.LastSyncedAt = nil
		c.RecordsSynced = 0
		c.LastError = ""
	})
}
