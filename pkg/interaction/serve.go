package interaction

import (
	"context"
	"time"

	"github.com/ntsync/ntsync-go/pkg/transport"
	"github.com/ntsync/ntsync-go/pkg/wire"
)

// releaseTimeout bounds the unsubscribes issued when a UI disconnects.
const releaseTimeout = 5 * time.Second

// Serve starts a transport server whose connections each get a Session.
// The caller stops the returned server.
func (s *Server) Serve(ctx context.Context, cfg transport.ServerConfig) (*transport.Server, error) {
	cfg.OnConnect = func(conn *transport.ServerConn) {
		s.Open(conn.ConnID(), func(ev *wire.Event) error {
			data, err := wire.EncodeEvent(ev)
			if err != nil {
				return err
			}
			return conn.Send(data)
		})
	}
	cfg.OnMessage = func(conn *transport.ServerConn, msg []byte) {
		sess := s.session(conn.ConnID())
		if sess == nil {
			return
		}
		resp, err := sess.HandleFrame(ctx, msg)
		if err != nil && resp == nil {
			s.logger.Warn("dropping undecodable bridge frame", "conn", conn.ConnID(), "error", err)
			return
		}
		if err := conn.Send(resp); err != nil {
			s.logger.Debug("response not delivered", "conn", conn.ConnID(), "error", err)
		}
	}
	cfg.OnDisconnect = func(conn *transport.ServerConn) {
		if sess := s.session(conn.ConnID()); sess != nil {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			sess.Close(rctx)
			cancel()
		}
	}
	cfg.OnError = func(conn *transport.ServerConn, err error) {
		attrs := []any{"error", err}
		if conn != nil {
			attrs = append(attrs, "conn", conn.ConnID())
		}
		s.logger.Warn("bridge transport error", attrs...)
	}

	ts := transport.NewServer(cfg)
	if err := ts.Start(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("bridge listening", "network", ts.Addr().Network(), "address", ts.Addr().String())
	return ts, nil
}

func (s *Server) session(connID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[connID]
}
