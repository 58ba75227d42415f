package operator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"yardlink.org/internal/obs"
)

func (r *Registry) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      r.checkOrigin,
	}
}

// checkOrigin lets non-browser clients through (no Origin header) and holds
// browsers to the configured list when one is set.
func (r *Registry) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.origins) == 0 {
		return true
	}
	for _, allowed := range r.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logger := obs.WithComponent("operator")
	logger.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// Serve upgrades the request and registers the resulting session for yardID.
// It returns once the pumps are started.
func (r *Registry) Serve(w http.ResponseWriter, req *http.Request, yardID string) error {
	up := r.upgrader()
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	sess := newSession(conn)
	r.Connect(yardID, sess)

	logger := obs.Ctx(req.Context())
	logger.Info().Str("yard_id", yardID).Msg("operator session connected")

	go sess.writePump()
	go sess.readPump(func() {
		if r.Disconnect(yardID, sess) {
			l := obs.WithComponent("operator")
			l.Info().Str("yard_id", yardID).Msg("operator session disconnected")
		}
	})
	return nil
}
