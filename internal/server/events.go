package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/joseph-ayodele/resume-pipeline/constants"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/notify"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 4 << 10
)

type clientFrame struct {
	Type string `json:"type"`
}

type deliveredBody struct {
	Delivered int `json:"delivered"`
}

// handleNotify is the internal hook workers call on a status change. It
// fans the update out to the job's open channels on this node.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(HeaderNotify)
	if s.cfg.NotifyToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.NotifyToken)) != 1 {
		s.writeError(w, r, common.Unauthenticated("invalid notify token"))
		return
	}
	var p notify.Payload
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !p.Status.Valid() {
		s.writeError(w, r, common.InvalidArgumentf("unknown status %q", p.Status))
		return
	}
	n := s.hub.Publish(notify.StatusEvent{
		JobID:  mux.Vars(r)["id"],
		Status: p.Status,
		Error:  common.Truncate(p.Error, common.MaxErrorLength),
	})
	writeJSON(w, http.StatusAccepted, deliveredBody{Delivered: n})
}

// handleEvents upgrades to a websocket carrying the job's status events.
// The first frame is a snapshot of the stored status; the server closes
// with 1000 once a terminal status has been sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := common.OwnerIDFromContext(ctx)
	job, err := s.admission.Authorize(ctx, owner, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Warn("events.upgrade.failed", "job_id", job.ID, "err", err)
		return
	}
	defer conn.Close()

	events, unsub := s.hub.Subscribe(job.ID)
	defer unsub()

	// Re-read after subscribing so a transition between the two is not lost.
	if fresh, err := s.admission.Authorize(ctx, owner, job.ID); err == nil {
		job = fresh
	}
	log := s.logger.With("job_id", job.ID, "owner_id", owner)
	log.Debug("events.open")

	pings := make(chan struct{}, 1)
	done := make(chan struct{})
	go s.readFrames(conn, pings, done)

	snapshot := notify.StatusEvent{Type: "status", JobID: job.ID, Status: job.Status, At: time.Now().UTC()}
	if job.Status == constants.JobStatusFailed && job.LastError != nil {
		snapshot.Error = common.Truncate(*job.LastError, common.MaxErrorLength)
	}
	if !s.send(conn, snapshot) {
		return
	}
	if job.Status.IsTerminal() {
		closeNormal(conn)
		return
	}

	for {
		select {
		case <-done:
			log.Debug("events.closed_by_client")
			return
		case <-ctx.Done():
			return
		case <-pings:
			if !s.send(conn, clientFrame{Type: "pong"}) {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if !s.send(conn, e) {
				return
			}
			if e.Status.IsTerminal() {
				log.Debug("events.terminal", "status", e.Status)
				closeNormal(conn)
				return
			}
		}
	}
}

// readFrames is the only reader on conn. Anything but a ping is ignored.
func (s *Server) readFrames(conn *websocket.Conn, pings chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		if f.Type != "ping" {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
		select {
		case pings <- struct{}{}:
		default:
		}
	}
}

func (s *Server) send(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug("events.write.failed", "err", err)
		return false
	}
	return true
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
