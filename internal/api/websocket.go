package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"membership-bulk-upload/internal/events"
	"membership-bulk-upload/internal/models"
	"membership-bulk-upload/internal/store"
)

const (
	wsSubscribe   = "subscribe_bulk_upload_job"
	wsUnsubscribe = "unsubscribe_bulk_upload_job"
	wsSubscribed  = "bulk_upload_subscribed"
	wsError       = "bulk_upload_error"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsJobRef struct {
	JobID string `json:"job_id"`
}

type wsClient struct {
	srv  *Server
	conn *websocket.Conn
	user string
	send chan wsMessage
	done chan struct{}

	// subs is only touched by the read loop.
	subs map[string]*events.Subscription
	wg   sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, r, errors.New("real-time updates are not configured"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "err", err)
		return
	}
	c := &wsClient{
		srv:  s,
		conn: conn,
		user: UserFromContext(r.Context()),
		send: make(chan wsMessage, 64),
		done: make(chan struct{}),
		subs: make(map[string]*events.Subscription),
	}
	go c.writeLoop()
	c.readLoop(r)
}

func (c *wsClient) readLoop(r *http.Request) {
	defer c.close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debugw("websocket closed", "user", c.user, "err", err)
			}
			return
		}
		var ref wsJobRef
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &ref)
		}
		switch msg.Event {
		case wsSubscribe:
			c.subscribe(r, ref.JobID)
		case wsUnsubscribe:
			if sub, ok := c.subs[ref.JobID]; ok {
				c.srv.hub.Unsubscribe(sub)
				delete(c.subs, ref.JobID)
			}
		default:
			c.emit(wsError, map[string]string{"message": "unknown event " + msg.Event})
		}
	}
}

// subscribe registers for live events and sends the job's current state so a
// late subscriber does not wait for the next update. The hub subscription is
// taken before the job is loaded and forwarding starts after the snapshot is
// queued, so nothing published meanwhile is lost or delivered out of order.
func (c *wsClient) subscribe(r *http.Request, jobID string) {
	if jobID == "" {
		c.emit(wsError, map[string]string{"message": "job_id is required"})
		return
	}
	_, already := c.subs[jobID]
	var sub *events.Subscription
	if !already {
		sub = c.srv.hub.Subscribe(jobID)
	}
	job, err := c.srv.store.GetJob(r.Context(), jobID)
	if err == nil && !c.srv.canAccess(c.user, job) {
		err = errForbidden
	}
	if err != nil {
		if sub != nil {
			c.srv.hub.Unsubscribe(sub)
		}
		msg := "failed to load job"
		switch {
		case errors.Is(err, store.ErrNotFound):
			msg = "job not found"
		case errors.Is(err, errForbidden):
			msg = errForbidden.Error()
		}
		c.emit(wsError, map[string]string{"message": msg, "job_id": jobID})
		return
	}
	c.emit(wsSubscribed, wsJobRef{JobID: jobID})
	snap := snapshot(job)
	c.emit(snap.SocketName(), snap)
	if sub != nil {
		c.subs[jobID] = sub
		c.wg.Add(1)
		go c.forward(sub, snap.Progress)
	}
}

func snapshot(job models.UploadJob) models.ProgressEvent {
	kind := models.EventProgress
	switch job.Status {
	case models.StatusCompleted:
		kind = models.EventComplete
	case models.StatusFailed:
		kind = models.EventFailed
	case models.StatusCancelled:
		kind = models.EventCancelled
	case models.StatusRateLimited:
		kind = models.EventRateLimitExceeded
	}
	ev := models.EventFromJob(kind, job, "")
	if job.ErrorMessage != nil {
		ev.Error = *job.ErrorMessage
	}
	if job.ReportFilePath != nil {
		ev.ReportFilePath = *job.ReportFilePath
	}
	ev.ResetTime = job.RateLimitResetAt
	return ev
}

// forward relays live events, skipping progress events older than what the
// client has already seen.
func (c *wsClient) forward(sub *events.Subscription, seen int) {
	defer c.wg.Done()
	for ev := range sub.C {
		if ev.Kind == models.EventProgress && ev.Progress < seen {
			continue
		}
		if ev.Progress > seen {
			seen = ev.Progress
		}
		if !c.emit(ev.SocketName(), ev) {
			return
		}
	}
}

// emit queues a message for the writer. It returns false once the client
// has gone away.
func (c *wsClient) emit(event string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return true
	}
	select {
	case c.send <- wsMessage{Event: event, Data: raw}:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsClient) close() {
	close(c.done)
	for id, sub := range c.subs {
		c.srv.hub.Unsubscribe(sub)
		delete(c.subs, id)
	}
	c.wg.Wait()
	c.conn.Close()
}
