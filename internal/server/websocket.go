package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// EventMessage is the wire form of a downloader.Event
type EventMessage struct {
	Type     string                    `json:"type"`
	JobID    string                    `json:"job_id"`
	State    downloader.State          `json:"state,omitempty"`
	Child    *downloader.Child         `json:"child,omitempty"`
	Progress *downloader.ProgressEvent `json:"progress,omitempty"`
	Warning  *downloader.Error         `json:"warning,omitempty"`
	Job      *downloader.Job           `json:"job,omitempty"`
	Reason   string                    `json:"reason,omitempty"`
}

func newEventMessage(ev downloader.Event) EventMessage {
	return EventMessage{
		Type:     ev.Type.String(),
		JobID:    ev.JobID,
		State:    ev.State,
		Child:    ev.Child,
		Progress: ev.Progress,
		Warning:  ev.Warning,
		Job:      ev.Job,
		Reason:   ev.Reason,
	}
}

// errClientGone is returned by writePump when the peer went away first
var errClientGone = errors.New("client disconnected")

// client streams the events of one job to one connection. done is closed
// when the server drops the client, gone when the peer does.
type client struct {
	conn *websocket.Conn
	send chan EventMessage

	done     chan struct{}
	doneOnce sync.Once
	gone     chan struct{}
	goneOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan EventMessage, sendBuffer),
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}
}

// deliver hands ev to the write pump. It blocks while the buffer is full,
// which only holds back this subscription.
func (c *client) deliver(ev downloader.Event) {
	select {
	case c.send <- newEventMessage(ev):
	case <-c.done:
	case <-c.gone:
	}
}

func (c *client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *client) disconnected() {
	c.goneOnce.Do(func() { close(c.gone) })
}

// readPump discards client messages and notices when the peer goes away
func (c *client) readPump() {
	defer c.disconnected()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends queued events and pings. It returns after the terminal
// event, when the peer disconnects or once the server drops the client.
func (c *client) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return err
			}
			if msg.Type == downloader.EventTerminal.String() {
				c.closeMessage(websocket.CloseNormalClosure, "job finished")
				return nil
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}

		case <-c.gone:
			return errClientGone

		case <-c.done:
			c.closeMessage(websocket.CloseGoingAway, "server shutting down")
			return nil
		}
	}
}

func (c *client) closeMessage(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// streamJob upgrades to a WebSocket and sends every event of the job up
// to and including its terminal event. A finished job gets its terminal
// event only.
func (s *Server) streamJob(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	cl := newClient(conn)
	if !s.addClient(cl) {
		cl.closeMessage(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.removeClient(cl)

	unsubscribe, err := s.engine.Subscribe(id, cl.deliver)
	if err != nil {
		cl.closeMessage(websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer unsubscribe()

	go cl.readPump()
	if err := cl.writePump(); err != nil {
		s.logger.Debug("websocket closed", "job_id", id, "error", err)
	}
	cl.shutdown()
}

// checkOrigin accepts requests without an Origin header and those from
// the allowed origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
