// Command ichess-server runs the matchmaking and game-session core as a
// standalone process: a websocket transport, the serialising dispatcher,
// and the two background loops (matchmaker, clock ticker), wired the way
// the teacher's main.go wires its engine pool and Gin router, generalized
// from one stateless endpoint into a long-lived, signal-aware service.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hezhaoyun/ichess-server/internal/clock"
	"github.com/hezhaoyun/ichess-server/internal/config"
	"github.com/hezhaoyun/ichess-server/internal/dispatch"
	"github.com/hezhaoyun/ichess-server/internal/enginepool"
	"github.com/hezhaoyun/ichess-server/internal/httpapi"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/matchmaker"
	"github.com/hezhaoyun/ichess-server/internal/player"
	"github.com/hezhaoyun/ichess-server/internal/store"
	"github.com/hezhaoyun/ichess-server/internal/transport"
)

// inboundFrame is the wire shape of a client->server event (spec §4.8):
// `{"event": "...", "payload": {...}}`.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	log := logging.New("main")
	cfg := config.Default()

	enginePath, err := enginepool.SelectBinary(cfg.EnginePath)
	if err != nil {
		log.Error("no chess engine binary found: %v", err)
		os.Exit(1)
	}
	log.Info("using chess engine at %s", enginePath)

	engines := enginepool.New(enginePath, cfg.EnginePoolCapacity, log)
	defer engines.Close()

	repo := store.NewMemoryRepository()
	players := player.New(repo, log)
	hub := transport.NewHub(log)

	d := dispatch.New(cfg, log, hub, players, engines)

	mm := matchmaker.New(cfg, d, log, nil)
	clockTicker := clock.New(cfg, d, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go mm.Run(ctx)
	go clockTicker.Run(ctx)

	wsHandler := func(c *gin.Context) {
		conn, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("main: websocket upgrade failed: %v", err)
			return
		}
		sid := uuid.NewString()
		hub.Register(sid, conn)
		d.OnConnect(sid)

		go serveConnection(sid, conn, hub, d, log)
	}

	router := httpapi.NewRouter(d, wsHandler)
	srv := &http.Server{Addr: ":8080", Handler: router}

	go func() {
		log.Info("starting ichess-server on :8080")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down ichess-server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown: %v", err)
	}

	cancel()
	log.Info("closing engine pool...")
	engines.Close()
	log.Info("ichess-server exiting")
}

// serveConnection reads inbound frames off conn until it closes, routing
// each to the dispatcher, then tears the session down as a disconnect.
func serveConnection(sid string, conn *websocket.Conn, hub *transport.Hub, d *dispatch.Dispatcher, log *logging.Logger) {
	defer func() {
		hub.Remove(sid)
		d.OnDisconnect(sid)
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		handleFrame(sid, frame, d, log)
	}
}

func handleFrame(sid string, frame inboundFrame, d *dispatch.Dispatcher, log *logging.Logger) {
	switch frame.Event {
	case "join":
		var p struct {
			PID  string `json:"pid"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("main: malformed join from %s: %v", sid, err)
			return
		}
		d.OnJoin(sid, p.PID, p.Name)

	case "match":
		var p struct {
			TimeControl int `json:"time_control"`
		}
		_ = json.Unmarshal(frame.Payload, &p)
		d.OnMatch(sid, p.TimeControl)

	case "move":
		var p struct {
			Move string `json:"move"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		d.OnMove(sid, p.Move)

	case "resign":
		d.OnResign(sid)

	case "propose_draw":
		d.OnDrawProposal(sid)

	case "draw_response":
		var p struct {
			Accepted bool `json:"accepted"`
		}
		_ = json.Unmarshal(frame.Payload, &p)
		d.OnDrawResponse(sid, p.Accepted)

	case "propose_takeback":
		d.OnTakebackProposal(sid)

	case "takeback_response":
		var p struct {
			Accepted bool `json:"accepted"`
		}
		_ = json.Unmarshal(frame.Payload, &p)
		d.OnTakebackResponse(sid, p.Accepted)

	case "message":
		// Ad-hoc plain-text messages (spec §4.8) are logged but otherwise
		// unhandled; chat moderation/relay is an explicit non-goal.
		log.Debug("main: message from %s: %s", sid, string(frame.Payload))

	default:
		log.Debug("main: ignoring unrecognised event %q from %s", frame.Event, sid)
	}
}
