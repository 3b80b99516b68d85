package restapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/models"
	"routeopt.transitworks.org/internal/scheduler"
	"routeopt.transitworks.org/internal/utils"
)

// closeFrame ends the stream with a websocket close message.
type closeFrame struct {
	code int
	text string
}

func (closeFrame) Droppable() bool { return false }

// optimizeLiveHandler streams one optimization job over a websocket. Bad
// input is rejected before the upgrade. The job is cancelled when the client
// disconnects or stays silent for StreamIdleTimeout.
func (api *RestAPI) optimizeLiveHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := utils.ParseIDList(r.URL.Query().Get("route_ids"))
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.Scheduler.Validate(ids); err != nil {
		api.errorResponse(w, r, err, false)
		return
	}

	logger := logging.FromContext(r.Context()).With(slog.String("component", "stream_gateway"))

	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		logging.LogError(logger, "websocket upgrade failed", err)
		return
	}
	defer logging.SafeCloseWithLogging(conn, logger, "websocket_conn")

	if api.Metrics != nil {
		api.Metrics.ActiveSubscriptions.Inc()
		defer api.Metrics.ActiveSubscriptions.Dec()
	}

	// The request context ends with the hijacked connection's handler, so
	// the job gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFrameQueue(api.Config.StreamBuffer, func() {
		if api.Metrics != nil {
			api.Metrics.DroppedFramesTotal.Inc()
		}
	})
	queue.push(models.ConnectedFrame(fmt.Sprintf("Connected to %s, optimizing %d route(s)", api.CityName(), len(ids))))

	idle := api.Config.StreamIdleTimeout
	var idleTimedOut atomic.Bool
	var readerDone sync.WaitGroup
	readerDone.Add(1)
	go func() {
		defer readerDone.Done()
		idleTimedOut.Store(api.readStream(conn, idle, logger))
		cancel()
		queue.close()
	}()

	var jobDone sync.WaitGroup
	jobDone.Add(1)
	go func() {
		defer jobDone.Done()
		defer queue.close()
		api.runStreamJob(ctx, GetRequestID(r.Context()), ids, queue, logger)
	}()

	api.writeStream(conn, queue, logger)
	cancel()
	jobDone.Wait()

	if idleTimedOut.Load() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
	}
	_ = conn.Close()
	readerDone.Wait()
}

// readStream consumes client messages until the connection fails. Any
// message, including a ping, extends the idle deadline. It reports whether
// the deadline expired.
func (api *RestAPI) readStream(conn *websocket.Conn, idle time.Duration, logger *slog.Logger) bool {
	extend := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Info("stream idle timeout", slog.Duration("idle", idle))
				return true
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream reader stopped", slog.String("error", err.Error()))
			}
			return false
		}
		extend()
	}
}

// runStreamJob runs the scheduler and queues its events, then the final
// close frame. A cancelled job queues nothing more.
func (api *RestAPI) runStreamJob(ctx context.Context, jobID string, ids []string, queue *frameQueue, logger *slog.Logger) {
	summary, err := api.Scheduler.Run(ctx, scheduler.Job{ID: jobID, RouteIDs: ids, Mode: "stream"}, func(ev scheduler.Event) {
		queue.push(models.NewProgressFrame(ev, api.Network))
	})

	switch {
	case err == nil:
		queue.push(closeFrame{code: websocket.CloseNormalClosure, text: "optimization finished"})
	case ctx.Err() != nil:
		logging.LogOperation(logger, "stream_job_cancelled", slog.String("job_id", summary.JobID))
	case errors.Is(err, scheduler.ErrBusy):
		queue.push(models.ErrorFrame(err.Error()))
		queue.push(closeFrame{code: websocket.CloseTryAgainLater, text: "busy"})
	default:
		logging.LogError(logger, "stream job failed", err)
		queue.push(models.ErrorFrame("internal error: " + err.Error()))
		queue.push(closeFrame{code: websocket.CloseInternalServerErr, text: "internal error"})
	}
}

// writeStream sends queued frames in order until the close frame, a write
// error, or a closed and drained queue.
func (api *RestAPI) writeStream(conn *websocket.Conn, queue *frameQueue, logger *slog.Logger) {
	for {
		frame, ok := queue.pop()
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))

		if cf, isClose := frame.(closeFrame); isClose {
			msg := websocket.FormatCloseMessage(cf.code, cf.text)
			if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				logger.Debug("stream close failed", slog.String("error", err.Error()))
			}
			return
		}
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug("stream write failed", slog.String("error", err.Error()))
			return
		}
	}
}
