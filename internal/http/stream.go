package httpx

import (
	"net/http"

	"github.com/splax/callwatch/internal/domain"
	"github.com/splax/callwatch/internal/realtime"
	"github.com/splax/callwatch/internal/ws"
)

type statusFrame struct {
	State string `json:"state"`
}

// bridge forwards monitor notifications to stream subscribers. Publishing is skipped while
// nobody is watching.
func (r *Router) bridge() {
	r.unsubscribe = append(r.unsubscribe,
		r.monitor.SubscribeMetrics(func(rows []domain.AggregateMetric) {
			r.publish(ws.FrameMetrics, rows)
		}),
		r.monitor.SubscribeRealtime(func(events []domain.RealtimeEvent) {
			r.publish(ws.FrameRealtime, events)
		}),
		r.monitor.SubscribeState(func(state realtime.State) {
			r.publish(ws.FrameStatus, statusFrame{State: state.String()})
		}),
	)
}

func (r *Router) publish(frameType string, data any) {
	if r.hub.Count(ws.TopicMonitor) == 0 {
		return
	}
	if err := r.hub.Publish(ws.TopicMonitor, frameType, data); err != nil {
		r.logger.Warn("encode stream frame failed", "type", frameType, "error", err)
	}
}

// greet sends the current snapshot so a new subscriber does not wait for the next change.
func (r *Router) greet(sub ws.Subscriber) error {
	frames := []struct {
		kind string
		data any
	}{
		{ws.FrameStatus, statusFrame{State: r.monitor.RealtimeState().String()}},
		{ws.FrameMetrics, r.monitor.Metrics()},
		{ws.FrameRealtime, r.monitor.History()},
	}
	for _, f := range frames {
		payload, err := ws.EncodeFrame(f.kind, f.data)
		if err != nil {
			return err
		}
		if err := sub.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleMonitorWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if err := r.greet(client); err != nil {
		r.logger.Warn("websocket greeting failed", "error", err)
		client.Close()
		return
	}
	r.hub.Register(ws.TopicMonitor, client)
	go func() {
		<-client.Done()
		r.hub.Unregister(ws.TopicMonitor, client)
	}()
}

func (r *Router) handleMonitorSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, r.logger)
	if err := r.greet(client); err != nil {
		return
	}
	r.hub.Register(ws.TopicMonitor, client)
	defer r.hub.Unregister(ws.TopicMonitor, client)

	if err := client.Serve(req.Context(), r.heartbeat); err != nil {
		r.logger.Debug("sse stream ended", "error", err)
	}
}
