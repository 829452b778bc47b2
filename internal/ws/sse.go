package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/accrual"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const sseHeartbeat = 30 * time.Second

type SSEHandler struct {
	cache     *store.Cache
	sim       *accrual.Simulator
	table     calc.Table
	logger    *zap.SugaredLogger
	heartbeat time.Duration
}

func NewSSEHandler(cache *store.Cache, sim *accrual.Simulator, table calc.Table, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:     cache,
		sim:       sim,
		table:     table,
		logger:    logger,
		heartbeat: sseHeartbeat,
	}
}

// HandleSSE streams notifications for ?intent= and ?address=. When
// ?principal= and ?months= are present an accrual simulation is streamed on
// the same connection.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	channels := make([]string, 0, 2)
	if intent := q.Get("intent"); intent != "" {
		channels = append(channels, store.ChannelIntent(intent))
	}
	if address := q.Get("address"); address != "" {
		channels = append(channels, store.ChannelUser(address))
	}

	params, simulate, err := h.accrualParams(q.Get("principal"), q.Get("months"), q.Get("ratePercent"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(channels) == 0 && !simulate {
		http.Error(w, "intent, address or principal is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var snapshots <-chan calc.Snapshot
	if simulate {
		handle, err := h.sim.Start(ctx, params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer handle.Stop()
		snapshots = handle.Snapshots()
	}

	var messages <-chan *store.Message
	if len(channels) > 0 {
		sub := h.cache.Subscribe(ctx, channels...)
		defer sub.Close()
		messages = sub.Messages()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.logger.Debugw("SSE connection established", "channels", channels, "simulate", simulate)
	h.sendEvent(w, flusher, "connected", "", map[string]interface{}{"channels": channels})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, flusher, "heartbeat", "", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				if messages == nil {
					return
				}
				continue
			}
			h.sendEvent(w, flusher, "accrual", "", snap)

		case msg, ok := <-messages:
			if !ok {
				return
			}
			h.sendEvent(w, flusher, eventType(msg.Payload), msg.Channel, json.RawMessage(msg.Payload))
		}
	}
}

func (h *SSEHandler) accrualParams(principal, months, rate string) (calc.AccrualParams, bool, error) {
	if principal == "" {
		return calc.AccrualParams{}, false, nil
	}
	p, err := decimal.NewFromString(principal)
	if err != nil {
		return calc.AccrualParams{}, false, fmt.Errorf("invalid principal: %w", err)
	}
	m, err := strconv.Atoi(months)
	if err != nil {
		return calc.AccrualParams{}, false, fmt.Errorf("invalid months: %w", err)
	}
	params := calc.AccrualParams{
		Principal:          p,
		AnnualRatePercent:  h.table.RateFor(p),
		LockDurationMonths: m,
	}
	if rate != "" {
		r, err := decimal.NewFromString(rate)
		if err != nil {
			return calc.AccrualParams{}, false, fmt.Errorf("invalid ratePercent: %w", err)
		}
		params.AnnualRatePercent = r
	}
	return params, true, nil
}

// eventType names the SSE event after the notification's "type" field.
func eventType(payload string) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil || head.Type == "" {
		return "update"
	}
	return head.Type
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event, id string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Errorw("Failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
	flusher.Flush()
}
