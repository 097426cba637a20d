package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"beacon/internal/broadcast"
	"beacon/internal/delivery"
	logx "beacon/pkg/logx"

	"github.com/go-chi/chi/v5"
)

const maxBody = 1 << 20

type createRequest struct {
	broadcast.CreateInput
	PIN string `json:"authorization_pin"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type testRequest struct {
	Recipients []string `json:"recipients"`
}

type receiptRequest struct {
	Medium string `json:"medium"`
	Count  int64  `json:"count"`
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.Create(r.Context(), actorFrom(r.Context()), meta(r), req.CreateInput, req.PIN)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, b)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := broadcast.ListFilter{
		Status:   broadcast.Status(strings.TrimSpace(q.Get("status"))),
		Category: broadcast.Category(strings.TrimSpace(q.Get("category"))),
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if raw := strings.TrimSpace(q.Get(key)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_INPUT", key+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}
	if raw := strings.TrimSpace(q.Get("community_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "community_id must be a positive integer")
			return
		}
		f.CommunityID = id
	}
	out, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []broadcast.Broadcast{}
	}
	writeSuccess(w, http.StatusOK, out)
}

type categoryView struct {
	Value broadcast.Category `json:"value"`
	Icon  string             `json:"icon"`
}

func (h *handler) categories(w http.ResponseWriter, _ *http.Request) {
	out := make([]categoryView, 0, len(broadcast.Categories))
	for _, c := range broadcast.Categories {
		out = append(out, categoryView{Value: c, Icon: c.Icon()})
	}
	writeSuccess(w, http.StatusOK, out)
}

func (h *handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, b)
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sum, err := h.svc.Send(r.Context(), actorFrom(r.Context()), meta(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, sum)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Cancel(r.Context(), actorFrom(r.Context()), meta(r), id, req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"broadcast_id": id, "status": broadcast.StatusCancelled})
}

func (h *handler) sendTest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req testRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "recipients is required")
		return
	}
	res, err := h.svc.SendTest(r.Context(), actorFrom(r.Context()), meta(r), id, req.Recipients)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.svc.DeliveryStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	trail, err := h.svc.AuditTrail(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trail == nil {
		trail = []broadcast.AuditEntry{}
	}
	writeSuccess(w, http.StatusOK, trail)
}

func (h *handler) receipts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req receiptRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := delivery.ParseMedium(req.Medium)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := h.svc.RecordReceipt(r.Context(), id, m, req.Count); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gatewayView struct {
	Name      string                  `json:"name"`
	Available bool                    `json:"available"`
	Active    bool                    `json:"active"`
	Health    *delivery.ChannelHealth `json:"health,omitempty"`
	Rate      delivery.RateStatus     `json:"rate"`
}

type channelView struct {
	Medium         delivery.Medium `json:"medium"`
	Healthy        bool            `json:"healthy"`
	SuccessRate1h  float64         `json:"success_rate_1h"`
	SuccessRate24h float64         `json:"success_rate_24h"`
	AvgLatencyMS   int64           `json:"avg_latency_ms"`
	Gateways       []gatewayView   `json:"gateways"`
}

func (h *handler) channelHealth(w http.ResponseWriter, r *http.Request) {
	out := make([]channelView, 0, len(h.channels))
	for _, ch := range h.channels {
		hl := ch.Health(r.Context())
		v := channelView{
			Medium:         ch.Medium(),
			Healthy:        hl.Healthy,
			SuccessRate1h:  hl.SuccessRate1h,
			SuccessRate24h: hl.SuccessRate24h,
			AvgLatencyMS:   hl.AvgLatency.Milliseconds(),
		}
		active := ch.Active()
		for _, g := range ch.Gateways() {
			gv := gatewayView{Name: g.Name(), Available: g.Available(), Active: active != nil && active.Name() == g.Name(), Rate: g.RateStatus()}
			if h.health != nil {
				if gh, ok := h.health.Lookup(ch.Medium(), g.Name()); ok {
					gv.Health = &gh
				}
			}
			v.Gateways = append(v.Gateways, gv)
		}
		out = append(out, v)
	}
	writeSuccess(w, http.StatusOK, out)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, status, code, msg)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid broadcast id")
		return 0, false
	}
	return id, true
}

func meta(r *http.Request) broadcast.RequestMeta {
	return broadcast.RequestMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func clientIP(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
		first, _, _ := strings.Cut(raw, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
