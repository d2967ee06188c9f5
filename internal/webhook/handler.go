// Package webhook implements the inbound GitHub side of the bridge: the
// signature check, the ingress pipeline from HTTP request to rendered lines,
// and the listener that carries it.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"neferus/internal/github"
	"neferus/internal/metrics"
	"neferus/pkg/logx"
)

// GitHub caps webhook payloads at 25 MB; anything larger is not GitHub.
const maxBodyBytes = 25 << 20

// Sink is the slice of the notification service the handler needs.
type Sink interface {
	// EnsureReady blocks until the IRC connection is usable or ctx expires.
	EnsureReady(ctx context.Context) error
	// Deliver sends the lines to every configured channel. The returned
	// error aggregates per-channel failures; delivery to the remaining
	// channels continues regardless.
	Deliver(ctx context.Context, lines []string) error
}

// Options is the per-request snapshot of everything the handler reads from
// config. A fresh snapshot is taken for each request so hot reloads apply
// without restarting the listener.
type Options struct {
	Secret          string
	MaxCommits      int
	AnnounceRuntime bool
	ConnectTimeout  time.Duration
	HandleTimeout   time.Duration
}

// Handler is the single ingress endpoint. It answers on every path; GitHub
// is told the full URL and nothing else lives on this listener.
type Handler struct {
	options func() Options
	sink    Sink
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewHandler(options func() Options, sink Sink, log logx.Logger, m *metrics.Metrics) *Handler {
	return &Handler{options: options, sink: sink, log: log, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("webhook handler panic",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
			h.fail(w, http.StatusInternalServerError)
		}
	}()

	if r.Method != http.MethodPost {
		h.fail(w, http.StatusMethodNotAllowed)
		return
	}

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		h.fail(w, http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		h.fail(w, http.StatusBadRequest)
		return
	}
	delivery := r.Header.Get("X-GitHub-Delivery")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.log.Warn("failed reading webhook body", logx.Err(err), logx.String("delivery", delivery))
		h.fail(w, http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		h.fail(w, http.StatusBadRequest)
		return
	}

	opts := h.options()

	switch res := VerifySignature(body, r.Header.Get("X-Hub-Signature"), opts.Secret); res {
	case AuthVerified:
	case AuthUnverified:
		h.log.Warn("handling webhook without signature verification",
			logx.String("event", event), logx.String("delivery", delivery))
	case AuthForbidden:
		h.log.Warn("rejecting webhook with missing or wrong signature",
			logx.String("event", event), logx.String("delivery", delivery))
		h.fail(w, http.StatusForbidden)
		return
	case AuthInternalError:
		h.log.Error("webhook signed but no secret is configured",
			logx.String("event", event), logx.String("delivery", delivery))
		h.fail(w, http.StatusInternalServerError)
		return
	}

	if !json.Valid(body) {
		h.fail(w, http.StatusBadRequest)
		return
	}

	h.metrics.RecordEvent(github.ParseKind(event).String())

	res := github.NewRenderer(opts.MaxCommits, opts.AnnounceRuntime).Dispatch(event, body)
	switch res.Outcome {
	case github.OutcomeUnsupported:
		h.log.Warn("unsupported event",
			logx.String("event", event), logx.String("reason", res.Reason),
			logx.String("delivery", delivery))
		h.fail(w, http.StatusNotImplemented)
		return
	case github.OutcomeSkipped:
		h.log.Debug("event skipped",
			logx.String("event", event), logx.String("reason", res.Reason),
			logx.String("delivery", delivery))
		h.accept(w)
		return
	}

	// Connecting gets its own budget so a dead IRC server turns into a
	// prompt timeout instead of a hung request.
	connectCtx, cancel := context.WithTimeout(r.Context(), opts.ConnectTimeout)
	err = h.sink.EnsureReady(connectCtx)
	cancel()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.log.Error("irc connection not ready",
			logx.Err(err), logx.String("event", event), logx.String("delivery", delivery))
		h.fail(w, status)
		return
	}

	deliverCtx, cancel := context.WithTimeout(r.Context(), opts.HandleTimeout)
	defer cancel()
	if err := h.sink.Deliver(deliverCtx, res.Lines); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.log.Error("delivery timed out",
				logx.Err(err), logx.String("event", event), logx.String("delivery", delivery))
			h.fail(w, http.StatusGatewayTimeout)
			return
		}
		// Some channels failed. The event is still accepted; GitHub must
		// not retry because one channel was kicked or renamed.
		h.log.Warn("delivery incomplete",
			logx.Err(err), logx.String("event", event), logx.String("delivery", delivery))
	}
	h.accept(w)
}

func (h *Handler) fail(w http.ResponseWriter, status int) {
	h.metrics.RecordResponse(strconv.Itoa(status))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, randomQuote())
}

func (h *Handler) accept(w http.ResponseWriter) {
	h.metrics.RecordResponse(strconv.Itoa(http.StatusAccepted))
	w.WriteHeader(http.StatusAccepted)
}
