package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/conversation"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/session"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

// Version is reported by /health. Set at build time.
var Version = "dev"

const maxBodyBytes = 64 << 10

// Client-facing messages of the provisioning API.
const (
	msgUserNotFound   = "El user_id proporcionado no existe en la tabla users."
	msgNumberRequired = "Number is required"
	msgNumberInvalid  = "Number must contain only digits"
	msgNumberTaken    = "El número ya está asociado a otro usuario."
	msgProvisionWait  = "timed out waiting for the channel to report a QR code"
)

type createBotRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Number string `json:"number" validate:"required,numeric,min=8,max=20"`
}

type regenerateRequest struct {
	Number string `json:"number" validate:"required,numeric,min=8,max=20"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. It writes the error response itself and
// reports whether the caller should continue.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// validationMessage maps the first failing field to its client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Field() {
	case "UserID":
		return msgUserNotFound
	case "Number":
		if fe.Tag() == "required" {
			return msgNumberRequired
		}
		return msgNumberInvalid
	}
	return fe.Error()
}

// handleCreateBot implements POST /create-bot.
func (g *Gateway) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	exists, err := g.deps.Tenants.UserExists(ctx, req.UserID)
	if err != nil {
		g.logger.Error("gateway: user lookup failed", "user_id", req.UserID, "error", err)
		g.writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		g.writeError(w, msgUserNotFound, http.StatusBadRequest)
		return
	}
	if err := g.deps.Tenants.RegisterChannel(ctx, req.UserID, req.Number); err != nil {
		if errors.Is(err, store.ErrChannelTaken) {
			g.logger.Warn("gateway: number owned by another tenant", "number", req.Number, "user_id", req.UserID)
			g.writeError(w, msgNumberTaken, http.StatusConflict)
			return
		}
		g.logger.Error("gateway: channel registration failed", "number", req.Number, "error", err)
		g.writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	g.provision(w, r, req.Number, func(ctx context.Context, fn session.ProvisionFunc) error {
		return g.deps.Sessions.Start(ctx, req.Number, req.UserID, fn)
	})
}

// handleRegenerateQR implements POST /regenerate_qr.
func (g *Gateway) handleRegenerateQR(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	g.provision(w, r, req.Number, func(ctx context.Context, fn session.ProvisionFunc) error {
		return g.deps.Sessions.Regenerate(ctx, req.Number, fn)
	})
}

// provision starts a channel through start and holds the request open
// until the manager reports a QR code, an open connection or a failure.
func (g *Gateway) provision(w http.ResponseWriter, r *http.Request, number string, start func(context.Context, session.ProvisionFunc) error) {
	results := make(chan session.ProvisionResult, 1)
	fn := func(res session.ProvisionResult) {
		select {
		case results <- res:
		default:
		}
	}

	if err := start(r.Context(), fn); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidChannel):
			g.writeError(w, msgNumberInvalid, http.StatusBadRequest)
		case errors.Is(err, session.ErrShuttingDown):
			g.writeError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			g.logger.Error("gateway: provisioning failed", "number", number, "error", err)
			g.writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	timer := time.NewTimer(g.config.ProvisionTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		g.writeProvision(w, res)
	case <-timer.C:
		g.logger.Warn("gateway: provisioning timed out", "number", number)
		g.writeError(w, msgProvisionWait, http.StatusGatewayTimeout)
	case <-r.Context().Done():
		g.logger.Debug("gateway: provisioning caller went away", "number", number)
	}
}

func (g *Gateway) writeProvision(w http.ResponseWriter, res session.ProvisionResult) {
	switch res.Status {
	case session.ProvisionQR:
		g.writeJSON(w, http.StatusOK, map[string]string{"qr_code_url": res.QRCodeURL})
	case session.ProvisionConnected:
		g.writeJSON(w, http.StatusOK, map[string]string{"message": res.Message})
	default:
		g.writeError(w, res.Message, http.StatusInternalServerError)
	}
}

// handleListChannels implements GET /api/channels.
func (g *Gateway) handleListChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := g.deps.Sessions.Channels()
	out := make([]channelView, 0, len(snaps))
	for _, snap := range snaps {
		view := channelView{Snapshot: snap}
		if g.deps.Conversations != nil {
			for _, c := range g.deps.Conversations.List(snap.Number) {
				view.Conversations++
				if c.Status == conversation.StatusPaused {
					view.Paused++
				}
			}
		}
		out = append(out, view)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// channelView is one entry of GET /api/channels.
type channelView struct {
	session.Snapshot
	Conversations int `json:"conversations"`
	Paused        int `json:"paused_conversations"`
}

// handleChannelConversations implements GET /api/channels/{number}/conversations.
func (g *Gateway) handleChannelConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var list []conversation.Snapshot
	if g.deps.Conversations != nil {
		list = g.deps.Conversations.List(r.PathValue("number"))
	}
	if list == nil {
		list = []conversation.Snapshot{}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Participant < list[j].Participant })
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	channelsMap := make(map[string]string)
	if g.deps.Sessions != nil {
		for _, snap := range g.deps.Sessions.Channels() {
			channelsMap[snap.Number] = string(snap.State)
		}
	}

	status, code := "ok", http.StatusOK
	resp := map[string]any{
		"version":  Version,
		"uptime":   uptime,
		"channels": channelsMap,
	}
	if g.deps.Conversations != nil {
		resp["conversations"] = g.deps.Conversations.Count()
	}
	if g.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		dbs := g.deps.Health.Status(ctx)
		for _, st := range dbs {
			if !st.Healthy {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		resp["database"] = dbs
	}
	resp["status"] = status
	g.writeJSON(w, code, resp)
}
