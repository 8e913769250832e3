package transport

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/flosch/pongo2/v6"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/model"
)

// ConsolePrefix is the path under which actions are served.
const ConsolePrefix = "/console/"

// Request headers feeding pipeline inputs.
const (
	HeaderCSRFToken      = "X-CSRF-Token"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// ActionResolver looks handlers up by action name.
type ActionResolver interface {
	Resolve(tag string) (*pipeline.Handler, error)
}

// TokenSource issues the anti-forgery token embedded in rendered forms.
type TokenSource interface {
	Token(sessionID string) string
}

// ConsoleDeps holds the collaborators of the action endpoint.
type ConsoleDeps struct {
	Actions     ActionResolver
	Services    *pipeline.Services
	Backend     model.Backend
	Preferences model.PreferenceStore
	Flash       model.FlashStore
	Views       *Views
	CSRF        TokenSource
	Logger      *zap.Logger
}

// Console serves /console/{action}: it decodes the request, runs the
// handler pipeline and turns the result into a page, a redirect or a raw
// block.
type Console struct {
	deps ConsoleDeps
}

// NewConsole creates the action endpoint.
func NewConsole(deps ConsoleDeps) *Console {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Console{deps: deps}
}

// ConsolePath returns the URL of a redirect target.
func ConsolePath(target string) string {
	return ConsolePrefix + target
}

func (c *Console) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.LoggerFrom(ctx, c.deps.Logger)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("Missing session"))
		return
	}

	name := chi.URLParam(r, "action")
	handler, err := c.deps.Actions.Resolve(name)
	if err != nil {
		var unknown *pipeline.UnknownTagError
		if !errors.As(err, &unknown) {
			logger.Error("resolving action", zap.String("action", name), zap.Error(err))
		}
		c.render(w, r, rctx, errorPage(r, "Not found", model.NewNotFoundError("The requested page does not exist.")))
		return
	}

	if !handler.ReadOnly() && r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		res := errorPage(r, "Method not allowed", model.NewBadRequestError("This action only accepts POST requests."))
		res.Status = http.StatusMethodNotAllowed
		c.render(w, r, rctx, res)
		return
	}

	fields, err := DecodeRequest(r)
	if err != nil {
		logger.Debug("undecodable request", zap.String("action", name), zap.Error(err))
		c.render(w, r, rctx, model.FatalPage())
		return
	}
	if _, ok := fields[pipeline.CSRFField]; !ok {
		if tok := r.Header.Get(HeaderCSRFToken); tok != "" {
			fields[pipeline.CSRFField] = tok
		}
	}

	run := handler.NewRun(pipeline.Env{
		Services:       c.deps.Services,
		Request:        model.NewRequest(fields),
		Backend:        c.deps.Backend,
		Preferences:    c.deps.Preferences,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	c.respond(w, r, rctx, run.Execute(ctx))
}

func (c *Console) respond(w http.ResponseWriter, r *http.Request, rctx *model.RequestContext, res model.ActionResult) {
	switch res.Kind {
	case model.ResultRedirect:
		if res.Flash != nil && c.deps.Flash != nil {
			if err := c.deps.Flash.Put(r.Context(), rctx.SessionID, *res.Flash); err != nil {
				c.storeError(r, "put", err)
			}
		}
		http.Redirect(w, r, ConsolePath(res.Target), http.StatusSeeOther)
	case model.ResultRaw:
		status := res.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", res.ContentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(res.Payload))
	default:
		c.render(w, r, rctx, res)
	}
}

// render shows a page together with the pending flash message, which is
// consumed by this render.
func (c *Console) render(w http.ResponseWriter, r *http.Request, rctx *model.RequestContext, res model.ActionResult) {
	flash := res.Flash
	if c.deps.Flash != nil {
		pending, err := c.deps.Flash.Pop(r.Context(), rctx.SessionID)
		if err != nil {
			c.storeError(r, "pop", err)
		}
		if pending != nil {
			flash = pending
		}
	}

	csrfToken := ""
	if c.deps.CSRF != nil {
		csrfToken = c.deps.CSRF.Token(rctx.SessionID)
	}

	data := pongo2.Context{
		"title":      res.Title,
		"view":       res.View,
		"data":       res.Data,
		"user":       rctx,
		"csrf_token": csrfToken,
		"base":       ConsolePrefix,
	}
	if flash != nil {
		data["flash"] = *flash
	}

	var buf bytes.Buffer
	if err := c.deps.Views.Render(&buf, res.View, data); err != nil {
		observability.LoggerFrom(r.Context(), c.deps.Logger).Error("rendering view",
			zap.String("view", res.View), zap.Error(err))
		WriteError(w, r, model.NewInternalError())
		return
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (c *Console) storeError(r *http.Request, op string, err error) {
	observability.LoggerFrom(r.Context(), c.deps.Logger).Warn("flash store failed",
		zap.String("operation", op), zap.Error(err))
	if s := c.deps.Services; s != nil && s.Metrics != nil {
		s.Metrics.RecordStoreError("flash", op)
	}
}
