package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hostpilot/warden/pkg/action"
	"github.com/hostpilot/warden/pkg/auth"
	"github.com/hostpilot/warden/pkg/dispatch"
	"github.com/hostpilot/warden/pkg/element"
	"github.com/hostpilot/warden/pkg/fault"
	"github.com/hostpilot/warden/pkg/session"
)

// Server routes the control-plane and action endpoints.
type Server struct {
	guard      *auth.Guard
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	index      *element.Index
	caps       action.Capabilities
	validator  *Validator
	limiter    *GlobalRateLimiter
	logger     *slog.Logger
}

// NewServer wires the handler graph. rps/burst parameterize the transport
// per-IP limiter.
func NewServer(
	guard *auth.Guard,
	sessions *session.Store,
	dispatcher *dispatch.Dispatcher,
	index *element.Index,
	caps action.Capabilities,
	rps, burst int,
	logger *slog.Logger,
) (*Server, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		guard:      guard,
		sessions:   sessions,
		dispatcher: dispatcher,
		index:      index,
		caps:       caps,
		validator:  validator,
		limiter:    NewGlobalRateLimiter(rps, burst),
		logger:     logger.With("component", "api"),
	}, nil
}

// Handler builds the full middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authn := NewAuthenticator(s.guard)

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /session", authn.AgentOnly(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("DELETE /session", authn.Authenticated(http.HandlerFunc(s.handleDeleteSession)))
	mux.Handle("POST /session/override", authn.Authenticated(http.HandlerFunc(s.handleOverride)))
	mux.Handle("GET /session/pending/{request_id}", authn.Authenticated(http.HandlerFunc(s.handlePending)))
	mux.Handle("POST /session/confirm", authn.Authenticated(http.HandlerFunc(s.handleConfirm)))
	mux.Handle("POST /session/deny", authn.Authenticated(http.HandlerFunc(s.handleDeny)))

	for _, route := range []struct {
		pattern  string
		endpoint string
	}{
		{"POST /click", "/click"},
		{"POST /type", "/type"},
		{"POST /press", "/press"},
		{"POST /open_app", "/open_app"},
		{"POST /run_applescript", "/run_applescript"},
		{"POST /run_shortcut", "/run_shortcut"},
		{"GET /screenshot", "/screenshot"},
		{"POST /ocr", "/ocr"},
		{"GET /cursor", "/cursor"},
		{"GET /screen", "/screen"},
		{"POST /ax/snapshot", "/ax/snapshot"},
		{"POST /ax/action", "/ax/action"},
	} {
		mux.Handle(route.pattern, authn.Authenticated(s.actionHandler(route.endpoint)))
	}
	mux.Handle("POST /ax/search", authn.Authenticated(http.HandlerFunc(s.handleSearch)))

	return RequestID(s.limiter.Middleware(LimitBody(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteData(w, r, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, token, err := s.sessions.Create()
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, r, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"token":      token,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := auth.SessionID(r.Context())
	s.sessions.Expire(id)
	WriteData(w, r, http.StatusOK, map[string]any{"session_id": id})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := s.validator.Validate("/session/override", payload); err != nil {
		WriteFault(w, r, err)
		return
	}

	endpoint := strField(payload, "endpoint", "")
	mode := session.OverrideMode(strField(payload, "mode", ""))
	if err := s.sessions.SetOverride(auth.SessionID(r.Context()), endpoint, mode); err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, map[string]any{"endpoint": endpoint, "mode": mode})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	state, err := s.dispatcher.Resolve(r.PathValue("request_id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, map[string]any{
		"request_id": state.RequestID,
		"state":      state.State,
		"endpoint":   state.Endpoint,
		"timeout_at": state.TimeoutAt,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	body, err := decodePayload(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := s.validator.Validate("/session/confirm", body); err != nil {
		WriteFault(w, r, err)
		return
	}

	requestID := strField(body, "request_id", "")
	endpoint := strField(body, "endpoint", "")
	payload, _ := body["payload"].(map[string]any)

	fn, err := s.actionFunc(endpoint, payload)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	res, err := s.dispatcher.Confirm(r.Context(), requestID, endpoint, payload, fn)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, res.Data)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	body, err := decodePayload(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := s.validator.Validate("/session/deny", body); err != nil {
		WriteFault(w, r, err)
		return
	}

	denied, err := s.dispatcher.Deny(strField(body, "request_id", ""))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteData(w, r, http.StatusOK, map[string]any{
		"request_id": denied.RequestID,
		"state":      denied.State,
	})
}

// handleSearch queries the element index directly: it reads control-plane
// state the session already built, with no external effect to gate.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := s.validator.Validate("/ax/search", payload); err != nil {
		WriteFault(w, r, err)
		return
	}

	seq, err := s.index.Search(
		uint64(intField(payload, "generation", 0)),
		strField(payload, "query", ""),
		strField(payload, "role", ""),
	)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	matches := []element.Handle{}
	for h := range seq {
		matches = append(matches, h)
	}
	WriteData(w, r, http.StatusOK, map[string]any{"matches": matches})
}

// actionHandler runs one endpoint through the dispatch pipeline.
func (s *Server) actionHandler(endpoint string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := decodePayload(r)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		if err := s.validator.Validate(endpoint, payload); err != nil {
			WriteFault(w, r, err)
			return
		}

		// require_confirm is a dispatch instruction, not part of the action:
		// it is stripped before the payload is digested or evaluated, so a
		// later confirm re-supplies only the action itself.
		requireConfirm, _ := payload["require_confirm"].(bool)
		delete(payload, "require_confirm")

		fn, err := s.actionFunc(endpoint, payload)
		if err != nil {
			WriteFault(w, r, err)
			return
		}

		res, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
			SessionID:      auth.SessionID(r.Context()),
			Endpoint:       endpoint,
			Payload:        payload,
			RequireConfirm: requireConfirm,
		}, fn)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		WriteData(w, r, http.StatusOK, res.Data)
	})
}

// actionFunc binds an endpoint and validated payload to the external call
// it performs. Confirm uses the same binding, so a confirmed action runs
// exactly the code its proposal would have run.
func (s *Server) actionFunc(endpoint string, payload map[string]any) (dispatch.ActionFunc, error) {
	switch endpoint {
	case "/click":
		x, y := intField(payload, "x", 0), intField(payload, "y", 0)
		button := action.Button(strField(payload, "button", string(action.ButtonLeft)))
		return func(ctx context.Context) (any, error) {
			if err := s.caps.InjectClick(ctx, x, y, button); err != nil {
				return nil, err
			}
			return map[string]any{"x": x, "y": y, "button": button}, nil
		}, nil

	case "/type":
		text := strField(payload, "text", "")
		interval := time.Duration(floatField(payload, "interval", 0) * float64(time.Second))
		return func(ctx context.Context) (any, error) {
			if err := s.caps.InjectType(ctx, text, interval); err != nil {
				return nil, err
			}
			return map[string]any{"typed": len(text)}, nil
		}, nil

	case "/press":
		keys := strSliceField(payload, "keys")
		return func(ctx context.Context) (any, error) {
			if err := s.caps.InjectKeys(ctx, keys); err != nil {
				return nil, err
			}
			return map[string]any{"keys": keys}, nil
		}, nil

	case "/open_app":
		name := strField(payload, "name", "")
		return func(ctx context.Context) (any, error) {
			if err := s.caps.LaunchOrFocusApp(ctx, name); err != nil {
				return nil, err
			}
			return map[string]any{"app": name}, nil
		}, nil

	case "/run_applescript":
		script := strField(payload, "script", "")
		return func(ctx context.Context) (any, error) {
			out, err := s.caps.RunScript(ctx, script)
			if err != nil {
				return nil, err
			}
			return map[string]any{"output": out}, nil
		}, nil

	case "/run_shortcut":
		name := strField(payload, "name", "")
		return func(ctx context.Context) (any, error) {
			if err := s.caps.RunNamedAutomation(ctx, name); err != nil {
				return nil, err
			}
			return map[string]any{"shortcut": name}, nil
		}, nil

	case "/screenshot":
		return func(ctx context.Context) (any, error) {
			img, err := s.caps.CaptureScreen(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"png_base64": base64.StdEncoding.EncodeToString(img.PNG),
			}, nil
		}, nil

	case "/ocr":
		region := regionField(payload)
		return func(ctx context.Context) (any, error) {
			text, err := s.caps.RecognizeText(ctx, region)
			if err != nil {
				return nil, err
			}
			return map[string]any{"text": text}, nil
		}, nil

	case "/cursor":
		return func(ctx context.Context) (any, error) {
			p, err := s.caps.ReadCursor(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"x": p.X, "y": p.Y}, nil
		}, nil

	case "/screen":
		return func(ctx context.Context) (any, error) {
			size, err := s.caps.ScreenSize(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"width": size.Width, "height": size.Height}, nil
		}, nil

	case "/ax/snapshot":
		scope := strField(payload, "scope", "")
		maxDepth := intField(payload, "max_depth", 0)
		return func(ctx context.Context) (any, error) {
			gen, handles, err := s.index.BuildSnapshot(ctx, scope, maxDepth)
			if err != nil {
				return nil, err
			}
			return map[string]any{"generation": gen, "elements": handles}, nil
		}, nil

	case "/ax/action":
		handleID := strField(payload, "handle_id", "")
		verb := strField(payload, "action", "")
		button := action.Button(strField(payload, "button", string(action.ButtonLeft)))
		value := strField(payload, "value", "")
		return func(ctx context.Context) (any, error) {
			// Resolution happens at execution time so a confirmed action
			// still fails on a handle that went stale while parked.
			target, err := s.index.Resolve(handleID)
			if err != nil {
				return nil, err
			}
			switch verb {
			case "click":
				err = s.caps.InjectClick(ctx, target.Point.X, target.Point.Y, button)
			case "focus":
				err = s.caps.InjectClick(ctx, target.Point.X, target.Point.Y, action.ButtonLeft)
			case "set_value":
				if err = s.caps.InjectClick(ctx, target.Point.X, target.Point.Y, action.ButtonLeft); err == nil {
					err = s.caps.InjectType(ctx, value, 0)
				}
			default:
				return nil, fault.Newf(fault.KindBadRequest, "unknown element action %q", verb)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"handle_id": handleID, "action": verb, "target": target.Point}, nil
		}, nil
	}
	return nil, fault.Newf(fault.KindBadRequest, "unknown endpoint %s", endpoint)
}

// decodePayload reads the request body as a JSON object. An empty body is
// an empty payload.
func decodePayload(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fault.New(fault.KindBadRequest, "request body too large")
		}
		return nil, fault.Wrap(fault.KindBadRequest, "unreadable request body", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, "request body is not a JSON object", err)
	}
	return payload, nil
}

func strField(p map[string]any, key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

func intField(p map[string]any, key string, def int) int {
	if v, ok := p[key].(float64); ok {
		return int(v)
	}
	return def
}

func floatField(p map[string]any, key string, def float64) float64 {
	if v, ok := p[key].(float64); ok {
		return v
	}
	return def
}

func strSliceField(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func regionField(p map[string]any) *action.Rect {
	if _, ok := p["x"]; !ok {
		return nil
	}
	return &action.Rect{
		X:      intField(p, "x", 0),
		Y:      intField(p, "y", 0),
		Width:  intField(p, "width", 0),
		Height: intField(p, "height", 0),
	}
}
