package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"dataexport/pkg/apierr"
	"dataexport/pkg/audit"
	"dataexport/pkg/auth"
	"dataexport/pkg/export"
	"dataexport/pkg/history"
	"dataexport/pkg/httpx"
	"dataexport/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	accessKeyHeader = "X-Access-Key"
	secretKeyHeader = "X-Secret-Key"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "exportd"})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "exportd"})
}

func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (export.Request, bool) {
	params, err := httpx.Params(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return export.Request{}, false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return export.Request{}, false
	}
	return export.Request{
		Params:    params,
		AccessKey: httpx.HeaderOrParam(r, accessKeyHeader, params, "access_key", "accessKey"),
		SecretKey: httpx.HeaderOrParam(r, secretKeyHeader, params, "secret_key", "secretKey"),
	}, true
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	s.serveExport(w, r, req)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	kind, ok := history.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown history kind")
		return
	}
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	req.History = kind
	s.serveExport(w, r, req)
}

// serveExport writes an export as it is produced. Once the first byte is
// sent the status is committed, so later failures cut the body short and
// are only visible in the audit trail.
func (s *Server) serveExport(w http.ResponseWriter, r *http.Request, req export.Request) {
	x, err := s.Exports.Begin(r.Context(), req)
	if err != nil {
		httpx.WriteAPIError(w, err)
		return
	}
	defer x.Close()

	h := w.Header()
	h.Set("Content-Type", x.ContentType())
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", x.FileName()))
	h.Set("X-Export-Attempt", x.AttemptID().String())
	w.WriteHeader(http.StatusOK)

	cw := httpx.NewCountingWriter(w)
	for x.Next() {
		if _, err := cw.Write(x.Bytes()); err != nil {
			x.Abort(err)
			return
		}
	}
	if err := x.Err(); err != nil {
		log.Printf("exportd: attempt %s cut after %d bytes: %v", x.AttemptID(), cw.N, err)
	}
}

// identify resolves the caller of a listing request.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, export.Request, bool) {
	if s.underMaintenance(r.Context()) {
		httpx.WriteAPIError(w, apierr.New(apierr.Unavailable, "service is down for maintenance"))
		return auth.Identity{}, export.Request{}, false
	}
	req, ok := s.readRequest(w, r)
	if !ok {
		return auth.Identity{}, export.Request{}, false
	}
	id, err := s.Resolver.Resolve(r.Context(), req.AccessKey, req.SecretKey)
	if err != nil {
		httpx.WriteAPIError(w, err)
		return auth.Identity{}, export.Request{}, false
	}
	return id, req, true
}

// listStudies returns {object_id: name} for every study the caller has a relation to.
func (s *Server) listStudies(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.identify(w, r)
	if !ok {
		return
	}
	studies, err := s.Lister.StudiesForResearcher(r.Context(), id.ResearcherID)
	if err != nil {
		log.Printf("exportd: list studies for %s: %v", id.Username, err)
		httpx.WriteAPIError(w, err)
		return
	}
	out := make(map[string]string, len(studies))
	for _, st := range studies {
		out[st.ObjectID] = st.Name
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// listParticipants returns the patient ids of one authorized study.
func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.identify(w, r)
	if !ok {
		return
	}
	handle, err := s.Authorizer.Authorize(r.Context(), id, req.Resource())
	if err != nil {
		httpx.WriteAPIError(w, err)
		return
	}
	ids, err := s.Lister.ParticipantIDs(r.Context(), handle.Study.ID)
	if err != nil {
		log.Printf("exportd: list participants of study %d: %v", handle.Study.ID, err)
		httpx.WriteAPIError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, ids)
}

// requireAdmin admits site admins presenting credentials in headers or params.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := map[string][]string(r.URL.Query())
		key := httpx.HeaderOrParam(r, accessKeyHeader, params, "access_key")
		secret := httpx.HeaderOrParam(r, secretKeyHeader, params, "secret_key")
		id, err := s.Resolver.Resolve(r.Context(), key, secret)
		if err != nil {
			httpx.WriteAPIError(w, err)
			return
		}
		if !id.IsAdmin {
			httpx.WriteAPIError(w, apierr.New(apierr.Forbidden, "site admin credentials required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "attempt_id")))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid attempt id")
		return
	}
	a, err := s.Attempts.Get(r.Context(), id)
	if errors.Is(err, audit.ErrAttemptNotFound) {
		httpx.Error(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		log.Printf("exportd: get attempt %s: %v", id, err)
		httpx.Error(w, http.StatusInternalServerError, "failed to load attempt")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

// streamEvents relays attempt start and finish events over a websocket.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	s.Metrics.AddGauge("event_subscribers", 1)
	defer s.Metrics.AddGauge("event_subscribers", -1)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
