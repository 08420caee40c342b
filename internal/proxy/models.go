package proxy

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// handleModels serves GET /v1/models from the registry's catalog.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)
	if !r.authenticate() {
		return
	}
	writeJSON(ctx, schema.ModelList{Object: "list", Data: s.reg.Models()})
}

// handleModelByID serves GET /v1/models/{id}.
func (s *Server) handleModelByID(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)
	if !r.authenticate() {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	m, ok := s.reg.ModelByID(id)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q does not exist", id),
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	writeJSON(ctx, m)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}
