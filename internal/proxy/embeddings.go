package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// handleEmbeddings serves POST /v1/embeddings.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)

	var req schema.EmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Input) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'input' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if !r.authenticate() {
		return
	}

	est := req.PromptTokenEstimate()
	if !r.authorize(req.Model, s.acct.Pricing().ForTokens(req.Model, est)) {
		return
	}

	if s.mod != nil {
		if v := s.mod.CheckPrompt(ctx, strings.Join(req.Input, "\n")); v.Flagged {
			r.blockContent(v)
			return
		}
	}

	r.track()

	cacheEligible := s.cache != nil && !s.cacheExcl.Matches(req.Model)
	var key string
	if cacheEligible {
		key = cache.Key(r.user.ID, r.endpoint, ctx.PostBody())
		if body, ok := s.cache.Get(ctx, key); ok {
			if s.met != nil {
				s.met.CacheGetHit()
			}
			s.serveCached(r, body)
			return
		}
		if s.met != nil {
			s.met.CacheGetMiss()
		}
	}

	dreq := dispatch.Request{Model: req.Model, Capability: balancer.CapEmbeddings, EstTokens: est}
	resp, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.EmbeddingResponse, schema.Usage, error) {
			up := req
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(req.Model)
			}
			out, err := ad.CreateEmbeddings(c, &up)
			if err != nil {
				return nil, schema.Usage{}, err
			}
			return out, out.Usage, nil
		})
	if err != nil {
		r.fail(err)
		return
	}

	resp.Object = "list"
	resp.Model = req.Model

	body, err := json.Marshal(resp)
	if err != nil {
		r.fail(fmt.Errorf("serialize response: %w", err))
		return
	}

	if cacheEligible {
		if err := s.cache.Set(ctx, key, body, s.cacheTTL); err != nil {
			if s.met != nil {
				s.met.CacheSetError()
			}
		} else if s.met != nil {
			s.met.CacheSetOK()
		}
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}

	credits := s.acct.Pricing().ForTokens(req.Model, resp.Usage.TotalTokens)
	r.complete(ctx, resp.Usage.TotalTokens, credits, len(body), fasthttp.StatusOK)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
