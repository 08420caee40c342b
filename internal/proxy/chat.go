package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// handleChatCompletions serves POST /v1/chat/completions, buffered and
// streaming.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)

	var req schema.ChatRequest
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
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
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
		if v := s.mod.CheckMessages(ctx, req.Messages); v.Flagged {
			r.blockContent(v)
			return
		}
	}

	r.track()

	cacheEligible := !req.Stream && s.cache != nil && !s.cacheExcl.Matches(req.Model)
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

	if req.Stream {
		s.streamChat(r, &req, est)
		return
	}

	dreq := dispatch.Request{Model: req.Model, Capability: balancer.CapChat, EstTokens: est}
	resp, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.ChatResponse, schema.Usage, error) {
			up := req
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(req.Model)
			}
			out, err := ad.ChatCompletion(c, &up)
			if err != nil {
				return nil, schema.Usage{}, err
			}
			return out, out.Usage, nil
		})
	if err != nil {
		r.fail(err)
		return
	}

	resp.ID = "chatcmpl-" + r.reqID
	resp.Object = "chat.completion"
	resp.Model = req.Model
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}

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

// serveCached replays a cached completion. Cache hits cost no credits; the
// accounting record still completes with the cached token count.
func (s *Server) serveCached(r *requestScope, body []byte) {
	var cu struct {
		Usage schema.Usage `json:"usage"`
	}
	_ = json.Unmarshal(body, &cu)

	r.ctx.Response.Header.Set("X-Cache", xCacheHIT)
	r.ctx.SetStatusCode(fasthttp.StatusOK)
	r.ctx.SetContentType("application/json")
	r.ctx.SetBody(body)
	r.complete(r.ctx, cu.Usage.TotalTokens, 0, len(body), fasthttp.StatusOK)
}

// streamChat pumps the dispatcher's fail-over stream to the client as SSE.
// The accounting record closes only after the stream finishes, from the body
// writer goroutine, against the server's base context.
func (s *Server) streamChat(r *requestScope, req *schema.ChatRequest, est int) {
	st := s.dispatcher.Stream(r.ctx, "chatcmpl-"+r.reqID, req, est)

	ctx := r.ctx
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := req.Model
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()

		written := 0
		for chunk := range st.Chunks() {
			if chunk.Err != nil {
				// The client already holds a 200; the failure becomes an
				// in-band error frame before the terminator.
				_, errType, code := apierr.FromError(chunk.Err)
				payload, _ := json.Marshal(map[string]any{
					"error": map[string]any{
						"message": chunk.Err.Error(),
						"type":    errType,
						"code":    code,
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
				written += len(payload)
				break
			}

			chunk.Model = model
			if chunk.Object == "" {
				chunk.Object = "chat.completion.chunk"
			}
			if chunk.Created == 0 {
				chunk.Created = time.Now().Unix()
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			written += len(data)
			w.Flush()
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()

		res := st.Result()
		if res.Err != nil {
			status, _, _ := apierr.FromError(res.Err)
			s.log.Error("stream failed",
				slog.String("request_id", r.reqID),
				slog.String("model", model),
				slog.String("error", res.Err.Error()))
			if s.met != nil {
				s.met.IncError(errorKind(res.Err))
			}
			r.failAccounting(s.baseCtx, status, res.Err.Error())
			return
		}
		credits := s.acct.Pricing().ForTokens(model, res.Usage.TotalTokens)
		r.complete(s.baseCtx, res.Usage.TotalTokens, credits, written, fasthttp.StatusOK)
	})
}
