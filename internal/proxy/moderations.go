package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// handleModerations serves POST /v1/moderations by proxying to an upstream
// moderation-capable provider. This is the tenant-facing endpoint; the
// internal pre-check is separate and always uses the relay's own key.
func (s *Server) handleModerations(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)

	var req schema.ModerationRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Input) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'input' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model := req.Model
	if model == "" {
		model = "omni-moderation-latest"
	}

	if !r.authenticate() {
		return
	}
	if !r.authorize(model, s.acct.Pricing().ForCall(r.endpoint)) {
		return
	}

	r.track()

	dreq := dispatch.Request{Model: model, Capability: balancer.CapModeration}
	resp, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.ModerationResponse, schema.Usage, error) {
			up := req
			up.Model = model
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(model)
			}
			out, err := ad.ModerateContent(c, &up)
			return out, schema.Usage{}, err
		})
	if err != nil {
		r.fail(err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		r.fail(fmt.Errorf("serialize response: %w", err))
		return
	}

	r.complete(ctx, 0, s.acct.Pricing().ForCall(r.endpoint), len(body), fasthttp.StatusOK)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
