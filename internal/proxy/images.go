package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// handleImageGenerations serves POST /v1/images/generations.
func (s *Server) handleImageGenerations(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)

	var req schema.ImageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'prompt' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		req.Model = "dall-e-3"
	}

	if !r.authenticate() {
		return
	}
	if !r.authorize(req.Model, s.acct.Pricing().ForCall(r.endpoint)) {
		return
	}

	if s.mod != nil {
		if v := s.mod.CheckPrompt(ctx, req.Prompt); v.Flagged {
			r.blockContent(v)
			return
		}
	}

	r.track()

	dreq := dispatch.Request{Model: req.Model, Capability: balancer.CapImages}
	resp, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.ImageResponse, schema.Usage, error) {
			up := req
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(req.Model)
			}
			out, err := ad.GenerateImages(c, &up)
			return out, schema.Usage{}, err
		})
	if err != nil {
		r.fail(err)
		return
	}

	s.finishImageResponse(r, resp)
}

// handleImageEdits serves POST /v1/images/edits (multipart form).
func (s *Server) handleImageEdits(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)

	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid multipart form: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := schema.ImageEditRequest{
		Model:          formValue(form, "model"),
		Prompt:         formValue(form, "prompt"),
		Size:           formValue(form, "size"),
		ResponseFormat: formValue(form, "response_format"),
		User:           formValue(form, "user"),
	}
	if n := formValue(form, "n"); n != "" {
		req.N, _ = strconv.Atoi(n)
	}
	req.Image, req.ImageName, err = formFile(form, "image")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("read 'image': %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.Mask, req.MaskName, err = formFile(form, "mask")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("read 'mask': %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'prompt' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Image) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'image' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		req.Model = "dall-e-2"
	}

	if !r.authenticate() {
		return
	}
	if !r.authorize(req.Model, s.acct.Pricing().ForCall(r.endpoint)) {
		return
	}

	if s.mod != nil {
		if v := s.mod.CheckPrompt(ctx, req.Prompt); v.Flagged {
			r.blockContent(v)
			return
		}
	}

	r.track()

	dreq := dispatch.Request{Model: req.Model, Capability: balancer.CapImages}
	resp, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.ImageResponse, schema.Usage, error) {
			up := req
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(req.Model)
			}
			out, err := ad.EditImages(c, &up)
			return out, schema.Usage{}, err
		})
	if err != nil {
		r.fail(err)
		return
	}

	s.finishImageResponse(r, resp)
}

func (s *Server) finishImageResponse(r *requestScope, resp *schema.ImageResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		r.fail(fmt.Errorf("serialize response: %w", err))
		return
	}
	r.complete(r.ctx, 0, s.acct.Pricing().ForCall(r.endpoint), len(body), fasthttp.StatusOK)
	r.ctx.SetStatusCode(fasthttp.StatusOK)
	r.ctx.SetContentType("application/json")
	r.ctx.SetBody(body)
}

func formValue(form *multipart.Form, field string) string {
	if vs := form.Value[field]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// formFile reads the first uploaded file of the field; a missing field is not
// an error.
func formFile(form *multipart.Form, field string) ([]byte, string, error) {
	fhs := form.File[field]
	if len(fhs) == 0 {
		return nil, "", nil
	}
	f, err := fhs[0].Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, fhs[0].Filename, nil
}
