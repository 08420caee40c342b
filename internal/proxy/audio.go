package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/adapters"
	"github.com/nulpointcorp/llm-relay/internal/balancer"
	"github.com/nulpointcorp/llm-relay/internal/dispatch"
	"github.com/nulpointcorp/llm-relay/internal/schema"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// handleSpeech serves POST /v1/audio/speech. The response body is the raw
// audio payload.
func (s *Server) handleSpeech(ctx *fasthttp.RequestCtx) {
	r := s.begin(ctx)

	var req schema.SpeechRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Input == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'input' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		req.Model = "tts-1"
	}
	if req.Voice == "" {
		req.Voice = "alloy"
	}

	if !r.authenticate() {
		return
	}
	if !r.authorize(req.Model, s.acct.Pricing().ForCall(r.endpoint)) {
		return
	}

	if s.mod != nil {
		if v := s.mod.CheckPrompt(ctx, req.Input); v.Flagged {
			r.blockContent(v)
			return
		}
	}

	r.track()

	dreq := dispatch.Request{Model: req.Model, Capability: balancer.CapAudio}
	audio, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) ([]byte, schema.Usage, error) {
			up := req
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(req.Model)
			}
			out, err := ad.TextToSpeech(c, &up)
			return out, schema.Usage{}, err
		})
	if err != nil {
		r.fail(err)
		return
	}

	r.complete(ctx, 0, s.acct.Pricing().ForCall(r.endpoint), len(audio), fasthttp.StatusOK)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(speechContentType(req.ResponseFormat))
	ctx.SetBody(audio)
}

func speechContentType(format string) string {
	switch format {
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}

// handleTranscriptions serves POST /v1/audio/transcriptions (multipart).
func (s *Server) handleTranscriptions(ctx *fasthttp.RequestCtx) {
	s.transcribe(ctx, false)
}

// handleTranslations serves POST /v1/audio/translations: the same pipeline
// with the translate-to-English flag set.
func (s *Server) handleTranslations(ctx *fasthttp.RequestCtx) {
	s.transcribe(ctx, true)
}

func (s *Server) transcribe(ctx *fasthttp.RequestCtx, translate bool) {
	r := s.begin(ctx)

	form, err := ctx.MultipartForm()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid multipart form: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	req := schema.TranscriptionRequest{
		Model:          formValue(form, "model"),
		Language:       formValue(form, "language"),
		Prompt:         formValue(form, "prompt"),
		ResponseFormat: formValue(form, "response_format"),
		Translate:      translate,
	}
	if t := formValue(form, "temperature"); t != "" {
		req.Temperature, _ = strconv.ParseFloat(t, 64)
	}
	req.File, req.Filename, err = formFile(form, "file")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("read 'file': %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.File) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'file' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		req.Model = "whisper-1"
	}

	if !r.authenticate() {
		return
	}
	if !r.authorize(req.Model, s.acct.Pricing().ForCall(r.endpoint)) {
		return
	}

	r.track()

	dreq := dispatch.Request{Model: req.Model, Capability: balancer.CapAudio}
	resp, err := dispatch.Do(ctx, s.dispatcher, dreq,
		func(c context.Context, ad adapters.Adapter, sel balancer.Selection) (*schema.TranscriptionResponse, schema.Usage, error) {
			up := req
			if sel.Sub != nil {
				up.Model = sel.Sub.UpstreamModel(req.Model)
			}
			out, err := ad.AudioTranscription(c, &up)
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
