package schema

// ImageRequest is the unified image generation request.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// ImageEditRequest is the unified image edit request. Image and Mask carry
// the raw multipart file bytes.
type ImageEditRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Image          []byte `json:"-"`
	ImageName      string `json:"-"`
	Mask           []byte `json:"-"`
	MaskName       string `json:"-"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// ImageResponse is the unified image response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData is one generated or edited image, as a URL or base64 payload.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}
