package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
)

var altA = config.RescueUpstream{
	Name:         "synthetic",
	VisionModel:  "hf:Qwen/Qwen3-VL-235B-A22B-Instruct",
	DefaultModel: "hf:zai-org/GLM-4.6",
}

func TestNormalizePath_StripsLeadingV1(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "chat/completions", NormalizePath("/v1/chat/completions"))
	assert.Equal(t, "chat/completions", NormalizePath("v1/chat/completions"))
	assert.Equal(t, "models", NormalizePath("/models"))
}

func TestIsChatCompletionPath(t *testing.T) {
	t.Parallel()
	assert.True(t, IsChatCompletionPath("chat/completions"))
	assert.True(t, IsChatCompletionPath("chat/completions/"))
	assert.False(t, IsChatCompletionPath("models"))
}

func TestClassify_DefaultsToPrimary(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`)
	d := Classify("chat/completions", "100", body, 564000, altA)
	assert.Equal(t, Primary, d.Kind)
}

func TestClassify_NonChatCompletionPathIsAlwaysPrimary(t *testing.T) {
	t.Parallel()
	hugeBody := []byte(`{"messages":[{"role":"user","content":"` + strings.Repeat("a", 10) + `"}]}`)
	d := Classify("models", "9999999", hugeBody, 100, altA)
	assert.Equal(t, Primary, d.Kind)
}

func TestClassify_OversizeRoutesToRescue(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`)
	d := Classify("chat/completions", "1000000", body, 564000, altA)
	assert.Equal(t, Rescue, d.Kind)
	assert.Empty(t, d.ModelOverride)
}

func TestClassify_OversizeRevertsToPrimaryOnParseFailure(t *testing.T) {
	t.Parallel()
	d := Classify("chat/completions", "1000000", []byte("not json"), 564000, altA)
	assert.Equal(t, Primary, d.Kind)
}

func TestClassify_VisionRoutesToRescueWithModelOverride(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"x","messages":[
		{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAA"}}]}
	]}`)
	d := Classify("chat/completions", "10", body, 564000, altA)
	assert.Equal(t, Rescue, d.Kind)
	assert.Equal(t, altA.VisionModel, d.ModelOverride)
}

func TestClassify_VisionTakesPrecedenceOverOversizeOverride(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"x","messages":[
		{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}
	]}`)
	d := Classify("chat/completions", "1000000", body, 564000, altA)
	assert.Equal(t, Rescue, d.Kind)
	assert.Equal(t, altA.VisionModel, d.ModelOverride, "vision model override must win over a bare oversize decision")
}

func TestClassify_PlainStringContentIsNeverVision(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"just text"}]}`)
	d := Classify("chat/completions", "10", body, 564000, altA)
	assert.Equal(t, Primary, d.Kind)
}

func TestByContentLength_MissingHeaderIsPrimary(t *testing.T) {
	t.Parallel()
	d := ByContentLength("chat/completions", 0, 564000)
	assert.Equal(t, Primary, d.Kind)
}

func TestByBody_UnparseableBodyIsPrimary(t *testing.T) {
	t.Parallel()
	d := ByBody([]byte("{"), "vision-model")
	assert.Equal(t, Primary, d.Kind)
}
