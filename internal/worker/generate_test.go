package worker

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/roelfdiedericks/idlenpu/internal/genai/genaitest"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	"github.com/roelfdiedericks/idlenpu/internal/session"
)

func genCmd(messages []session.Message, cfg map[string]any) ipc.Command {
	return ipc.Command{Type: ipc.CmdGenerate, Messages: messages, Config: cfg}
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestGenerateStreamsTokensAndStats(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"Hel", "lo"}}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), nil))

	evts := drain(t, buf)
	var tokens []string
	for _, e := range evts {
		if e.Type == ipc.EvtToken {
			tokens = append(tokens, e.Token)
		}
	}
	if got := strings.Join(tokens, ""); got != "Hello" {
		t.Errorf("streamed %q, want Hello", got)
	}

	last := evts[len(evts)-1]
	if last.Type != ipc.EvtFinished || last.Stats == nil {
		t.Fatalf("last event = %+v, want finished with stats", last)
	}
	if last.Stats.Tokens != 2 {
		t.Errorf("stats tokens = %d, want 2", last.Stats.Tokens)
	}
	if last.Stats.Time < 0 || last.Stats.Speed < 0 {
		t.Errorf("stats = %+v", last.Stats)
	}

	if len(f.TextCalls) != 1 {
		t.Fatalf("text calls = %d", len(f.TextCalls))
	}
	if got := f.TextCalls[0].Prompt; got != "<user>hi</user>\n<assistant>" {
		t.Errorf("prompt = %q, want the tokenizer template rendering", got)
	}
}

func TestGenerateStripsApplicationKeys(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"ok"}}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), map[string]any{
		"system_prompt":  "be nice",
		"max_new_tokens": 64,
	}))
	drain(t, buf)

	opts := f.TextCalls[0].Options
	for _, k := range []string{"system_prompt", "max_history_turns", "skip_special_tokens", "add_generation_prompt", "enable_thinking"} {
		if _, ok := opts[k]; ok {
			t.Errorf("%s leaked into pipeline options", k)
		}
	}
	if v, _ := toFloat(opts["max_new_tokens"]); v != 64 {
		t.Errorf("max_new_tokens = %v, want 64", opts["max_new_tokens"])
	}
}

func TestGenerateFallbackTemplate(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"ok"}, TemplateErr: errors.New("no chat template")}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), nil))
	drain(t, buf)

	want := "<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	if got := f.TextCalls[0].Prompt; got != want {
		t.Errorf("prompt = %q, want fallback template %q", got, want)
	}
}

func TestGenerateWithoutGenerationPrompt(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"ok"}}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), map[string]any{"add_generation_prompt": false}))
	drain(t, buf)

	if got := f.TextCalls[0].Prompt; got != "<user>hi</user>\n" {
		t.Errorf("prompt = %q", got)
	}
}

func TestGenerateRequiresLoadedModel(t *testing.T) {
	f := &genaitest.Fake{}
	useEngine(t, f)
	w, buf := testWorker(t)

	w.handle(genCmd(userMessages("hi"), nil))

	evts := drain(t, buf)
	if len(evts) != 1 {
		t.Fatalf("got %d events, want 1 (no finished for a rejected generate): %+v", len(evts), evts)
	}
	if evts[0].Type != ipc.EvtError || evts[0].Message != "Model not loaded in process" {
		t.Errorf("event = %+v", evts[0])
	}
}

func TestGenerateErrorStillFinishes(t *testing.T) {
	f := &genaitest.Fake{TextErr: errors.New("inference aborted")}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), nil))

	evts := drain(t, buf)
	if len(evts) != 2 {
		t.Fatalf("events = %+v", evts)
	}
	if evts[0].Type != ipc.EvtError || evts[0].Message != "Gen Error: inference aborted" {
		t.Errorf("error = %+v", evts[0])
	}
	if evts[1].Type != ipc.EvtFinished || evts[1].Stats.Tokens != 0 {
		t.Errorf("finished = %+v", evts[1])
	}
}

func TestGenerateVLMPromptTooLong(t *testing.T) {
	f := &genaitest.Fake{TextErr: errors.New("check m_max_prompt_len failed: 2048 > budget")}
	w, buf := loadedWorker(t, f, vlmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), nil))

	evts := drain(t, buf)
	errEvt, ok := findEvent(evts, ipc.EvtError)
	want := "Gen Error: VLM prompt too long (limit 16384). Reduce history or shorten input."
	if !ok || errEvt.Message != want {
		t.Errorf("error = %q, want %q", errEvt.Message, want)
	}
	if _, ok := findEvent(evts, ipc.EvtFinished); !ok {
		t.Error("missing finished event")
	}
}

func TestGenerateLLMKeepsRawPromptError(t *testing.T) {
	// The friendly rewording is a VLM quirk; plain LLMs surface the raw
	// runtime message.
	f := &genaitest.Fake{TextErr: errors.New("check m_max_prompt_len failed")}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	w.handle(genCmd(userMessages("hi"), nil))

	errEvt, _ := findEvent(drain(t, buf), ipc.EvtError)
	if errEvt.Message != "Gen Error: check m_max_prompt_len failed" {
		t.Errorf("error = %q", errEvt.Message)
	}
}

func TestGenerateVLMDecodesUserImages(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"ok"}}
	w, buf := loadedWorker(t, f, vlmDir(t), "CPU")

	dataURL := pngDataURL(t)
	bare := strings.TrimPrefix(dataURL, "data:image/png;base64,")
	msgs := []session.Message{{
		Role:    "user",
		Content: "what is this",
		Attachments: []session.Attachment{
			{Name: "a.png", Kind: "image", Content: dataURL},
			{Name: "b.png", Kind: "IMAGE", Content: bare},
			{Name: "notes.txt", Kind: "text", Content: "hello"},
			{Name: "bad.png", Kind: "image", Content: "data:image/png;base64,AAAA"},
		},
	}}
	w.handle(genCmd(msgs, nil))
	drain(t, buf)

	if got := f.TextCalls[0].Images; got != 2 {
		t.Errorf("images passed = %d, want 2 (data URL + bare base64, bad one skipped)", got)
	}
}

func TestGenerateLLMIgnoresAttachments(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"ok"}}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	msgs := []session.Message{{
		Role:        "user",
		Content:     "hi",
		Attachments: []session.Attachment{{Name: "a.png", Kind: "image", Content: pngDataURL(t)}},
	}}
	w.handle(genCmd(msgs, nil))
	drain(t, buf)

	if got := f.TextCalls[0].Images; got != 0 {
		t.Errorf("images passed = %d, want 0 for llm", got)
	}
}

func imageFake(outs int) *genaitest.Fake {
	f := &genaitest.Fake{
		ImageParams: []string{
			"negative_prompt", "num_inference_steps", "guidance_scale",
			"width", "height", "num_images_per_prompt", "rng_seed",
			"max_sequence_length",
		},
	}
	for i := 0; i < outs; i++ {
		f.OutImages = append(f.OutImages, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	}
	return f
}

func TestGenerateImageEmitsAttachments(t *testing.T) {
	f := imageFake(2)
	w, buf := loadedWorker(t, f, imageDir(t, 0), "CPU")

	w.handle(genCmd(userMessages("a cat"), nil))

	evts := drain(t, buf)
	img, ok := findEvent(evts, ipc.EvtImage)
	if !ok || len(img.Attachments) != 2 {
		t.Fatalf("image event = %+v", img)
	}
	first := img.Attachments[0]
	if first.Name != "generated_1.png" || first.Kind != "image" || first.Mime != "image/png" {
		t.Errorf("attachment = %+v", first)
	}
	if !strings.HasPrefix(first.Content, "data:image/png;base64,") {
		t.Errorf("content = %q", first.Content[:32])
	}
	if img.Attachments[1].Name != "generated_2.png" {
		t.Errorf("second name = %q", img.Attachments[1].Name)
	}

	last := evts[len(evts)-1]
	if last.Type != ipc.EvtFinished || last.Stats.Images != 2 || last.Stats.Tokens != 0 {
		t.Errorf("finished = %+v", last)
	}

	if got := f.ImageCalls[0].Prompt; got != "a cat" {
		t.Errorf("prompt = %q", got)
	}
}

func TestGenerateImageStripsAttachmentBlock(t *testing.T) {
	f := imageFake(1)
	w, buf := loadedWorker(t, f, imageDir(t, 0), "CPU")

	content := "a cat\n\n[Attachments]\n[File: ref.png]\n...\n[/File]"
	w.handle(genCmd(userMessages(content), nil))
	drain(t, buf)

	if got := f.ImageCalls[0].Prompt; got != "a cat" {
		t.Errorf("prompt = %q, want attachment block stripped", got)
	}
}

func TestGenerateImageEmptyPrompt(t *testing.T) {
	f := imageFake(1)
	w, buf := loadedWorker(t, f, imageDir(t, 0), "CPU")

	w.handle(genCmd(userMessages("\n\n[Attachments]\n[File: a.png]\nx\n[/File]"), nil))

	evts := drain(t, buf)
	if len(evts) != 1 {
		t.Fatalf("got %d events, want only the error: %+v", len(evts), evts)
	}
	if evts[0].Type != ipc.EvtError || evts[0].Message != "Gen Error: Empty prompt" {
		t.Errorf("event = %+v", evts[0])
	}
	if len(f.ImageCalls) != 0 {
		t.Error("pipeline was called with an empty prompt")
	}
}

func TestGenerateImageDropsDefaultSeedAndEmptyNegative(t *testing.T) {
	f := imageFake(1)
	w, buf := loadedWorker(t, f, imageDir(t, 0), "CPU")

	// Defaults carry rng_seed -1 and an empty negative_prompt; neither
	// may reach the pipeline.
	w.handle(genCmd(userMessages("a cat"), nil))
	drain(t, buf)

	opts := f.ImageCalls[0].Options
	if _, ok := opts["rng_seed"]; ok {
		t.Errorf("rng_seed leaked: %v", opts["rng_seed"])
	}
	if _, ok := opts["negative_prompt"]; ok {
		t.Errorf("empty negative_prompt leaked: %v", opts["negative_prompt"])
	}
}

func TestGenerateImageKeepsExplicitSeedAndNegative(t *testing.T) {
	f := imageFake(1)
	w, buf := loadedWorker(t, f, imageDir(t, 0), "CPU")

	w.handle(genCmd(userMessages("a cat"), map[string]any{
		"rng_seed":        7,
		"negative_prompt": "blurry",
	}))
	drain(t, buf)

	opts := f.ImageCalls[0].Options
	if v, _ := toFloat(opts["rng_seed"]); v != 7 {
		t.Errorf("rng_seed = %v", opts["rng_seed"])
	}
	if opts["negative_prompt"] != "blurry" {
		t.Errorf("negative_prompt = %v", opts["negative_prompt"])
	}
}

func TestGenerateImageFiltersUnsupportedKeys(t *testing.T) {
	f := imageFake(1)
	f.ImageParams = []string{"num_inference_steps", "width", "height"}
	w, buf := loadedWorker(t, f, imageDir(t, 0), "CPU")

	w.handle(genCmd(userMessages("a cat"), map[string]any{"guidance_scale": 3.5}))
	drain(t, buf)

	opts := f.ImageCalls[0].Options
	if _, ok := opts["guidance_scale"]; ok {
		t.Error("guidance_scale survived the supported-keys filter")
	}
	if _, ok := opts["num_inference_steps"]; !ok {
		t.Error("num_inference_steps missing")
	}
}

func TestGenerateImageSequenceChangeRebuilds(t *testing.T) {
	f := imageFake(1)
	useEngine(t, f)
	w, buf := testWorker(t)
	dir := imageDir(t, 0)

	cmd := loadCmd(dir, "CPU")
	cmd.ImageMaxSequenceLength = 256
	w.handle(cmd)
	drain(t, buf)
	before := len(f.Constructions)

	w.handle(genCmd(userMessages("a cat"), map[string]any{"max_sequence_length": 512}))

	evts := drain(t, buf)
	if len(f.Constructions) != before+1 {
		t.Fatalf("constructions = %d, want %d (rebuild for new sequence length)", len(f.Constructions), before+1)
	}
	if w.rt.ImageMaxSeq != 512 {
		t.Errorf("image max seq = %d, want 512", w.rt.ImageMaxSeq)
	}

	// The rebuild is visible as a load_stage sequence before the image.
	ready := -1
	imgAt := -1
	for i, e := range evts {
		if e.Type == ipc.EvtLoadStage && e.Stage == "ready" {
			ready = i
		}
		if e.Type == ipc.EvtImage && imgAt < 0 {
			imgAt = i
		}
	}
	if ready < 0 || imgAt < 0 || ready > imgAt {
		t.Errorf("event order: ready at %d, image at %d: %+v", ready, imgAt, evts)
	}

	if v, _ := toFloat(f.ImageCalls[0].Options["max_sequence_length"]); v != 512 {
		t.Errorf("max_sequence_length = %v", f.ImageCalls[0].Options["max_sequence_length"])
	}
}

func TestGenerateImageReloadFailureSkipsFinished(t *testing.T) {
	f := imageFake(1)
	useEngine(t, f)
	w, buf := testWorker(t)

	cmd := loadCmd(imageDir(t, 0), "CPU")
	cmd.ImageMaxSequenceLength = 256
	w.handle(cmd)
	drain(t, buf)

	f.ConstructErr = map[string]error{"CPU": errors.New("compile OOM")}
	w.handle(genCmd(userMessages("a cat"), map[string]any{"max_sequence_length": 512}))

	evts := drain(t, buf)
	errEvt, ok := findEvent(evts, ipc.EvtError)
	if !ok || errEvt.Message != "Gen Error: Failed to reload image pipeline: compile OOM" {
		t.Errorf("error = %+v", errEvt)
	}
	if _, ok := findEvent(evts, ipc.EvtFinished); ok {
		t.Error("finished emitted although generation never started")
	}
	if len(f.ImageCalls) != 0 {
		t.Error("pipeline called after failed reload")
	}
}

func reshapeErr() error {
	return errors.New("Cannot reshape T5EncoderModel to max_sequence_length=512: reshape failed")
}

func TestGenerateImageReshapeMismatchRetriesOnce(t *testing.T) {
	f := imageFake(1)
	f.CacheDevices = []string{"CPU"}
	f.ImageErrs = []error{reshapeErr()}
	w, buf := loadedWorker(t, f, imageDir(t, 512), "CPU")
	before := len(f.Constructions)

	w.handle(genCmd(userMessages("a cat"), nil))

	evts := drain(t, buf)
	if len(f.ImageCalls) != 2 {
		t.Fatalf("image calls = %d, want 2 (retry after rebuild)", len(f.ImageCalls))
	}
	if len(f.Constructions) != before+1 {
		t.Errorf("constructions = %d, want one rebuild", len(f.Constructions)-before)
	}

	// The rebuild salts the compiled cache so the stale shape is dropped.
	cacheDir, _ := f.LastConstruction().Props["CACHE_DIR"].(string)
	if !strings.Contains(cacheDir, "imgseq512-retry") {
		t.Errorf("cache dir = %q, want a retry-salted name", cacheDir)
	}

	img, ok := findEvent(evts, ipc.EvtImage)
	if !ok || len(img.Attachments) != 1 {
		t.Fatalf("image event = %+v", img)
	}
	fin := evts[len(evts)-1]
	if fin.Type != ipc.EvtFinished || fin.Stats.Images != 1 {
		t.Errorf("finished = %+v", fin)
	}
	if _, hadErr := findEvent(evts, ipc.EvtError); hadErr {
		t.Error("retry succeeded but an error event leaked")
	}
}

func TestGenerateImageReshapeMismatchFailsAfterRetry(t *testing.T) {
	f := imageFake(1)
	f.ImageErrs = []error{reshapeErr(), reshapeErr()}
	w, buf := loadedWorker(t, f, imageDir(t, 512), "CPU")

	w.handle(genCmd(userMessages("a cat"), nil))

	evts := drain(t, buf)
	if len(f.ImageCalls) != 2 {
		t.Fatalf("image calls = %d, want exactly 2", len(f.ImageCalls))
	}
	errEvt, ok := findEvent(evts, ipc.EvtError)
	if !ok || !strings.HasPrefix(errEvt.Message, "Gen Error: Cannot reshape T5EncoderModel") {
		t.Errorf("error = %+v", errEvt)
	}
	fin := evts[len(evts)-1]
	if fin.Type != ipc.EvtFinished || fin.Stats.Images != 0 {
		t.Errorf("finished = %+v", fin)
	}
}

func TestGenerateImagePlainErrorNoRetry(t *testing.T) {
	f := imageFake(1)
	f.ImageErrs = []error{errors.New("device hung")}
	w, buf := loadedWorker(t, f, imageDir(t, 512), "CPU")

	w.handle(genCmd(userMessages("a cat"), nil))

	evts := drain(t, buf)
	if len(f.ImageCalls) != 1 {
		t.Fatalf("image calls = %d, want 1 (no retry for unrelated errors)", len(f.ImageCalls))
	}
	errEvt, _ := findEvent(evts, ipc.EvtError)
	if errEvt.Message != "Gen Error: device hung" {
		t.Errorf("error = %q", errEvt.Message)
	}
}

func TestNumericCoercion(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{7, 7, true},
		{int64(3), 3, true},
		{int32(2), 2, true},
		{float32(1.5), 1.5, true},
		{2.25, 2.25, true},
		{"5", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, c := range cases {
		got, ok := toFloat(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("toFloat(%v) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}

	if round2(1.23456) != 1.23 {
		t.Errorf("round2(1.23456) = %v", round2(1.23456))
	}
	if round2(1.235) != 1.24 {
		t.Errorf("round2(1.235) = %v", round2(1.235))
	}
}

func TestStripAttachmentBlock(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a cat", "a cat"},
		{"a cat\n\n[Attachments]\n[File: x]\ny\n[/File]", "a cat"},
		{"  padded  ", "padded"},
		{"\n\n[Attachments]\nonly block", ""},
	}
	for _, c := range cases {
		if got := stripAttachmentBlock(c.in); got != c.want {
			t.Errorf("stripAttachmentBlock(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
