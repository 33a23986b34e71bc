package conversion

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/model"
	"github.com/petmatch/pet-media-pipeline/internal/procerr"
	"github.com/petmatch/pet-media-pipeline/internal/transform"
)

func TestMain(m *testing.M) {
	zlog.Init()
	m.Run()
}

// fakeBlob is an in-memory blob store keyed by object key.
type fakeBlob struct {
	objects map[string][]byte
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: map[string][]byte{}}
}

func (f *fakeBlob) Save(_ context.Context, key, _ string, payload []byte) error {
	f.objects[key] = payload
	return nil
}

func (f *fakeBlob) Load(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, procerr.New(procerr.CategorySourceMissing, "object "+key+" does not exist")
	}
	return data, nil
}

func (f *fakeBlob) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

type fakeTransformer struct {
	requests []transform.Request
	output   []byte
	err      error
}

func (f *fakeTransformer) Transform(_ context.Context, req transform.Request) ([]byte, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return req.Source, nil
}

type fakePets struct {
	existing       map[string]bool
	hasWebp        map[string]bool
	hasJpeg        map[string]bool
	touchedChecked []string
}

func newFakePets(ids ...string) *fakePets {
	f := &fakePets{
		existing: map[string]bool{},
		hasWebp:  map[string]bool{},
		hasJpeg:  map[string]bool{},
	}
	for _, id := range ids {
		f.existing[id] = true
	}
	return f
}

func (f *fakePets) Exists(_ context.Context, petID string) (bool, error) {
	return f.existing[petID], nil
}

func (f *fakePets) MarkHasWebp(_ context.Context, petID string) error {
	f.hasWebp[petID] = true
	return nil
}

func (f *fakePets) MarkHasJpeg(_ context.Context, petID string) error {
	f.hasJpeg[petID] = true
	return nil
}

func (f *fakePets) TouchImageChecked(_ context.Context, petID string) error {
	f.touchedChecked = append(f.touchedChecked, petID)
	return nil
}

type fakeAudit struct {
	entries []model.AuditLogEntry
}

func (f *fakeAudit) Append(_ context.Context, entry model.AuditLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

// jpegFixture returns a tiny but decodable JPEG payload.
func jpegFixture(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(4, 4, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func webpMsg(petID string) model.ConversionMessage {
	return model.ConversionMessage{
		Type:    model.MessageConvertToWebp,
		PetID:   petID,
		PetType: model.PetTypeDog,
	}
}

func TestDispatchConvertToWebp(t *testing.T) {
	blob := newFakeBlob()
	trans := &fakeTransformer{output: []byte("webp-bytes")}
	pets := newFakePets("pet-42")
	audit := &fakeAudit{}
	svc := NewService(blob, trans, pets, audit)

	srcKey := model.OriginalKey(model.PetTypeDog, "pet-42", model.SourceFormatJPEG)
	blob.objects[srcKey] = jpegFixture(t)

	if err := svc.Dispatch(context.Background(), webpMsg("pet-42")); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	targetKey := model.WebpKey(model.PetTypeDog, "pet-42")
	if got := blob.objects[targetKey]; string(got) != "webp-bytes" {
		t.Errorf("target object = %q, want transform output", got)
	}
	if !pets.hasWebp["pet-42"] {
		t.Error("has_webp flag not set after successful conversion")
	}

	if len(trans.requests) != 1 {
		t.Fatalf("transform calls = %d, want 1", len(trans.requests))
	}
	req := trans.requests[0]
	if req.OutputFormat != "webp" || req.Quality != webpQuality {
		t.Errorf("transform request = %+v, want webp at quality %d", req, webpQuality)
	}

	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit.entries))
	}
	entry := audit.entries[0]
	if entry.Status != model.AuditStatusSuccess || entry.ErrorMessage != "" {
		t.Errorf("audit entry = %+v, want plain success", entry)
	}
	if entry.PetID != "pet-42" || entry.MessageType != string(model.MessageConvertToWebp) {
		t.Errorf("audit entry = %+v, want pet/type recorded", entry)
	}
}

// Redelivering a completed message must not reconvert or rewrite the artifact.
func TestDispatchSecondDeliveryIsNoop(t *testing.T) {
	blob := newFakeBlob()
	trans := &fakeTransformer{output: []byte("webp-bytes")}
	pets := newFakePets("pet-42")
	audit := &fakeAudit{}
	svc := NewService(blob, trans, pets, audit)

	srcKey := model.OriginalKey(model.PetTypeDog, "pet-42", model.SourceFormatJPEG)
	blob.objects[srcKey] = jpegFixture(t)

	msg := webpMsg("pet-42")
	if err := svc.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("first Dispatch error: %v", err)
	}
	if err := svc.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("second Dispatch error: %v", err)
	}

	if len(trans.requests) != 1 {
		t.Errorf("transform calls = %d, want 1 (second delivery skipped)", len(trans.requests))
	}

	// Exactly one real success; the skip is annotated.
	var plain, skipped int
	for _, e := range audit.entries {
		if e.Status != model.AuditStatusSuccess {
			t.Errorf("unexpected audit entry: %+v", e)
			continue
		}
		if e.ErrorMessage == "" {
			plain++
		} else if strings.HasPrefix(e.ErrorMessage, "skipped") {
			skipped++
		}
	}
	if plain != 1 || skipped != 1 {
		t.Errorf("audit entries: %d plain success, %d skipped; want 1 and 1", plain, skipped)
	}
}

func TestDispatchUnknownPet(t *testing.T) {
	svc := NewService(newFakeBlob(), &fakeTransformer{}, newFakePets(), &fakeAudit{})

	err := svc.Dispatch(context.Background(), webpMsg("pet-missing"))
	if got := procerr.CategoryOf(err); got != procerr.CategoryEntityNotFound {
		t.Fatalf("category = %s, want %s", got, procerr.CategoryEntityNotFound)
	}
	if procerr.Retryable(err) {
		t.Error("missing pet must not be retryable")
	}
}

func TestDispatchMissingSource(t *testing.T) {
	svc := NewService(newFakeBlob(), &fakeTransformer{}, newFakePets("pet-42"), &fakeAudit{})

	err := svc.Dispatch(context.Background(), webpMsg("pet-42"))
	if got := procerr.CategoryOf(err); got != procerr.CategorySourceMissing {
		t.Fatalf("category = %s, want %s", got, procerr.CategorySourceMissing)
	}
}

func TestDispatchUndecodableSource(t *testing.T) {
	blob := newFakeBlob()
	trans := &fakeTransformer{}
	svc := NewService(blob, trans, newFakePets("pet-42"), &fakeAudit{})

	srcKey := model.OriginalKey(model.PetTypeDog, "pet-42", model.SourceFormatJPEG)
	blob.objects[srcKey] = []byte("not an image at all")

	err := svc.Dispatch(context.Background(), webpMsg("pet-42"))
	if got := procerr.CategoryOf(err); got != procerr.CategoryMalformedInput {
		t.Fatalf("category = %s, want %s", got, procerr.CategoryMalformedInput)
	}
	if len(trans.requests) != 0 {
		t.Error("undecodable source must never reach the transform backend")
	}
}

func TestDispatchTransformErrorPropagates(t *testing.T) {
	blob := newFakeBlob()
	trans := &fakeTransformer{err: procerr.New(procerr.CategoryUpstreamUnavailable, "backend 503")}
	pets := newFakePets("pet-42")
	svc := NewService(blob, trans, pets, &fakeAudit{})

	srcKey := model.OriginalKey(model.PetTypeDog, "pet-42", model.SourceFormatJPEG)
	blob.objects[srcKey] = jpegFixture(t)

	err := svc.Dispatch(context.Background(), webpMsg("pet-42"))
	if !procerr.Retryable(err) {
		t.Fatalf("transform failure should stay retryable, got %v", err)
	}
	if pets.hasWebp["pet-42"] {
		t.Error("flag must not be set when the conversion failed")
	}
	if _, ok := blob.objects[model.WebpKey(model.PetTypeDog, "pet-42")]; ok {
		t.Error("no artifact may be written when the conversion failed")
	}
}

func TestDispatchOptimizeJpeg(t *testing.T) {
	blob := newFakeBlob()
	trans := &fakeTransformer{output: []byte("optimized")}
	pets := newFakePets("pet-7")
	svc := NewService(blob, trans, pets, &fakeAudit{})

	srcKey := model.OriginalKey(model.PetTypeCat, "pet-7", model.SourceFormatJPEG)
	blob.objects[srcKey] = jpegFixture(t)

	msg := model.ConversionMessage{
		Type:    model.MessageOptimizeJpeg,
		PetID:   "pet-7",
		PetType: model.PetTypeCat,
	}
	if err := svc.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if _, ok := blob.objects[model.OptimizedJpegKey(model.PetTypeCat, "pet-7")]; !ok {
		t.Error("optimized JPEG artifact not written")
	}
	if !pets.hasJpeg["pet-7"] {
		t.Error("has_jpeg flag not set")
	}
	if len(trans.requests) != 1 || trans.requests[0].Quality != jpegQuality {
		t.Errorf("transform requests = %+v, want one at quality %d", trans.requests, jpegQuality)
	}
}

func TestDispatchGenerateThumbnails(t *testing.T) {
	blob := newFakeBlob()
	trans := &fakeTransformer{output: []byte("thumb")}
	pets := newFakePets("pet-42")
	svc := NewService(blob, trans, pets, &fakeAudit{})

	srcKey := model.OriginalKey(model.PetTypeDog, "pet-42", model.SourceFormatJPEG)
	blob.objects[srcKey] = jpegFixture(t)

	msg := model.ConversionMessage{
		Type:    model.MessageGenerateThumbnails,
		PetID:   "pet-42",
		PetType: model.PetTypeDog,
	}
	if err := svc.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	for _, size := range model.ThumbSizes {
		key := model.ThumbKey(model.PetTypeDog, "pet-42", size)
		if _, ok := blob.objects[key]; !ok {
			t.Errorf("thumbnail %s not written", key)
		}
	}
	if len(trans.requests) != len(model.ThumbSizes) {
		t.Errorf("transform calls = %d, want %d", len(trans.requests), len(model.ThumbSizes))
	}
	if len(pets.touchedChecked) != 1 {
		t.Errorf("image_checked_at touched %d times, want 1", len(pets.touchedChecked))
	}

	// Bounding boxes per variant.
	want := map[int]bool{150: false, 400: false, 800: false}
	for _, req := range trans.requests {
		if req.Width != req.Height {
			t.Errorf("thumbnail box %dx%d not square", req.Width, req.Height)
		}
		want[req.Width] = true
	}
	for dim, seen := range want {
		if !seen {
			t.Errorf("no thumbnail generated at %dpx", dim)
		}
	}
}

func TestDispatchUnknownType(t *testing.T) {
	blob := newFakeBlob()
	svc := NewService(blob, &fakeTransformer{}, newFakePets("pet-42"), &fakeAudit{})

	srcKey := model.OriginalKey(model.PetTypeDog, "pet-42", model.SourceFormatJPEG)
	blob.objects[srcKey] = jpegFixture(t)

	err := svc.Dispatch(context.Background(), model.ConversionMessage{
		Type:    "resize_banner",
		PetID:   "pet-42",
		PetType: model.PetTypeDog,
	})
	if got := procerr.CategoryOf(err); got != procerr.CategoryValidationFailed {
		t.Fatalf("category = %s, want %s", got, procerr.CategoryValidationFailed)
	}
}

func TestDispatchStorageErrorIsReturned(t *testing.T) {
	blob := newFakeBlob()
	pets := newFakePets("pet-42")
	svc := NewService(&erroringBlob{fakeBlob: blob}, &fakeTransformer{}, pets, &fakeAudit{})

	err := svc.Dispatch(context.Background(), webpMsg("pet-42"))
	if got := procerr.CategoryOf(err); got != procerr.CategoryStorageTransient {
		t.Fatalf("category = %s, want %s", got, procerr.CategoryStorageTransient)
	}
}

// erroringBlob fails every existence probe with a transient error.
type erroringBlob struct {
	*fakeBlob
}

func (e *erroringBlob) Exists(_ context.Context, key string) (bool, error) {
	return false, procerr.Wrap(procerr.CategoryStorageTransient, "stat "+key, errors.New("i/o timeout"))
}
