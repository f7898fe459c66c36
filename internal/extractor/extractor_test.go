package extractor

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/checkextract-worker/internal/clients"
	"github.com/adverant/nexus/checkextract-worker/internal/detector"
	"github.com/adverant/nexus/checkextract-worker/internal/imaging"
	"github.com/adverant/nexus/checkextract-worker/internal/pages"
)

func page(w, h int, dark ...image.Rectangle) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 255}), image.Point{}, draw.Src)
	for _, r := range dark {
		draw.Draw(img, r, image.NewUniform(color.Gray{Y: 0}), image.Point{}, draw.Src)
	}
	return img
}

func fixture() ([]pages.Page, []*imaging.Gray, *detector.Result) {
	p1 := page(400, 300, image.Rect(20, 20, 200, 100), image.Rect(20, 150, 200, 250))
	p2 := page(400, 300)
	p3 := page(400, 300, image.Rect(50, 50, 350, 120))

	docPages := []pages.Page{{Number: 1, Image: p1}, {Number: 2, Image: p2}, {Number: 3, Image: p3}}
	result := &detector.Result{
		Format: detector.FormatContourBordered,
		Boxes: [][]detector.Box{
			{{X1: 10, Y1: 10, X2: 210, Y2: 110}, {X1: 10, Y1: 140, X2: 210, Y2: 260}},
			{{X1: 10, Y1: 10, X2: 210, Y2: 110}}, // blank paper
			{{X1: -5, Y1: 40, X2: 500, Y2: 130}, {X1: 300, Y1: 200, X2: 300, Y2: 250}}, // clamped, degenerate
		},
	}
	return docPages, pages.Grays(docPages), result
}

func TestExtractManifestOrder(t *testing.T) {
	dir := t.TempDir()
	docPages, grays, result := fixture()

	m, err := New(NewFileStore(dir)).Extract(context.Background(), "job-1", docPages, grays, result)
	require.NoError(t, err)

	assert.Equal(t, "Contour/Bordered", m.DocFormat)
	assert.Equal(t, 3, m.TotalPages)
	require.Len(t, m.Entries, 3)

	assert.Equal(t, "check_0001", m.Entries[0].CheckID)
	assert.Equal(t, 1, m.Entries[0].PageNumber)
	assert.Equal(t, "check_0002", m.Entries[1].CheckID)
	assert.Equal(t, 1, m.Entries[1].PageNumber)
	assert.Equal(t, "check_0003", m.Entries[2].CheckID)
	assert.Equal(t, 3, m.Entries[2].PageNumber)
	assert.Equal(t, detector.Box{X1: 0, Y1: 40, X2: 400, Y2: 130}, m.Entries[2].Box)

	for _, e := range m.Entries {
		_, err := os.Stat(e.ImageFile)
		assert.NoError(t, err, e.CheckID)
	}
	_, err = os.Stat(filepath.Join(dir, "job-1", "images", "page_1", "cheque_2.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "job-1", "images", "page_3", "cheque_1.png"))
	assert.NoError(t, err)

	data, err := os.ReadFile(m.Entries[0].ImageFile)
	require.NoError(t, err)
	img, _, err := image.Decode(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())
}

func TestExtractIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	docPages, grays, result := fixture()
	ex := New(NewFileStore(dir))

	first, err := ex.Extract(context.Background(), "job", docPages, grays, result)
	require.NoError(t, err)
	second, err := ex.Extract(context.Background(), "job", docPages, grays, result)
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
}

func TestExtractOrdersUnsortedBoxes(t *testing.T) {
	docPages, grays, _ := fixture()
	docPages, grays = docPages[:1], grays[:1]
	// lower check listed first
	result := &detector.Result{
		Format: detector.FormatContourBordered,
		Boxes:  [][]detector.Box{{{X1: 10, Y1: 140, X2: 210, Y2: 260}, {X1: 10, Y1: 10, X2: 210, Y2: 110}}},
	}

	m, err := New(NewFileStore(t.TempDir())).Extract(context.Background(), "job", docPages, grays, result)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, "check_0001", m.Entries[0].CheckID)
	assert.Equal(t, 10, m.Entries[0].Box.Y1)
	assert.Equal(t, "check_0002", m.Entries[1].CheckID)
	assert.Equal(t, 140, m.Entries[1].Box.Y1)

	// the caller's slice keeps its order
	assert.Equal(t, 140, result.Boxes[0][0].Y1)
}

func TestExtractRejectsMismatchedInput(t *testing.T) {
	docPages, grays, result := fixture()
	_, err := New(NewFileStore(t.TempDir())).Extract(context.Background(), "job", docPages[:1], grays, result)
	assert.Error(t, err)
}

func TestManifestRoundTripOnDisk(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{JobID: "j", DocFormat: "Line-Grid", TotalPages: 2, Entries: []Entry{{CheckID: "check_0001", ImageFile: "a.png", PageNumber: 2}}}
	require.NoError(t, WriteManifest(dir, m))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Entries, got.Entries)
	assert.Equal(t, "Line-Grid", got.DocFormat)

	_, err = ReadManifest(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestArtifactStore(t *testing.T) {
	stored := map[string][]byte{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/fileprocess/api/files/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			assert.Equal(t, "checkextract-worker", r.FormValue("source_service"))
			assert.Equal(t, "job-9", r.FormValue("source_id"))
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			stored["a1"] = data
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":  true,
				"artifact": map[string]interface{}{"id": "a1", "download_url": srv.URL + "/blob/a1"},
			})
		case r.URL.Path == "/fileprocess/api/files/a1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":  true,
				"artifact": map[string]interface{}{"id": "a1", "download_url": srv.URL + "/blob/a1"},
			})
		case r.URL.Path == "/blob/a1":
			_, _ = w.Write(stored["a1"])
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := NewArtifactStore(clients.NewArtifactClient(srv.URL))
	ref, err := store.Save(context.Background(), "job-9", "images/check_0001.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "artifact:a1", ref)

	data, err := store.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	_, err = store.Load(context.Background(), "/tmp/not-an-artifact")
	assert.Error(t, err)
}
