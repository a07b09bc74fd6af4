package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/ontology"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/watcher"
)

type capture struct {
	mu      sync.Mutex
	events  []string
	payload []interface{}
}

func (c *capture) Broadcast(event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.payload = append(c.payload, payload)
}

type fixture struct {
	imageDir, csvDir string
	snap             *Snapshotter
	pub              *capture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		imageDir: filepath.Join(root, "image"),
		csvDir:   filepath.Join(root, "csv"),
		pub:      &capture{},
	}
	require.NoError(t, os.MkdirAll(f.imageDir, 0o755))
	require.NoError(t, os.MkdirAll(f.csvDir, 0o755))

	scanner := artifacts.NewScanner(time.Second)
	f.snap = NewSnapshotter(scanner, artifacts.NewLookup(scanner, f.csvDir, time.Minute), f.pub)
	return f
}

func (f *fixture) write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestFlush_PairsImageWithCSVRow(t *testing.T) {
	f := newFixture(t)
	img := f.write(t, f.imageDir, "img_0258.png", "png-bytes")
	csv := f.write(t, f.csvDir, "det_0258.csv", "image_name,latitude,longitude\nimg_0257.png,1,2\nimg_0258.png,13.75,100.5\n")

	f.snap.Flush(context.Background(), watcher.Batch{Image: img, CSV: csv})

	require.Equal(t, []string{shared.EventDroneData}, f.pub.events)
	data := f.pub.payload[0].(ontology.DroneData)
	require.NotNil(t, data.CSV)
	assert.Equal(t, []string{"image_name", "latitude", "longitude"}, data.CSV.Headers)
	assert.Len(t, data.CSV.Rows, 2)
	assert.Equal(t, "det_0258.csv", *data.CSVPath)
	assert.Equal(t, "img_0258.png", *data.ImagePath)
	assert.Equal(t, "data:image/png;base64,cG5nLWJ5dGVz", *data.Image)
	assert.Equal(t, "13.75", data.Metadata["latitude"])
}

func TestFlush_FallsBackToLookupAcrossFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.csvDir, "det_1.csv", "image_name,latitude\nimg_0009.jpg,7.5\n")
	img := f.write(t, f.imageDir, "img_0009.jpg", "jpg")

	f.snap.Flush(context.Background(), watcher.Batch{Image: img})

	data := f.pub.payload[0].(ontology.DroneData)
	assert.Nil(t, data.CSV)
	assert.Nil(t, data.CSVPath)
	assert.Equal(t, "7.5", data.Metadata["latitude"])
}

func TestFlush_CSVOnly(t *testing.T) {
	f := newFixture(t)
	csv := f.write(t, f.csvDir, "det_2.csv", "a,b\n1,2\n")

	f.snap.Flush(context.Background(), watcher.Batch{CSV: csv})

	data := f.pub.payload[0].(ontology.DroneData)
	assert.Nil(t, data.Image)
	assert.Nil(t, data.ImagePath)
	assert.Nil(t, data.Metadata)
	assert.Equal(t, "det_2.csv", *data.CSVPath)
}

func TestFlush_NothingReadableEmitsNothing(t *testing.T) {
	f := newFixture(t)
	header := f.write(t, f.csvDir, "header_only.csv", "a,b\n")

	f.snap.Flush(context.Background(), watcher.Batch{
		Image: filepath.Join(f.imageDir, "vanished.jpg"),
		CSV:   header,
	})

	assert.Empty(t, f.pub.events)
}
