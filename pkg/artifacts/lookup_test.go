package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLookup(t *testing.T) (*Lookup, string) {
	t.Helper()
	dir := t.TempDir()
	return NewLookup(NewScanner(time.Second), dir, time.Minute), dir
}

func TestFindMetadataForImage(t *testing.T) {
	l, dir := newLookup(t)
	touch(t, dir, "det_1.csv", []byte("image_name,latitude,longitude\nimg_0001.jpg,13.1,100.1\n"))
	touch(t, dir, "det_2.csv", []byte("imageName,lat,lng\n/var/out/img_0002.jpg,13.2,100.2\nC:\\out\\img_0003.jpg,13.3,100.3\n"))
	touch(t, dir, "broken.csv", []byte("only-a-header\n"))
	touch(t, dir, "readme.txt", []byte("image_name\nimg_0004.jpg\n"))

	ctx := context.Background()

	row, err := l.FindMetadataForImage(ctx, "img_0001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "13.1", row["latitude"])

	row, err = l.FindMetadataForImage(ctx, "img_0002.jpg")
	require.NoError(t, err)
	assert.Equal(t, "13.2", row["lat"], "path prefix stripped")

	row, err = l.FindMetadataForImage(ctx, "img_0003.jpg")
	require.NoError(t, err)
	assert.Equal(t, "100.3", row["lng"], "windows path prefix stripped")

	row, err = l.FindMetadataForImage(ctx, "img_0004.jpg")
	require.NoError(t, err)
	assert.Nil(t, row, "non-csv files are not scanned")
}

func TestFindMetadataForImage_NoMatchIsNil(t *testing.T) {
	l, dir := newLookup(t)
	touch(t, dir, "det_1.csv", []byte("image_name,latitude\nimg_0001.jpg,13.1\n"))

	row, err := l.FindMetadataForImage(context.Background(), "img_9999.jpg")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestFindMetadataForImage_MissingDirIsNil(t *testing.T) {
	l := NewLookup(NewScanner(time.Second), filepath.Join(t.TempDir(), "missing"), time.Minute)

	row, err := l.FindMetadataForImage(context.Background(), "img_1.jpg")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestFindMetadataForImage_CacheInvalidation(t *testing.T) {
	l, dir := newLookup(t)
	path := touch(t, dir, "det_1.csv", []byte("image_name,latitude\nimg_0001.jpg,13.1\n"))
	ctx := context.Background()

	row, err := l.FindMetadataForImage(ctx, "img_0001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "13.1", row["latitude"])

	// callers get a copy; mutating it must not poison the cache
	row["latitude"] = "tampered"

	require.NoError(t, os.WriteFile(path, []byte("image_name,latitude\nimg_0001.jpg,14.0\n"), 0o644))

	row, err = l.FindMetadataForImage(ctx, "img_0001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "13.1", row["latitude"], "served from cache until invalidated")

	l.Invalidate()

	row, err = l.FindMetadataForImage(ctx, "img_0001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "14.0", row["latitude"])
}

func TestFindMetadataForImage_ScanRacingInvalidateIsNotCached(t *testing.T) {
	l, dir := newLookup(t)
	path := touch(t, dir, "det_1.csv", []byte("image_name,latitude\nimg_0001.jpg,13.1\n"))
	ctx := context.Background()

	// a scan read the old row, then the file changed and was invalidated
	// before the scan stored its result
	gen := l.generation()
	require.NoError(t, os.WriteFile(path, []byte("image_name,latitude\nimg_0001.jpg,14.0\n"), 0o644))
	l.Invalidate()
	l.remember(gen, "img_0001.jpg", map[string]string{"image_name": "img_0001.jpg", "latitude": "13.1"})

	_, cached := l.cache.Get("img_0001.jpg")
	assert.False(t, cached)

	row, err := l.FindMetadataForImage(ctx, "img_0001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "14.0", row["latitude"])

	_, cached = l.cache.Get("img_0001.jpg")
	assert.True(t, cached, "a scan under the current generation is memoized")
}

func TestMatchRow_NilTable(t *testing.T) {
	assert.Nil(t, MatchRow(nil, "img_1.jpg"))
}
