package download

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
)

// Getter downloads a media file straight from a URL built from the external
// id, for mirrors and object stores that serve the source files directly.
type Getter struct {
	urlTemplate string
	logger      *zap.SugaredLogger
}

var _ pipeline.VideoDownloader = (*Getter)(nil)

// NewGetter builds a go-getter based downloader.
func NewGetter(cfg am.DownloadEngineConfig, log *zap.SugaredLogger) *Getter {
	return &Getter{urlTemplate: urlTemplate(cfg), logger: log.Named("getter")}
}

// Download implements pipeline.VideoDownloader.
func (g *Getter) Download(ctx context.Context, externalID, destDir string, onProgress pipeline.ProgressFunc) (string, error) {
	src := sourceURL(g.urlTemplate, externalID)
	if err := os.MkdirAll(destDir, am.DefaultDirPermissions); err != nil {
		return "", errors.Wrap(err, "failed to create download directory")
	}
	dst := filepath.Join(destDir, "video"+extensionOf(src))

	pwd, err := os.Getwd()
	if err != nil {
		pwd = destDir
	}
	detected, err := getter.Detect(src, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrapf(err, "failed to detect source type for %s", src)
	}

	g.logger.Debugw("Fetching with go-getter", logger.FieldURL, detected, logger.FieldFile, dst)
	client := &getter.Client{
		Ctx:     ctx,
		Src:     detected,
		Dst:     dst,
		Pwd:     pwd,
		Mode:    getter.ClientModeFile,
		Getters: getters(),
		// Media files must never be unpacked.
		Decompressors:    map[string]getter.Decompressor{},
		ProgressListener: &progressTracker{onProgress: onProgress},
	}
	if err := client.Get(); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), "download interrupted")
		}
		return "", errors.Wrapf(err, "failed to fetch %s", src)
	}

	info, err := os.Stat(dst)
	if err != nil || info.Size() == 0 {
		return "", errors.NewIntegrityError("download of %s produced no data", src)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return dst, nil
}

// getters returns a fresh getter set per download; Client.Get binds each
// getter to its client.
func getters() map[string]getter.Getter {
	httpGetter := &getter.HttpGetter{Netrc: true}
	return map[string]getter.Getter{
		"file":  new(getter.FileGetter),
		"gcs":   new(getter.GCSGetter),
		"http":  httpGetter,
		"https": httpGetter,
		"s3":    new(getter.S3Getter),
	}
}

func extensionOf(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ".mp4"
	}
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
		return ext
	}
	return ".mp4"
}

// progressTracker implements getter.ProgressTracker.
type progressTracker struct {
	onProgress pipeline.ProgressFunc
}

func (p *progressTracker) TrackProgress(_ string, currentSize, totalSize int64, stream io.ReadCloser) io.ReadCloser {
	if p.onProgress == nil || totalSize <= 0 {
		return stream
	}
	r := &countingReader{ReadCloser: stream, total: totalSize, report: p.onProgress}
	r.read.Store(currentSize)
	return r
}

type countingReader struct {
	io.ReadCloser
	read   atomic.Int64
	last   atomic.Int64 // last reported whole percent
	total  int64
	report pipeline.ProgressFunc
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.ReadCloser.Read(b)
	if n > 0 {
		done := c.read.Add(int64(n))
		pct := done * 100 / c.total
		if prev := c.last.Load(); pct > prev && c.last.CompareAndSwap(prev, pct) {
			c.report(float64(done) / float64(c.total))
		}
	}
	return n, err
}
