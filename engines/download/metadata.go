package download

import (
	"context"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/pulse/resilience"
)

const (
	metadataTTL     = time.Hour
	metadataTimeout = 15 * time.Second
)

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// MetadataClient looks videos up through an oEmbed endpoint. Results are
// cached per URL.
type MetadataClient struct {
	endpoint string
	client   *resty.Client
	cache    *cache.Cache
	logger   *zap.SugaredLogger
}

var _ pipeline.MetadataFetcher = (*MetadataClient)(nil)

// NewMetadataClient creates a client for the oEmbed endpoint.
func NewMetadataClient(endpoint string, log *zap.SugaredLogger) *MetadataClient {
	client := resty.New()
	client.SetTimeout(metadataTimeout)
	client.SetHeader("Accept", "application/json")
	return &MetadataClient{
		endpoint: endpoint,
		client:   client,
		cache:    cache.New(metadataTTL, 10*time.Minute),
		logger:   log.Named("oembed"),
	}
}

// Close releases idle connections.
func (m *MetadataClient) Close() error {
	return m.client.Close()
}

// Fetch implements pipeline.MetadataFetcher.
func (m *MetadataClient) Fetch(ctx context.Context, videoURL string) (pipeline.VideoInfo, error) {
	if cached, ok := m.cache.Get(videoURL); ok {
		return cached.(pipeline.VideoInfo), nil
	}

	var body oembedResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"url": videoURL, "format": "json"}).
		SetResult(&body).
		Get(m.endpoint)
	if err != nil {
		return pipeline.VideoInfo{}, errors.Wrapf(err, "oembed lookup for %s", videoURL)
	}
	if resp.StatusCode() != http.StatusOK {
		return pipeline.VideoInfo{}, &resilience.HTTPStatusError{
			StatusCode: resp.StatusCode(),
			URL:        m.endpoint,
			Body:       resp.String(),
		}
	}

	info := pipeline.VideoInfo{
		Title:        body.Title,
		Author:       body.AuthorName,
		ThumbnailURL: body.ThumbnailURL,
	}
	m.cache.Set(videoURL, info, cache.DefaultExpiration)
	m.logger.Debugw("Fetched video metadata", logger.FieldURL, videoURL, "title", info.Title)
	return info, nil
}
