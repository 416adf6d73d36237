package pipeline

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gustavoali/ytrag/errors"
)

var externalIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

// ParseExternalID extracts the video id from a YouTube URL or accepts a bare
// id. Supported forms: youtube.com/watch?v=ID, youtu.be/ID,
// youtube.com/shorts/ID and youtube.com/embed/ID.
func ParseExternalID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.NewInvalidRequestError("empty video reference")
	}
	if externalIDPattern.MatchString(s) {
		return s, nil
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", errors.NewInvalidRequestError("invalid video url %q", raw)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	path := strings.Trim(u.Path, "/")

	var id string
	switch host {
	case "youtu.be":
		id = strings.SplitN(path, "/", 2)[0]
	case "youtube.com", "music.youtube.com":
		switch {
		case path == "watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(path, "shorts/"), strings.HasPrefix(path, "embed/"), strings.HasPrefix(path, "live/"):
			id = strings.SplitN(path, "/", 3)[1]
		}
	default:
		return "", errors.NewInvalidRequestError("unsupported video host %q", u.Hostname())
	}

	if !externalIDPattern.MatchString(id) {
		return "", errors.NewInvalidRequestError("no video id in %q", raw)
	}
	return id, nil
}

// CanonicalURL is the watch URL for an external id.
func CanonicalURL(externalID string) string {
	return "https://www.youtube.com/watch?v=" + externalID
}
