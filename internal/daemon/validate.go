package daemon

import (
	"errors"
	"net/url"
	"strings"

	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/platform"
)

var allowedFormats = map[string]struct{}{
	"video": {},
	"audio": {},
	"mp4":   {},
	"mp3":   {},
}

// buildRequest validates an API payload and normalizes it into a job
// request. Validation messages are returned verbatim to the caller.
func buildRequest(payload createJobRequest) (jobs.Request, error) {
	rawURL := strings.TrimSpace(payload.URL)
	if rawURL == "" {
		return jobs.Request{}, errors.New("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return jobs.Request{}, errors.New("url must be a valid absolute URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return jobs.Request{}, errors.New("url must start with http:// or https://")
	}

	format := strings.ToLower(strings.TrimSpace(payload.Format))
	if format == "" {
		format = "video"
	}
	if _, ok := allowedFormats[format]; !ok {
		return jobs.Request{}, errors.New("format must be one of: video, audio, mp4, mp3")
	}

	platformLabel := strings.TrimSpace(payload.Platform)
	if platformLabel == "" {
		platformLabel = platformFromHost(parsed.Host)
	}

	return jobs.Request{
		URL:          rawURL,
		Quality:      strings.TrimSpace(payload.Quality),
		Format:       format,
		Platform:     platform.Normalize(platformLabel),
		Priority:     payload.Priority,
		Enhancements: payload.Enhancements,
	}, nil
}

// platformFromHost derives a platform label from the URL host when the
// caller did not name one: "www.youtube.com" becomes "youtube".
func platformFromHost(host string) string {
	host = strings.ToLower(host)
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	labels := strings.Split(host, ".")
	if len(labels) >= 2 {
		// youtu.be and similar short domains keep their first label.
		return labels[len(labels)-2]
	}
	if host == "" {
		return "other"
	}
	return host
}
