package models

import (
	"strings"
	"time"
)

// VideoStatus is the persisted state of a transcode job for one video.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "PENDING"
	VideoStatusProcessing VideoStatus = "PROCESSING"
	VideoStatusDone       VideoStatus = "DONE"
	VideoStatusError      VideoStatus = "ERROR"
)

// ParseVideoStatus normalizes a stored status value. Unknown values map to
// an empty status and false.
func ParseVideoStatus(value string) (VideoStatus, bool) {
	switch VideoStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case VideoStatusPending:
		return VideoStatusPending, true
	case VideoStatusProcessing:
		return VideoStatusProcessing, true
	case VideoStatusDone:
		return VideoStatusDone, true
	case VideoStatusError:
		return VideoStatusError, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transitions happen without an external
// re-trigger.
func (s VideoStatus) Terminal() bool {
	return s == VideoStatusDone || s == VideoStatusError
}

// Video is a single uploaded asset. The pipeline only ever writes Status and
// ThumbnailPath.
type Video struct {
	WatchID          string      `json:"watchId"`
	ChannelID        string      `json:"channelId"`
	UploadedFilePath string      `json:"uploadedFilePath"`
	UploadedFileName string      `json:"uploadedFileName,omitempty"`
	Status           VideoStatus `json:"status"`
	ThumbnailPath    *string     `json:"thumbnailPath,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// SourceName returns the original upload filename, falling back to the base
// of the local path when no name was recorded.
func (v Video) SourceName() string {
	if name := strings.TrimSpace(v.UploadedFileName); name != "" {
		return lastPathElement(name)
	}
	return lastPathElement(v.UploadedFilePath)
}

func lastPathElement(p string) string {
	p = strings.TrimRight(strings.ReplaceAll(p, "\\", "/"), "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// ThumbnailCandidate is one extracted preview frame. Exactly one of Data
// (an inline data URI) or Path (a persisted file) is populated.
type ThumbnailCandidate struct {
	TimestampSeconds int    `json:"timestamp"`
	Data             string `json:"file,omitempty"`
	Path             string `json:"path,omitempty"`
}
