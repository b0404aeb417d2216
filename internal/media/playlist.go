package media

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MasterPlaylistName is the file name of the multi-variant playlist.
const MasterPlaylistName = "playlist.m3u8"

// BuildMasterPlaylist renders the multi-variant playlist for ladder in ladder
// order.
func BuildMasterPlaylist(ladder []RenditionSpec) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range ladder {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", r.Bandwidth(), r.Resolution())
		b.WriteString(r.PlaylistName())
		b.WriteString("\n")
	}
	return b.String()
}

// WriteMasterPlaylist writes playlist.m3u8 into dir and returns its path.
func WriteMasterPlaylist(dir string, ladder []RenditionSpec) (string, error) {
	target := filepath.Join(dir, MasterPlaylistName)
	if err := os.WriteFile(target, []byte(BuildMasterPlaylist(ladder)), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	return target, nil
}

// ReadSegments lists the segment URIs referenced by a media playlist, in
// playlist order, resolved against the playlist's directory.
func ReadSegments(playlistPath string) ([]string, error) {
	file, err := os.Open(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer file.Close()

	dir := filepath.Dir(playlistPath)
	var segments []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, filepath.Join(dir, path.Base(filepath.ToSlash(line))))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	return segments, nil
}
