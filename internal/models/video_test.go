package models

import "testing"

func TestParseVideoStatus(t *testing.T) {
	cases := []struct {
		input string
		want  VideoStatus
		ok    bool
	}{
		{input: "PENDING", want: VideoStatusPending, ok: true},
		{input: " done ", want: VideoStatusDone, ok: true},
		{input: "error", want: VideoStatusError, ok: true},
		{input: "processing", want: VideoStatusProcessing, ok: true},
		{input: "ready", ok: false},
		{input: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := ParseVideoStatus(tc.input)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseVideoStatus(%q) = %q, %v; want %q, %v", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestVideoStatusTerminal(t *testing.T) {
	if VideoStatusPending.Terminal() || VideoStatusProcessing.Terminal() {
		t.Fatalf("pending and processing must not be terminal")
	}
	if !VideoStatusDone.Terminal() || !VideoStatusError.Terminal() {
		t.Fatalf("done and error must be terminal")
	}
}

func TestVideoSourceName(t *testing.T) {
	cases := []struct {
		name  string
		video Video
		want  string
	}{
		{name: "recorded name", video: Video{UploadedFileName: "uploads/abc/beach.mp4", UploadedFilePath: "/srv/media/x.mp4"}, want: "beach.mp4"},
		{name: "path fallback", video: Video{UploadedFilePath: "/srv/media/clip.mov"}, want: "clip.mov"},
		{name: "windows separators", video: Video{UploadedFileName: `C:\videos\trip.mkv`}, want: "trip.mkv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.video.SourceName(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
