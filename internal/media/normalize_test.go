package media

import (
	"fmt"
	"testing"
)

func TestNormalize_Filtering(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "hls-720", Ext: "mp4", Protocol: "m3u8_native", VCodec: "avc1", ACodec: "mp4a", Height: 720},
		{FormatID: "dash-v", Ext: "mp4", Protocol: "http_dash_segments", VCodec: "avc1", ACodec: "none", Height: 1080},
		{FormatID: "sb0", Ext: "mhtml", Protocol: "mhtml", FormatNote: "storyboard", VCodec: "none", ACodec: "none"},
		{FormatID: "prem", Ext: "mp4", Protocol: "https", FormatNote: "Premium", VCodec: "avc1", ACodec: "none", Height: 1080},
		{FormatID: "img", Ext: "jpg", Protocol: "https", VCodec: "none", ACodec: "none"},
		{FormatID: "18", Ext: "mp4", Protocol: "https", VCodec: "avc1.42001E", ACodec: "mp4a.40.2", Height: 360, Width: 640},
	}

	got := Normalize(raw, TypeVideo, Options{})
	if len(got) != 1 {
		t.Fatalf("expected 1 format after filtering, got %d: %+v", len(got), got)
	}
	if got[0].ID != "18" || !got[0].Progressive {
		t.Errorf("expected progressive format 18, got %+v", got[0])
	}
	if got[0].Codec != "avc+aac" {
		t.Errorf("Codec = %q, want avc+aac", got[0].Codec)
	}
	if got[0].Resolution != "640x360" {
		t.Errorf("Resolution = %q, want 640x360", got[0].Resolution)
	}
}

func TestNormalize_DedupKeepsLarger(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "22a", Ext: "mp4", Protocol: "https", VCodec: "avc1.64001F", ACodec: "mp4a.40.2", Height: 720, FPS: 30, Filesize: 1000, URL: "https://cdn/x?sig=1"},
		{FormatID: "22b", Ext: "mp4", Protocol: "https", VCodec: "avc1.64001F", ACodec: "mp4a.40.2", Height: 720, FPS: 30, Filesize: 2000, URL: "https://cdn/x?sig=2"},
	}

	got := Normalize(raw, TypeVideo, Options{})
	if len(got) != 1 {
		t.Fatalf("expected duplicates to collapse, got %d", len(got))
	}
	if got[0].ID != "22b" || *got[0].SizeBytes != 2000 {
		t.Errorf("expected larger entry 22b, got %s size %v", got[0].ID, got[0].SizeBytes)
	}
}

func TestNormalize_DedupSameIDKeepsLarger(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "22", Ext: "mp4", Protocol: "https", VCodec: "avc1.64001F", ACodec: "mp4a.40.2", Height: 720, Filesize: 1000, URL: "https://cdn/x?sig=1"},
		{FormatID: "22", Ext: "mp4", Protocol: "https", VCodec: "avc1.64001F", ACodec: "mp4a.40.2", Height: 720, Filesize: 2000, URL: "https://cdn/x?sig=2"},
	}

	got := Normalize(raw, TypeVideo, Options{})
	if len(got) != 1 {
		t.Fatalf("expected one entry for id 22, got %d", len(got))
	}
	if *got[0].SizeBytes != 2000 || got[0].SourceURL != "https://cdn/x?sig=2" {
		t.Errorf("expected the larger record, got size %d url %s", *got[0].SizeBytes, got[0].SourceURL)
	}
}

func TestNormalize_DedupPrefersExactSize(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "approx", Ext: "webm", Protocol: "https", VCodec: "vp9", ACodec: "none", Height: 1080, FilesizeApprox: 9000},
		{FormatID: "exact", Ext: "webm", Protocol: "https", VCodec: "vp09.00.40.08", ACodec: "none", Height: 1080, Filesize: 5000},
	}

	got := Normalize(raw, TypeVideo, Options{})
	if len(got) != 1 {
		t.Fatalf("expected 1 format, got %d", len(got))
	}
	if got[0].ID != "exact" || got[0].Estimated {
		t.Errorf("expected exact-size entry to win, got %+v", got[0])
	}
}

func TestNormalize_SizeEstimation(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "est", Ext: "mp4", Protocol: "https", VCodec: "avc1", ACodec: "none", Height: 480, TBR: 1000},
		{FormatID: "none", Ext: "mp4", Protocol: "https", VCodec: "avc1", ACodec: "none", Height: 240},
	}

	got := Normalize(raw, TypeVideo, Options{Duration: 10})
	if len(got) != 2 {
		t.Fatalf("expected 2 formats, got %d", len(got))
	}

	est := got[0]
	if est.SizeBytes == nil || *est.SizeBytes != 1250000 || !est.Estimated {
		t.Errorf("expected estimated size 1250000, got %v estimated=%v", est.SizeBytes, est.Estimated)
	}

	unknown := got[1]
	if unknown.SizeBytes != nil || unknown.Estimated {
		t.Errorf("expected no size without a basis, got %v estimated=%v", unknown.SizeBytes, unknown.Estimated)
	}
}

func TestNormalize_Ordering(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "140", Ext: "m4a", Protocol: "https", VCodec: "none", ACodec: "mp4a.40.2", ABR: 129},
		{FormatID: "136", Ext: "mp4", Protocol: "https", VCodec: "avc1", ACodec: "none", Height: 720, TBR: 2000},
		{FormatID: "22", Ext: "mp4", Protocol: "https", VCodec: "avc1", ACodec: "mp4a", Height: 720, TBR: 2000},
		{FormatID: "137", Ext: "mp4", Protocol: "https", VCodec: "avc1", ACodec: "none", Height: 1080, TBR: 4000},
		{FormatID: "251", Ext: "webm", Protocol: "https", VCodec: "none", ACodec: "opus", ABR: 160},
		{FormatID: "398", Ext: "mp4", Protocol: "https", VCodec: "av01", ACodec: "none", Height: 720, TBR: 1500},
	}

	got := Normalize(raw, TypeVideo, Options{})
	want := []string{"137", "22", "136", "398", "251", "140"}
	if len(got) != len(want) {
		t.Fatalf("expected %d formats, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestNormalize_AudioTiersSurvive(t *testing.T) {
	raw := []RawFormat{
		{FormatID: "139", Ext: "m4a", Protocol: "https", VCodec: "none", ACodec: "mp4a.40.5", ABR: 48},
		{FormatID: "140", Ext: "m4a", Protocol: "https", VCodec: "none", ACodec: "mp4a.40.2", ABR: 129},
	}

	got := Normalize(raw, TypeAudio, Options{})
	if len(got) != 2 {
		t.Fatalf("distinct audio bitrates should not collapse, got %d", len(got))
	}
	if got[0].ID != "140" {
		t.Errorf("expected higher bitrate first, got %s", got[0].ID)
	}
}

func TestNormalize_CapKeepsTierDiversity(t *testing.T) {
	var raw []RawFormat
	heights := []int{2160, 1440, 1080, 720, 480, 360}
	for _, h := range heights {
		for i, codec := range []string{"avc1", "vp9", "av01"} {
			raw = append(raw, RawFormat{
				FormatID: fmt.Sprintf("%d-%d", h, i),
				Ext:      "mp4",
				Protocol: "https",
				VCodec:   codec,
				ACodec:   "none",
				Height:   h,
				TBR:      float64(h*3 - i),
			})
		}
	}
	raw = append(raw, RawFormat{FormatID: "aud", Ext: "m4a", Protocol: "https", VCodec: "none", ACodec: "mp4a", ABR: 128})

	got := Normalize(raw, TypeVideo, Options{MaxFormats: 8})
	if len(got) != 8 {
		t.Fatalf("expected cap of 8, got %d", len(got))
	}

	tiers := make(map[int]bool)
	hasAudio := false
	for _, f := range got {
		if f.AudioOnly() {
			hasAudio = true
			continue
		}
		tiers[f.Height] = true
	}
	if len(tiers) != len(heights) {
		t.Errorf("expected all %d height tiers, got %v", len(heights), tiers)
	}
	if !hasAudio {
		t.Error("expected best audio to survive the cap")
	}
	for i := 1; i < len(got); i++ {
		if ranksBefore(got[i], got[i-1]) {
			t.Errorf("capped output not in rank order at %d", i)
		}
	}
}

func TestNormalize_Empty(t *testing.T) {
	if got := Normalize(nil, TypeVideo, Options{}); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}

	onlyHLS := []RawFormat{{FormatID: "hls", Protocol: "m3u8", VCodec: "avc1", ACodec: "mp4a"}}
	if got := Normalize(onlyHLS, TypeVideo, Options{}); len(got) != 0 {
		t.Errorf("expected empty result when all filtered, got %v", got)
	}
}

func TestBuildMetadata(t *testing.T) {
	t.Run("video", func(t *testing.T) {
		info := &RawInfo{
			ID:       "abc",
			Title:    "  Clip  ",
			Uploader: "someone",
			Duration: 60,
			Thumbnails: []Thumbnail{
				{URL: "small", Width: 120, Height: 90},
				{URL: "large", Width: 1280, Height: 720},
			},
			Formats: []RawFormat{
				{FormatID: "18", Ext: "mp4", Protocol: "https", VCodec: "avc1", ACodec: "mp4a", Height: 360, TBR: 500},
			},
		}

		m := BuildMetadata(info, "https://example.com/v/abc", "generic", Options{})
		if m.MediaType != TypeVideo {
			t.Errorf("MediaType = %s, want video", m.MediaType)
		}
		if m.Title != "Clip" || m.ThumbnailURL != "large" {
			t.Errorf("unexpected title/thumbnail: %q %q", m.Title, m.ThumbnailURL)
		}
		if len(m.Formats) != 1 || m.Formats[0].SizeBytes == nil {
			t.Fatalf("expected one format with estimated size, got %+v", m.Formats)
		}
	})

	t.Run("image set", func(t *testing.T) {
		info := &RawInfo{
			Type:  "playlist",
			Title: "carousel",
			Entries: []RawInfo{
				{Ext: "jpg", URL: "https://cdn/1.jpg", Thumbnail: "t1"},
				{Ext: "jpg", URL: "https://cdn/2.jpg"},
			},
		}

		m := BuildMetadata(info, "https://instagram.com/p/x", "instagram", Options{})
		if m.MediaType != TypeImageSet {
			t.Errorf("MediaType = %s, want image-set", m.MediaType)
		}
		if m.ThumbnailURL != "t1" {
			t.Errorf("ThumbnailURL = %q, want first entry thumbnail", m.ThumbnailURL)
		}
	})

	t.Run("audio", func(t *testing.T) {
		info := &RawInfo{
			Title: "track",
			Formats: []RawFormat{
				{FormatID: "mp3", Ext: "mp3", Protocol: "https", VCodec: "none", ACodec: "mp3", ABR: 128},
			},
		}

		m := BuildMetadata(info, "https://soundcloud.com/a/b", "soundcloud", Options{})
		if m.MediaType != TypeAudio {
			t.Errorf("MediaType = %s, want audio", m.MediaType)
		}
	})

	t.Run("single file", func(t *testing.T) {
		info := &RawInfo{Title: "direct", Ext: "mp4", URL: "https://cdn/v.mp4"}

		m := BuildMetadata(info, "https://cdn/v.mp4", "generic", Options{})
		if len(m.Formats) != 1 || !m.Formats[0].Progressive {
			t.Errorf("expected a single progressive default format, got %+v", m.Formats)
		}
	})
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		title, ext, want string
	}{
		{"Café: Déjà Vu / Live!", "mp4", "Cafe_Deja_Vu_Live.mp4"},
		{"日本語", "m4a", "download.m4a"},
		{"...", ".MP4", "download.mp4"},
		{"plain title", "", "plain_title"},
	}

	for _, tt := range tests {
		if got := SafeFilename(tt.title, tt.ext); got != tt.want {
			t.Errorf("SafeFilename(%q, %q) = %q, want %q", tt.title, tt.ext, got, tt.want)
		}
	}
}
