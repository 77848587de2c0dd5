package media

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultMaxFormats bounds the catalog returned to clients
const DefaultMaxFormats = 20

// Options tunes normalization
type Options struct {
	// Duration in seconds, used to estimate sizes from bitrate
	Duration   float64
	MaxFormats int
}

// protocols that cannot be served as a single file
var segmentedProtocols = []string{"m3u8", "dash", "f4m", "ism", "mhtml", "websocket"}

// format notes marking non-downloadable tiers
var excludedNotes = []string{"storyboard", "premium", "preview"}

var videoExts = map[string]bool{"mp4": true, "webm": true, "mov": true, "mkv": true, "flv": true, "3gp": true}
var audioExts = map[string]bool{"m4a": true, "mp3": true, "opus": true, "ogg": true, "aac": true, "flac": true, "wav": true, "weba": true}

// Normalize converts raw engine formats into a deduplicated, ranked, bounded
// catalog. An empty result is valid.
func Normalize(raw []RawFormat, mt MediaType, opts Options) []FormatDescriptor {
	if opts.MaxFormats <= 0 {
		opts.MaxFormats = DefaultMaxFormats
	}

	// Records repeating an id (signed URL variants) collapse to the preferred one
	// first, so every id appears at most once.
	byID := make(map[string]FormatDescriptor)
	var order []string
	for _, r := range raw {
		if r.FormatID == "" || excluded(r) {
			continue
		}
		f, ok := describe(r, opts.Duration)
		if !ok {
			continue
		}
		if mt == TypeAudio && f.HasVideo {
			continue
		}
		cur, exists := byID[f.ID]
		if !exists {
			order = append(order, f.ID)
		}
		if !exists || preferred(f, cur) {
			byID[f.ID] = f
		}
	}

	best := make(map[string]FormatDescriptor)
	for _, id := range order {
		f := byID[id]
		key := dedupKey(f)
		if cur, exists := best[key]; !exists || preferred(f, cur) {
			best[key] = f
		}
	}

	out := make([]FormatDescriptor, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })

	return capDiverse(out, opts.MaxFormats)
}

func excluded(r RawFormat) bool {
	protocol := strings.ToLower(r.Protocol)
	for _, p := range segmentedProtocols {
		if strings.Contains(protocol, p) {
			return true
		}
	}

	note := strings.ToLower(r.FormatNote + " " + r.FormatID)
	for _, n := range excludedNotes {
		if strings.Contains(note, n) {
			return true
		}
	}
	return false
}

// describe maps one raw record; ok is false when it carries neither audio nor video.
func describe(r RawFormat, duration float64) (FormatDescriptor, bool) {
	ext := strings.ToLower(r.Ext)
	vcodec := strings.ToLower(r.VCodec)
	acodec := strings.ToLower(r.ACodec)

	var hasVideo, hasAudio bool
	if vcodec != "" {
		hasVideo = vcodec != "none"
	} else {
		hasVideo = r.Height > 0 || videoExts[ext]
	}
	if acodec != "" {
		hasAudio = acodec != "none"
	} else {
		// Unknown codecs on a video container usually mean a muxed file
		hasAudio = audioExts[ext] || (hasVideo && vcodec == "")
	}
	if !hasVideo && !hasAudio {
		return FormatDescriptor{}, false
	}

	f := FormatDescriptor{
		ID:          r.FormatID,
		Ext:         ext,
		HasVideo:    hasVideo,
		HasAudio:    hasAudio,
		Progressive: hasVideo && hasAudio,
		Width:       r.Width,
		Height:      r.Height,
		FPS:         r.FPS,
		BitrateKbps: bitrate(r, hasVideo),
		Note:        r.FormatNote,
		SourceURL:   r.URL,
	}
	f.Codec = codecFamily(f, vcodec, acodec)
	f.Resolution = resolution(f)

	switch {
	case r.Filesize > 0:
		size := r.Filesize
		f.SizeBytes = &size
	case r.FilesizeApprox > 0:
		size := r.FilesizeApprox
		f.SizeBytes, f.Estimated = &size, true
	case f.BitrateKbps > 0 && duration > 0:
		size := int64(f.BitrateKbps * 1000 / 8 * duration)
		f.SizeBytes, f.Estimated = &size, true
	}

	return f, true
}

func bitrate(r RawFormat, hasVideo bool) float64 {
	switch {
	case r.TBR > 0:
		return r.TBR
	case r.VBR > 0 || r.ABR > 0:
		if !hasVideo {
			return r.ABR
		}
		return r.VBR + r.ABR
	}
	return 0
}

func codecFamily(f FormatDescriptor, vcodec, acodec string) string {
	video := family(vcodec, videoFamilies)
	audio := family(acodec, audioFamilies)

	switch {
	case f.Progressive && video != "" && audio != "":
		return video + "+" + audio
	case f.HasVideo && video != "":
		return video
	case !f.HasVideo && audio != "":
		return audio
	}
	return f.Ext
}

var videoFamilies = []struct{ prefix, name string }{
	{"avc", "avc"}, {"h264", "avc"}, {"hev", "hevc"}, {"hvc", "hevc"}, {"h265", "hevc"},
	{"vp09", "vp9"}, {"vp9", "vp9"}, {"av01", "av1"}, {"vp8", "vp8"},
}

var audioFamilies = []struct{ prefix, name string }{
	{"mp4a", "aac"}, {"aac", "aac"}, {"opus", "opus"}, {"mp3", "mp3"},
	{"vorbis", "vorbis"}, {"flac", "flac"}, {"ac-3", "ac3"}, {"ec-3", "eac3"},
}

func family(codec string, table []struct{ prefix, name string }) string {
	if codec == "" || codec == "none" {
		return ""
	}
	for _, fam := range table {
		if strings.HasPrefix(codec, fam.prefix) {
			return fam.name
		}
	}
	return "other"
}

func resolution(f FormatDescriptor) string {
	switch {
	case !f.HasVideo:
		return "audio only"
	case f.Width > 0 && f.Height > 0:
		return fmt.Sprintf("%dx%d", f.Width, f.Height)
	case f.Height > 0:
		return fmt.Sprintf("%dp", f.Height)
	}
	return "unknown"
}

// dedupKey groups equivalent encodings. Audio-only formats use a bitrate
// tier in place of a resolution so distinct audio qualities survive.
func dedupKey(f FormatDescriptor) string {
	tier := fmt.Sprintf("%d", f.Height)
	if !f.HasVideo {
		tier = fmt.Sprintf("a%d", int(math.Round(f.BitrateKbps/16)))
	}
	return fmt.Sprintf("%s|%d|%s|%s", tier, int(math.Round(f.FPS)), f.Codec, f.Ext)
}

// preferred reports whether a should replace b within a dedup group.
func preferred(a, b FormatDescriptor) bool {
	switch {
	case a.SizeBytes == nil || b.SizeBytes == nil:
		if (a.SizeBytes == nil) != (b.SizeBytes == nil) {
			return a.SizeBytes != nil
		}
	case a.Estimated != b.Estimated:
		return !a.Estimated
	case *a.SizeBytes != *b.SizeBytes:
		return *a.SizeBytes > *b.SizeBytes
	}
	return a.BitrateKbps > b.BitrateKbps
}

// ranksBefore orders by video before audio, height, bitrate, progressive
// first, then id for determinism.
func ranksBefore(a, b FormatDescriptor) bool {
	if a.HasVideo != b.HasVideo {
		return a.HasVideo
	}
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	if a.BitrateKbps != b.BitrateKbps {
		return a.BitrateKbps > b.BitrateKbps
	}
	if a.Progressive != b.Progressive {
		return a.Progressive
	}
	return a.ID < b.ID
}

// capDiverse truncates a ranked list to max entries, first taking the best
// format of every height tier and the best audio, then filling by rank.
func capDiverse(ranked []FormatDescriptor, max int) []FormatDescriptor {
	if len(ranked) <= max {
		return ranked
	}

	keep := make([]bool, len(ranked))
	count := 0

	bestAudio := -1
	for i, f := range ranked {
		if !f.HasVideo {
			bestAudio = i
			break
		}
	}
	if bestAudio >= 0 {
		keep[bestAudio] = true
		count++
	}

	tiers := make(map[int]bool)
	for i, f := range ranked {
		if count >= max {
			break
		}
		if !f.HasVideo || tiers[f.Height] {
			continue
		}
		tiers[f.Height] = true
		keep[i] = true
		count++
	}

	for i := range ranked {
		if count >= max {
			break
		}
		if !keep[i] {
			keep[i] = true
			count++
		}
	}

	out := make([]FormatDescriptor, 0, max)
	for i, f := range ranked {
		if keep[i] {
			out = append(out, f)
		}
	}
	return out
}
