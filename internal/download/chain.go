package download

import (
	"github.com/mediafetch/mediafetch/internal/extractor"
	"github.com/mediafetch/mediafetch/internal/media"
)

// StrategyKind names one way of producing the requested file.
type StrategyKind int

const (
	Direct StrategyKind = iota
	Merge
	ClientReprofile
	AudioOnly
)

func (k StrategyKind) String() string {
	switch k {
	case Direct:
		return "Direct"
	case Merge:
		return "Merge"
	case ClientReprofile:
		return "ClientReprofile"
	case AudioOnly:
		return "AudioOnly"
	}
	return "Unknown"
}

func (k StrategyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Strategy is one entry of a fallback chain. A ClientReprofile entry repeats a
// Direct download when AudioFormatID is empty and a Merge otherwise.
type Strategy struct {
	Kind          StrategyKind `json:"kind"`
	FormatID      string       `json:"format_id"`
	AudioFormatID string       `json:"audio_format_id,omitempty"`
	Profile       string       `json:"profile"`
	Ext           string       `json:"ext"`
}

// Merges reports whether executing s requires the muxer.
func (s Strategy) Merges() bool {
	return s.Kind == Merge || (s.Kind == ClientReprofile && s.AudioFormatID != "")
}

// Selector is the engine format selector for the primary download of s.
func (s Strategy) Selector() string {
	return selectorFor(s.FormatID)
}

// selectorFor maps the synthetic single-file id onto the engine's own choice.
func selectorFor(formatID string) string {
	if formatID == "" || formatID == "default" {
		return "best"
	}
	return formatID
}

// BuildChain returns the ordered strategies for requested against meta.
// requested is a format id or "best"; profiles lists alternate client profiles
// tried after the default one. Without canMerge no strategy needs the muxer.
// The result depends only on its arguments, and an unknown format id yields
// an empty chain.
func BuildChain(requested string, meta *media.MediaMetadata, profiles []string, canMerge bool) []Strategy {
	var primary, degraded []Strategy
	var audioExclude string

	if requested == "" || requested == "best" {
		primary = bestPrimary(meta)
	} else {
		f, ok := meta.Format(requested)
		if !ok {
			return nil
		}
		switch {
		case f.Progressive:
			primary = []Strategy{direct(f)}
		case f.VideoOnly():
			if a, ok := meta.BestAudio(""); ok {
				primary = []Strategy{merge(f, a)}
			} else {
				primary = []Strategy{direct(f)}
			}
			if p, ok := meta.BestProgressive(f.Height); ok {
				degraded = append(degraded, direct(p))
			}
		default:
			primary = []Strategy{direct(f)}
			audioExclude = f.ID
		}
	}

	if !canMerge {
		primary = withoutMerges(primary)
		if len(primary) == 0 {
			primary, degraded = degraded, nil
		}
	}

	b := &chainBuilder{seen: make(map[attemptKey]bool)}
	for _, s := range primary {
		b.add(s)
	}
	if len(primary) > 0 {
		for _, profile := range profiles {
			if profile == "" || profile == extractor.ProfileDefault {
				continue
			}
			re := primary[0]
			re.Kind = ClientReprofile
			re.Profile = profile
			b.add(re)
		}
	}
	for _, s := range degraded {
		b.add(s)
	}

	if meta.MediaType.AllowsAudioExtraction() {
		if a, ok := meta.BestAudio(audioExclude); ok {
			s := direct(a)
			s.Kind = AudioOnly
			b.add(s)
		}
	}
	return b.out
}

// bestPrimary orders the best progressive and best merge candidates by height.
func bestPrimary(meta *media.MediaMetadata) []Strategy {
	p, hasP := meta.BestProgressive(0)
	v, hasV := meta.BestVideoOnly()
	a, hasA := meta.BestAudio("")

	var out []Strategy
	if hasV && hasA {
		m := merge(v, a)
		if hasP && p.Height >= v.Height {
			return []Strategy{direct(p), m}
		}
		out = append(out, m)
	}
	if hasP {
		out = append(out, direct(p))
	}
	if len(out) == 0 && meta.MediaType == media.TypeAudio && hasA {
		out = append(out, direct(a))
	}
	return out
}

func withoutMerges(chain []Strategy) []Strategy {
	var out []Strategy
	for _, s := range chain {
		if !s.Merges() {
			out = append(out, s)
		}
	}
	return out
}

func direct(f media.FormatDescriptor) Strategy {
	return Strategy{Kind: Direct, FormatID: f.ID, Profile: extractor.ProfileDefault, Ext: f.Ext}
}

func merge(v, a media.FormatDescriptor) Strategy {
	return Strategy{Kind: Merge, FormatID: v.ID, AudioFormatID: a.ID, Profile: extractor.ProfileDefault, Ext: mergedExt(v, a)}
}

// mergedExt picks a container able to hold both streams without re-encoding.
func mergedExt(v, a media.FormatDescriptor) string {
	if v.Ext == "webm" && a.Ext == "webm" {
		return "webm"
	}
	if v.Ext == "mp4" && (a.Ext == "m4a" || a.Ext == "mp4") {
		return "mp4"
	}
	return "mkv"
}

// attemptKey identifies the work a strategy performs, regardless of its kind.
type attemptKey struct {
	video, audio, profile string
}

type chainBuilder struct {
	out  []Strategy
	seen map[attemptKey]bool
}

func (b *chainBuilder) add(s Strategy) {
	k := attemptKey{s.FormatID, s.AudioFormatID, s.Profile}
	if b.seen[k] {
		return
	}
	b.seen[k] = true
	b.out = append(b.out, s)
}
