package media

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxFilenameLen = 120

var (
	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)
	repeatedSeparators  = regexp.MustCompile(`[\s_]+`)
)

// SafeFilename folds title to a portable ASCII file name with the given extension.
func SafeFilename(title, ext string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	name, _, err := transform.String(t, title)
	if err != nil {
		name = title
	}

	name = strings.NewReplacer("/", " ", "\\", " ", ":", " ", "|", " ").Replace(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = repeatedSeparators.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._- ")

	if len(name) > maxFilenameLen {
		name = strings.TrimRight(name[:maxFilenameLen], "._- ")
	}
	if name == "" {
		name = "download"
	}

	ext = strings.Trim(strings.ToLower(ext), ". ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

var contentTypes = map[string]string{
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"3gp":  "video/3gpp",
	"m4a":  "audio/mp4",
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"ogg":  "audio/ogg",
	"weba": "audio/webm",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// ContentType maps a file extension, with or without the dot, to a MIME type.
func ContentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(strings.TrimPrefix(ext, "."))]; ok {
		return ct
	}
	return "application/octet-stream"
}
