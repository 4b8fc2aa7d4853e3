package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// Fallback table for hosts without a populated /etc/mime.types; Go's built-in
// table knows about images but not most video containers.
var extensionTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ts":   "video/mp2t",
	".3gp":  "video/3gpp",
}

// mediaType guesses the MIME type of a path from its extension.
func mediaType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// IsImage reports whether path names an image file.
func IsImage(path string) bool {
	return strings.HasPrefix(mediaType(path), "image/")
}

// IsVideo reports whether path names a video file.
func IsVideo(path string) bool {
	return strings.HasPrefix(mediaType(path), "video/")
}
