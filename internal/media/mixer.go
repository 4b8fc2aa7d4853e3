package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/deepswap/internal/utils"
)

// MixedOutputPath names the remuxed file after the processed video: out.mp4 -> out-with-audio.mp4
func MixedOutputPath(videoPath string) string {
	ext := filepath.Ext(videoPath)
	return strings.TrimSuffix(videoPath, ext) + "-with-audio" + ext
}

// mixArgs copies the first audio stream of audioSource and the first video stream of videoSource
// without re-encoding. The trailing "?" lets inputs without audio through.
func mixArgs(audioSource, videoSource, output string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", audioSource,
		"-i", videoSource,
		"-map", "1:v:0",
		"-map", "0:a:0?",
		"-c", "copy",
		output,
	}
}

// Mix merges the audio of audioSource with the video of videoSource into a new container
// and returns its path. An existing file at that path is never touched. Nothing is left on
// disk if any step fails.
func Mix(ctx context.Context, audioSource, videoSource string) (string, error) {
	output := MixedOutputPath(videoSource)

	for _, p := range []string{audioSource, videoSource} {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("failed to open %s for mixing: %w", p, err)
		}
	}

	// Claim the path first so the -y below only ever overwrites our own placeholder
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("mixed output %s already exists", output)
		}
		return "", fmt.Errorf("failed to create %s: %w", output, err)
	}
	f.Close()

	cmd := utils.NewSafeCommand(ctx, "ffmpeg", mixArgs(audioSource, videoSource, output)...)
	if err := cmd.Run(); err != nil {
		os.Remove(output)
		return "", &ProcessError{Op: "mix " + output, Err: err, Cmd: cmd}
	}
	return output, nil
}
