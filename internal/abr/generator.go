// Package abr produces adaptive bitrate renditions of one source video and
// the HLS or DASH manifest that ties them together.
package abr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/transcoder"
)

const (
	DefaultSegmentDuration = 6
	DefaultFrameRate       = 30.0
	HLSMasterName          = "master.m3u8"
	DASHManifestName       = "manifest.mpd"
)

// Request describes one ABR run
type Request struct {
	SourcePath         string
	OutputDir          string
	QualityLevels      []model.QualityLevel
	Format             model.ManifestFormat
	SegmentDuration    int
	// FrameRate sets the keyframe interval. Zero probes the source and falls
	// back to DefaultFrameRate.
	FrameRate          float64
	EnableEncryption   bool
	GenerateThumbnails bool
}

// ProgressFunc is called after each tier with completed/total tiers.
type ProgressFunc func(completed, total int)

// PartialError reports a failed tier. Files of the completed tiers stay on
// disk.
type PartialError struct {
	Completed int
	Total     int
	Level     string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("rendition %s failed after %d/%d tiers: %v", e.Level, e.Completed, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Generator runs one transcoder invocation per tier.
type Generator struct {
	adapter transcoder.Adapter
	prober  transcoder.Prober
	logger  zerolog.Logger
}

// New creates a generator. prober may be nil, in which case the manifest
// duration stays zero.
func New(adapter transcoder.Adapter, prober transcoder.Prober, logger zerolog.Logger) *Generator {
	return &Generator{adapter: adapter, prober: prober, logger: logger.With().Str("component", "abr").Logger()}
}

func (g *Generator) Generate(ctx context.Context, req Request, progress ProgressFunc) (*model.RenditionManifest, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "renditions", "create output dir", err)
	}

	manifest := &model.RenditionManifest{
		Format:        req.Format,
		QualityLevels: append([]model.QualityLevel(nil), req.QualityLevels...),
	}
	files := newFileSet(req.OutputDir)

	if g.prober != nil {
		d, err := g.prober.Duration(ctx, req.SourcePath)
		if err != nil {
			g.logger.Warn().Err(err).Str("source", req.SourcePath).Msg("failed to probe source duration")
		} else {
			manifest.Duration = d
		}
	}

	if req.FrameRate <= 0 {
		req.FrameRate = g.frameRate(ctx, req.SourcePath)
	}

	keyInfo := ""
	if req.EnableEncryption {
		key, info, err := writeKey(req.OutputDir)
		if err != nil {
			return nil, err
		}
		manifest.EncryptionKey = key
		keyInfo = info
		files.add(keyFile)
		defer os.Remove(info)
	}

	total := len(req.QualityLevels)
	for i, level := range req.QualityLevels {
		log := g.logger.With().Str("level", level.Name).Logger()
		if err := ctx.Err(); err != nil {
			return nil, &PartialError{Completed: i, Total: total, Level: level.Name,
				Err: apperr.Wrap(apperr.ErrCancelled, "renditions", "encode tier", err)}
		}

		produced, err := g.encodeTier(ctx, req, level, keyInfo)
		if err != nil {
			log.Error().Err(err).Int("completed", i).Msg("tier failed")
			return nil, &PartialError{Completed: i, Total: total, Level: level.Name, Err: err}
		}
		files.add(produced...)

		if req.GenerateThumbnails {
			thumb, err := g.thumbnail(ctx, req, level, manifest.Duration)
			if err != nil {
				return nil, &PartialError{Completed: i, Total: total, Level: level.Name, Err: err}
			}
			manifest.Thumbnails = append(manifest.Thumbnails, thumb)
			files.add(thumb)
		}

		log.Debug().Int("completed", i+1).Int("total", total).Msg("tier done")
		if progress != nil {
			progress(i+1, total)
		}
	}

	var masterName, body string
	if req.Format == model.ManifestDASH {
		masterName, body = DASHManifestName, DASHManifest(req.QualityLevels, manifest.Duration)
	} else {
		masterName, body = HLSMasterName, HLSMaster(req.QualityLevels)
	}
	masterPath := filepath.Join(req.OutputDir, masterName)
	if err := os.WriteFile(masterPath, []byte(body), 0o644); err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "renditions", "write manifest", err)
	}
	files.add(masterName)

	manifest.MasterPlaylistPath = masterPath
	manifest.Files = files.list()
	manifest.TotalSize = files.size()
	return manifest, nil
}

// frameRate probes the source when the prober supports it.
func (g *Generator) frameRate(ctx context.Context, path string) float64 {
	fr, ok := g.prober.(transcoder.FrameRater)
	if !ok {
		return DefaultFrameRate
	}
	rate, err := fr.FrameRate(ctx, path)
	if err != nil || rate <= 0 {
		g.logger.Warn().Err(err).Str("source", path).Float64("fallback", DefaultFrameRate).Msg("failed to probe frame rate")
		return DefaultFrameRate
	}
	return rate
}

func validate(req *Request) error {
	if req.SourcePath == "" {
		return apperr.Validation("source path is required")
	}
	if req.OutputDir == "" {
		return apperr.Validation("output dir is required")
	}
	if len(req.QualityLevels) == 0 {
		return apperr.Validation("at least one quality level is required")
	}
	seen := make(map[string]bool, len(req.QualityLevels))
	for _, l := range req.QualityLevels {
		if l.Name == "" || l.Width <= 0 || l.Height <= 0 || l.BitrateKbps <= 0 {
			return apperr.Validation("invalid quality level %+v", l)
		}
		if seen[l.Name] {
			return apperr.Validation("duplicate quality level %q", l.Name)
		}
		seen[l.Name] = true
	}
	if req.Format == "" {
		req.Format = model.ManifestHLS
	}
	if req.Format != model.ManifestHLS && req.Format != model.ManifestDASH {
		return apperr.Validation("unknown manifest format %q", req.Format)
	}
	if req.EnableEncryption && req.Format != model.ManifestHLS {
		return apperr.Validation("encryption is only supported for hls")
	}
	if req.SegmentDuration <= 0 {
		req.SegmentDuration = DefaultSegmentDuration
	}
	return nil
}

// writeKey stores a random AES-128 key and the key info file ffmpeg reads.
// It returns the hex key and the key info path.
func writeKey(dir string) (string, string, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return "", "", apperr.Wrap(apperr.ErrResource, "renditions", "generate key", err)
	}
	keyPath := filepath.Join(dir, keyFile)
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return "", "", apperr.Wrap(apperr.ErrResource, "renditions", "write key", err)
	}
	infoPath := filepath.Join(dir, keyInfoFile)
	info := keyFile + "\n" + keyPath + "\n"
	if err := os.WriteFile(infoPath, []byte(info), 0o600); err != nil {
		return "", "", apperr.Wrap(apperr.ErrResource, "renditions", "write key info", err)
	}
	return hex.EncodeToString(key), infoPath, nil
}

func (g *Generator) encodeTier(ctx context.Context, req Request, level model.QualityLevel, keyInfo string) ([]string, error) {
	args := TierArgs(req, level, keyInfo)
	if err := g.run(ctx, args); err != nil {
		return nil, err
	}

	if req.Format == model.ManifestDASH {
		return []string{level.Name + ".mp4"}, nil
	}
	variant := filepath.Join(req.OutputDir, level.Name+".m3u8")
	if req.EnableEncryption {
		if err := ensureKeyLine(variant); err != nil {
			return nil, apperr.Wrap(apperr.ErrResource, "renditions", "check key line", err)
		}
	}
	segments, err := filepath.Glob(filepath.Join(req.OutputDir, level.Name+"_*.ts"))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "renditions", "list segments", err)
	}
	produced := []string{level.Name + ".m3u8"}
	for _, s := range segments {
		produced = append(produced, filepath.Base(s))
	}
	return produced, nil
}

// TierArgs builds the encoder arguments for one tier.
func TierArgs(req Request, level model.QualityLevel, keyInfo string) []string {
	rate := level.BitrateKbps
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		level.Width, level.Height, level.Width, level.Height)
	gop := strconv.Itoa(GOPSize(req.SegmentDuration, req.FrameRate))

	args := []string{
		"-i", req.SourcePath,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-vf", scale,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-b:v", fmt.Sprintf("%dk", rate),
		"-maxrate", fmt.Sprintf("%dk", rate*107/100),
		"-bufsize", fmt.Sprintf("%dk", rate*3/2),
		"-g", gop, "-keyint_min", gop, "-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", req.SegmentDuration),
		"-c:a", "aac", "-b:a", "128k", "-ac", "2", "-ar", "48000",
	}

	if req.Format == model.ManifestDASH {
		return append(args,
			"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
			"-f", "mp4",
			filepath.Join(req.OutputDir, level.Name+".mp4"),
		)
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(req.SegmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(req.OutputDir, level.Name+"_%03d.ts"),
	)
	if keyInfo != "" {
		args = append(args, "-hls_key_info_file", keyInfo)
	}
	return append(args, filepath.Join(req.OutputDir, level.Name+".m3u8"))
}

// GOPSize is the number of frames in one segment, so every segment starts on
// a keyframe.
func GOPSize(segmentSeconds int, fps float64) int {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	gop := int(math.Round(float64(segmentSeconds) * fps))
	if gop < 1 {
		return 1
	}
	return gop
}

func (g *Generator) thumbnail(ctx context.Context, req Request, level model.QualityLevel, duration float64) (string, error) {
	at := 1.0
	if duration > 0 {
		at = duration / 10
	}
	name := level.Name + "_thumb.jpg"
	args := []string{
		"-ss", strconv.FormatFloat(at, 'f', 3, 64),
		"-i", req.SourcePath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", level.Width, level.Height),
		"-q:v", "3",
		filepath.Join(req.OutputDir, name),
	}
	if err := g.run(ctx, args); err != nil {
		return "", err
	}
	return name, nil
}

func (g *Generator) run(ctx context.Context, args []string) error {
	stream, err := g.adapter.Run(ctx, args)
	if err != nil {
		return err
	}
	if err := stream.Drain(nil); err != nil {
		if apperr.Classify(err) == nil {
			err = apperr.Wrap(apperr.ErrTranscoder, "renditions", "encode", err)
		}
		return err
	}
	return nil
}

// fileSet tracks relative names of produced files.
type fileSet struct {
	dir   string
	seen  map[string]bool
	names []string
}

func newFileSet(dir string) *fileSet {
	return &fileSet{dir: dir, seen: make(map[string]bool)}
}

func (f *fileSet) add(names ...string) {
	for _, n := range names {
		if !f.seen[n] {
			f.seen[n] = true
			f.names = append(f.names, n)
		}
	}
}

func (f *fileSet) list() []string {
	out := append([]string(nil), f.names...)
	sort.Strings(out)
	return out
}

func (f *fileSet) size() int64 {
	var total int64
	for _, n := range f.names {
		info, err := os.Stat(filepath.Join(f.dir, n))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}
