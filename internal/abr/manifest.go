package abr

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/reelforge/api/internal/model"
)

const (
	keyFile     = "enc.key"
	keyInfoFile = "enc.keyinfo"
	keyLine     = `#EXT-X-KEY:METHOD=AES-128,URI="enc.key"`
)

// HLSMaster renders the master playlist for the given levels, in order.
func HLSMaster(levels []model.QualityLevel) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, l := range levels {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", l.Bandwidth(), l.Resolution())
		fmt.Fprintf(&b, "%s.m3u8\n", l.Name)
	}
	return b.String()
}

// DASHManifest renders a minimal static MPD with one representation per
// level, in order.
func DASHManifest(levels []model.QualityLevel, duration float64) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-on-demand:2011" minBufferTime="PT2S" mediaPresentationDuration="PT%.3fS">`+"\n", duration)
	b.WriteString("  <Period>\n")
	b.WriteString(`    <AdaptationSet mimeType="video/mp4" segmentAlignment="true">` + "\n")
	for _, l := range levels {
		fmt.Fprintf(&b, `      <Representation id="%s" bandwidth="%d" width="%d" height="%d" />`+"\n",
			xmlEscape(l.Name), l.Bandwidth(), l.Width, l.Height)
	}
	b.WriteString("    </AdaptationSet>\n")
	b.WriteString("  </Period>\n")
	b.WriteString("</MPD>\n")
	return b.String()
}

// ensureKeyLine makes sure the variant playlist at path declares the
// AES-128 key before its first segment entry.
func ensureKeyLine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	insertAt := len(lines)
	for i, line := range lines {
		if strings.HasPrefix(line, keyLine) {
			return nil
		}
		if strings.HasPrefix(line, "#EXTINF") && insertAt == len(lines) {
			insertAt = i
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertAt]...)
	out = append(out, keyLine)
	out = append(out, lines[insertAt:]...)
	return os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0o644)
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
