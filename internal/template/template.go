// SPDX-License-Identifier: MIT

// Package template renders StreamVault's output filename templates (§6):
// a small variable-substitution language over Stream/Channel/Recording
// attributes, e.g. "{streamer}/{streamer}_{datetime}_{title}".
package template

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/streamvault/core/internal/svcerr"
)

var variablePattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Vars holds every substitutable value for one render. Fields correspond
// 1:1 to the variables listed in §6; Season and Episode are pre-formatted
// by the caller (season "SYYYY-MM", episode zero-padded) since they depend
// on policy-level padding width decisions made by the caller, not the
// template engine.
type Vars struct {
	Streamer string
	Title    string
	Game     string
	TwitchID string
	At       time.Time
	ID       string
	Season   string
	Episode  string
	Unique   string
}

func (v Vars) sanitizedTitle() string {
	return sanitizeComponent(v.Title)
}

func (v Vars) sanitizedGame() string {
	return sanitizeComponent(v.Game)
}

// sanitizeComponent strips path separators and control characters from a
// free-text value (title, category) before it is interpolated into a
// filesystem path component.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Render expands tmpl against vars. Unknown variables raise a
// *svcerr.TemplateError at resolve time, per §6.
func Render(tmpl string, vars Vars) (string, error) {
	values := map[string]string{
		"streamer":  vars.Streamer,
		"title":     vars.sanitizedTitle(),
		"game":      vars.sanitizedGame(),
		"twitch_id": vars.TwitchID,
		"year":      fmt.Sprintf("%04d", vars.At.Year()),
		"month":     fmt.Sprintf("%02d", int(vars.At.Month())),
		"day":       fmt.Sprintf("%02d", vars.At.Day()),
		"hour":      fmt.Sprintf("%02d", vars.At.Hour()),
		"minute":    fmt.Sprintf("%02d", vars.At.Minute()),
		"second":    fmt.Sprintf("%02d", vars.At.Second()),
		"timestamp": fmt.Sprintf("%d", vars.At.Unix()),
		"datetime":  vars.At.Format("20060102_150405"),
		"id":        vars.ID,
		"season":    vars.Season,
		"episode":   vars.Episode,
		"unique":    vars.Unique,
	}

	var outerErr error
	rendered := variablePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if outerErr != nil {
			return match
		}
		name := match[1 : len(match)-1]
		val, ok := values[name]
		if !ok {
			outerErr = &svcerr.TemplateError{Template: tmpl, Variable: name}
			return match
		}
		return val
	})
	if outerErr != nil {
		return "", outerErr
	}
	return rendered, nil
}

// Season formats a time into the "SYYYY-MM" season variable.
func Season(t time.Time) string {
	return fmt.Sprintf("S%04d-%02d", t.Year(), int(t.Month()))
}

// Episode zero-pads an episode number to three digits.
func Episode(n int) string {
	return fmt.Sprintf("%03d", n)
}
