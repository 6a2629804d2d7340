// Package media turns symbolic media tags in bot replies into media
// dispatches and converts inbound voice notes into text.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels"
)

// Tag counts per media kind.
const (
	MaxImages = 7
	MaxVideos = 4
)

// tagPattern matches the tags a prompt may instruct the model to emit.
var tagPattern = regexp.MustCompile(`\[(imagen[1-7]|video[1-4])\]`)

// Library holds the asset URLs configured for one prompt. Images[0] is
// [imagen1], Videos[0] is [video1]. Empty entries are unconfigured.
type Library struct {
	Images [MaxImages]string
	Videos [MaxVideos]string
}

// Asset is a resolved media tag.
type Asset struct {
	Tag  string
	Type channels.MessageType
	URL  string
}

// ExtractTags returns the media tags of text in order of appearance.
// Repeated tags are returned once.
func ExtractTags(text string) []string {
	matches := tagPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	tags := matches[:0]
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		tags = append(tags, m)
	}
	return tags
}

// FirstTag returns the first media tag of text, or "".
func FirstTag(text string) string {
	return tagPattern.FindString(text)
}

// Lookup resolves a tag against the library. It returns false for unknown
// tags and for tags whose slot has no URL.
func Lookup(tag string, lib Library) (Asset, bool) {
	m := tagPattern.FindStringSubmatch(tag)
	if m == nil || m[0] != tag {
		return Asset{}, false
	}
	name := m[1]

	var (
		kind channels.MessageType
		url  string
	)
	switch {
	case strings.HasPrefix(name, "imagen"):
		kind = channels.MessageImage
		url = lib.Images[int(name[len(name)-1]-'1')]
	case strings.HasPrefix(name, "video"):
		kind = channels.MessageVideo
		url = lib.Videos[int(name[len(name)-1]-'1')]
	}
	if url == "" {
		return Asset{}, false
	}
	return Asset{Tag: tag, Type: kind, URL: url}, true
}

// Candidates resolves every tag of reply, in order, skipping unconfigured
// ones.
func Candidates(reply string, lib Library) []Asset {
	var out []Asset
	for _, tag := range ExtractTags(reply) {
		if a, ok := Lookup(tag, lib); ok {
			out = append(out, a)
		}
	}
	return out
}

// Caption returns reply with the first occurrence of tag removed.
func Caption(reply, tag string) string {
	return strings.TrimSpace(strings.Replace(reply, tag, "", 1))
}

// Sender delivers a reply to one participant.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error
}

// Dispatch is the outcome of Resolver.Dispatch.
type Dispatch struct {
	// Asset is the media that was sent; nil when the reply went out as text.
	Asset *Asset
	// Failed lists the tags whose send failed before a fallback succeeded.
	Failed []string
}

// Resolver sends replies, preferring the first resolvable media tag.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "media")}
}

// Dispatch sends reply to participant. At most one media item is sent: the
// first tag with a URL, captioned with the reply minus that tag. When a
// media send fails the next candidate is tried; when none remains the
// reply is sent as plain text.
func (r *Resolver) Dispatch(ctx context.Context, s Sender, to, reply string, lib Library) (Dispatch, error) {
	var out Dispatch

	for _, a := range Candidates(reply, lib) {
		msg := &channels.MediaMessage{
			Type:    a.Type,
			URL:     a.URL,
			Caption: Caption(reply, a.Tag),
		}
		if err := s.SendMedia(ctx, to, msg); err != nil {
			r.logger.Warn("media: send failed, trying next candidate",
				"tag", a.Tag, "type", a.Type, "error", err)
			out.Failed = append(out.Failed, a.Tag)
			continue
		}
		r.logger.Info("media: sent", "tag", a.Tag, "type", a.Type)
		out.Asset = &a
		return out, nil
	}

	if err := s.SendText(ctx, to, reply); err != nil {
		return out, fmt.Errorf("sending text reply: %w", err)
	}
	return out, nil
}
