package sdp

import (
	"fmt"
	"slices"
	"strings"

	pionsdp "github.com/pion/sdp/v3"

	"callcore/pkg/store"
)

const (
	codecOpus = "opus"
	codecRED  = "red"
)

// Rewriter applies the current settings to session descriptions.
type Rewriter struct {
	settings *store.Store[State, Action]
}

func NewRewriter(settings *store.Store[State, Action]) *Rewriter {
	return &Rewriter{settings: settings}
}

// Rewrite returns raw with the current settings applied. Descriptions that do
// not need changes are returned re-marshalled.
func (r *Rewriter) Rewrite(raw string) (string, error) {
	return Apply(r.settings.State(), raw)
}

// Apply rewrites raw according to st.
//
// With OpusDTX, every opus fmtp line that enables in-band FEC and says
// nothing about DTX gets usedtx=1. With RedundantCoding, the RED payload is
// moved to the front of each audio format list.
func Apply(st State, raw string) (string, error) {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		if st.OpusDTX {
			enableDTX(md)
		}
		if st.RedundantCoding {
			preferRED(md)
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// payloadTypes returns the payload types whose rtpmap names codec.
func payloadTypes(md *pionsdp.MediaDescription, codec string) []string {
	var pts []string
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if strings.EqualFold(name, codec) {
			pts = append(pts, pt)
		}
	}
	return pts
}

func enableDTX(md *pionsdp.MediaDescription) {
	opus := payloadTypes(md, codecOpus)
	for i, a := range md.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		pt, params, ok := strings.Cut(a.Value, " ")
		if !ok || !slices.Contains(opus, pt) {
			continue
		}
		if !strings.Contains(params, "useinbandfec=1") || strings.Contains(params, "usedtx") {
			continue
		}
		md.Attributes[i].Value = a.Value + ";usedtx=1"
	}
}

func preferRED(md *pionsdp.MediaDescription) {
	red := payloadTypes(md, codecRED)
	if len(red) == 0 {
		return
	}
	formats := make([]string, 0, len(md.MediaName.Formats))
	for _, f := range md.MediaName.Formats {
		if slices.Contains(red, f) {
			formats = append(formats, f)
		}
	}
	for _, f := range md.MediaName.Formats {
		if !slices.Contains(red, f) {
			formats = append(formats, f)
		}
	}
	md.MediaName.Formats = formats
}
