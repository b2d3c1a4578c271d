package voice

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/voxium/voice/internal/core"
)

// Fallbacks for offers whose audio section does not spell out the opus
// parameters (capture-device variance).
const (
	defaultOpusPayloadType uint8 = 111
	defaultOpusFmtp              = "minptime=10;useinbandfec=1"
	defaultMID                   = "0"
)

// LocalOfferFacts are the parts of the locally generated offer needed to
// assemble a compatible answer.
type LocalOfferFacts struct {
	MID             string
	OpusPayloadType uint8
	OpusFmtp        string
}

// RemoteDescriptionInfo is parsed from the gateway's simplified
// remote-description payload.
type RemoteDescriptionInfo struct {
	IP          string
	Port        uint16
	ICEUfrag    string
	ICEPwd      string
	Fingerprint string
	Candidates  []string
}

// extractOfferFacts reads mid and opus codec parameters out of the offer's
// audio section. Missing pieces fall back to defaults rather than failing:
// the gateway only needs a self-consistent answer.
func extractOfferFacts(offer string) LocalOfferFacts {
	facts := LocalOfferFacts{
		MID:             defaultMID,
		OpusPayloadType: defaultOpusPayloadType,
		OpusFmtp:        defaultOpusFmtp,
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offer)); err != nil {
		return facts
	}

	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		if mid, ok := media.Attribute("mid"); ok && mid != "" {
			facts.MID = mid
		}
		for _, attr := range media.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			// "111 opus/48000/2"
			fields := strings.Fields(attr.Value)
			if len(fields) < 2 || !strings.HasPrefix(strings.ToLower(fields[1]), "opus/") {
				continue
			}
			pt, err := strconv.ParseUint(fields[0], 10, 8)
			if err != nil {
				continue
			}
			facts.OpusPayloadType = uint8(pt)
			if fmtp, ok := fmtpFor(media, fields[0]); ok {
				facts.OpusFmtp = fmtp
			}
			break
		}
		break
	}
	return facts
}

func fmtpFor(media *sdp.MediaDescription, payloadType string) (string, bool) {
	for _, attr := range media.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		if pt, params, ok := strings.Cut(attr.Value, " "); ok && pt == payloadType {
			return params, true
		}
	}
	return "", false
}

// rewriteSSRC replaces the synchronization source on every "a=ssrc:" line
// with the server-assigned value, preserving the rest of the line. All
// distinct sources collapse into the one the gateway knows about; the
// operation is idempotent.
func rewriteSSRC(offer string, ssrc uint32) string {
	lines := strings.Split(offer, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(trimmed, "a=ssrc:") {
			continue
		}
		rest := ""
		if idx := strings.IndexByte(trimmed, ' '); idx >= 0 {
			rest = trimmed[idx:]
		}
		rewritten := fmt.Sprintf("a=ssrc:%d%s", ssrc, rest)
		if strings.HasSuffix(line, "\r") {
			rewritten += "\r"
		}
		lines[i] = rewritten
	}
	return strings.Join(lines, "\n")
}

// parseRemoteDescription reads the gateway's non-standard payload line by
// line. The payload carries no schema guarantee, so only the lines we know
// are interpreted and everything else is skipped.
func parseRemoteDescription(payload string) (RemoteDescriptionInfo, error) {
	var info RemoteDescriptionInfo
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			info.IP = strings.TrimPrefix(line, "c=IN IP4 ")
		case strings.HasPrefix(line, "m=audio "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				port, err := strconv.ParseUint(fields[1], 10, 16)
				if err == nil {
					info.Port = uint16(port)
				}
			}
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			info.ICEUfrag = strings.TrimPrefix(line, "a=ice-ufrag:")
		case strings.HasPrefix(line, "a=ice-pwd:"):
			info.ICEPwd = strings.TrimPrefix(line, "a=ice-pwd:")
		case strings.HasPrefix(line, "a=fingerprint:"):
			info.Fingerprint = strings.TrimPrefix(line, "a=fingerprint:")
		case strings.HasPrefix(line, "a=candidate:"):
			info.Candidates = append(info.Candidates, line)
		}
	}

	if info.IP == "" || info.Port == 0 {
		return info, fmt.Errorf("%w: remote description lacks transport address", core.ErrNegotiation)
	}
	if info.ICEUfrag == "" || info.ICEPwd == "" {
		return info, fmt.Errorf("%w: remote description lacks ICE credentials", core.ErrNegotiation)
	}
	if info.Fingerprint == "" {
		return info, fmt.Errorf("%w: remote description lacks DTLS fingerprint", core.ErrNegotiation)
	}
	return info, nil
}

// buildAnswer assembles a standards-shaped answer from the parsed remote
// transport parameters and the facts taken from our own offer: a single
// audio section, setup:active, rtcp-mux, and the remote candidate lines
// appended verbatim.
func buildAnswer(remote RemoteDescriptionInfo, facts LocalOfferFacts) string {
	var b strings.Builder
	write := func(line string) {
		b.WriteString(line)
		b.WriteString("\r\n")
	}

	write("v=0")
	write(fmt.Sprintf("o=- 0 0 IN IP4 %s", remote.IP))
	write("s=-")
	write("t=0 0")
	write(fmt.Sprintf("m=audio %d UDP/TLS/RTP/SAVPF %d", remote.Port, facts.OpusPayloadType))
	write(fmt.Sprintf("c=IN IP4 %s", remote.IP))
	write(fmt.Sprintf("a=rtpmap:%d opus/48000/2", facts.OpusPayloadType))
	write(fmt.Sprintf("a=fmtp:%d %s", facts.OpusPayloadType, facts.OpusFmtp))
	write(fmt.Sprintf("a=ice-ufrag:%s", remote.ICEUfrag))
	write(fmt.Sprintf("a=ice-pwd:%s", remote.ICEPwd))
	write(fmt.Sprintf("a=fingerprint:%s", remote.Fingerprint))
	write("a=setup:active")
	write(fmt.Sprintf("a=mid:%s", facts.MID))
	write("a=sendrecv")
	write("a=rtcp-mux")
	for _, candidate := range remote.Candidates {
		write(candidate)
	}
	return b.String()
}
