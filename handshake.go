package cmakeserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
)

// SetProtocolVersion handles a request received before any protocol was selected.
//
// The request must be a handshake carrying a "protocolVersion" object with a required
// non-negative integer "major" and an optional non-negative integer "minor". The registered
// protocol with the exact version is selected; when "minor" is omitted the highest minor
// under the requested major is selected instead. The selected protocol is then activated
// with the handshake request. Any failure leaves the server without a selected protocol,
// so the client may retry with another handshake.
func (s *Server) SetProtocolVersion(req Request) *Response {
	if req.Type() != TypeHandshake {
		return req.ReportError(errMsgWaitingForHandshake)
	}

	pv, ok := req.data[KeyProtocolVersion].(map[string]any)
	if !ok {
		s.metrics.handshake(handshakeInvalid)
		return req.ReportError(errMsgProtocolVersionUnset)
	}

	major, present, valid := versionField(pv[KeyMajor])
	if !present || !valid {
		s.metrics.handshake(handshakeInvalid)
		return req.ReportError(errMsgMajorInvalid)
	}
	if major < 0 {
		s.metrics.handshake(handshakeInvalid)
		return req.ReportError(errMsgMajorNegative)
	}

	minor, present, valid := versionField(pv[KeyMinor])
	if present && !valid {
		s.metrics.handshake(handshakeInvalid)
		return req.ReportError(errMsgMinorInvalid)
	}
	if present && minor < 0 {
		s.metrics.handshake(handshakeInvalid)
		return req.ReportError(errMsgMinorNegative)
	}
	if !present {
		minor = -1
	}

	p := s.findMatchingProtocol(major, minor)
	if p == nil {
		s.logger.Info("unsupported protocol version requested",
			slog.Int("major", major), slog.Int("minor", minor))
		s.metrics.handshake(handshakeUnsupported)
		return req.ReportError(errMsgVersionNotSupported)
	}

	if err := s.activate(p, req); err != nil {
		s.metrics.handshake(handshakeActivationFailed)
		return req.ReportError(errMsgActivationFailed + err.Error())
	}

	s.protocol = p
	pMajor, pMinor := p.ProtocolVersion()
	s.logger.Info("protocol activated", slog.Int("major", pMajor), slog.Int("minor", pMinor))
	s.metrics.handshake(handshakeAccepted)

	return req.Reply(map[string]any{})
}

// activate runs p.Activate, turning a panic into an error so the handshake can be
// retried.
func (s *Server) activate(p Protocol, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("protocol panicked while activating", slog.Any("panic", r))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return p.Activate(req)
}

// findMatchingProtocol returns the protocol with the exact version, or, if minor is
// negative, the one with the highest minor version under major. It returns nil if none
// matches.
func (s *Server) findMatchingProtocol(major, minor int) Protocol {
	var best Protocol
	bestMinor := -1
	for _, p := range s.protocols {
		pMajor, pMinor := p.ProtocolVersion()
		if pMajor != major {
			continue
		}
		if pMinor == minor {
			return p
		}
		if minor < 0 && pMinor > bestMinor {
			best = p
			bestMinor = pMinor
		}
	}
	return best
}

// versionField interprets a decoded JSON value as an integer version component. present is
// false for a missing or null value; valid is false for anything that is not an integer.
func versionField(v any) (n int, present, valid bool) {
	switch v := v.(type) {
	case nil:
		return 0, false, false
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return versionField(float64(i))
		}
		f, err := v.Float64()
		if err != nil {
			return 0, true, false
		}
		return versionField(f)
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, true, false
		}
		return int(v), true, true
	case int:
		return v, true, true
	default:
		return 0, true, false
	}
}
