package signaling

import (
	"encoding/json"
	"strings"

	"github.com/pion/ice/v4"
)

// candidatePayload ICE_CANDIDATE 载荷（RTCIceCandidateInit）
type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// IsRelayCandidate 载荷中的候选是否为 TURN 中继类型
func IsRelayCandidate(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var p candidatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return isRelay(p.Candidate)
}

// isRelay 优先按 ICE 语法解析，解析失败时退化为查找 " typ relay"
func isRelay(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	line := strings.TrimPrefix(strings.TrimPrefix(raw, "a="), "candidate:")
	if c, err := ice.UnmarshalCandidate(line); err == nil {
		return c.Type() == ice.CandidateTypeRelay
	}
	return strings.Contains(raw, " typ relay")
}
