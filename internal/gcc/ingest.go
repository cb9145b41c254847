package gcc

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/haricheung/ops-shell/internal/types"
)

// sectionHeader delimits one turn in log.md. Both "HUMAN" and "Human" have
// appeared in logs written by earlier versions; accept either.
var sectionHeader = regexp.MustCompile(`(?m)^## \[(\d{2}:\d{2})\] (AI|HUMAN|Human): ?(.*)$`)

// ParseLog reads log.md back into typed messages, skipping the first
// startOffset sections. Offsets count sections, not bytes, so a log whose
// early sections were redacted or truncated replays identically. Tool
// outputs come back as AI text; their live tool-call identity is lost once
// written.
func ParseLog(path string, startOffset int) ([]types.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcc: read log %s: %w", path, err)
	}
	content := string(raw)

	locs := sectionHeader.FindAllStringSubmatchIndex(content, -1)
	if startOffset < 0 {
		startOffset = 0
	}
	if startOffset >= len(locs) {
		return nil, nil
	}

	var msgs []types.Message
	for i := startOffset; i < len(locs); i++ {
		loc := locs[i]
		ts := content[loc[2]:loc[3]]
		role := content[loc[4]:loc[5]]
		action := content[loc[6]:loc[7]]

		bodyEnd := len(content)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		body := strings.TrimSpace(content[loc[1]:bodyEnd])
		body = strings.TrimSuffix(body, "---")
		body = strings.TrimSpace(body)

		text := strings.TrimSpace(action)
		if body != "" {
			if text != "" {
				text += "\n"
			}
			text += body
		}

		var m types.Message
		if strings.EqualFold(role, "AI") {
			m = types.AIMsg(text)
		} else {
			m = types.HumanMsg(text)
		}
		m.Timestamp = ts
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// CountSections returns how many header-delimited sections path holds.
// Used to advance last_synced_count after a turn's own writes.
func CountSections(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return len(sectionHeader.FindAllIndex(raw, -1))
}
